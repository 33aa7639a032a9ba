package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"callbridge/agent/internal/api"
	"callbridge/agent/internal/callstate"
	"callbridge/agent/internal/config"
	"callbridge/agent/internal/health"
	"callbridge/agent/internal/llm"
	"callbridge/agent/internal/logging"
	"callbridge/agent/internal/mediastream"
	"callbridge/agent/internal/orchestrator"
	"callbridge/agent/internal/records"
	"callbridge/agent/internal/stt"
	"callbridge/agent/internal/tts"
)

var checkOnly = flag.Bool("check", false, "check dependencies and providers, print the report and exit")

func main() {
	flag.Parse()
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()
	if cfg.Twilio.PublicURL == "" && cfg.Server.PublicHost != "" {
		cfg.Twilio.PublicURL = "https://" + cfg.Server.PublicHost
	}
	logger, err := logging.New(cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ropts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	rdb := redis.NewClient(ropts)
	defer rdb.Close()
	calls := callstate.New(rdb, callstate.Options{
		Prefix:  cfg.Redis.KeyPrefix,
		CallTTL: cfg.Redis.CallTTL,
		LockTTL: cfg.Alerts.LockTTL,
		Logger:  logger,
		Limits: map[callstate.LimitClass]callstate.Limit{
			callstate.ClassUser:  {Max: int64(cfg.Limits.UserMax), Window: cfg.Limits.Window},
			callstate.ClassPhone: {Max: int64(cfg.Limits.PhoneMax), Window: cfg.Limits.Window},
		},
	})

	checker := &health.Checker{
		Redis:       calls,
		DeepgramKey: cfg.Deepgram.APIKey,
		OpenAIKey:   cfg.OpenAI.APIKey,
	}

	// records are optional; without DATABASE_URL calls live only in the cache
	var (
		recs   orchestrator.RecordStore
		marker orchestrator.AlertMarker
		reader api.RecordReader
	)
	if cfg.Postgres.URL != "" {
		pool, err := records.Open(ctx, cfg.Postgres.URL)
		if err != nil {
			logger.Fatal("postgres", zap.Error(err))
		}
		defer pool.Close()
		if cfg.Postgres.AutoMigrate {
			if err := records.Migrate(ctx, pool, "up"); err != nil {
				logger.Fatal("migrate", zap.Error(err))
			}
		}
		store := records.New(pool)
		recs, marker, reader = store, store, store
		checker.Postgres = pool
	} else {
		logger.Warn("DATABASE_URL not set; call records disabled")
	}

	if *checkOnly {
		checker.Providers = true
		st := checker.CheckAll(ctx)
		fmt.Print(st.String())
		if !st.OK {
			os.Exit(1)
		}
		return
	}

	gen := llm.New(llm.Config{
		APIKey:  cfg.OpenAI.APIKey,
		Model:   cfg.OpenAI.Model,
		BaseURL: cfg.OpenAI.BaseURL,
	})
	alerter := orchestrator.NewAlerter(calls, marker, cfg.Alerts.Keywords, logger)
	registry := orchestrator.NewRegistry()

	start := func(ctx context.Context, info orchestrator.CallInfo, out orchestrator.Outbound) (mediastream.Conversation, error) {
		rec := stt.Dial(ctx, stt.Config{
			APIKey:        cfg.Deepgram.APIKey,
			Model:         cfg.Deepgram.STTModel,
			BaseURL:       cfg.Deepgram.ListenURL,
			EndpointingMs: cfg.Deepgram.EndpointingMs,
			UtterEndMs:    cfg.Deepgram.UtterEndMs,
			KeepAlive:     cfg.Deepgram.KeepAlive,
			SocketMaxAge:  cfg.Deepgram.SocketMaxAge,
		}, logger)
		syn := tts.Dial(ctx, tts.Config{
			APIKey:  cfg.Deepgram.APIKey,
			Model:   cfg.Deepgram.TTSModel,
			BaseURL: cfg.Deepgram.SpeakURL,
		}, logger)
		s := orchestrator.NewSession(info, orchestrator.Deps{
			Recognizer:  rec,
			Generator:   gen,
			Synthesizer: syn,
			Outbound:    out,
			Calls:       calls,
			Records:     recs,
			Alerter:     alerter,
			Logger:      logger,
		}, orchestrator.Options{
			Persona:    cfg.OpenAI.SystemPrompt,
			MaxHistory: cfg.OpenAI.MaxHistory,
			RecordRaw:  cfg.Debug.RecordRecognition,
		})
		return ownedSession{Session: s, reg: registry}, nil
	}
	media := mediastream.NewHandler(start, cfg.Auth.StreamSecret, logger)

	e := api.NewRouter(api.NewHandlers(cfg, calls, reader, checker, media, logger))
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           e,
		ReadHeaderTimeout: 5 * time.Second,
	}

	gs, hs := newGRPCHealth()
	go serveGRPC(gs, ":"+cfg.Server.GRPCPort, logger)
	go watchHealth(ctx, checker, hs, logger)
	go sweepStaleCalls(ctx, calls, logger)
	go logAlerts(ctx, calls, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received; draining calls")
		registry.CloseAll()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		hs.Shutdown()
		gs.GracefulStop()
	}()

	logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("grpc", cfg.Server.GRPCPort))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

// ownedSession runs a session as the registered owner of its call.
type ownedSession struct {
	*orchestrator.Session
	reg *orchestrator.Registry
}

func (o ownedSession) Run(ctx context.Context) error { return o.reg.Run(ctx, o.Session) }

func newGRPCHealth() (*grpc.Server, *grpchealth.Server) {
	// keepalive for fast death detection
	kap := keepalive.ServerParameters{
		MaxConnectionIdle:     2 * time.Minute,
		MaxConnectionAge:      15 * time.Minute,
		MaxConnectionAgeGrace: 30 * time.Second,
		Time:                  30 * time.Second,
		Timeout:               10 * time.Second,
	}
	kasp := keepalive.EnforcementPolicy{
		MinTime:             10 * time.Second,
		PermitWithoutStream: true,
	}
	gs := grpc.NewServer(grpc.KeepaliveParams(kap), grpc.KeepaliveEnforcementPolicy(kasp))
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

func serveGRPC(gs *grpc.Server, addr string, logger *zap.Logger) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("grpc listen", zap.Error(err))
		return
	}
	logger.Info("grpc health listening", zap.String("addr", addr))
	if err := gs.Serve(l); err != nil {
		logger.Error("grpc serve", zap.Error(err))
	}
}

func watchHealth(ctx context.Context, checker *health.Checker, hs *grpchealth.Server, logger *zap.Logger) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	last := true
	for {
		st := checker.CheckAll(ctx)
		status := healthpb.HealthCheckResponse_SERVING
		if !st.OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		if st.OK != last {
			logger.Info("health changed", zap.Bool("ok", st.OK), zap.Any("checks", st.Checks))
			last = st.OK
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func sweepStaleCalls(ctx context.Context, calls *callstate.Store, logger *zap.Logger) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := calls.CleanupStaleCalls(ctx)
			if err != nil {
				logger.Warn("stale call sweep", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pruned stale call index entries", zap.Int("count", n))
			}
		}
	}
}

func logAlerts(ctx context.Context, calls *callstate.Store, logger *zap.Logger) {
	sub, err := calls.SubscribeAlerts(ctx)
	if err != nil {
		logger.Warn("alert subscription unavailable", zap.Error(err))
		return
	}
	defer sub.Close()
	for evt := range sub.C {
		logger.Warn("caller alert",
			zap.String("call_id", evt.CallID),
			zap.String("origin", evt.Origin),
			zap.Strings("keywords", evt.Keywords))
	}
}
