// Package mediastream terminates Twilio media stream websockets: it reads
// the inbound JSON frames, hands decoded mu-law audio to a conversation and
// writes synthesized audio and clear commands back to the caller.
package mediastream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callbridge/agent/internal/auth"
	"callbridge/agent/internal/orchestrator"
)

const (
	startTimeout = 10 * time.Second
	writeTimeout = 5 * time.Second
)

type inboundFrame struct {
	Event     string     `json:"event"`
	StreamSid string     `json:"streamSid"`
	Start     *startInfo `json:"start,omitempty"`
	Media     *mediaInfo `json:"media,omitempty"`
	Mark      *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

type startInfo struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type mediaInfo struct {
	Track   string `json:"track"`
	Chunk   string `json:"chunk"`
	Payload string `json:"payload"`
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// Conversation is what a media stream drives once the call has started.
type Conversation interface {
	Feed(frame []byte)
	Close()
	Run(ctx context.Context) error
}

// Starter builds the conversation for a call. out writes to this stream.
type Starter func(ctx context.Context, info orchestrator.CallInfo, out orchestrator.Outbound) (Conversation, error)

type Handler struct {
	Start       Starter
	TokenSecret string // empty disables stream token checks
	TokenSkew   time.Duration
	Logger      *zap.Logger

	upgrader websocket.Upgrader
}

func NewHandler(start Starter, tokenSecret string, log *zap.Logger) *Handler {
	return &Handler{
		Start:       start,
		TokenSecret: tokenSecret,
		TokenSkew:   30 * time.Second,
		Logger:      log.Named("media"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Twilio does not send an Origin header
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("upgrade failed", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}
	defer conn.Close()

	start, err := h.awaitStart(conn)
	if err != nil {
		h.Logger.Warn("stream did not start", zap.Error(err))
		return
	}
	info := orchestrator.CallInfo{
		ID:      start.CallSid,
		CallSID: start.CallSid,
		Owner:   start.CustomParameters["owner"],
		Origin:  start.CustomParameters["From"],
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.Origin == "" {
		info.Origin = "unknown"
	}
	log := h.Logger.With(zap.String("call_id", info.ID), zap.String("stream_sid", start.StreamSid))

	if h.TokenSecret != "" {
		token := start.CustomParameters["token"]
		if _, err := auth.ValidateStreamToken(h.TokenSecret, token, start.CallSid, time.Now(), h.TokenSkew); err != nil {
			log.Warn("stream token rejected", zap.Error(err))
			h.closeWith(conn, websocket.ClosePolicyViolation, "unauthorized")
			return
		}
	}

	out := &streamWriter{conn: conn, streamSid: start.StreamSid}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conv, err := h.Start(ctx, info, out)
	if err != nil {
		log.Error("start conversation", zap.Error(err))
		h.closeWith(conn, websocket.CloseInternalServerErr, "unavailable")
		return
	}
	log.Info("stream started",
		zap.String("encoding", start.MediaFormat.Encoding),
		zap.Int("sample_rate", start.MediaFormat.SampleRate))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := conv.Run(ctx); err != nil {
			log.Error("conversation ended with error", zap.Error(err))
		}
	}()

	frames, err := h.readLoop(conn, conv, log)
	if err != nil {
		// transport loss: cancelling ctx finalizes the conversation
		log.Warn("stream lost", zap.Error(fmt.Errorf("%w: %v", orchestrator.ErrTransport, err)))
		cancel()
	} else {
		conv.Close()
	}
	<-done
	log.Info("stream closed", zap.Int("media_frames", frames))
}

func (h *Handler) awaitStart(conn *websocket.Conn) (*startInfo, error) {
	_ = conn.SetReadDeadline(time.Now().Add(startTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var f inboundFrame
		if err := conn.ReadJSON(&f); err != nil {
			return nil, err
		}
		switch f.Event {
		case "connected":
			continue
		case "start":
			if f.Start == nil {
				return nil, errors.New("start frame without start block")
			}
			if f.Start.StreamSid == "" {
				f.Start.StreamSid = f.StreamSid
			}
			return f.Start, nil
		case "stop":
			return nil, errors.New("stopped before start")
		}
	}
}

// readLoop feeds inbound audio until the stream stops. A nil error means the
// caller hung up normally.
func (h *Handler) readLoop(conn *websocket.Conn, conv Conversation, log *zap.Logger) (int, error) {
	frames := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return frames, nil
			}
			return frames, err
		}
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Debug("bad frame", zap.Error(err))
			continue
		}
		switch f.Event {
		case "media":
			if f.Media == nil || (f.Media.Track != "" && f.Media.Track != "inbound") {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(f.Media.Payload)
			if err != nil {
				log.Debug("bad media payload", zap.Error(err))
				continue
			}
			frames++
			conv.Feed(audio)
		case "mark":
			if f.Mark != nil {
				log.Debug("mark", zap.String("name", f.Mark.Name))
			}
		case "stop":
			return frames, nil
		}
	}
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// streamWriter serializes writes to the caller; gorilla allows one writer at a time.
type streamWriter struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	streamSid string
}

func (w *streamWriter) SendAudio(payload []byte) error {
	m := outboundMedia{Event: "media", StreamSid: w.streamSid}
	m.Media.Payload = base64.StdEncoding.EncodeToString(payload)
	return w.write(m)
}

func (w *streamWriter) SendClear() error {
	return w.write(outboundClear{Event: "clear", StreamSid: w.streamSid})
}

func (w *streamWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := w.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrTransport, err)
	}
	return nil
}
