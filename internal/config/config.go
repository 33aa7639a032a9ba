package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port       string
		GRPCPort   string
		PublicHost string
		LogLevel   string
	}
	Redis struct {
		URL       string
		KeyPrefix string
		CallTTL   time.Duration
	}
	Postgres struct {
		URL         string
		AutoMigrate bool
	}
	Deepgram struct {
		APIKey        string
		STTModel      string
		TTSModel      string
		ListenURL     string
		SpeakURL      string
		EndpointingMs int
		UtterEndMs    int
		KeepAlive     time.Duration
		SocketMaxAge  time.Duration
	}
	OpenAI struct {
		APIKey       string
		Model        string
		BaseURL      string
		SystemPrompt string
		MaxHistory   int
	}
	Twilio struct {
		AuthToken string
		PublicURL string
	}
	Limits struct {
		UserMax  int
		PhoneMax int
		Window   time.Duration
	}
	Alerts struct {
		Keywords []string
		LockTTL  time.Duration
	}
	Auth struct {
		StreamSecret string
		TokenTTL     time.Duration
	}
	Debug struct {
		RecordRecognition bool
	}
}

const defaultPersona = "You are Elder Companion, a warm and patient voice assistant for older adults. " +
	"Keep answers short, clear and kind. Speak in plain sentences without lists or markup. " +
	"If the caller mentions an emergency, tell them help is being notified and stay calm."

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.key_prefix", "ec")
	v.SetDefault("redis.call_ttl", "2h")

	v.SetDefault("postgres.auto_migrate", true)

	v.SetDefault("deepgram.stt_model", "nova-2-phonecall")
	v.SetDefault("deepgram.tts_model", "aura-asteria-en")
	v.SetDefault("deepgram.endpointing_ms", 300)
	v.SetDefault("deepgram.utterance_end_ms", 1000)
	v.SetDefault("deepgram.keepalive", "10s")
	// zero keeps a recognition socket for the whole call
	v.SetDefault("deepgram.socket_max_age", "0s")

	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.system_prompt", defaultPersona)
	v.SetDefault("openai.max_history", 10)

	v.SetDefault("limits.user_max", 10)
	v.SetDefault("limits.phone_max", 5)
	v.SetDefault("limits.window", "60s")

	v.SetDefault("alerts.keywords", "help,emergency,pain,fell,hurt,sick,hospital")
	v.SetDefault("alerts.lock_ttl", "5m")

	v.SetDefault("auth.token_ttl", "10m")

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.grpc_port", "GRPC_PORT")
	v.BindEnv("server.public_host", "PUBLIC_HOST")
	v.BindEnv("server.log_level", "LOG_LEVEL")

	v.BindEnv("redis.url", "REDIS_URL")
	v.BindEnv("redis.key_prefix", "REDIS_KEY_PREFIX")
	v.BindEnv("redis.call_ttl", "CALL_TTL")

	v.BindEnv("postgres.url", "DATABASE_URL")
	v.BindEnv("postgres.auto_migrate", "DATABASE_AUTO_MIGRATE")

	v.BindEnv("deepgram.api_key", "DEEPGRAM_API_KEY")
	v.BindEnv("deepgram.stt_model", "DEEPGRAM_MODEL")
	v.BindEnv("deepgram.tts_model", "DEEPGRAM_TTS_MODEL")
	v.BindEnv("deepgram.listen_url", "DEEPGRAM_WS_URL")
	v.BindEnv("deepgram.speak_url", "DEEPGRAM_SPEAK_URL")
	v.BindEnv("deepgram.endpointing_ms", "DEEPGRAM_ENDPOINTING_MS")
	v.BindEnv("deepgram.utterance_end_ms", "DEEPGRAM_UTTERANCE_END_MS")
	v.BindEnv("deepgram.keepalive", "DEEPGRAM_KEEPALIVE")
	v.BindEnv("deepgram.socket_max_age", "DEEPGRAM_SOCKET_MAX_AGE")

	v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("openai.model", "OPENAI_MODEL")
	v.BindEnv("openai.base_url", "OPENAI_BASE_URL")
	v.BindEnv("openai.system_prompt", "SYSTEM_PROMPT")
	v.BindEnv("openai.max_history", "OPENAI_MAX_HISTORY")

	v.BindEnv("twilio.auth_token", "TWILIO_AUTH_TOKEN")
	v.BindEnv("twilio.public_url", "TWILIO_PUBLIC_URL")

	v.BindEnv("limits.user_max", "RATE_LIMIT_USER_MAX")
	v.BindEnv("limits.phone_max", "RATE_LIMIT_PHONE_MAX")
	v.BindEnv("limits.window", "RATE_LIMIT_WINDOW")

	v.BindEnv("alerts.keywords", "ALERT_KEYWORDS")
	v.BindEnv("alerts.lock_ttl", "ALERT_LOCK_TTL")

	v.BindEnv("auth.stream_secret", "STREAM_TOKEN_SECRET")
	v.BindEnv("auth.token_ttl", "STREAM_TOKEN_TTL")

	v.BindEnv("debug.record_recognition", "DEBUG_RECORD_RECOGNITION")

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.GRPCPort = toString(v.Get("server.grpc_port"))
	c.Server.PublicHost = v.GetString("server.public_host")
	c.Server.LogLevel = v.GetString("server.log_level")

	c.Redis.URL = v.GetString("redis.url")
	c.Redis.KeyPrefix = v.GetString("redis.key_prefix")
	c.Redis.CallTTL = v.GetDuration("redis.call_ttl")

	c.Postgres.URL = v.GetString("postgres.url")
	c.Postgres.AutoMigrate = v.GetBool("postgres.auto_migrate")

	c.Deepgram.APIKey = v.GetString("deepgram.api_key")
	c.Deepgram.STTModel = v.GetString("deepgram.stt_model")
	c.Deepgram.TTSModel = v.GetString("deepgram.tts_model")
	c.Deepgram.ListenURL = v.GetString("deepgram.listen_url")
	c.Deepgram.SpeakURL = v.GetString("deepgram.speak_url")
	c.Deepgram.EndpointingMs = v.GetInt("deepgram.endpointing_ms")
	c.Deepgram.UtterEndMs = v.GetInt("deepgram.utterance_end_ms")
	c.Deepgram.KeepAlive = v.GetDuration("deepgram.keepalive")
	c.Deepgram.SocketMaxAge = v.GetDuration("deepgram.socket_max_age")

	c.OpenAI.APIKey = v.GetString("openai.api_key")
	c.OpenAI.Model = v.GetString("openai.model")
	c.OpenAI.BaseURL = v.GetString("openai.base_url")
	c.OpenAI.SystemPrompt = v.GetString("openai.system_prompt")
	c.OpenAI.MaxHistory = v.GetInt("openai.max_history")

	c.Twilio.AuthToken = v.GetString("twilio.auth_token")
	c.Twilio.PublicURL = v.GetString("twilio.public_url")

	c.Limits.UserMax = v.GetInt("limits.user_max")
	c.Limits.PhoneMax = v.GetInt("limits.phone_max")
	c.Limits.Window = v.GetDuration("limits.window")

	c.Alerts.Keywords = splitList(v.GetString("alerts.keywords"))
	c.Alerts.LockTTL = v.GetDuration("alerts.lock_ttl")

	c.Auth.StreamSecret = v.GetString("auth.stream_secret")
	c.Auth.TokenTTL = v.GetDuration("auth.token_ttl")

	c.Debug.RecordRecognition = v.GetBool("debug.record_recognition")

	log.Printf("config loaded: port=%s grpc_port=%s redis_prefix=%s stt_model=%s llm_model=%s",
		c.Server.Port, c.Server.GRPCPort, c.Redis.KeyPrefix, c.Deepgram.STTModel, c.OpenAI.Model)
	return c
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toString(v any) string { return fmt.Sprint(v) }
