package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Upstream model provider.
	ModelBaseURL     string
	ModelAPIKey      string
	ModelName        string
	ModelVoice       string // empty disables audio output
	ModelCallTimeout time.Duration
	MaxContextTurns  int

	// TranscribeModel is the speech-to-text model for uploaded recordings.
	TranscribeModel string

	// System prompt handed to every dialog step.
	SystemPrompt string

	// Streaming synchronization knobs.
	SentenceTerminals    []string // empty => built-in defaults
	IdleFragmentTimeout  time.Duration
	SchedulerWaitTimeout time.Duration

	// Session loop timeouts.
	InputWaitTimeout   time.Duration
	OutputDrainTimeout time.Duration

	// Lifecycle sweeper.
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration

	// AiSpeaksFirst runs one dialog step when the websocket attaches,
	// before any client input.
	AiSpeaksFirst bool

	// WebSocket transport.
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
	WSReadTimeout     time.Duration
	WSMaxMessageBytes int64

	// In-memory rate limits for /v1/respond.
	LimitRPS   float64
	LimitBurst int

	// Operational defaults.
	MaxBodyBytes        int64
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("VOXLANE_ADDR", ":8080"),
		AuthMode:             AuthMode(envOr("VOXLANE_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:              make(map[string]struct{}),
		CORSAllowedOrigins:   make(map[string]struct{}),
		ModelBaseURL:         envOr("VOXLANE_MODEL_BASE_URL", "https://api.openai.com/v1"),
		ModelAPIKey:          strings.TrimSpace(os.Getenv("VOXLANE_MODEL_API_KEY")),
		ModelName:            envOr("VOXLANE_MODEL", "gpt-4o-audio-preview"),
		ModelVoice:           envOr("VOXLANE_MODEL_VOICE", "alloy"),
		ModelCallTimeout:     envDurationOr("VOXLANE_MODEL_CALL_TIMEOUT", 60*time.Second),
		MaxContextTurns:      envIntOr("VOXLANE_MAX_CONTEXT_TURNS", 20),
		TranscribeModel:      envOr("VOXLANE_TRANSCRIBE_MODEL", "whisper-1"),
		SystemPrompt:         envOr("VOXLANE_SYSTEM_PROMPT", "You are a helpful voice assistant."),
		SentenceTerminals:    splitTerminals(os.Getenv("VOXLANE_SENTENCE_TERMINALS")),
		IdleFragmentTimeout:  envDurationOr("VOXLANE_IDLE_FRAGMENT_TIMEOUT", 60*time.Second),
		SchedulerWaitTimeout: envDurationOr("VOXLANE_SCHEDULER_WAIT_TIMEOUT", 180*time.Second),
		InputWaitTimeout:     envDurationOr("VOXLANE_INPUT_WAIT_TIMEOUT", 180*time.Second),
		OutputDrainTimeout:   envDurationOr("VOXLANE_OUTPUT_DRAIN_TIMEOUT", 120*time.Second),
		SessionIdleTimeout:   envDurationOr("VOXLANE_SESSION_IDLE_TIMEOUT", 2*time.Minute),
		SweepInterval:        envDurationOr("VOXLANE_SWEEP_INTERVAL", 60*time.Second),
		AiSpeaksFirst:        envBoolOr("VOXLANE_AI_SPEAKS_FIRST", false),
		WSPingInterval:       envDurationOr("VOXLANE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:       envDurationOr("VOXLANE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:        envDurationOr("VOXLANE_WS_READ_TIMEOUT", 0),
		WSMaxMessageBytes:    envInt64Or("VOXLANE_WS_MAX_MESSAGE_BYTES", 64*1024),
		LimitRPS:             envFloat64Or("VOXLANE_RATE_LIMIT_RPS", 2.0),
		LimitBurst:           envIntOr("VOXLANE_RATE_LIMIT_BURST", 4),
		MaxBodyBytes:         envInt64Or("VOXLANE_MAX_BODY_BYTES", 1<<20), // 1 MiB
		ReadHeaderTimeout:    envDurationOr("VOXLANE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("VOXLANE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogLevel:             envOr("VOXLANE_LOG_LEVEL", "info"),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOXLANE_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VOXLANE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VOXLANE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.ModelBaseURL) == "" {
		return Config{}, fmt.Errorf("VOXLANE_MODEL_BASE_URL must not be empty")
	}
	if cfg.ModelAPIKey == "" {
		return Config{}, fmt.Errorf("VOXLANE_MODEL_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.ModelName) == "" {
		return Config{}, fmt.Errorf("VOXLANE_MODEL must not be empty")
	}
	if cfg.ModelCallTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_MODEL_CALL_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(cfg.TranscribeModel) == "" {
		return Config{}, fmt.Errorf("VOXLANE_TRANSCRIBE_MODEL must not be empty")
	}
	if cfg.MaxContextTurns < 0 {
		return Config{}, fmt.Errorf("VOXLANE_MAX_CONTEXT_TURNS must be >= 0")
	}
	if cfg.IdleFragmentTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_IDLE_FRAGMENT_TIMEOUT must be > 0")
	}
	if cfg.SchedulerWaitTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_SCHEDULER_WAIT_TIMEOUT must be > 0")
	}
	if cfg.InputWaitTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_INPUT_WAIT_TIMEOUT must be > 0")
	}
	if cfg.OutputDrainTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_OUTPUT_DRAIN_TIMEOUT must be > 0")
	}
	if cfg.SessionIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_SESSION_IDLE_TIMEOUT must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_SWEEP_INTERVAL must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOXLANE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VOXLANE_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VOXLANE_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_MAX_BODY_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("VOXLANE_LOG_LEVEL must be one of debug|info|warn|error")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VOXLANE_API_KEYS must be set when VOXLANE_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// splitTerminals parses sentence terminals from a comma-separated list.
// Unlike splitCSV it preserves surrounding spaces, since terminals such
// as ". " are space-significant, and expands the literal sequence \n.
func splitTerminals(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ReplaceAll(p, `\n`, "\n")
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
