package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	KeepAliveEvery   time.Duration

	FFmpegPath string
	VADPython  string
	VADScript  string

	DeepgramAPIKey       string
	DeepgramWSURL        string
	STTModel             string
	STTChunkBytes        int
	STTKeepAlive         time.Duration
	STTReconnectAttempts int
	STTReconnectDelay    time.Duration

	TurnStrategy            string
	TurnGracePeriod         time.Duration
	TurnClassifierURL       string
	TurnClassifierThreshold float64

	LLMProvider    string
	GeminiAPIKey   string
	GeminiModel    string
	OpenAIAPIKey   string
	OpenAIModel    string
	OpenAIBaseURL  string
	LLMTemperature float64
	HistoryCap     int

	TTSProvider               string
	ElevenLabsAPIKey          string
	ElevenLabsWSBaseURL       string
	ElevenLabsVoiceID         string
	ElevenLabsModelID         string
	ElevenLabsStability       float64
	ElevenLabsSimilarityBoost float64
	ElevenLabsSpeed           float64
	DeepgramTTSModel          string

	InterruptCooldown time.Duration

	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	LiveKitIdentity  string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	CommerceAPIURL string
	CommerceAPIKey string
	StoreName      string

	DatabaseURL   string
	DefaultPrompt string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicegate"),
		ShutdownTimeout:  15 * time.Second,
		KeepAliveEvery:   10 * time.Second,

		FFmpegPath: envOrDefault("FFMPEG_PATH", "ffmpeg"),
		VADPython:  envOrDefault("VAD_PYTHON", "python3"),
		VADScript:  envOrDefault("VAD_SCRIPT", "scripts/vad.py"),

		DeepgramAPIKey:       stringsTrimSpace("DEEPGRAM_API_KEY"),
		DeepgramWSURL:        envOrDefault("DEEPGRAM_WS_URL", "wss://api.deepgram.com/v1/listen"),
		STTModel:             envOrDefault("STT_MODEL", "nova-3"),
		STTChunkBytes:        800,
		STTKeepAlive:         10 * time.Second,
		STTReconnectAttempts: 5,
		STTReconnectDelay:    time.Second,

		TurnStrategy:            strings.ToLower(envOrDefault("TURN_STRATEGY", "heuristic")),
		TurnGracePeriod:         time.Second,
		TurnClassifierURL:       stringsTrimSpace("TURN_CLASSIFIER_URL"),
		TurnClassifierThreshold: 0.03,

		LLMProvider:    strings.ToLower(envOrDefault("LLM_PROVIDER", "gemini")),
		GeminiAPIKey:   stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:    envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		OpenAIAPIKey:   stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIModel:    envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:  stringsTrimSpace("OPENAI_BASE_URL"),
		LLMTemperature: 0.1,
		HistoryCap:     8,

		TTSProvider:               strings.ToLower(envOrDefault("TTS_PROVIDER", "elevenlabs")),
		ElevenLabsAPIKey:          stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:       envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsVoiceID:         envOrDefault("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModelID:         envOrDefault("ELEVENLABS_MODEL_ID", "eleven_flash_v2_5"),
		ElevenLabsStability:       0.5,
		ElevenLabsSimilarityBoost: 0.75,
		ElevenLabsSpeed:           1.0,
		DeepgramTTSModel:          envOrDefault("DEEPGRAM_TTS_MODEL", "aura-2-thalia-en"),

		InterruptCooldown: 200 * time.Millisecond,

		LiveKitURL:       stringsTrimSpace("LIVEKIT_URL"),
		LiveKitAPIKey:    stringsTrimSpace("LIVEKIT_API_KEY"),
		LiveKitAPISecret: stringsTrimSpace("LIVEKIT_API_SECRET"),
		LiveKitIdentity:  envOrDefault("LIVEKIT_AGENT_IDENTITY", "voicegate-agent"),

		TwilioAccountSID: stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: stringsTrimSpace("TWILIO_FROM_NUMBER"),

		CommerceAPIURL: stringsTrimSpace("COMMERCE_API_URL"),
		CommerceAPIKey: stringsTrimSpace("COMMERCE_API_KEY"),
		StoreName:      stringsTrimSpace("STORE_NAME"),

		DatabaseURL:   stringsTrimSpace("DATABASE_URL"),
		DefaultPrompt: stringsTrimSpace("DEFAULT_PROMPT"),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_KEEPALIVE_INTERVAL", &cfg.KeepAliveEvery},
		{"STT_KEEPALIVE_INTERVAL", &cfg.STTKeepAlive},
		{"STT_RECONNECT_DELAY", &cfg.STTReconnectDelay},
		{"TURN_GRACE_PERIOD", &cfg.TurnGracePeriod},
		{"INTERRUPT_COOLDOWN", &cfg.InterruptCooldown},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"STT_CHUNK_BYTES", &cfg.STTChunkBytes},
		{"STT_RECONNECT_ATTEMPTS", &cfg.STTReconnectAttempts},
		{"HISTORY_CAP", &cfg.HistoryCap},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{"TURN_CLASSIFIER_THRESHOLD", &cfg.TurnClassifierThreshold},
		{"LLM_TEMPERATURE", &cfg.LLMTemperature},
		{"ELEVENLABS_STABILITY", &cfg.ElevenLabsStability},
		{"ELEVENLABS_SIMILARITY_BOOST", &cfg.ElevenLabsSimilarityBoost},
		{"ELEVENLABS_SPEED", &cfg.ElevenLabsSpeed},
	}
	for _, f := range floats {
		if *f.dst, err = floatFromEnv(f.key, *f.dst); err != nil {
			return Config{}, err
		}
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.TurnStrategy {
	case "heuristic":
	case "remote":
		if c.TurnClassifierURL == "" {
			return fmt.Errorf("TURN_CLASSIFIER_URL is required when TURN_STRATEGY=remote")
		}
	default:
		return fmt.Errorf("TURN_STRATEGY must be heuristic or remote, got %q", c.TurnStrategy)
	}
	switch c.LLMProvider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("LLM_PROVIDER must be gemini or openai, got %q", c.LLMProvider)
	}
	switch c.TTSProvider {
	case "elevenlabs", "deepgram":
	default:
		return fmt.Errorf("TTS_PROVIDER must be elevenlabs or deepgram, got %q", c.TTSProvider)
	}
	if c.STTChunkBytes <= 0 || c.STTChunkBytes%2 != 0 {
		return fmt.Errorf("STT_CHUNK_BYTES must be a positive even number")
	}
	if c.STTReconnectAttempts <= 0 {
		return fmt.Errorf("STT_RECONNECT_ATTEMPTS must be positive")
	}
	if c.HistoryCap < 2 {
		return fmt.Errorf("HISTORY_CAP must be at least 2")
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be within [0, 2]")
	}
	if c.TurnClassifierThreshold <= 0 || c.TurnClassifierThreshold >= 1 {
		return fmt.Errorf("TURN_CLASSIFIER_THRESHOLD must be within (0, 1)")
	}
	if c.TurnGracePeriod < 100*time.Millisecond {
		return fmt.Errorf("TURN_GRACE_PERIOD must be at least 100ms")
	}
	if c.InterruptCooldown < 0 {
		return fmt.Errorf("INTERRUPT_COOLDOWN must be >= 0")
	}
	return nil
}

// LiveKitEnabled reports whether room credentials are complete.
func (c Config) LiveKitEnabled() bool {
	return c.LiveKitURL != "" && c.LiveKitAPIKey != "" && c.LiveKitAPISecret != ""
}

// SMSEnabled reports whether the Twilio REST credentials are complete.
func (c Config) SMSEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
