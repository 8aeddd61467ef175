package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice turn service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool
	LogLevel                 string

	SpeechProvider     string
	SpeechFallbackMock bool

	ElevenLabsAPIKey          string
	ElevenLabsWSBaseURL       string
	ElevenLabsSTTModel        string
	ElevenLabsTTSVoice        string
	ElevenLabsTTSModel        string
	ElevenLabsTTSOutputFormat string

	RecognitionLocale string
	VoiceLocale       string
	SpeechRate        float64

	IntentMode     string
	IntentEndpoint string
	IntentAPIToken string
	IntentLang     string
	IntentTimeout  time.Duration

	PauseDetection bool
	PauseInterval  time.Duration
	PauseTicks     int
	PauseThreshold float64

	DatabaseURL      string
	HistoryRedactPII bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "sam"),
		LogLevel:            strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		SpeechProvider:      strings.ToLower(envOrDefault("SPEECH_PROVIDER", "auto")),
		ElevenLabsAPIKey:    trimmedEnv("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsSTTModel:  envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),
		// A premade British voice, matching the default voice locale.
		ElevenLabsTTSVoice: envOrDefault("ELEVENLABS_TTS_VOICE_ID", "JBFqnCBsd6RMkjVDRZzb"),
		ElevenLabsTTSModel: envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		// Raw PCM keeps the assistant_audio_chunk payloads playable without a decoder.
		ElevenLabsTTSOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "pcm_16000"),
		RecognitionLocale:         envOrDefault("RECOGNITION_LOCALE", "en-US"),
		VoiceLocale:               envOrDefault("VOICE_LOCALE", "en-GB"),
		IntentMode:                strings.ToLower(envOrDefault("INTENT_MODE", "auto")),
		IntentEndpoint:            envOrDefault("INTENT_ENDPOINT", "https://api.api.ai/v1/query?v=20150910"),
		IntentAPIToken:            trimmedEnv("INTENT_API_TOKEN"),
		IntentLang:                envOrDefault("INTENT_LANG", "en"),
		DatabaseURL:               trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:           15 * time.Second,
		SessionInactivityTimeout:  2 * time.Minute,
		SpeechRate:                1.0,
		IntentTimeout:             10 * time.Second,
		PauseInterval:             time.Second,
		PauseTicks:                5,
		PauseThreshold:            0.2,
		HistoryRedactPII:          true,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.SpeechFallbackMock, err = boolFromEnv("SPEECH_FALLBACK_MOCK", cfg.SpeechFallbackMock); err != nil {
		return Config{}, err
	}
	if cfg.SpeechRate, err = floatFromEnv("SPEECH_RATE", cfg.SpeechRate); err != nil {
		return Config{}, err
	}
	if cfg.IntentTimeout, err = durationFromEnv("INTENT_TIMEOUT", cfg.IntentTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PauseDetection, err = boolFromEnv("PAUSE_DETECTION_ENABLED", cfg.PauseDetection); err != nil {
		return Config{}, err
	}
	if cfg.PauseInterval, err = durationFromEnv("PAUSE_INTERVAL", cfg.PauseInterval); err != nil {
		return Config{}, err
	}
	if cfg.PauseTicks, err = intFromEnv("PAUSE_TICKS", cfg.PauseTicks); err != nil {
		return Config{}, err
	}
	if cfg.PauseThreshold, err = floatFromEnv("PAUSE_THRESHOLD", cfg.PauseThreshold); err != nil {
		return Config{}, err
	}
	if cfg.HistoryRedactPII, err = boolFromEnv("HISTORY_REDACT_PII", cfg.HistoryRedactPII); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("APP_LOG_LEVEL must be one of debug, info, warn, error")
	}
	switch c.SpeechProvider {
	case "auto", "elevenlabs", "mock":
	default:
		return fmt.Errorf("SPEECH_PROVIDER must be one of auto, elevenlabs, mock")
	}
	if c.SpeechProvider == "elevenlabs" && c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("SPEECH_PROVIDER=elevenlabs requires ELEVENLABS_API_KEY")
	}
	switch c.IntentMode {
	case "auto", "http", "mock":
	default:
		return fmt.Errorf("INTENT_MODE must be one of auto, http, mock")
	}
	if c.IntentMode == "http" && c.IntentAPIToken == "" {
		return fmt.Errorf("INTENT_MODE=http requires INTENT_API_TOKEN")
	}
	if c.SpeechRate <= 0 || c.SpeechRate > 4 {
		return fmt.Errorf("SPEECH_RATE must be in (0, 4]")
	}
	if c.IntentTimeout <= 0 {
		return fmt.Errorf("INTENT_TIMEOUT must be positive")
	}
	if c.PauseInterval <= 0 {
		return fmt.Errorf("PAUSE_INTERVAL must be positive")
	}
	if c.PauseTicks <= 0 {
		return fmt.Errorf("PAUSE_TICKS must be positive")
	}
	if c.PauseThreshold <= 0 || c.PauseThreshold >= 1 {
		return fmt.Errorf("PAUSE_THRESHOLD must be in (0, 1)")
	}
	return nil
}

// UseRealtimeSpeech reports whether the ElevenLabs realtime provider should be built.
func (c Config) UseRealtimeSpeech() bool {
	switch c.SpeechProvider {
	case "elevenlabs":
		return true
	case "auto":
		return c.ElevenLabsAPIKey != ""
	default:
		return false
	}
}

// UseHTTPIntent reports whether turns go to the remote intent API instead of the echo mock.
func (c Config) UseHTTPIntent() bool {
	switch c.IntentMode {
	case "http":
		return true
	case "auto":
		return c.IntentAPIToken != ""
	default:
		return false
	}
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
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
	v := strings.ToLower(trimmedEnv(key))
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
