package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voiq/sam/internal/config"
	"github.com/voiq/sam/internal/history"
	"github.com/voiq/sam/internal/httpapi"
	"github.com/voiq/sam/internal/intent"
	"github.com/voiq/sam/internal/observability"
	"github.com/voiq/sam/internal/reliability"
	"github.com/voiq/sam/internal/session"
	"github.com/voiq/sam/internal/voice"
)

const janitorInterval = 5 * time.Second

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg config.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	var store history.Store
	err := reliability.Retry(ctx, reliability.DefaultPolicy, func(attempt int) error {
		s, err := history.NewStore(ctx, cfg.DatabaseURL, cfg.HistoryRedactPII)
		if err != nil {
			logger.Warn("history store unavailable", "attempt", attempt+1, "error", err)
			return err
		}
		store = s
		return nil
	})
	if err != nil {
		return fmt.Errorf("history store init: %w", err)
	}
	defer store.Close()

	stt, tts, speechMode := buildSpeech(cfg, logger)
	dispatcher, intentMode := buildDispatcher(cfg, logger)
	logger.Info("providers ready", "speech", speechMode, "intent", intentMode, "history_postgres", cfg.DatabaseURL != "")

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	service := voice.NewService(voice.ServiceConfig{
		Lang:              cfg.IntentLang,
		RecognitionLocale: cfg.RecognitionLocale,
		DispatchTimeout:   cfg.IntentTimeout,
		PauseDetection:    cfg.PauseDetection,
		PauseInterval:     cfg.PauseInterval,
		PauseThreshold:    cfg.PauseThreshold,
		PauseTicks:        cfg.PauseTicks,
		Voice: voice.TTSSettings{
			VoiceID: cfg.ElevenLabsTTSVoice,
			ModelID: cfg.ElevenLabsTTSModel,
			Locale:  cfg.VoiceLocale,
			Rate:    cfg.SpeechRate,
		},
	}, voice.ServiceDeps{
		STT:        stt,
		TTS:        tts,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		History:    store,
		Metrics:    metrics,
		Logger:     logger,
	})
	sessions.SetExpireHook(func(s *session.Session) {
		logger.Info("session expired", "session_id", s.ID)
		service.EndSession(s.ID)
		metrics.ObserveSessionEvent("expired")
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, service, store, metrics)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	sessions.StartJanitor(runCtx, janitorInterval)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

// buildSpeech picks the recognition and synthesis backends. With SPEECH_FALLBACK_MOCK
// the realtime provider is wrapped so startup failures fall back to the mock.
func buildSpeech(cfg config.Config, logger *slog.Logger) (voice.STTProvider, voice.TTSProvider, string) {
	mock := voice.NewMockProvider()
	if !cfg.UseRealtimeSpeech() {
		return mock, mock, "mock"
	}
	realtime := voice.NewRealtimeProvider(voice.RealtimeConfig{
		APIKey:       cfg.ElevenLabsAPIKey,
		WSBaseURL:    cfg.ElevenLabsWSBaseURL,
		STTModelID:   cfg.ElevenLabsSTTModel,
		OutputFormat: cfg.ElevenLabsTTSOutputFormat,
	})
	if cfg.SpeechFallbackMock {
		stt, tts := voice.NewFailoverProviderPair(realtime, realtime, mock, mock, logger)
		return stt, tts, "elevenlabs+mock"
	}
	return realtime, realtime, "elevenlabs"
}

func buildDispatcher(cfg config.Config, logger *slog.Logger) (intent.Dispatcher, string) {
	if !cfg.UseHTTPIntent() {
		return intent.NewMockDispatcher(), "mock"
	}
	return intent.NewHTTPClient(intent.HTTPConfig{
		Endpoint: cfg.IntentEndpoint,
		Token:    cfg.IntentAPIToken,
		Lang:     cfg.IntentLang,
		Timeout:  cfg.IntentTimeout,
		Logger:   logger,
	}), "http"
}
