package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// NewFailoverProviderPair builds STT/TTS providers that prefer the primary backend and
// switch both directions to the fallback when a primary session or stream fails to start.
// The fallback stays active until it fails itself; then the primary is retried.
func NewFailoverProviderPair(
	primarySTT STTProvider,
	primaryTTS TTSProvider,
	fallbackSTT STTProvider,
	fallbackTTS TTSProvider,
	logger *slog.Logger,
) (STTProvider, TTSProvider) {
	if logger == nil {
		logger = slog.Default()
	}
	state := &failoverState{logger: logger}
	return &failoverSTTProvider{state: state, primary: primarySTT, fallback: fallbackSTT},
		&failoverTTSProvider{state: state, primary: primaryTTS, fallback: fallbackTTS}
}

type failoverState struct {
	fallbackActive atomic.Bool
	logger         *slog.Logger
}

// start runs the preferred backend first and flips the shared flag on a switch.
func start[T any](s *failoverState, kind string, primary, fallback func() (T, error)) (T, error) {
	if s.fallbackActive.Load() {
		v, fbErr := fallback()
		if fbErr == nil {
			return v, nil
		}
		v, prErr := primary()
		if prErr == nil {
			s.fallbackActive.Store(false)
			s.logger.Info("speech provider restored to primary", "kind", kind)
			return v, nil
		}
		var zero T
		return zero, fmt.Errorf("%s fallback failed: %v; %s primary failed: %w", kind, fbErr, kind, prErr)
	}

	v, prErr := primary()
	if prErr == nil {
		return v, nil
	}
	v, fbErr := fallback()
	if fbErr != nil {
		var zero T
		return zero, fmt.Errorf("%s primary failed: %v; %s fallback failed: %w", kind, prErr, kind, fbErr)
	}
	s.fallbackActive.Store(true)
	s.logger.Warn("speech provider switched to fallback", "kind", kind, "error", prErr)
	return v, nil
}

type sttStart struct {
	session STTSession
	events  <-chan STTEvent
}

type failoverSTTProvider struct {
	state    *failoverState
	primary  STTProvider
	fallback STTProvider
}

func (p *failoverSTTProvider) StartSession(ctx context.Context, locale string) (STTSession, <-chan STTEvent, error) {
	open := func(provider STTProvider) func() (sttStart, error) {
		return func() (sttStart, error) {
			session, events, err := provider.StartSession(ctx, locale)
			return sttStart{session: session, events: events}, err
		}
	}
	got, err := start(p.state, "stt", open(p.primary), open(p.fallback))
	if err != nil {
		return nil, nil, err
	}
	return got.session, got.events, nil
}

type failoverTTSProvider struct {
	state    *failoverState
	primary  TTSProvider
	fallback TTSProvider
}

func (p *failoverTTSProvider) StartStream(ctx context.Context, settings TTSSettings) (TTSStream, error) {
	open := func(provider TTSProvider) func() (TTSStream, error) {
		return func() (TTSStream, error) { return provider.StartStream(ctx, settings) }
	}
	return start(p.state, "tts", open(p.primary), open(p.fallback))
}
