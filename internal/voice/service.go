package voice

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voiq/sam/internal/fault"
	"github.com/voiq/sam/internal/history"
	"github.com/voiq/sam/internal/intent"
	"github.com/voiq/sam/internal/observability"
	"github.com/voiq/sam/internal/protocol"
	"github.com/voiq/sam/internal/session"
)

type ServiceConfig struct {
	Lang              string
	RecognitionLocale string
	DispatchTimeout   time.Duration
	PauseDetection    bool
	PauseInterval     time.Duration
	PauseThreshold    float64
	PauseTicks        int
	Voice             TTSSettings
}

type ServiceDeps struct {
	STT        STTProvider
	TTS        TTSProvider
	Dispatcher intent.Dispatcher
	Sessions   *session.Manager
	History    history.Store
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Service runs one Controller per connected device session.
type Service struct {
	cfg    ServiceConfig
	deps   ServiceDeps
	logger *slog.Logger

	mu   sync.RWMutex
	live map[string]*liveConnection
}

type liveConnection struct {
	ctrl   *Controller
	cancel context.CancelFunc
}

func NewService(cfg ServiceConfig, deps ServiceDeps) *Service {
	if deps.STT == nil || deps.TTS == nil {
		mock := NewMockProvider()
		if deps.STT == nil {
			deps.STT = mock
		}
		if deps.TTS == nil {
			deps.TTS = mock
		}
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = intent.NewMockDispatcher()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, deps: deps, logger: logger, live: make(map[string]*liveConnection)}
}

func (s *Service) controllerConfig(sess *session.Session) ControllerConfig {
	voice := s.cfg.Voice
	if v := strings.TrimSpace(sess.VoiceID); v != "" {
		voice.VoiceID = v
	}
	recognition := s.cfg.RecognitionLocale
	if l := strings.TrimSpace(sess.Locale); l != "" {
		recognition = l
	}
	return ControllerConfig{
		SessionID:         sess.ID,
		Lang:              s.cfg.Lang,
		RecognitionLocale: recognition,
		AudioAvailable:    true,
		DispatchTimeout:   s.cfg.DispatchTimeout,
		PauseDetection:    s.cfg.PauseDetection,
		PauseInterval:     s.cfg.PauseInterval,
		PauseThreshold:    s.cfg.PauseThreshold,
		PauseTicks:        s.cfg.PauseTicks,
		Voice:             voice,
	}
}

// RunConnection drives a controller from client messages until inbound closes or ctx ends.
func (s *Service) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	var turns TurnTracker
	if s.deps.Sessions != nil {
		turns = s.deps.Sessions
	}
	ctrl := NewController(s.controllerConfig(sess), ControllerDeps{
		STT:        s.deps.STT,
		TTS:        s.deps.TTS,
		Dispatcher: s.deps.Dispatcher,
		Outbound:   outbound,
		Turns:      turns,
		History:    s.deps.History,
		Metrics:    s.deps.Metrics,
		Logger:     s.logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if prev := s.register(sess.ID, ctrl, cancel); prev != nil {
		s.logger.Info("replacing live connection", "session_id", sess.ID)
		prev.cancel()
	}
	defer s.unregister(sess.ID, ctrl)

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(runCtx) }()

	for {
		select {
		case <-runCtx.Done():
			return <-done
		case msg, ok := <-inbound:
			if !ok {
				cancel()
				return <-done
			}
			s.handleClientMessage(ctrl, sess.ID, msg, outbound)
		}
	}
}

func (s *Service) handleClientMessage(ctrl *Controller, sessionID string, msg any, outbound chan<- any) {
	if s.deps.Sessions != nil {
		_ = s.deps.Sessions.Touch(sessionID)
	}
	switch m := msg.(type) {
	case protocol.ClientAudioChunk:
		pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
		if err != nil || len(pcm)%2 != 0 {
			s.rejectClientMessage(sessionID, outbound, "invalid_audio", "pcm16_base64 must be base64 of 16-bit samples")
			return
		}
		ctrl.PushAudio(pcm, m.SampleRate)
	case protocol.ClientControl:
		switch m.Action {
		case protocol.ActionTap:
			ctrl.TapMic()
		case protocol.ActionStop:
			ctrl.StopSpeaking()
		case protocol.ActionCancel:
			ctrl.Cancel()
		case protocol.ActionAudioAvailable:
			ctrl.SetAudioAvailable(true)
		case protocol.ActionAudioUnavailable:
			ctrl.SetAudioAvailable(false)
		}
	}
}

func (s *Service) rejectClientMessage(sessionID string, outbound chan<- any, code, detail string) {
	evt := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "gateway",
		Detail:    detail,
	}
	select {
	case outbound <- evt:
		s.deps.Metrics.ObserveOutboundMessage(string(evt.Type), "delivered")
	default:
		s.deps.Metrics.ObserveOutboundMessage(string(evt.Type), "dropped")
	}
}

func (s *Service) register(sessionID string, ctrl *Controller, cancel context.CancelFunc) *liveConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.live[sessionID]
	s.live[sessionID] = &liveConnection{ctrl: ctrl, cancel: cancel}
	return prev
}

func (s *Service) unregister(sessionID string, ctrl *Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lc, ok := s.live[sessionID]; ok && lc.ctrl == ctrl {
		delete(s.live, sessionID)
	}
}

// Snapshot reports the controller state of a connected session.
func (s *Service) Snapshot(sessionID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lc, ok := s.live[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return lc.ctrl.Snapshot(), true
}

// EndSession stops the live connection of a session, if any.
func (s *Service) EndSession(sessionID string) {
	s.mu.RLock()
	lc := s.live[sessionID]
	s.mu.RUnlock()
	if lc != nil {
		lc.cancel()
	}
}

// QueryText dispatches text without audio. Useful to check the intent agent.
func (s *Service) QueryText(ctx context.Context, sessionID, text string) (intent.Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return intent.Result{}, fmt.Errorf("text is required")
	}
	timeout := s.cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.deps.Dispatcher.Dispatch(ctx, intent.Query{Text: text, SessionID: sessionID, Lang: s.cfg.Lang})
	if err != nil && fault.KindOf(err) == "" {
		err = fault.Wrap(err, fault.DispatchFailed, "intent")
	}
	return res, err
}
