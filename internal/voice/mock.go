package voice

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"
)

const mockTranscript = "simulated voice input"

// MockProvider recognizes every utterance with speech in it as a fixed phrase and
// "synthesizes" text by echoing its bytes. Used when no realtime backend is configured.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StartSession(_ context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	events := make(chan STTEvent, 64)
	return &mockSTTSession{events: events}, events, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ TTSSettings) (TTSStream, error) {
	return &mockTTSStream{events: make(chan TTSEvent, 128)}, nil
}

type mockSTTSession struct {
	mu       sync.Mutex
	events   chan STTEvent
	heard    bool
	finished bool
	closed   bool
}

func (s *mockSTTSession) SendAudio(_ context.Context, pcm []byte, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished || len(pcm) == 0 {
		return nil
	}
	s.heard = true
	s.emit(STTEvent{Type: STTEventPartial, Text: "...", Confidence: 0.5, Timestamp: time.Now().UnixMilli()})
	return nil
}

func (s *mockSTTSession) EndAudio(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished {
		return nil
	}
	s.finished = true
	text := ""
	if s.heard {
		text = mockTranscript
	}
	s.emit(STTEvent{Type: STTEventFinal, Text: text, Confidence: 0.7, Timestamp: time.Now().UnixMilli()})
	return nil
}

// emit drops partials when the buffer is full; the recognizer has moved on anyway.
func (s *mockSTTSession) emit(evt STTEvent) {
	if evt.Type == STTEventFinal {
		s.events <- evt
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}

func (s *mockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

type mockTTSStream struct {
	mu     sync.Mutex
	events chan TTSEvent
	closed bool
}

func (s *mockTTSStream) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || strings.TrimSpace(text) == "" {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	s.events <- TTSEvent{Type: TTSEventAudio, AudioBase64: encoded, Format: "mock_text_bytes"}
	return nil
}

func (s *mockTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.events <- TTSEvent{Type: TTSEventFinal}
	return nil
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
