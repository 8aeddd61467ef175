package voice

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/voiq/sam/internal/history"
	"github.com/voiq/sam/internal/intent"
)

// scriptedSTT hands each new session to the test through sessions.
type scriptedSTT struct {
	sessions chan *scriptedSTTSession
	err      error
}

func newScriptedSTT() *scriptedSTT {
	return &scriptedSTT{sessions: make(chan *scriptedSTTSession, 8)}
}

func (p *scriptedSTT) StartSession(context.Context, string) (STTSession, <-chan STTEvent, error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	s := &scriptedSTTSession{events: make(chan STTEvent, 16)}
	p.sessions <- s
	return s, s.events, nil
}

type scriptedSTTSession struct {
	mu       sync.Mutex
	events   chan STTEvent
	closed   bool
	chunks   atomic.Int32
	endCalls atomic.Int32
}

func (s *scriptedSTTSession) SendAudio(context.Context, []byte, int) error {
	s.chunks.Add(1)
	return nil
}

func (s *scriptedSTTSession) EndAudio(context.Context) error {
	s.endCalls.Add(1)
	return nil
}

func (s *scriptedSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *scriptedSTTSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// emit sends evt unless the session was already closed.
func (s *scriptedSTTSession) emit(evt STTEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- evt
	return true
}

// gatedDispatcher blocks every call until the test releases a reply. It ignores
// cancellation so a reply can arrive after the turn is gone.
type gatedDispatcher struct {
	queries chan intent.Query
	replies chan dispatchReply
}

type dispatchReply struct {
	result intent.Result
	err    error
}

func newGatedDispatcher() *gatedDispatcher {
	return &gatedDispatcher{queries: make(chan intent.Query, 4), replies: make(chan dispatchReply, 4)}
}

func (d *gatedDispatcher) Dispatch(_ context.Context, q intent.Query) (intent.Result, error) {
	d.queries <- q
	r := <-d.replies
	return r.result, r.err
}

// holdTTS streams never finish on their own when text is "hold".
type holdTTS struct{}

func (holdTTS) StartStream(context.Context, TTSSettings) (TTSStream, error) {
	return &holdTTSStream{events: make(chan TTSEvent, 8)}, nil
}

type holdTTSStream struct {
	mu     sync.Mutex
	text   string
	events chan TTSEvent
	closed bool
}

func (s *holdTTSStream) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	return nil
}

func (s *holdTTSStream) CloseInput(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.text == "hold" {
		return nil
	}
	s.events <- TTSEvent{Type: TTSEventAudio, AudioBase64: "AAA=", Format: "pcm_s16le"}
	s.events <- TTSEvent{Type: TTSEventFinal}
	return nil
}

func (s *holdTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *holdTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

type failingTTS struct{}

func (failingTTS) StartStream(context.Context, TTSSettings) (TTSStream, error) {
	return &failingTTSStream{events: make(chan TTSEvent, 1)}, nil
}

type failingTTSStream struct{ events chan TTSEvent }

func (s *failingTTSStream) SendText(context.Context, string) error { return nil }
func (s *failingTTSStream) CloseInput(context.Context) error {
	s.events <- TTSEvent{Type: TTSEventError, Code: "quota_exceeded", Detail: "no credits"}
	return nil
}
func (s *failingTTSStream) Events() <-chan TTSEvent { return s.events }
func (s *failingTTSStream) Close() error            { return nil }

// stallingSTT holds StartSession open until the test releases it or ctx ends,
// standing in for an engine whose handshake hangs.
type stallingSTT struct {
	inner   *scriptedSTT
	entered chan struct{}
	release chan struct{}
	aborted atomic.Bool
}

func newStallingSTT() *stallingSTT {
	return &stallingSTT{inner: newScriptedSTT(), entered: make(chan struct{}, 4), release: make(chan struct{})}
}

func (p *stallingSTT) StartSession(ctx context.Context, locale string) (STTSession, <-chan STTEvent, error) {
	p.entered <- struct{}{}
	select {
	case <-p.release:
		return p.inner.StartSession(ctx, locale)
	case <-ctx.Done():
		p.aborted.Store(true)
		return nil, nil, ctx.Err()
	}
}

// stalledStore blocks every Record until release is closed.
type stalledStore struct {
	*history.InMemoryStore
	release chan struct{}
}

func (s *stalledStore) Record(ctx context.Context, rec history.TurnRecord) error {
	<-s.release
	return s.InMemoryStore.Record(ctx, rec)
}
