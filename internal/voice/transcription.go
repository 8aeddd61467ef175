package voice

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/voiq/sam/internal/fault"
)

// ErrNoRecognition is returned when audio arrives with no recognition in progress.
var ErrNoRecognition = errors.New("voice: no active recognition")

// Transcript is one result of a recognition. Err is set on the terminal failure.
type Transcript struct {
	TurnID     string
	Text       string
	IsFinal    bool
	Confidence float64
	Err        error
}

// Transcriber holds at most one live recognition against an STT provider.
type Transcriber struct {
	provider STTProvider
	locale   string
	logger   *slog.Logger

	mu     sync.Mutex
	active *recognition
}

type recognition struct {
	turnID    string
	session   STTSession
	ctx       context.Context
	cancel    context.CancelFunc
	once      sync.Once
	ended     atomic.Bool
	cancelled atomic.Bool
}

// release tears the recognition down; session is nil while the start is pending. Safe to call from any goroutine, any number of times.
func (r *recognition) release() {
	r.once.Do(func() {
		r.cancel()
		if r.session != nil {
			_ = r.session.Close()
		}
	})
}

func NewTranscriber(provider STTProvider, locale string, logger *slog.Logger) *Transcriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{provider: provider, locale: strings.TrimSpace(locale), logger: logger}
}

// Start cancels any live recognition, then opens a new one for turnID. The returned
// channel yields partials, then exactly one final or error, then closes.
func (t *Transcriber) Start(ctx context.Context, turnID string) (<-chan Transcript, error) {
	return t.open(t.begin(ctx, turnID))
}

// begin registers the recognition for turnID, superseding any live one. It does no
// I/O, so callers on a latency-sensitive goroutine run it there and open elsewhere.
func (t *Transcriber) begin(ctx context.Context, turnID string) *recognition {
	rctx, cancel := context.WithCancel(ctx)
	r := &recognition{turnID: turnID, ctx: rctx, cancel: cancel}

	t.mu.Lock()
	prev := t.active
	t.active = r
	t.mu.Unlock()
	if prev != nil {
		prev.cancelled.Store(true)
		prev.release()
		t.logger.Debug("recognition superseded", "turn_id", prev.turnID)
	}
	return r
}

// open dials the provider for r. Cancel or a newer begin while the dial is pending
// aborts it.
func (t *Transcriber) open(r *recognition) (<-chan Transcript, error) {
	session, events, err := t.provider.StartSession(r.ctx, t.locale)

	t.mu.Lock()
	live := t.active == r
	if live && err == nil {
		r.session = session
	}
	if live && err != nil {
		t.active = nil
	}
	t.mu.Unlock()

	switch {
	case err != nil:
		r.cancel()
		return nil, fault.Wrap(err, fault.RecognitionFailed, "stt")
	case !live:
		_ = session.Close()
		return nil, fault.Wrap(context.Canceled, fault.RecognitionFailed, "stt")
	}

	out := make(chan Transcript, 16)
	go t.forward(r, events, out)
	return out, nil
}

func (t *Transcriber) forward(r *recognition, events <-chan STTEvent, out chan<- Transcript) {
	defer close(out)
	defer t.finish(r)

	for {
		select {
		case <-r.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				t.deliver(r, out, Transcript{
					TurnID: r.turnID,
					Err:    fault.New(fault.RecognitionFailed, "stt", "recognition ended without a final result"),
				})
				return
			}
			switch evt.Type {
			case STTEventPartial:
				t.deliver(r, out, Transcript{TurnID: r.turnID, Text: evt.Text, Confidence: evt.Confidence})
			case STTEventFinal:
				t.deliver(r, out, Transcript{TurnID: r.turnID, Text: strings.TrimSpace(evt.Text), IsFinal: true, Confidence: evt.Confidence})
				return
			case STTEventError:
				t.deliver(r, out, Transcript{TurnID: r.turnID, Err: &fault.Error{
					Kind:      fault.RecognitionFailed,
					Source:    "stt",
					Retryable: evt.Retryable,
					Detail:    strings.TrimSpace(evt.Code + " " + evt.Detail),
				}})
				return
			}
		}
	}
}

func (t *Transcriber) deliver(r *recognition, out chan<- Transcript, tr Transcript) {
	if r.cancelled.Load() {
		return
	}
	select {
	case out <- tr:
	case <-r.ctx.Done():
	}
}

func (t *Transcriber) finish(r *recognition) {
	t.mu.Lock()
	if t.active == r {
		t.active = nil
	}
	t.mu.Unlock()
	r.release()
}

// current returns the live recognition once its session is open.
func (t *Transcriber) current() *recognition {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil || t.active.session == nil {
		return nil
	}
	return t.active
}

// Append forwards PCM16 audio to the live recognition. Audio after Stop is ignored.
func (t *Transcriber) Append(ctx context.Context, pcm []byte, sampleRate int) error {
	r := t.current()
	if r == nil {
		return ErrNoRecognition
	}
	if r.ended.Load() || len(pcm) == 0 {
		return nil
	}
	if err := r.session.SendAudio(ctx, pcm, sampleRate); err != nil {
		return fault.Wrap(err, fault.RecognitionFailed, "stt")
	}
	return nil
}

// Stop ends audio input so the engine can finalize. Idempotent.
func (t *Transcriber) Stop(ctx context.Context) error {
	r := t.current()
	if r == nil || r.ended.Swap(true) {
		return nil
	}
	if err := r.session.EndAudio(ctx); err != nil {
		return fault.Wrap(err, fault.RecognitionFailed, "stt")
	}
	return nil
}

// Cancel tears down the live recognition without delivering further results. Idempotent.
func (t *Transcriber) Cancel() {
	t.mu.Lock()
	r := t.active
	t.active = nil
	t.mu.Unlock()
	if r == nil {
		return
	}
	r.cancelled.Store(true)
	r.release()
}

// Active reports whether a recognition is live or starting.
func (t *Transcriber) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil
}
