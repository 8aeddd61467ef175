package voice

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/voiq/sam/internal/fault"
)

type PlaybackEventType string

const (
	PlaybackStarted  PlaybackEventType = "started"
	PlaybackAudio    PlaybackEventType = "audio"
	PlaybackFinished PlaybackEventType = "finished"
)

// PlaybackEvent reports the progress of one utterance. Finished carries Err when
// synthesis failed and Interrupted when the utterance was stopped or superseded.
type PlaybackEvent struct {
	Type        PlaybackEventType
	TurnID      string
	UtteranceID string
	AudioBase64 string
	Format      string
	Interrupted bool
	Err         error
}

// Playback synthesizes one utterance at a time. Events go to the sink in order:
// Started, any Audio, then exactly one Finished; a superseded utterance's Finished
// always precedes its successor's Started.
type Playback struct {
	tts      TTSProvider
	settings TTSSettings
	sink     func(PlaybackEvent)
	logger   *slog.Logger

	mu     sync.Mutex
	active *utterance
}

type utterance struct {
	id     string
	turnID string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPlayback(tts TTSProvider, settings TTSSettings, sink func(PlaybackEvent), logger *slog.Logger) *Playback {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = func(PlaybackEvent) {}
	}
	return &Playback{tts: tts, settings: settings, sink: sink, logger: logger}
}

// Speak starts an utterance, stopping the current one, and returns its ID.
func (p *Playback) Speak(ctx context.Context, turnID, text string) string {
	uctx, cancel := context.WithCancel(ctx)
	u := &utterance{id: uuid.NewString(), turnID: turnID, cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	prev := p.active
	p.active = u
	p.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	go p.run(uctx, u, prev, text)
	return u.id
}

func (p *Playback) run(ctx context.Context, u *utterance, prev *utterance, text string) {
	defer close(u.done)
	defer u.cancel()
	if prev != nil {
		<-prev.done
	}

	p.sink(PlaybackEvent{Type: PlaybackStarted, TurnID: u.turnID, UtteranceID: u.id})
	err := p.synthesize(ctx, u, text)

	finished := PlaybackEvent{Type: PlaybackFinished, TurnID: u.turnID, UtteranceID: u.id}
	switch {
	case errors.Is(err, context.Canceled) || (err != nil && ctx.Err() != nil):
		finished.Interrupted = true
	case err != nil:
		finished.Err = err
		p.logger.Warn("speech synthesis failed", "turn_id", u.turnID, "error", err)
	}

	p.mu.Lock()
	if p.active == u {
		p.active = nil
	}
	p.mu.Unlock()
	p.sink(finished)
}

func (p *Playback) synthesize(ctx context.Context, u *utterance, text string) error {
	text = speakableText(text)
	if text == "" {
		return nil
	}
	stream, err := p.tts.StartStream(ctx, p.settings)
	if err != nil {
		return fault.Wrap(err, fault.PlaybackFailed, "tts")
	}
	defer stream.Close()

	if err := stream.SendText(ctx, text); err != nil {
		return fault.Wrap(err, fault.PlaybackFailed, "tts")
	}
	if err := stream.CloseInput(ctx); err != nil {
		return fault.Wrap(err, fault.PlaybackFailed, "tts")
	}

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			switch evt.Type {
			case TTSEventAudio:
				p.sink(PlaybackEvent{
					Type:        PlaybackAudio,
					TurnID:      u.turnID,
					UtteranceID: u.id,
					AudioBase64: evt.AudioBase64,
					Format:      evt.Format,
				})
			case TTSEventFinal:
				return nil
			case TTSEventError:
				return &fault.Error{
					Kind:      fault.PlaybackFailed,
					Source:    "tts",
					Retryable: evt.Retryable,
					Detail:    strings.TrimSpace(evt.Code + " " + evt.Detail),
				}
			}
		}
	}
}

// Stop interrupts the current utterance, if any. Idempotent.
func (p *Playback) Stop() {
	p.mu.Lock()
	u := p.active
	p.mu.Unlock()
	if u != nil {
		u.cancel()
	}
}

// Close stops playback and waits for the current utterance to finish.
func (p *Playback) Close() {
	p.mu.Lock()
	u := p.active
	p.mu.Unlock()
	if u == nil {
		return
	}
	u.cancel()
	<-u.done
}
