package voice

import (
	"time"

	"github.com/voiq/sam/internal/intent"
)

type State string

const (
	StateIdle        State = "idle"
	StateListening   State = "listening"
	StateRecognizing State = "recognizing"
	StateDispatching State = "dispatching"
	StateSpeaking    State = "speaking"
	StateCancelled   State = "cancelled"
)

// waveAmplitude is the suggested waveform amplitude while in the state.
func (s State) waveAmplitude() float64 {
	switch s {
	case StateListening, StateRecognizing:
		return 0.3
	case StateSpeaking:
		return 1.0
	case StateDispatching:
		return 0.1
	default:
		return 0.05
	}
}

// capturing reports whether microphone audio belongs to the current turn.
func (s State) capturing() bool {
	return s == StateListening || s == StateRecognizing
}

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomeNoSpeech          Outcome = "no_speech"
	OutcomeAudioUnavailable  Outcome = "audio_unavailable"
	OutcomeRecognitionFailed Outcome = "recognition_failed"
	OutcomeDispatchFailed    Outcome = "dispatch_failed"
	OutcomeMalformed         Outcome = "malformed_response"
	OutcomePlaybackFailed    Outcome = "playback_failed"
)

// Turn is one listen, recognize, dispatch, speak cycle. Only the controller loop touches it.
type Turn struct {
	ID          string
	StartedAt   time.Time
	Partial     string
	Transcript  string
	IsFinal     bool
	Result      *intent.Result
	UtteranceID string

	firstPartialAt time.Time
	finalAt        time.Time
	intentAt       time.Time
	audioSeq       int
}

// Snapshot is a point-in-time copy of the controller state, safe to read from any goroutine.
type Snapshot struct {
	State          State  `json:"state"`
	TurnID         string `json:"turn_id,omitempty"`
	MicEnabled     bool   `json:"mic_enabled"`
	AudioAvailable bool   `json:"audio_available"`
}
