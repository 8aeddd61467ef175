package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"

	TypeStateChanged   MessageType = "state_changed"
	TypeTranscript     MessageType = "transcript"
	TypeAudioLevel     MessageType = "audio_level"
	TypeIntentResult   MessageType = "intent_result"
	TypePlaybackEvent  MessageType = "playback_event"
	TypeAssistantAudio MessageType = "assistant_audio_chunk"
	TypeTurnEnd        MessageType = "turn_end"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Control actions a client may send.
const (
	ActionTap              = "tap"
	ActionStop             = "stop"
	ActionCancel           = "cancel"
	ActionAudioAvailable   = "audio_available"
	ActionAudioUnavailable = "audio_unavailable"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type StateChanged struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	TurnID        string      `json:"turn_id,omitempty"`
	State         string      `json:"state"`
	Previous      string      `json:"previous"`
	MicEnabled    bool        `json:"mic_enabled"`
	WaveAmplitude float64     `json:"wave_amplitude"`
}

type Transcript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
	IsFinal   bool        `json:"is_final"`
	TSMs      int64       `json:"ts_ms"`
}

type AudioLevel struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	Power     float64     `json:"power"`
	Decibels  float32     `json:"decibels"`
}

type IntentMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Date     string `json:"date,omitempty"`
}

type IntentResult struct {
	Type       MessageType       `json:"type"`
	SessionID  string            `json:"session_id"`
	TurnID     string            `json:"turn_id"`
	Action     string            `json:"action,omitempty"`
	Speech     string            `json:"speech"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Money      *IntentMoney      `json:"money,omitempty"`
	Malformed  bool              `json:"malformed,omitempty"`
}

type PlaybackEvent struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	UtteranceID string      `json:"utterance_id"`
	Event       string      `json:"event"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

type TurnEnd struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	Outcome    string      `json:"outcome"`
	Transcript string      `json:"transcript,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func validAction(action string) bool {
	switch action {
	case ActionTap, ActionStop, ActionCancel, ActionAudioAvailable, ActionAudioUnavailable:
		return true
	default:
		return false
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || !validAction(msg.Action) {
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
