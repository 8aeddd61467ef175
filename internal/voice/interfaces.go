package voice

import "context"

type STTEventType string

const (
	STTEventPartial STTEventType = "partial"
	STTEventFinal   STTEventType = "final"
	STTEventError   STTEventType = "error"
)

type STTEvent struct {
	Type       STTEventType
	Text       string
	Confidence float64
	Code       string
	Detail     string
	Retryable  bool
	Timestamp  int64
}

// STTSession is one recognition on the speech engine. EndAudio asks the engine to
// finalize whatever it has heard; Close tears the session down immediately.
type STTSession interface {
	SendAudio(ctx context.Context, pcm []byte, sampleRate int) error
	EndAudio(ctx context.Context) error
	Close() error
}

type STTProvider interface {
	StartSession(ctx context.Context, locale string) (STTSession, <-chan STTEvent, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type        TTSEventType
	AudioBase64 string
	Format      string
	Code        string
	Detail      string
	Retryable   bool
}

type TTSSettings struct {
	VoiceID string
	ModelID string
	Locale  string
	Rate    float64
}

type TTSStream interface {
	SendText(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	StartStream(ctx context.Context, settings TTSSettings) (TTSStream, error)
}
