package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voiq/sam/internal/reliability"
)

const (
	defaultRealtimeBaseURL = "wss://api.elevenlabs.io"
	defaultSTTModelID      = "scribe_v1"
	defaultTTSModelID      = "eleven_multilingual_v2"
	defaultOutputFormat    = "pcm_16000"

	ttsStability  = 0.42
	ttsSimilarity = 0.85

	realtimeHandshakeTimeout = 4 * time.Second
	realtimeWriteTimeout     = 5 * time.Second
)

type RealtimeConfig struct {
	APIKey       string
	WSBaseURL    string
	STTModelID   string
	OutputFormat string
	Dialer       *websocket.Dialer
}

// RealtimeProvider speaks the ElevenLabs realtime websocket protocols for both
// recognition and synthesis.
type RealtimeProvider struct {
	cfg RealtimeConfig
}

func NewRealtimeProvider(cfg RealtimeConfig) *RealtimeProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = defaultRealtimeBaseURL
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = defaultSTTModelID
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = defaultOutputFormat
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: realtimeHandshakeTimeout,
		}
	}
	return &RealtimeProvider{cfg: cfg}
}

func (p *RealtimeProvider) dial(ctx context.Context, path string, q url.Values) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + path)
	if err != nil {
		return nil, err
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)
	conn, _, err := p.cfg.Dialer.DialContext(ctx, u.String(), headers)
	return conn, err
}

func (p *RealtimeProvider) StartSession(ctx context.Context, locale string) (STTSession, <-chan STTEvent, error) {
	q := url.Values{}
	q.Set("model_id", p.cfg.STTModelID)
	q.Set("commit_strategy", "manual")
	if lang := languageCode(locale); lang != "" {
		q.Set("language_code", lang)
	}

	conn, err := p.dial(ctx, "/v1/speech-to-text/realtime", q)
	if err != nil {
		return nil, nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	events := make(chan STTEvent, 256)
	s := &realtimeSTTSession{conn: conn, events: events, done: make(chan struct{})}
	go s.readLoop()
	return s, events, nil
}

func (p *RealtimeProvider) StartStream(ctx context.Context, settings TTSSettings) (TTSStream, error) {
	voiceID := strings.TrimSpace(settings.VoiceID)
	if voiceID == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	modelID := strings.TrimSpace(settings.ModelID)
	if modelID == "" {
		modelID = defaultTTSModelID
	}

	q := url.Values{}
	q.Set("model_id", modelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	if lang := languageCode(settings.Locale); lang != "" {
		q.Set("language_code", lang)
	}

	conn, err := p.dial(ctx, "/v1/text-to-speech/"+url.PathEscape(voiceID)+"/stream-input", q)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &realtimeTTSStream{conn: conn, events: make(chan TTSEvent, 512), done: make(chan struct{})}
	go s.readLoop()
	// The first message carries voice settings and must contain a single space.
	if err := s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        ttsStability,
			"similarity_boost": ttsSimilarity,
			"speed":            clampRate(settings.Rate),
		},
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("prime tts stream: %w", err)
	}
	return s, nil
}

// clampRate maps a speech rate onto the range the synthesis engine accepts.
func clampRate(rate float64) float64 {
	if rate <= 0 {
		return 1.0
	}
	if rate < 0.7 {
		return 0.7
	}
	if rate > 1.2 {
		return 1.2
	}
	return rate
}

// languageCode turns "en-GB" into "en".
func languageCode(locale string) string {
	locale = strings.TrimSpace(locale)
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	return strings.ToLower(locale)
}

// The read loop is the only closer of events.
type realtimeSTTSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	events    chan STTEvent
}

func (s *realtimeSTTSession) SendAudio(_ context.Context, pcm []byte, sampleRate int) error {
	return s.sendChunk(base64.StdEncoding.EncodeToString(pcm), sampleRate, false)
}

func (s *realtimeSTTSession) EndAudio(_ context.Context) error {
	return s.sendChunk("", 0, true)
}

func (s *realtimeSTTSession) sendChunk(audioBase64 string, sampleRate int, commit bool) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": audioBase64,
		"commit":        commit,
		"sample_rate":   sampleRate,
	}

	return writeJSONWithDeadline(&s.writeMu, s.conn, payload)
}

func (s *realtimeSTTSession) readLoop() {
	defer close(s.events)
	defer func() { _ = s.Close() }()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		now := time.Now().UnixMilli()
		messageType := asString(raw["message_type"])
		switch messageType {
		case "partial_transcript":
			s.emit(STTEvent{Type: STTEventPartial, Text: asString(raw["text"]), Timestamp: now})
		case "committed_transcript", "committed_transcript_with_timestamps":
			s.emit(STTEvent{Type: STTEventFinal, Text: asString(raw["text"]), Timestamp: now})
		case "", "session_started", "input_audio_chunk":
		default:
			s.emit(STTEvent{
				Type:      STTEventError,
				Code:      messageType,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(messageType),
				Timestamp: now,
			})
		}
	}
}

func (s *realtimeSTTSession) emit(evt STTEvent) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *realtimeSTTSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

type realtimeTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	events    chan TTSEvent
}

func (s *realtimeTTSStream) SendText(_ context.Context, text string) error {
	return s.writeJSON(map[string]any{
		"text":                   text,
		"try_trigger_generation": true,
	})
}

func (s *realtimeTTSStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *realtimeTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *realtimeTTSStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *realtimeTTSStream) emit(evt TTSEvent) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *realtimeTTSStream) writeJSON(payload map[string]any) error {
	return writeJSONWithDeadline(&s.writeMu, s.conn, payload)
}

// writeJSONWithDeadline keeps a stalled engine from blocking the caller past
// realtimeWriteTimeout.
func writeJSONWithDeadline(mu *sync.Mutex, conn *websocket.Conn, payload any) error {
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(payload)
}

func (s *realtimeTTSStream) readLoop() {
	defer close(s.events)
	defer func() { _ = s.Close() }()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		if audio := asString(raw["audio"]); audio != "" {
			s.emit(TTSEvent{Type: TTSEventAudio, AudioBase64: audio, Format: "pcm_s16le"})
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			s.emit(TTSEvent{Type: TTSEventFinal})
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			s.emit(TTSEvent{Type: TTSEventError, Code: code, Detail: errMsg, Retryable: reliability.IsRetryableRealtimeMessageType(code)})
		}
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
