package voice

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newRealtimeServer(t *testing.T, handle func(r *http.Request, conn *websocket.Conn)) *RealtimeProvider {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(r, conn)
	}))
	t.Cleanup(srv.Close)
	return NewRealtimeProvider(RealtimeConfig{APIKey: "test-key", WSBaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
}

func TestRealtimeSTTSession(t *testing.T) {
	queries := make(chan string, 1)
	provider := newRealtimeServer(t, func(r *http.Request, conn *websocket.Conn) {
		queries <- r.URL.Path + "?" + r.URL.RawQuery
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if commit, _ := msg["commit"].(bool); commit {
				_ = conn.WriteJSON(map[string]any{"message_type": "committed_transcript", "text": "spent twenty dollars"})
				continue
			}
			_ = conn.WriteJSON(map[string]any{"message_type": "partial_transcript", "text": "spent"})
		}
	})

	sess, events, err := provider.StartSession(context.Background(), "en-GB")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	defer sess.Close()

	got := <-queries
	if !strings.HasPrefix(got, "/v1/speech-to-text/realtime?") || !strings.Contains(got, "language_code=en") || !strings.Contains(got, "commit_strategy=manual") {
		t.Fatalf("dialed %q", got)
	}

	if err := sess.SendAudio(context.Background(), []byte{0, 1, 2, 3}, 16000); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	if err := sess.EndAudio(context.Background()); err != nil {
		t.Fatalf("EndAudio() error = %v", err)
	}

	var seen []STTEvent
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case evt := <-events:
			seen = append(seen, evt)
		case <-timeout:
			t.Fatalf("got %d events, want 2", len(seen))
		}
	}
	if seen[0].Type != STTEventPartial || seen[1].Type != STTEventFinal || seen[1].Text != "spent twenty dollars" {
		t.Fatalf("events = %+v", seen)
	}
}

func TestRealtimeSTTErrorMessage(t *testing.T) {
	provider := newRealtimeServer(t, func(_ *http.Request, conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"message_type": "rate_limited", "error": "too many sessions"})
		_, _, _ = conn.ReadMessage()
	})
	sess, events, err := provider.StartSession(context.Background(), "en-US")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	defer sess.Close()

	select {
	case evt := <-events:
		if evt.Type != STTEventError || evt.Code != "rate_limited" || !evt.Retryable {
			t.Fatalf("event = %+v, want retryable rate_limited error", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no error event")
	}
}

func TestRealtimeTTSStream(t *testing.T) {
	primed := make(chan map[string]any, 1)
	provider := newRealtimeServer(t, func(r *http.Request, conn *websocket.Conn) {
		if !strings.HasSuffix(r.URL.Path, "/v1/text-to-speech/voice-1/stream-input") {
			return
		}
		var first map[string]any
		if err := conn.ReadJSON(&first); err != nil {
			return
		}
		primed <- first
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["text"] == "" {
				_ = conn.WriteJSON(map[string]any{"audio": "AAAA"})
				_ = conn.WriteJSON(map[string]any{"isFinal": true})
			}
		}
	})

	stream, err := provider.StartStream(context.Background(), TTSSettings{VoiceID: "voice-1", Rate: 2})
	if err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	defer stream.Close()

	first := <-primed
	settings, _ := first["voice_settings"].(map[string]any)
	if first["text"] != " " || settings["speed"] != 1.2 {
		t.Fatalf("priming message = %v, want single space and clamped speed", first)
	}

	if err := stream.SendText(context.Background(), "Hello there."); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if err := stream.CloseInput(context.Background()); err != nil {
		t.Fatalf("CloseInput() error = %v", err)
	}

	var types []TTSEventType
	timeout := time.After(2 * time.Second)
	for len(types) < 2 {
		select {
		case evt := <-stream.Events():
			types = append(types, evt.Type)
		case <-timeout:
			t.Fatalf("events = %v, want audio then final", types)
		}
	}
	if types[0] != TTSEventAudio || types[1] != TTSEventFinal {
		t.Fatalf("events = %v, want audio then final", types)
	}
}

func TestRealtimeTTSRequiresVoice(t *testing.T) {
	provider := NewRealtimeProvider(RealtimeConfig{APIKey: "k"})
	if _, err := provider.StartStream(context.Background(), TTSSettings{}); err == nil {
		t.Fatalf("StartStream() without voice error = nil")
	}
}

func TestLanguageCode(t *testing.T) {
	cases := map[string]string{"en-GB": "en", "pt_BR": "pt", "DE": "de", "": ""}
	for in, want := range cases {
		if got := languageCode(in); got != want {
			t.Fatalf("languageCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRealtimeDefaultDialerIsBounded(t *testing.T) {
	provider := NewRealtimeProvider(RealtimeConfig{APIKey: "k"})
	if got := provider.cfg.Dialer.HandshakeTimeout; got != realtimeHandshakeTimeout {
		t.Fatalf("HandshakeTimeout = %v, want %v", got, realtimeHandshakeTimeout)
	}
}

func TestRealtimeStartSessionHonoursCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	// Accept connections and never answer the upgrade.
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	provider := NewRealtimeProvider(RealtimeConfig{APIKey: "k", WSBaseURL: "ws://" + ln.Addr().String()})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	started := time.Now()
	if _, _, err := provider.StartSession(ctx, "en-US"); err == nil {
		t.Fatalf("StartSession() error = nil, want dial error")
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("StartSession() returned after %v, want prompt abort on cancel", elapsed)
	}
}
