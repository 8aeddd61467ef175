package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voiq/sam/internal/audio"
	"github.com/voiq/sam/internal/config"
	"github.com/voiq/sam/internal/history"
	"github.com/voiq/sam/internal/httpapi"
	"github.com/voiq/sam/internal/observability"
	"github.com/voiq/sam/internal/session"
	"github.com/voiq/sam/internal/voice"
)

func TestWSURLForSession(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080/v1/voice/session/ws?session_id=abc"},
		{base: "https://sam.example.com/", want: "wss://sam.example.com/v1/voice/session/ws?session_id=abc"},
		{base: "https://sam.example.com/edge", want: "wss://sam.example.com/edge/v1/voice/session/ws?session_id=abc"},
		{base: "ftp://sam.example.com", wantErr: true},
		{base: "http://", wantErr: true},
	}
	for _, tt := range tests {
		got, err := wsURLForSession(tt.base, "abc")
		if tt.wantErr {
			if err == nil {
				t.Fatalf("wsURLForSession(%q) error = nil, want error", tt.base)
			}
			continue
		}
		if err != nil {
			t.Fatalf("wsURLForSession(%q) error = %v", tt.base, err)
		}
		if got != tt.want {
			t.Fatalf("wsURLForSession(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestOptionsValidate(t *testing.T) {
	valid := func() options {
		return options{baseURL: "http://localhost:8080/", turns: 1, chunkMS: 40, realtime: 1, toneMS: 500, turnTimeout: 5 * time.Second}
	}

	opts := valid()
	if err := opts.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	if opts.baseURL != "http://localhost:8080" {
		t.Fatalf("baseURL = %q, want trailing slash trimmed", opts.baseURL)
	}

	short := valid()
	short.turnTimeout = 10 * time.Millisecond
	if err := short.validate(); err != nil || short.turnTimeout != time.Second {
		t.Fatalf("validate() turnTimeout = %v, %v; want 1s, nil", short.turnTimeout, err)
	}

	bad := []func(*options){
		func(o *options) { o.baseURL = " " },
		func(o *options) { o.turns = 0 },
		func(o *options) { o.chunkMS = 5 },
		func(o *options) { o.realtime = 0 },
		func(o *options) { o.toneMS = 0 },
	}
	for i, mutate := range bad {
		o := valid()
		mutate(&o)
		if err := o.validate(); err == nil {
			t.Fatalf("case %d: validate() error = nil, want error", i)
		}
	}
}

func TestChunkPCMKeepsWholeSamples(t *testing.T) {
	pcm := make([]byte, 16000*2/10+3)
	chunks := chunkPCM(pcm, 16000, 40)
	total := 0
	for i, c := range chunks {
		if len(c)%2 != 0 {
			t.Fatalf("chunk %d len = %d, want even", i, len(c))
		}
		total += len(c)
	}
	if total != len(pcm)-1 {
		t.Fatalf("total = %d, want %d", total, len(pcm)-1)
	}
	if len(chunks[0]) != 1280 {
		t.Fatalf("first chunk len = %d, want 1280", len(chunks[0]))
	}
}

func TestLoadClipFromWAV(t *testing.T) {
	pcm := audio.Tone(8000, 300, 0.4, 100, 0)
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := audio.WriteWAVPCM16LEFile(path, pcm, 8000); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	clip, err := loadClip(options{wavPath: path})
	if err != nil {
		t.Fatalf("loadClip() error = %v", err)
	}
	if clip.SampleRate != 8000 || !bytes.Equal(clip.PCM16LE, pcm) {
		t.Fatalf("loadClip() rate = %d len = %d, want 8000 and %d", clip.SampleRate, len(clip.PCM16LE), len(pcm))
	}

	if _, err := loadClip(options{wavPath: filepath.Join(t.TempDir(), "missing.wav")}); err == nil {
		t.Fatalf("loadClip(missing) error = nil, want error")
	}
}

func newProbeServer(t *testing.T) (*httptest.Server, *history.InMemoryStore) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: time.Minute,
		SpeechProvider:           "mock",
		IntentMode:               "mock",
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	store := history.NewInMemoryStore(20)
	metrics := observability.NewMetrics("test_samprobe")
	svc := voice.NewService(voice.ServiceConfig{Lang: "en"}, voice.ServiceDeps{
		Sessions: sessions,
		History:  store,
		Metrics:  metrics,
	})
	ts := httptest.NewServer(httpapi.New(cfg, sessions, svc, store, metrics).Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func TestRunProbeAgainstMockServer(t *testing.T) {
	ts, _ := newProbeServer(t)
	dump := filepath.Join(t.TempDir(), "reply.wav")
	var out bytes.Buffer
	opts := options{
		baseURL:     ts.URL,
		deviceID:    "probe-test",
		turns:       2,
		chunkMS:     40,
		realtime:    20,
		toneMS:      200,
		dumpWAV:     dump,
		turnTimeout: 5 * time.Second,
		out:         &out,
	}
	if err := opts.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	results, err := runProbe(ctx, opts)
	if err != nil {
		t.Fatalf("runProbe() error = %v\n%s", err, out.String())
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Outcome != "completed" {
			t.Fatalf("turn %d outcome = %q, want completed\n%s", r.Index, r.Outcome, out.String())
		}
		if r.Transcript != "simulated voice input" {
			t.Fatalf("turn %d transcript = %q", r.Index, r.Transcript)
		}
		if !strings.Contains(r.Speech, "simulated voice input") {
			t.Fatalf("turn %d speech = %q", r.Index, r.Speech)
		}
		if r.AudioChunks == 0 {
			t.Fatalf("turn %d got no assistant audio", r.Index)
		}
	}
	if results[0].TurnID == results[1].TurnID {
		t.Fatalf("turn IDs repeat: %q", results[0].TurnID)
	}

	info, err := os.Stat(dump)
	if err != nil {
		t.Fatalf("stat dump: %v", err)
	}
	if info.Size() <= 44 {
		t.Fatalf("dump size = %d, want audio after the header", info.Size())
	}

	printSummary(&out, results)
	if !strings.Contains(out.String(), "2 turns") {
		t.Fatalf("summary missing turn count:\n%s", out.String())
	}
}

func TestRunProbeFailsWithoutServer(t *testing.T) {
	ts, _ := newProbeServer(t)
	ts.Close()
	opts := options{baseURL: ts.URL, turns: 1, chunkMS: 40, realtime: 1, toneMS: 100, turnTimeout: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := runProbe(ctx, opts); err == nil {
		t.Fatalf("runProbe() error = nil, want create session error")
	}
}
