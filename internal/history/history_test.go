package history

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestInMemoryStoreRecentTurnsOrderAndLimit(t *testing.T) {
	s := NewInMemoryStore(0)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3"} {
		if err := s.Record(ctx, TurnRecord{SessionID: "s1", TurnID: id, Outcome: "completed"}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	_ = s.Record(ctx, TurnRecord{SessionID: "other", TurnID: "x"})

	got, err := s.RecentTurns(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(got) != 2 || got[0].TurnID != "t2" || got[1].TurnID != "t3" {
		t.Fatalf("RecentTurns() = %+v, want t2,t3", got)
	}
	if got[0].ID == "" || got[0].EndedAt.IsZero() {
		t.Fatalf("record defaults not applied: %+v", got[0])
	}

	all, _ := s.RecentTurns(ctx, "s1", 0)
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	none, _ := s.RecentTurns(ctx, "missing", 5)
	if len(none) != 0 {
		t.Fatalf("unknown session returned %d records", len(none))
	}
}

func TestInMemoryStoreCapsPerSession(t *testing.T) {
	s := NewInMemoryStore(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = s.Record(ctx, TurnRecord{SessionID: "s", TurnID: id})
	}
	got, _ := s.RecentTurns(ctx, "s", 10)
	if len(got) != 2 || got[0].TurnID != "b" {
		t.Fatalf("RecentTurns() = %+v, want b,c", got)
	}
}

func TestNewStoreRedactsTranscripts(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(ctx, "", true)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()

	err = store.Record(ctx, TurnRecord{SessionID: "s", TurnID: "t", Transcript: "mail me at sam@example.com"})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	got, _ := store.RecentTurns(ctx, "s", 1)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if strings.Contains(got[0].Transcript, "sam@example.com") || !got[0].PIIRedacted {
		t.Fatalf("record not redacted: %+v", got[0])
	}
}

func TestTurnRecordDuration(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := TurnRecord{StartedAt: start, EndedAt: start.Add(1500 * time.Millisecond)}
	if got := r.Duration(); got != 1500*time.Millisecond {
		t.Fatalf("Duration() = %v, want 1.5s", got)
	}
	if got := (TurnRecord{EndedAt: start}).Duration(); got != 0 {
		t.Fatalf("Duration() without start = %v, want 0", got)
	}
}
