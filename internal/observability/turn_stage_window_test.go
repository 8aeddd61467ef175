package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := NewTurnStageWindow(8)
	w.Observe(StageFinalToIntent, 500)
	w.Observe(StageFinalToIntent, 700)
	w.Observe(StageFinalToIntent, 900)
	w.ObserveIndicator("cancelled")
	w.ObserveIndicator("cancelled")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageFinalToIntent || s.Samples != 3 {
		t.Fatalf("stage = %+v", s)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 800 {
		t.Fatalf("TargetP95MS = %.2f, want 800", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}
}

func TestTurnStageWindowOverwritesOldest(t *testing.T) {
	w := NewTurnStageWindow(3)
	for _, v := range []float64{1000, 1, 2, 3} {
		w.Observe(StageTurnTotal, v)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 3 || s.AvgMS != 2 {
		t.Fatalf("LastMS/AvgMS = %.2f/%.2f, want 3/2", s.LastMS, s.AvgMS)
	}
}

func TestNilWindowIsSafe(t *testing.T) {
	var w *TurnStageWindow
	w.Observe(StageTurnTotal, 1)
	w.ObserveIndicator("x")
	w.Reset()
	if snap := w.Snapshot(); len(snap.Stages) != 0 {
		t.Fatalf("nil window snapshot = %+v", snap)
	}
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	m := NewMetrics("sam_test_handler")
	m.ObserveOutcome("completed")
	m.ObserveStage(StageTurnTotal, 1200*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `sam_test_handler_turn_outcomes_total{outcome="completed"} 1`) {
		t.Fatalf("metrics body missing outcome counter:\n%s", body)
	}
	if got := m.SnapshotTurnStages().Stages[0].LastMS; got != 1200 {
		t.Fatalf("stage window LastMS = %.2f, want 1200", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOutcome("completed")
	m.ObserveTransition("idle", "listening")
	m.ObserveStage(StageTurnTotal, time.Second)
	m.ObserveOutboundMessage("x", "delivered")
}
