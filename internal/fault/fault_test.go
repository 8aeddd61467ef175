package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("connection reset")
	err := fmt.Errorf("dispatch turn: %w", &Error{Kind: DispatchFailed, Source: "intent", Retryable: true, Cause: base})

	if got := KindOf(err); got != DispatchFailed {
		t.Fatalf("KindOf() = %q, want %q", got, DispatchFailed)
	}
	if !Is(err, DispatchFailed) {
		t.Fatalf("Is(DispatchFailed) = false, want true")
	}
	if Is(err, RecognitionFailed) {
		t.Fatalf("Is(RecognitionFailed) = true, want false")
	}
	if !IsRetryable(err) {
		t.Fatalf("IsRetryable() = false, want true")
	}
	if !errors.Is(err, base) {
		t.Fatalf("errors.Is(err, base) = false, want true")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("KindOf(plain) = %q, want empty", got)
	}
	if Is(nil, DispatchFailed) {
		t.Fatalf("Is(nil) = true, want false")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Newf(AudioUnavailable, "controller", "permission %s", "denied")
	want := "controller: audio_unavailable: permission denied"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
