package intent

import (
	"context"
	"strings"
)

// MockDispatcher echoes the transcript back; used when no intent API is configured.
type MockDispatcher struct{}

func NewMockDispatcher() *MockDispatcher { return &MockDispatcher{} }

func (MockDispatcher) Dispatch(ctx context.Context, q Query) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return Result{Action: "input.unknown", FulfillmentSpeech: "Sorry, I didn't catch that."}, nil
	}
	return Result{
		ResolvedQuery:     text,
		Action:            "input.echo",
		FulfillmentSpeech: "You said: " + text,
	}, nil
}
