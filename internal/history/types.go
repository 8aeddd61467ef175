// Package history persists a record of every finished voice turn.
package history

import (
	"context"
	"time"
)

// TurnRecord is the persisted summary of one finished turn.
type TurnRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	TurnID      string    `json:"turn_id"`
	Outcome     string    `json:"outcome"`
	Transcript  string    `json:"transcript"`
	Action      string    `json:"action,omitempty"`
	Speech      string    `json:"speech,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	PIIRedacted bool      `json:"pii_redacted"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

func (r TurnRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Store persists and lists turn records.
type Store interface {
	Record(ctx context.Context, record TurnRecord) error
	// RecentTurns returns up to limit records for a session, oldest first.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}
