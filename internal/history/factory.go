package history

import (
	"context"
	"strings"

	"github.com/voiq/sam/internal/policy"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
// With redact set, transcripts are scrubbed of PII before they reach storage.
func NewStore(ctx context.Context, databaseURL string, redact bool) (Store, error) {
	var (
		store Store
		err   error
	)
	if strings.TrimSpace(databaseURL) == "" {
		store = NewInMemoryStore(0)
	} else {
		store, err = NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
	}
	if redact {
		store = &redactingStore{Store: store}
	}
	return store, nil
}

type redactingStore struct {
	Store
}

func (s *redactingStore) Record(ctx context.Context, record TurnRecord) error {
	transcript, changedT := policy.RedactPII(record.Transcript)
	speech, changedS := policy.RedactPII(record.Speech)
	record.Transcript = transcript
	record.Speech = speech
	record.PIIRedacted = record.PIIRedacted || changedT || changedS
	return s.Store.Record(ctx, record)
}
