package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPerSessionLimit = 500

// InMemoryStore keeps the most recent turns of each session in process.
type InMemoryStore struct {
	mu         sync.RWMutex
	perSession int
	records    map[string][]TurnRecord
}

func NewInMemoryStore(perSession int) *InMemoryStore {
	if perSession <= 0 {
		perSession = defaultPerSessionLimit
	}
	return &InMemoryStore{perSession: perSession, records: make(map[string][]TurnRecord)}
}

func (s *InMemoryStore) Record(_ context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[record.SessionID], record)
	if over := len(arr) - s.perSession; over > 0 {
		arr = append([]TurnRecord(nil), arr[over:]...)
	}
	s.records[record.SessionID] = arr
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
