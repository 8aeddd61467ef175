package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is one connected device. It owns a sequence of voice turns, at most one active.
type Session struct {
	ID             string    `json:"session_id"`
	DeviceID       string    `json:"device_id"`
	Status         Status    `json:"status"`
	Locale         string    `json:"locale"`
	VoiceID        string    `json:"voice_id"`
	ActiveTurnID   string    `json:"active_turn_id"`
	TurnCount      int       `json:"turn_count"`
	CancelCount    int       `json:"cancel_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	byDevice          map[string]string
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		byDevice:          make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create opens a session. A device reconnecting ends its previous session.
func (m *Manager) Create(req CreateRequest) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		DeviceID:       strings.TrimSpace(req.DeviceID),
		Locale:         strings.TrimSpace(req.Locale),
		VoiceID:        strings.TrimSpace(req.VoiceID),
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.DeviceID != "" {
		if prevID, ok := m.byDevice[s.DeviceID]; ok {
			if prev := m.sessions[prevID]; prev != nil {
				endLocked(prev, now)
			}
		}
		m.byDevice[s.DeviceID] = s.ID
	}
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) update(sessionID string, fn func(s *Session, now time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	fn(s, now)
	s.LastActivityAt = now
	return nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session, time.Time) {})
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session, _ time.Time) {
		s.ActiveTurnID = turnID
		s.TurnCount++
	})
}

// EndTurn clears the active turn if it is still turnID.
func (m *Manager) EndTurn(sessionID, turnID string, cancelled bool) error {
	return m.update(sessionID, func(s *Session, _ time.Time) {
		if s.ActiveTurnID == turnID {
			s.ActiveTurnID = ""
		}
		if cancelled {
			s.CancelCount++
		}
	})
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	endLocked(s, time.Now().UTC())
	if m.byDevice[s.DeviceID] == s.ID {
		delete(m.byDevice, s.DeviceID)
	}
	return clone(s), nil
}

func endLocked(s *Session, now time.Time) {
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.LastActivityAt = now
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive || now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		endLocked(s, now)
		expired = append(expired, clone(s))
		if m.byDevice[s.DeviceID] == s.ID {
			delete(m.byDevice, s.DeviceID)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
