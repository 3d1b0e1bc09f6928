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
	// StatusEnding sessions were released gracefully and end unless the
	// client reconnects before EndingDeadline.
	StatusEnding Status = "ending"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID             string     `json:"session_id"`
	UserID         string     `json:"user_id"`
	Room           string     `json:"room"`
	Status         Status     `json:"status"`
	MicEnabled     bool       `json:"mic_enabled"`
	TurnCount      int        `json:"turn_count"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndingDeadline *time.Time `json:"ending_deadline,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByRoom     map[string]string
	inactivityTimeout time.Duration
	gracePeriod       time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout, gracePeriod time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	if gracePeriod < 0 {
		gracePeriod = 0
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByRoom:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		gracePeriod:       gracePeriod,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) GracePeriod() time.Duration { return m.gracePeriod }

// Create opens a session for a room. A room has at most one live session;
// creating another replaces the lookup entry.
func (m *Manager) Create(userID, room string) *Session {
	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Room:           strings.TrimSpace(room),
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	if s.Room != "" {
		m.sessionByRoom[s.Room] = s.ID
	}
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

// LookupByRoom returns the live (active or ending) session for a room.
func (m *Manager) LookupByRoom(room string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionByRoom[strings.TrimSpace(room)]
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := m.sessions[id]
	if !ok || s.Status == StatusEnded {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = m.now()
	return nil
}

// Reconnect brings an ending session back to active. It reports whether a
// pending graceful end was cancelled.
func (m *Manager) Reconnect(sessionID string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if s.Status == StatusEnded {
		return clone(s), false, nil
	}
	resumed := s.Status == StatusEnding
	s.Status = StatusActive
	s.EndingDeadline = nil
	s.LastActivityAt = m.now()
	return clone(s), resumed, nil
}

func (m *Manager) SetMicEnabled(sessionID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.MicEnabled = enabled
	s.LastActivityAt = m.now()
	return nil
}

// RecordTurn counts a dispatched task against the session.
func (m *Manager) RecordTurn(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.TurnCount++
	s.LastActivityAt = m.now()
	return nil
}

// Delete releases a session. Forced deletes end it immediately; otherwise it
// moves to StatusEnding for the grace period. Deleting an ended session is a
// no-op.
func (m *Manager) Delete(sessionID string, force bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status == StatusEnded {
		return clone(s), nil
	}
	now := m.now()
	if force || m.gracePeriod == 0 {
		m.endLocked(s, now)
		return clone(s), nil
	}
	if s.Status != StatusEnding {
		deadline := now.Add(m.gracePeriod)
		s.Status = StatusEnding
		s.EndingDeadline = &deadline
		s.MicEnabled = false
	}
	s.LastActivityAt = now
	return clone(s), nil
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
				m.expire()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status != StatusEnded {
			count++
		}
	}
	return count
}

// expire ends sessions whose grace period ran out and active sessions that
// have been idle past the inactivity timeout.
func (m *Manager) expire() {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		switch s.Status {
		case StatusEnding:
			if s.EndingDeadline != nil && now.Before(*s.EndingDeadline) {
				continue
			}
		case StatusActive:
			if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
				continue
			}
		default:
			continue
		}
		m.endLocked(s, now)
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) endLocked(s *Session, now time.Time) {
	s.Status = StatusEnded
	s.MicEnabled = false
	s.EndingDeadline = nil
	s.LastActivityAt = now
	s.EndedAt = &now
	if s.Room != "" && m.sessionByRoom[s.Room] == s.ID {
		delete(m.sessionByRoom, s.Room)
	}
}

func clone(s *Session) *Session {
	c := *s
	if s.EndingDeadline != nil {
		d := *s.EndingDeadline
		c.EndingDeadline = &d
	}
	if s.EndedAt != nil {
		e := *s.EndedAt
		c.EndedAt = &e
	}
	return &c
}
