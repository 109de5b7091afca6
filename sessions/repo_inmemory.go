package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
)

var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry keeps sessions in process. Suitable for a single instance only.
type MemoryRegistry struct {
	sessions map[string]*Record
	byUser   map[string]map[string]struct{}
	nowFunc  func() time.Time
	lock     sync.RWMutex
}

type MemoryOption func(*MemoryRegistry)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(m *MemoryRegistry) {
		m.nowFunc = now
	}
}

func NewMemoryRegistry(options ...MemoryOption) *MemoryRegistry {
	m := &MemoryRegistry{
		sessions: make(map[string]*Record),
		byUser:   make(map[string]map[string]struct{}),
		nowFunc:  time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *MemoryRegistry) Create(_ context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if existing, ok := m.sessions[rec.ID]; ok && !existing.Expired(m.nowFunc()) {
		return fmt.Errorf("[MemoryRegistry Create] session %s: %w", rec.ID, autherrors.ErrConflict)
	}

	stored := rec.Clone()
	now := m.nowFunc()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.put(stored)
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, sessionID string) (*Record, error) {
	m.lock.RLock()
	rec, ok := m.sessions[sessionID]
	expired := ok && rec.Expired(m.nowFunc())
	if ok && !expired {
		rec = rec.Clone()
	}
	m.lock.RUnlock()

	switch {
	case !ok:
		return nil, nil
	case expired:
		m.lock.Lock()
		m.removeIfExpired(sessionID)
		m.lock.Unlock()
		return nil, nil
	}
	return rec, nil
}

func (m *MemoryRegistry) Update(_ context.Context, sessionID string, patch Patch) (*Record, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.removeIfExpired(sessionID)
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("[MemoryRegistry Update] session %s: %w", sessionID, autherrors.ErrSessionNotFound)
	}

	updated := rec.Clone()
	if err := patch.apply(updated, m.nowFunc()); err != nil {
		return nil, fmt.Errorf("[MemoryRegistry Update] session %s: %w", sessionID, err)
	}
	m.remove(sessionID)
	m.put(updated)
	return updated.Clone(), nil
}

func (m *MemoryRegistry) Delete(_ context.Context, sessionID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.remove(sessionID)
	return nil
}

func (m *MemoryRegistry) DeleteAllForUser(_ context.Context, userID, exceptID string) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	deleted := 0
	for sessionID := range m.byUser[userID] {
		if sessionID == exceptID {
			continue
		}
		m.remove(sessionID)
		deleted++
	}
	return deleted, nil
}

// Sweep drops expired sessions and returns how many were removed
func (m *MemoryRegistry) Sweep() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	swept := 0
	for sessionID := range m.sessions {
		if m.removeIfExpired(sessionID) {
			swept++
		}
	}
	return swept
}

// Len returns the number of stored sessions, including expired ones not yet swept
func (m *MemoryRegistry) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.sessions)
}

func (m *MemoryRegistry) put(rec *Record) {
	m.sessions[rec.ID] = rec
	if _, ok := m.byUser[rec.UserID]; !ok {
		m.byUser[rec.UserID] = make(map[string]struct{})
	}
	m.byUser[rec.UserID][rec.ID] = struct{}{}
}

func (m *MemoryRegistry) remove(sessionID string) {
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)

	userSessions := m.byUser[rec.UserID]
	delete(userSessions, sessionID)
	if len(userSessions) == 0 {
		delete(m.byUser, rec.UserID)
	}
}

func (m *MemoryRegistry) removeIfExpired(sessionID string) bool {
	rec, ok := m.sessions[sessionID]
	if !ok || !rec.Expired(m.nowFunc()) {
		return false
	}
	m.remove(sessionID)
	return true
}
