package refresh

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-gateway/token"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

var (
	ErrNotFound = errors.New("refresh token not found")
	ErrReplayed = errors.New("refresh token already used")
	ErrExpired  = errors.New("refresh token expired")
)

// Manager tracks issued refresh tokens so each can be exchanged exactly once.
// Presenting an already exchanged token revokes its whole family.
type Manager struct {
	repo    Repo
	nowFunc func() time.Time
}

type ManagerOption func(*Manager)

func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func NewManager(repo Repo, options ...ManagerOption) *Manager {
	m := &Manager{repo: repo, nowFunc: NowTimeFunc}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Track records a newly issued refresh token. An empty familyID starts a new family.
func (m *Manager) Track(claims *token.Claims, familyID string) (string, error) {
	if familyID == "" {
		familyID = uuid.New().String()
	}
	if err := m.repo.Upsert(&StoredRefreshToken{
		JTI:       claims.ID,
		UserID:    claims.Subject,
		FamilyID:  familyID,
		IssuedAt:  claims.IssuedAt(),
		ExpiresAt: claims.ExpiresAt(),
	}); err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return familyID, nil
}

// Consume marks the token as exchanged and returns its record. The caller issues the
// replacement with Track using the returned FamilyID.
func (m *Manager) Consume(jti string) (*StoredRefreshToken, error) {
	rt, err := m.repo.Get(jti)
	if err != nil {
		return nil, err
	}
	if !m.nowFunc().Before(rt.ExpiresAt) {
		return nil, ErrExpired
	}

	first, err := m.repo.MarkUsed(jti)
	if err != nil {
		return nil, err
	}
	if !first {
		if err := m.repo.DeleteFamily(rt.FamilyID); err != nil {
			return nil, fmt.Errorf("failed to revoke token family: %w", err)
		}
		return nil, ErrReplayed
	}
	return rt, nil
}

// RevokeFamily invalidates every token descended from the same login
func (m *Manager) RevokeFamily(jti string) error {
	rt, err := m.repo.Get(jti)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return m.repo.DeleteFamily(rt.FamilyID)
}

// RevokeUser invalidates every refresh token of the user except the family of keepJTI
func (m *Manager) RevokeUser(userID, keepJTI string) (int, error) {
	keepFamily := ""
	if keepJTI != "" {
		if rt, err := m.repo.Get(keepJTI); err == nil {
			keepFamily = rt.FamilyID
		}
	}
	return m.repo.DeleteByUserID(userID, keepFamily)
}
