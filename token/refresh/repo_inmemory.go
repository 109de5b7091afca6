package refresh

import (
	"fmt"
	"sync"
)

var _ Repo = (*InMemoryRepo)(nil)

type InMemoryRepo struct {
	tokens map[string]*StoredRefreshToken
	lock   sync.RWMutex
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		tokens: make(map[string]*StoredRefreshToken),
	}
}

func (r *InMemoryRepo) Upsert(refreshToken *StoredRefreshToken) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	stored := *refreshToken
	r.tokens[refreshToken.JTI] = &stored
	return nil
}

func (r *InMemoryRepo) Get(jti string) (*StoredRefreshToken, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	rt, ok := r.tokens[jti]
	if !ok {
		return nil, fmt.Errorf("refresh token %s: %w", jti, ErrNotFound)
	}
	c := *rt
	return &c, nil
}

func (r *InMemoryRepo) MarkUsed(jti string) (bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	rt, ok := r.tokens[jti]
	if !ok {
		return false, fmt.Errorf("refresh token %s: %w", jti, ErrNotFound)
	}
	if rt.Used {
		return false, nil
	}
	rt.Used = true
	return true, nil
}

func (r *InMemoryRepo) DeleteFamily(familyID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	for jti, rt := range r.tokens {
		if rt.FamilyID == familyID {
			delete(r.tokens, jti)
		}
	}
	return nil
}

func (r *InMemoryRepo) DeleteByUserID(userID, exceptFamilyID string) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	deleted := 0
	for jti, rt := range r.tokens {
		if rt.UserID == userID && (exceptFamilyID == "" || rt.FamilyID != exceptFamilyID) {
			delete(r.tokens, jti)
			deleted++
		}
	}
	return deleted, nil
}
