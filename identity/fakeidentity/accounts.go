package fakeidentity

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-gateway/users"
)

var ErrAccountNotFound = errors.New("account not found")

// Account is a user plus the credentials only the Identity API knows
type Account struct {
	User         users.User
	PasswordHash string
	TOTPSecret   string // Non-empty enables step-up on login
}

// AccountRepo is an in-memory account store keyed by user id and email
type AccountRepo struct {
	accounts map[string]*Account
	emailIDs map[string]string // email to user id
	lock     sync.RWMutex
}

func NewAccountRepo() *AccountRepo {
	return &AccountRepo{
		accounts: make(map[string]*Account),
		emailIDs: make(map[string]string),
	}
}

func (r *AccountRepo) Upsert(account *Account) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if account.User.ID == "" {
		account.User.ID = uuid.New().String()
	}
	account.User.TwoFactorEnabled = account.TOTPSecret != ""
	stored := *account
	r.accounts[account.User.ID] = &stored
	r.emailIDs[strings.ToLower(account.User.Email)] = account.User.ID
	return nil
}

func (r *AccountRepo) Get(userID string) (*Account, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	account, ok := r.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	c := *account
	return &c, nil
}

func (r *AccountRepo) GetByEmail(email string) (*Account, error) {
	r.lock.RLock()
	userID, ok := r.emailIDs[strings.ToLower(email)]
	r.lock.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return r.Get(userID)
}
