package users

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// User is the snapshot of an authenticated user as returned by the Identity API.
// Sessions hold a copy; it is refreshed whenever the Identity API returns a newer one.
type User struct {
	ID               string `json:"id"`                         // Unique identifier for the user
	Email            string `json:"email"`                      // User's email address
	FirstName        string `json:"firstName,omitempty"`        // First name of the user
	LastName         string `json:"lastName,omitempty"`         // Last name of the user
	AvatarURL        string `json:"avatarUrl,omitempty"`        // Profile picture, usually from an OAuth provider
	Provider         string `json:"provider,omitempty"`         // "password" or the OAuth provider used to sign up
	TwoFactorEnabled bool   `json:"twoFactorEnabled,omitempty"` // TwoFactorEnabled, login requires a step-up code
}

// DisplayName returns the user's full name, falling back to the email address
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

// Clone returns a copy that can be handed out without sharing the receiver
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
