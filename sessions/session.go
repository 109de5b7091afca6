package sessions

import (
	"fmt"
	"time"

	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/jrsteele09/go-session-gateway/users"
)

// Record is the server-side state of one logged-in client. The registry is the
// only owner; callers always receive copies.
type Record struct {
	ID           string      `json:"id"`
	UserID       string      `json:"userId"`
	User         *users.User `json:"user"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresAt    time.Time   `json:"expiresAt"` // Bound by the refresh token lifetime, moved forward on rotation
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.User = r.User.Clone()
	return &c
}

func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *Record) validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: session id is required", autherrors.ErrInvalidRequest)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: user id is required", autherrors.ErrInvalidRequest)
	}
	if r.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expiry is required", autherrors.ErrInvalidRequest)
	}
	return nil
}

// Patch is a partial update; nil fields are left as they are
type Patch struct {
	User         *users.User
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *time.Time

	// IfRefreshToken makes the update conditional on the stored refresh token,
	// so two rotations of the same session cannot both land.
	IfRefreshToken *string
}

// apply merges the patch into rec, failing with ErrConflict if the precondition does not hold
func (p Patch) apply(rec *Record, now time.Time) error {
	if p.IfRefreshToken != nil && *p.IfRefreshToken != rec.RefreshToken {
		return autherrors.ErrConflict
	}
	if p.User != nil {
		rec.User = p.User.Clone()
		if p.User.ID != "" {
			rec.UserID = p.User.ID
		} else {
			rec.User.ID = rec.UserID
		}
	}
	if p.AccessToken != nil {
		rec.AccessToken = *p.AccessToken
	}
	if p.RefreshToken != nil {
		rec.RefreshToken = *p.RefreshToken
	}
	if p.ExpiresAt != nil {
		rec.ExpiresAt = *p.ExpiresAt
	}
	rec.UpdatedAt = now
	return nil
}
