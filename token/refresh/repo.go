package refresh

import (
	"time"
)

// StoredRefreshToken is the issuer-side record of a refresh token, keyed by its jti.
// Tokens issued by rotating one another share a FamilyID.
type StoredRefreshToken struct {
	JTI       string
	UserID    string
	FamilyID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Used      bool // Set once the token has been exchanged; a second use is a replay
}

// Repo stores refresh token records
type Repo interface {
	Upsert(refreshToken *StoredRefreshToken) error
	Get(jti string) (*StoredRefreshToken, error)
	// MarkUsed flips Used and reports whether this call was the one that did it
	MarkUsed(jti string) (bool, error)
	DeleteFamily(familyID string) error
	// DeleteByUserID removes the user's tokens outside exceptFamilyID
	DeleteByUserID(userID, exceptFamilyID string) (int, error)
}
