package sessions

import "context"

// Registry stores session records keyed by session id. Absence is never an error:
// Get returns nil, nil for unknown or expired ids and Delete is idempotent.
// Updates to one id are atomic.
type Registry interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	// Update merges patch into the stored record and returns the result.
	// Unknown ids fail with ErrSessionNotFound, a failed precondition with ErrConflict.
	Update(ctx context.Context, sessionID string, patch Patch) (*Record, error)
	Delete(ctx context.Context, sessionID string) error
	// DeleteAllForUser removes every session of the user except exceptID and
	// returns how many were removed.
	DeleteAllForUser(ctx context.Context, userID, exceptID string) (int, error)
}
