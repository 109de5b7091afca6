package blacklist

import (
	"context"
)

// Checker reports whether a token id has been revoked by the Identity API.
// Implementations return an error when the answer is unknown; callers decide
// whether to fail open.
type Checker interface {
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

// CheckerFunc adapts a function to the Checker interface
type CheckerFunc func(ctx context.Context, jti string) (bool, error)

func (f CheckerFunc) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	return f(ctx, jti)
}
