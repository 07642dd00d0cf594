package port

import (
	"context"
	"time"
)

// TokenCache holds the gateway OAuth access token with its expiry.
// Injected into the gateway client so the token is never a bare
// module-level variable.
type TokenCache interface {
	// Token returns the cached token, or "" when absent or expired.
	Token(ctx context.Context) (string, error)

	// Store caches a freshly fetched token for ttl.
	Store(ctx context.Context, token string, ttl time.Duration) error

	// Invalidate drops the cached token, forcing a refresh on the next
	// use (called on 401 responses).
	Invalidate(ctx context.Context) error
}
