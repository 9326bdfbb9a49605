package patterns

import (
	"context"
	"time"
)

// DefaultGatewayTimeout bounds a single charge round trip
const DefaultGatewayTimeout = 15 * time.Second

// DetachedTimeout bounds ledger writes that must finish after the caller's
// context has already expired
const DetachedTimeout = 5 * time.Second

// Detached returns a context that keeps ctx's values but not its deadline or
// cancellation, bounded by d. Used to record an outcome after the request that
// produced it has timed out.
func Detached(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}
