package lock

import (
	"context"
	"time"
)

// Locker holds named locks. A lock taken with a positive ttl is released
// automatically once the ttl elapses.
type Locker interface {
	// TryLock attempts to obtain the lock without waiting.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Acquire blocks until the lock is obtained or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	// Release frees the lock. Releasing a free lock is a no-op.
	Release(ctx context.Context, key string) error
	// AcquireGrant is Acquire returning a grant naming this holding.
	AcquireGrant(ctx context.Context, key string, ttl time.Duration) (string, error)
	// ReleaseGrant frees the lock only while grant is the current holding,
	// so a holder whose ttl ran out cannot free its successor.
	ReleaseGrant(ctx context.Context, key, grant string) error
}
