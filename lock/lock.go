package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld is returned by Acquire when another holder owns the key.
var ErrLockHeld = errors.New("lock already held")

// Backend hands out short lived mutual exclusion locks. Acquire is
// try-lock semantics: it never blocks waiting for a holder, it fails
// fast with ErrLockHeld. The ttl bounds how long a crashed holder can
// wedge the key.
type Backend interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error)
}

// Handle represents a held lock. Release is idempotent and only
// removes the lock if this handle still owns it.
type Handle interface {
	Release(ctx context.Context) error
}
