package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInmemBackend_AcquireRelease(t *testing.T) {
	b := NewInmemBackend()
	ctx := context.Background()

	h, err := b.Acquire(ctx, "rotation/abc", time.Minute)
	require.NoError(t, err)

	// Second acquire on the same key fails fast.
	_, err = b.Acquire(ctx, "rotation/abc", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	// A different key is independent.
	h2, err := b.Acquire(ctx, "rotation/def", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))

	require.NoError(t, h.Release(ctx))

	// Released key can be re-acquired.
	h3, err := b.Acquire(ctx, "rotation/abc", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h3.Release(ctx))
}

func TestInmemBackend_TTLExpiry(t *testing.T) {
	b := NewInmemBackend()
	ctx := context.Background()

	current := time.Now()
	b.now = func() time.Time { return current }

	h, err := b.Acquire(ctx, "rotation/abc", time.Minute)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, "rotation/abc", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	// Past the TTL the dead holder no longer blocks acquisition.
	current = current.Add(2 * time.Minute)

	h2, err := b.Acquire(ctx, "rotation/abc", time.Minute)
	require.NoError(t, err)

	// The stale handle must not release the new holder's lock.
	require.NoError(t, h.Release(ctx))
	_, err = b.Acquire(ctx, "rotation/abc", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, h2.Release(ctx))
}

func TestInmemBackend_ReleaseIdempotent(t *testing.T) {
	b := NewInmemBackend()
	ctx := context.Background()

	h, err := b.Acquire(ctx, "rotation/abc", time.Minute)
	require.NoError(t, err)

	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx))
}
