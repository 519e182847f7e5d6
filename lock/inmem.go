package lock

import (
	"context"
	"sync"
	"time"

	"github.com/stephnangue/custodian/helper"
)

// InmemBackend is a process local lock backend. Suitable for single
// node deployments and tests.
type InmemBackend struct {
	mu    sync.Mutex
	locks map[string]*inmemEntry

	// now is replaceable in tests
	now func() time.Time
}

type inmemEntry struct {
	token    string
	expireAt time.Time
}

// NewInmemBackend constructs an empty in-memory lock backend.
func NewInmemBackend() *InmemBackend {
	return &InmemBackend{
		locks: make(map[string]*inmemEntry),
		now:   time.Now,
	}
}

func (b *InmemBackend) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.locks[key]; ok {
		// Expired holders are reaped lazily on the next acquire.
		if b.now().Before(entry.expireAt) {
			return nil, ErrLockHeld
		}
		delete(b.locks, key)
	}

	token := helper.GenerateJobID()
	b.locks[key] = &inmemEntry{
		token:    token,
		expireAt: b.now().Add(ttl),
	}

	return &inmemHandle{backend: b, key: key, token: token}, nil
}

type inmemHandle struct {
	backend *InmemBackend
	key     string
	token   string
}

func (h *inmemHandle) Release(ctx context.Context) error {
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()

	if entry, ok := h.backend.locks[h.key]; ok && entry.token == h.token {
		delete(h.backend.locks, h.key)
	}
	return nil
}
