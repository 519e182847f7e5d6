package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stephnangue/custodian/helper"
)

// releaseScript deletes the key only when the stored token still
// matches, so a handle whose lock already expired cannot release a
// lock re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisBackend implements the lock backend on Redis with SET NX PX.
// Redis expires the key itself, so a crashed holder never needs manual
// cleanup.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps an existing Redis client. prefix namespaces
// the lock keys, typically "custodian:lock:".
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: prefix,
	}
}

func (b *RedisBackend) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	token := helper.GenerateJobID()
	full := b.prefix + key

	ok, err := b.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring redis lock %q: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return &redisHandle{backend: b, key: full, token: token}, nil
}

type redisHandle struct {
	backend *RedisBackend
	key     string
	token   string
}

func (h *redisHandle) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, h.backend.client, []string{h.key}, h.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("releasing redis lock %q: %w", h.key, err)
	}
	return nil
}
