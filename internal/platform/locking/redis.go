package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const defaultPrefix = "riskledger:lock:"

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker coordinates holders across processes sharing a Redis instance.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// NewRedis creates a locker on top of client. Keys are namespaced with prefix,
// or a package default when prefix is empty.
func NewRedis(client redis.Cmdable, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (r *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: r.client, key: key, fullKey: r.prefix + key, token: token}, true, nil
}

type redisLease struct {
	client  redis.Cmdable
	key     string
	fullKey string
	token   string
	once    sync.Once
	err     error
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		n, err := releaseScript.Run(ctx, l.client, []string{l.fullKey}, l.token).Int64()
		if err != nil {
			l.err = fmt.Errorf("release lock %s: %w", l.key, err)
			return
		}
		if n == 0 {
			l.err = ErrLeaseLost
		}
	})
	return l.err
}
