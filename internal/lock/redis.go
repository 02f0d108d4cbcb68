package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the TTL only if the key still holds our token
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX. When Redis is unreachable
// it fails open and logs, leaving enforcement to the database.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisLocker(rdb *redis.Client, prefix string, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: prefix, logger: logger}
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	fullKey := fmt.Sprintf("%s:%s", l.prefix, key)
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		l.logger.Warn("Redis lock failed, continuing without it",
			zap.String("key", fullKey),
			zap.Error(err),
		)
		return noopLease{}, nil
	}
	if !ok {
		return nil, ErrHeld
	}

	return &redisLease{rdb: l.rdb, key: fullKey, token: token}, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
}

func (le *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, le.rdb, []string{le.key}, le.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", le.key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (le *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, le.rdb, []string{le.key}, le.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", le.key, err)
	}
	return nil
}

// noopLease stands in for a lock Redis could not be asked about
type noopLease struct{}

func (noopLease) Extend(context.Context, time.Duration) error { return nil }
func (noopLease) Release(context.Context) error               { return nil }
