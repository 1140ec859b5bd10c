package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// redisReleaseScript deletes the key only when it still carries the holder's token.
// KEYS[1] = lock key
// ARGV[1] = holder token
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares locks between processes through Redis. Keys expire after ttl so a
// crashed holder cannot block a cadence forever.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logf   func(format string, args ...interface{})
}

// NewRedisLocker creates a locker backed by the Redis server at addr.
func NewRedisLocker(addr, password string, db int, ttl time.Duration) *RedisLocker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLockerWithClient(rdb, ttl)
}

func NewRedisLockerWithClient(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, prefix: "gocadence:lock:", ttl: ttl, logf: func(string, ...interface{}) {}}
}

// SetErrorLogger routes release failures to logf.
func (l *RedisLocker) SetErrorLogger(logf func(format string, args ...interface{})) {
	l.logf = logf
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := redisReleaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logf("Failed to release lock %s: %v", key, err)
			}
		})
	}, nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
