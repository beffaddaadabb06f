// Package lease provides per-connection sync leases.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ingest_server/core/port/out"
	"ingest_server/pkg/logger"
)

const keyPrefix = "lease:sync:"

// releaseScript deletes the lease only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker holds leases as SET NX PX keys with an owner token, so leases
// are exclusive across processes. When Redis is unreachable it degrades to
// the in-process locker.
type RedisLocker struct {
	client   *redis.Client
	fallback *LocalLocker
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, fallback: NewLocalLocker()}
}

// New returns a Redis locker when client is set, else an in-process one.
func New(client *redis.Client) out.ConnectionLocker {
	if client == nil {
		return NewLocalLocker()
	}
	return NewRedisLocker(client)
}

func (l *RedisLocker) Acquire(ctx context.Context, connectionID int64, ttl time.Duration) (func(), error) {
	key := fmt.Sprintf("%s%d", keyPrefix, connectionID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		logger.WithError(err).Warn("[RedisLocker] redis unavailable, using local lease for connection %d", connectionID)
		return l.fallback.Acquire(ctx, connectionID, ttl)
	}
	if !ok {
		return nil, out.ErrLeaseHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				logger.WithError(err).Warn("[RedisLocker] failed to release lease for connection %d", connectionID)
			}
		})
	}, nil
}

// LocalLocker is a keyed mutex with expiry for single-process deployments.
type LocalLocker struct {
	mu   sync.Mutex
	next uint64
	held map[int64]lease
	now  func() time.Time
}

type lease struct {
	token   uint64
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[int64]lease), now: time.Now}
}

func (l *LocalLocker) Acquire(ctx context.Context, connectionID int64, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[connectionID]; ok && now.Before(cur.expires) {
		return nil, out.ErrLeaseHeld
	}

	l.next++
	token := l.next
	l.held[connectionID] = lease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.held[connectionID]; ok && cur.token == token {
				delete(l.held, connectionID)
			}
		})
	}, nil
}
