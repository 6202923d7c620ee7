package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunLock guarantees at most one active run per case. Acquire reports false
// without error when another run holds the case.
type RunLock interface {
	Acquire(ctx context.Context, caseID string) (release func(), ok bool, err error)
}

// MemoryLock is a RunLock for a single process.
type MemoryLock struct {
	mu     sync.Mutex
	active map[string]bool
}

// NewMemoryLock returns an empty in-process lock table.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{active: make(map[string]bool)}
}

// Acquire takes the case if it is free.
func (l *MemoryLock) Acquire(_ context.Context, caseID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[caseID] {
		return nil, false, nil
	}
	l.active[caseID] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, caseID)
			l.mu.Unlock()
		})
	}, true, nil
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a RunLock shared by every process pointing at the same Redis.
// Locks expire after ttl so a crashed worker cannot hold a case forever.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLock connects to addr. ttl <= 0 defaults to 10 minutes.
func NewRedisLock(addr, password string, db int, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLock{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
		prefix: "casepilot:runlock:",
	}
}

// Ping checks connectivity.
func (l *RedisLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the client.
func (l *RedisLock) Close() error { return l.client.Close() }

// Acquire sets the case key with SET NX PX.
func (l *RedisLock) Acquire(ctx context.Context, caseID string) (func(), bool, error) {
	token, err := lockToken()
	if err != nil {
		return nil, false, err
	}
	key := l.prefix + caseID
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		})
	}, true, nil
}

func lockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
