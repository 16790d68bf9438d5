package checkin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var ErrLocked = errors.New("scan in progress")

// Locker serialises scans of one unique code. Unlock must be called with the
// token returned by Lock.
type Locker interface {
	Lock(ctx context.Context, code string) (string, error)
	Unlock(ctx context.Context, code, token string) error
}

type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]string
	wait  time.Duration
	retry time.Duration
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{held: make(map[string]string), wait: wait, retry: 10 * time.Millisecond}
}

func (l *LocalLocker) Lock(ctx context.Context, code string) (string, error) {
	deadline := time.Now().Add(l.wait)
	token := uuid.NewString()
	for {
		l.mu.Lock()
		if _, busy := l.held[code]; !busy {
			l.held[code] = token
			l.mu.Unlock()
			return token, nil
		}
		l.mu.Unlock()

		if time.Now().After(deadline) {
			return "", ErrLocked
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *LocalLocker) Unlock(_ context.Context, code, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[code] == token {
		delete(l.held, code)
	}
	return nil
}

// unlockScript deletes the key only when it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds scan locks in Redis so several replicas share them. The
// TTL bounds how long a crashed holder can block a code.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
	prefix string
}

func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, wait: wait, retry: 25 * time.Millisecond, prefix: "prayerroom:scan:"}
}

func (l *RedisLocker) Lock(ctx context.Context, code string) (string, error) {
	deadline := time.Now().Add(l.wait)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, l.prefix+code, token, l.ttl).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrLocked
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *RedisLocker) Unlock(ctx context.Context, code, token string) error {
	return unlockScript.Run(ctx, l.client, []string{l.prefix + code}, token).Err()
}
