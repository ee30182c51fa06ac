package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out expiring Redis locks shared by every process.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Lock is a held lock. The token guards release against a holder whose
// lease already expired.
type Lock struct {
	Key   string
	token string
}

// NewLocker constructs a locker.
func NewLocker(client *redis.Client, keyPrefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if keyPrefix == "" {
		keyPrefix = "outbound:lock"
	}
	return &Locker{client: client, prefix: keyPrefix, ttl: ttl}
}

// Acquire attempts to take the lock for name. It returns nil without error
// when somebody else holds it.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lock, error) {
	key := l.key(name)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock acquire %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{Key: key, token: token}, nil
}

// Extend pushes the expiry of a held lock forward.
func (l *Locker) Extend(ctx context.Context, lock *Lock) (bool, error) {
	if lock == nil {
		return false, nil
	}
	n, err := extendScript.Run(ctx, l.client, []string{lock.Key}, lock.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lock extend: %w", err)
	}
	return n == 1, nil
}

// Release frees a previously acquired lock.
func (l *Locker) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, []string{lock.Key}, lock.token).Int(); err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}

// Mark sets a one-shot marker for name that expires after ttl. It reports
// false when the marker already exists.
func (l *Locker) Mark(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	ok, err := l.client.SetNX(ctx, l.key(name), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock mark %s: %w", name, err)
	}
	return ok, nil
}

// Clear removes a marker set with Mark.
func (l *Locker) Clear(ctx context.Context, name string) error {
	return l.client.Del(ctx, l.key(name)).Err()
}

func (l *Locker) key(name string) string {
	return fmt.Sprintf("%s:%s", l.prefix, name)
}
