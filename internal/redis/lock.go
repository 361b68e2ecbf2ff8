package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("slot lock not acquired")
	ErrLockUnavailable = errors.New("slot lock backend unavailable")
)

// Locker guards the write path for one doctor slot. It narrows the window in
// which two commits race but the store's unique index remains the guarantee.
type Locker interface {
	WithSlotLock(ctx context.Context, doctorID uuid.UUID, at time.Time, fn func(ctx context.Context) error) error
}

// lockBackend is the part of *redis.Client the locker uses.
type lockBackend interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// SlotLocker holds one Redis key per (doctor, start instant) while fn runs.
// The key expires after ttl so a crashed holder cannot block the slot.
type SlotLocker struct {
	backend lockBackend
	ttl     time.Duration
}

func NewRedisSlotLocker(client *redis.Client, ttl time.Duration) *SlotLocker {
	return newSlotLocker(client, ttl)
}

func newSlotLocker(backend lockBackend, ttl time.Duration) *SlotLocker {
	return &SlotLocker{backend: backend, ttl: ttl}
}

const slotKeyPrefix = "lock:slot"

// SlotLockKey is the Redis key for a doctor's slot starting at at. Instants
// are keyed in UTC so clinic time zones do not split a slot in two.
func SlotLockKey(doctorID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d", slotKeyPrefix, doctorID.String(), at.UTC().Unix())
}

// WithSlotLock runs fn while holding the slot key. It returns
// ErrLockNotAcquired when another commit holds the key and wraps
// ErrLockUnavailable when Redis cannot be reached; fn has not run in either
// case. fn gets a context bounded by the lock ttl.
func (l *SlotLocker) WithSlotLock(ctx context.Context, doctorID uuid.UUID, at time.Time, fn func(ctx context.Context) error) error {
	key := SlotLockKey(doctorID, at)
	token := uuid.NewString()

	ok, err := l.backend.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		// release on a fresh context so a cancelled request still frees the key
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.release(releaseCtx, key, token)
	}()

	held, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(held)
}

// releaseScript deletes the key only while it still carries our token, so an
// expired lock taken over by another commit is left alone.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

func (l *SlotLocker) release(ctx context.Context, key, token string) error {
	err := l.backend.Eval(ctx, releaseScript, []string{key}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}
