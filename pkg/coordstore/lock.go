package coordstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// releaseScript deletes the lock key only if it still carries our token,
// so releasing after a TTL expiry cannot clobber another holder.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Lock is a best-effort advisory lock with a TTL. Holders must tolerate
// losing the lock mid-flight and write idempotently.
type Lock struct {
	store *Store
	name  string
	token string
}

// TryLock attempts to take the named lock. Returns (nil, false, nil) when
// another worker holds it.
func (s *Store) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := s.SetNX(ctx, name, token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{store: s, name: name, token: token}, true, nil
}

// Lock blocks until the named lock is acquired, polling every interval,
// or until the context is done.
func (s *Store) Lock(ctx context.Context, name string, ttl, interval time.Duration) (*Lock, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		lock, ok, err := s.TryLock(ctx, name, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release drops the lock. Safe to call more than once and after expiry.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	_, err := l.store.Eval(ctx, releaseScript, []string{l.name}, l.token)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.name, err)
	}
	return nil
}
