package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLockHeld is returned by AcquireLock when another owner holds the key.
var ErrLockHeld = errors.New("lock is held by another owner")

// Lock is a held distributed lock.
type Lock struct {
	ops   LockOps
	key   string
	token string
}

// AcquireLock takes key with a fresh owner token.
func AcquireLock(ctx context.Context, ops LockOps, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := ops.TryLock(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{ops: ops, key: key, token: token}, nil
}

func (l *Lock) Key() string {
	return l.key
}

// Release drops the lock if this owner still holds it.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	_, err := l.ops.Unlock(ctx, l.key, l.token)
	return err
}

// Extend pushes the expiry out by ttl. It reports false once ownership was lost.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.ops.ExtendLock(ctx, l.key, l.token, ttl)
}

// KeepAlive extends the lock by ttl every ttl/2 until stop is called, ctx ends or
// ownership is lost. stop waits for the renewal goroutine to exit.
func (l *Lock) KeepAlive(ctx context.Context, ttl time.Duration) (stop func()) {
	if l == nil || ttl <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// transient errors retry on the next tick
				if ok, err := l.Extend(ctx, ttl); err == nil && !ok {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
