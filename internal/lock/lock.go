// Package lock serializes token refreshes across session instances that
// share a storage area.
package lock

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/inspect-session/internal/observability"
	"github.com/spec-kit/inspect-session/internal/persistence"
	apperrors "github.com/spec-kit/inspect-session/pkg/util"
)

const (
	// DefaultKey is the well-known key guarding the refresh call.
	DefaultKey = "tokenRefreshLock"
	// Free marks a released lock.
	Free = "0"
)

// Locker runs fn while holding a lock.
type Locker interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

// WithLock runs action under l and returns its result.
func WithLock[T any](ctx context.Context, l Locker, action func(context.Context) (T, error)) (T, error) {
	var result T
	err := l.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = action(ctx)
		return err
	})
	return result, err
}

// Options tunes StorageLock.
type Options struct {
	MaxAttempts int
	Settle      time.Duration
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// DefaultOptions returns the standard lock tuning.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 20,
		Settle:      50 * time.Millisecond,
		BackoffMin:  100 * time.Millisecond,
		BackoffMax:  time.Second,
	}
}

// StorageLock is an advisory lock built on a shared storage area: write a
// random holder id, wait for writes to settle, and keep the lock only if the
// id survived. Two holders are possible under unlucky timing.
type StorageLock struct {
	area persistence.Area
	key  string
	opts Options
}

// NewStorageLock builds an advisory lock on key.
func NewStorageLock(area persistence.Area, key string, opts Options) *StorageLock {
	def := DefaultOptions()
	if key == "" {
		key = DefaultKey
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Settle <= 0 {
		opts.Settle = def.Settle
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = def.BackoffMin
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.Named("lock").With(zap.String("key", key))
	return &StorageLock{area: area, key: key, opts: opts}
}

// Key returns the storage key the lock lives under.
func (l *StorageLock) Key() string { return l.key }

// Do acquires the lock, runs fn and always releases the lock afterwards.
func (l *StorageLock) Do(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 1; attempt <= l.opts.MaxAttempts; attempt++ {
		acquired, err := l.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if acquired {
			l.opts.Logger.Debug("acquired lock", zap.Int("attempt", attempt))
			defer l.release()
			return fn(ctx)
		}

		l.opts.Metrics.RecordLockContention(l.key)
		l.opts.Logger.Debug("lock busy", zap.Int("attempt", attempt))
		if attempt == l.opts.MaxAttempts {
			break
		}
		if err := sleep(ctx, between(l.opts.BackoffMin, l.opts.BackoffMax)); err != nil {
			return err
		}
	}
	return apperrors.NewLockUnavailable(l.key, l.opts.MaxAttempts)
}

func (l *StorageLock) tryAcquire(ctx context.Context) (bool, error) {
	current, ok, err := l.area.Get(ctx, l.key)
	if err != nil {
		return false, err
	}
	if ok && current != Free {
		return false, nil
	}

	id := uuid.NewString()
	if err := l.area.Set(ctx, l.key, id); err != nil {
		return false, err
	}
	if err := sleep(ctx, l.opts.Settle); err != nil {
		l.releaseIfHeld(id)
		return false, err
	}

	current, _, err = l.area.Get(ctx, l.key)
	if err != nil {
		return false, err
	}
	return current == id, nil
}

func (l *StorageLock) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.area.Set(ctx, l.key, Free); err != nil {
		l.opts.Logger.Warn("failed to release lock", zap.Error(err))
		return
	}
	l.opts.Logger.Debug("released lock")
}

// releaseIfHeld frees the lock after an interrupted acquisition, unless
// another holder has overwritten it in the meantime.
func (l *StorageLock) releaseIfHeld(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if current, _, err := l.area.Get(ctx, l.key); err == nil && current == id {
		l.release()
	}
}

func between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
