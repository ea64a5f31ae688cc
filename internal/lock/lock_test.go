package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/inspect-session/internal/observability"
	"github.com/spec-kit/inspect-session/internal/persistence"
	apperrors "github.com/spec-kit/inspect-session/pkg/util"
)

func fastOptions(t *testing.T) Options {
	return Options{
		MaxAttempts: 50,
		Settle:      5 * time.Millisecond,
		BackoffMin:  5 * time.Millisecond,
		BackoffMax:  15 * time.Millisecond,
		Logger:      zaptest.NewLogger(t),
	}
}

func TestWithLockReturnsActionResult(t *testing.T) {
	area := persistence.NewMemoryHub().Attach()
	l := NewStorageLock(area, "", fastOptions(t))

	got, err := WithLock(context.Background(), l, func(context.Context) (string, error) {
		held, _, err := area.Get(context.Background(), DefaultKey)
		require.NoError(t, err)
		assert.NotEqual(t, Free, held)
		return "token", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "token", got)

	v, ok, err := area.Get(context.Background(), DefaultKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Free, v)
}

func TestWithLockReleasesOnFailure(t *testing.T) {
	area := persistence.NewMemoryHub().Attach()
	l := NewStorageLock(area, "k", fastOptions(t))
	boom := errors.New("boom")

	_, err := WithLock(context.Background(), l, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)

	v, _, _ := area.Get(context.Background(), "k")
	assert.Equal(t, Free, v)
}

func TestStorageLockSerializesHolders(t *testing.T) {
	hub := persistence.NewMemoryHub()
	var active, maxActive, runs int32

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := fastOptions(t)
			opts.Settle = 20 * time.Millisecond
			l := NewStorageLock(hub.Attach(), "k", opts)
			_, err := WithLock(context.Background(), l, func(context.Context) (struct{}, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				atomic.AddInt32(&runs, 1)
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), runs)
	assert.Equal(t, int32(1), maxActive)
}

func TestStorageLockUnavailable(t *testing.T) {
	area := persistence.NewMemoryHub().Attach()
	require.NoError(t, area.Set(context.Background(), "k", "someone-else"))

	reg := prometheus.NewRegistry()
	opts := fastOptions(t)
	opts.MaxAttempts = 3
	opts.Metrics = observability.NewMetrics(reg)
	l := NewStorageLock(area, "k", opts)

	var called bool
	err := l.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.ErrorIs(t, err, apperrors.ErrLockUnavailable)
	assert.Contains(t, err.Error(), `"k"`)

	v, _, _ := area.Get(context.Background(), "k")
	assert.Equal(t, "someone-else", v)
}

func TestStorageLockHonoursContext(t *testing.T) {
	area := persistence.NewMemoryHub().Attach()
	require.NoError(t, area.Set(context.Background(), "k", "held"))

	opts := fastOptions(t)
	opts.BackoffMin = time.Second
	opts.BackoffMax = time.Second
	l := NewStorageLock(area, "k", opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStorageLockCleansUpInterruptedAcquire(t *testing.T) {
	area := persistence.NewMemoryHub().Attach()
	opts := fastOptions(t)
	opts.Settle = time.Second
	l := NewStorageLock(area, "k", opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	v, _, _ := area.Get(context.Background(), "k")
	assert.Equal(t, Free, v)
}

func TestBetween(t *testing.T) {
	assert.Equal(t, time.Second, between(time.Second, time.Second))
	for i := 0; i < 100; i++ {
		d := between(10*time.Millisecond, 20*time.Millisecond)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 20*time.Millisecond)
	}
}

func TestRedisLeaseSerializesHolders(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	key := "test:lease:" + t.Name()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := NewRedisLease(client, key, time.Minute, fastOptions(t))
			err := l.Do(context.Background(), func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&maxActive) {
					atomic.StoreInt32(&maxActive, n)
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	n, err := client.Exists(context.Background(), key).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
