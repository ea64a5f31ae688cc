package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/inspect-session/internal/auth"
	"github.com/spec-kit/inspect-session/internal/domain"
	"github.com/spec-kit/inspect-session/internal/lock"
	"github.com/spec-kit/inspect-session/internal/persistence"
	apperrors "github.com/spec-kit/inspect-session/pkg/util"
)

type fakeFetcher struct {
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
	fn      func(ctx context.Context) (*auth.Token, error)
}

func (f *fakeFetcher) Refresh(ctx context.Context) (*auth.Token, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	return f.fn(ctx)
}

type fakeOracle struct {
	eligible    atomic.Bool
	invalidated atomic.Int32
}

func (o *fakeOracle) Eligible() bool { return o.eligible.Load() }

func (o *fakeOracle) Invalidate() {
	o.invalidated.Add(1)
	o.eligible.Store(false)
}

func newOracle(eligible bool) *fakeOracle {
	o := &fakeOracle{}
	o.eligible.Store(eligible)
	return o
}

func tokenFor(secret string, ttl time.Duration) *auth.Token {
	return &auth.Token{Secret: secret, ExpiresAt: time.Now().Add(ttl)}
}

func returning(tok *auth.Token, err error) func(context.Context) (*auth.Token, error) {
	return func(context.Context) (*auth.Token, error) { return tok, err }
}

type statusRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *statusRecorder) record(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *statusRecorder) statuses() []domain.RefreshStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RefreshStatus, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Status)
	}
	return out
}

func newTestRefresher(t *testing.T, f TokenFetcher, o Eligibility, interval time.Duration) (*Refresher, *statusRecorder) {
	t.Helper()
	r := NewRefresher(RefresherConfig{
		Fetcher:      f,
		Eligibility:  o,
		PollInterval: interval,
		Logger:       zaptest.NewLogger(t),
	})
	rec := &statusRecorder{}
	r.OnUpdate(rec.record)
	t.Cleanup(func() {
		r.Stop()
		r.Wait()
	})
	return r, rec
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from domain.RefreshStatus
		ev   refreshEvent
		to   domain.RefreshStatus
		ok   bool
	}{
		{domain.RefreshStatusIdle, evFetch, domain.RefreshStatusFetching, true},
		{domain.RefreshStatusIdle, evFetched, "", false},
		{domain.RefreshStatusFetching, evFetch, "", false},
		{domain.RefreshStatusFetching, evFetched, domain.RefreshStatusReady, true},
		{domain.RefreshStatusFetching, evRejected, domain.RefreshStatusMissing, true},
		{domain.RefreshStatusFetching, evFailed, domain.RefreshStatusError, true},
		{domain.RefreshStatusMissing, evFetch, domain.RefreshStatusFetching, true},
		{domain.RefreshStatusError, evFetch, domain.RefreshStatusFetching, true},
		{domain.RefreshStatusError, evPoll, "", false},
		{domain.RefreshStatusReady, evPoll, domain.RefreshStatusWatching, true},
		{domain.RefreshStatusWatching, evFetch, domain.RefreshStatusFetching, true},
		{domain.RefreshStatusMissing, evLogin, domain.RefreshStatusWatching, true},
		{domain.RefreshStatusFetching, evLogin, domain.RefreshStatusWatching, true},
		{domain.RefreshStatusWatching, evLogout, domain.RefreshStatusIdle, true},
		{domain.RefreshStatusFetching, evLogout, domain.RefreshStatusIdle, true},
	}
	for _, tc := range cases {
		t.Run(tc.from.String()+"/"+tc.ev.String(), func(t *testing.T) {
			to, ok := next(tc.from, tc.ev)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.to, to)
			}
		})
	}
}

func TestIneligibleMountStaysIdle(t *testing.T) {
	f := &fakeFetcher{fn: returning(tokenFor("t", time.Hour), nil)}
	r, rec := newTestRefresher(t, f, newOracle(false), 10*time.Millisecond)

	r.Start(context.Background())
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, domain.RefreshStatusIdle, r.Status())
	assert.False(t, r.ForceRefresh(context.Background()))
	assert.Zero(t, f.calls.Load())
	assert.Empty(t, rec.statuses())
}

func TestEligibleMountBecomesReady(t *testing.T) {
	tok := tokenFor("fresh", time.Hour)
	f := &fakeFetcher{fn: returning(tok, nil)}
	r, rec := newTestRefresher(t, f, newOracle(true), time.Hour)

	r.Start(context.Background())
	r.Wait()

	assert.Equal(t, domain.RefreshStatusReady, r.Status())
	assert.Same(t, tok, r.Token())
	assert.Equal(t, []domain.RefreshStatus{domain.RefreshStatusFetching, domain.RefreshStatusReady}, rec.statuses())
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestRejectedRefreshIsMissing(t *testing.T) {
	for name, err := range map[string]error{
		"rejected": apperrors.NewRefreshRejected(401),
		"parse":    apperrors.NewParseError("bad payload", nil),
	} {
		t.Run(name, func(t *testing.T) {
			f := &fakeFetcher{fn: returning(nil, err)}
			r, _ := newTestRefresher(t, f, newOracle(true), time.Hour)
			r.SetToken(tokenFor("old", time.Minute))

			assert.False(t, r.ForceRefresh(context.Background()))
			assert.Equal(t, domain.RefreshStatusMissing, r.Status())
			assert.Nil(t, r.Token())
		})
	}
}

func TestFailedRefreshKeepsUnexpiredToken(t *testing.T) {
	f := &fakeFetcher{fn: returning(nil, apperrors.NewRetryExhausted("/refresh", 5, nil))}
	r, rec := newTestRefresher(t, f, newOracle(true), time.Hour)
	held := tokenFor("held", time.Minute)
	r.SetToken(held)

	assert.False(t, r.ForceRefresh(context.Background()))
	assert.Equal(t, domain.RefreshStatusError, r.Status())
	assert.Same(t, held, r.Token())

	rec.mu.Lock()
	last := rec.updates[len(rec.updates)-1]
	rec.mu.Unlock()
	assert.ErrorIs(t, last.Err, apperrors.ErrRetryExhausted)
}

func TestFailedRefreshDropsExpiredToken(t *testing.T) {
	f := &fakeFetcher{fn: returning(nil, apperrors.NewLockUnavailable(lock.DefaultKey, 20))}
	r, _ := newTestRefresher(t, f, newOracle(true), time.Hour)
	r.SetToken(tokenFor("stale", -time.Second))

	assert.False(t, r.ForceRefresh(context.Background()))
	assert.Equal(t, domain.RefreshStatusError, r.Status())
	assert.Nil(t, r.Token())
}

func TestErrorRecoversOnNextRefresh(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	fresh := tokenFor("fresh", time.Hour)
	f := &fakeFetcher{fn: func(context.Context) (*auth.Token, error) {
		if fail.Load() {
			return nil, apperrors.NewRetryExhausted("/refresh", 5, nil)
		}
		return fresh, nil
	}}
	r, _ := newTestRefresher(t, f, newOracle(true), time.Hour)

	assert.False(t, r.ForceRefresh(context.Background()))
	assert.Equal(t, domain.RefreshStatusError, r.Status())

	fail.Store(false)
	assert.True(t, r.ForceRefresh(context.Background()))
	assert.Equal(t, domain.RefreshStatusReady, r.Status())
	assert.Same(t, fresh, r.Token())
}

func TestLogoutWinsOverInFlightRefresh(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := &fakeFetcher{fn: func(context.Context) (*auth.Token, error) {
		close(started)
		<-release
		return tokenFor("late", time.Hour), nil
	}}
	r, _ := newTestRefresher(t, f, newOracle(true), time.Hour)

	r.Start(context.Background())
	<-started
	require.Equal(t, domain.RefreshStatusFetching, r.Status())

	r.Reset()
	close(release)
	r.Wait()

	assert.Nil(t, r.Token())
	assert.Equal(t, domain.RefreshStatusIdle, r.Status())
	assert.False(t, r.Fetching())
}

func TestLoginWinsOverInFlightRefresh(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := &fakeFetcher{fn: func(context.Context) (*auth.Token, error) {
		close(started)
		<-release
		return tokenFor("late", time.Hour), nil
	}}
	r, _ := newTestRefresher(t, f, newOracle(true), time.Hour)

	r.Start(context.Background())
	<-started

	login := tokenFor("login", time.Hour)
	r.SetToken(login)
	close(release)
	r.Wait()

	assert.Same(t, login, r.Token())
	assert.Equal(t, domain.RefreshStatusWatching, r.Status())
}

func TestSecondTriggerWhileFetchingIsNoop(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := &fakeFetcher{fn: func(context.Context) (*auth.Token, error) {
		close(started)
		<-release
		return tokenFor("t", time.Hour), nil
	}}
	r, _ := newTestRefresher(t, f, newOracle(true), time.Hour)

	r.Start(context.Background())
	<-started
	assert.False(t, r.ForceRefresh(context.Background()))
	r.Remount(context.Background())

	close(release)
	r.Wait()
	assert.EqualValues(t, 1, f.calls.Load())
	assert.Equal(t, domain.RefreshStatusReady, r.Status())
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := &fakeFetcher{fn: func(context.Context) (*auth.Token, error) {
		close(started)
		<-release
		return tokenFor("t", time.Hour), nil
	}}
	r, rec := newTestRefresher(t, f, newOracle(true), time.Hour)

	r.Start(context.Background())
	<-started
	r.Stop()
	close(release)
	r.Wait()

	assert.Nil(t, r.Token())
	assert.NotContains(t, rec.statuses(), domain.RefreshStatusReady)
	assert.False(t, r.ForceRefresh(context.Background()))
}

func TestTickMovesReadyToWatching(t *testing.T) {
	f := &fakeFetcher{fn: returning(tokenFor("t", time.Hour), nil)}
	r, _ := newTestRefresher(t, f, newOracle(true), 15*time.Millisecond)

	r.Start(context.Background())
	assert.Eventually(t, func() bool {
		return r.Status() == domain.RefreshStatusWatching
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestTickRefreshesExpiringToken(t *testing.T) {
	fresh := tokenFor("fresh", time.Hour)
	f := &fakeFetcher{fn: returning(fresh, nil)}
	r, _ := newTestRefresher(t, f, newOracle(true), 15*time.Millisecond)

	r.SetToken(tokenFor("expiring", time.Minute))
	r.Start(context.Background())

	assert.Eventually(t, func() bool {
		return r.Token() == fresh
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestTickSkipsIneligibleExpiringToken(t *testing.T) {
	f := &fakeFetcher{fn: returning(tokenFor("fresh", time.Hour), nil)}
	r, _ := newTestRefresher(t, f, newOracle(false), 10*time.Millisecond)

	r.SetToken(tokenFor("expiring", time.Minute))
	r.Start(context.Background())
	time.Sleep(60 * time.Millisecond)

	assert.Zero(t, f.calls.Load())
	assert.Equal(t, domain.RefreshStatusWatching, r.Status())
}

func TestSharedLockSerializesRefreshers(t *testing.T) {
	hub := persistence.NewMemoryHub()
	opts := lock.Options{
		MaxAttempts: 100,
		Settle:      5 * time.Millisecond,
		BackoffMin:  2 * time.Millisecond,
		BackoffMax:  10 * time.Millisecond,
		Logger:      zaptest.NewLogger(t),
	}
	f := &fakeFetcher{fn: func(context.Context) (*auth.Token, error) {
		time.Sleep(20 * time.Millisecond)
		return tokenFor("t", time.Hour), nil
	}}

	refreshers := make([]*Refresher, 3)
	for i := range refreshers {
		refreshers[i] = NewRefresher(RefresherConfig{
			Fetcher:     f,
			Eligibility: newOracle(true),
			Locker:      lock.NewStorageLock(hub.Attach(), lock.DefaultKey, opts),
			Logger:      zaptest.NewLogger(t),
		})
	}

	var wg sync.WaitGroup
	for _, r := range refreshers {
		wg.Add(1)
		go func(r *Refresher) {
			defer wg.Done()
			assert.True(t, r.ForceRefresh(context.Background()))
		}(r)
	}
	wg.Wait()

	assert.EqualValues(t, 3, f.calls.Load())
	assert.EqualValues(t, 1, f.maxSeen.Load())
}

func TestSetTokenReturnsInstalledGeneration(t *testing.T) {
	r := NewRefresher(RefresherConfig{Eligibility: &fakeOracle{}, PollInterval: time.Hour, Logger: zaptest.NewLogger(t)})

	first := r.SetToken(tokenFor("a", time.Hour))
	assert.Equal(t, r.Generation(), first)

	r.Reset()
	assert.Greater(t, r.Generation(), first)
	assert.Equal(t, r.Generation(), r.SetToken(nil))
	assert.Nil(t, r.Token())
}
