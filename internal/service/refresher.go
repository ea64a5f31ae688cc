// Package service holds the session core: the refresh scheduler and the
// session that owns the current token and user.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/inspect-session/internal/auth"
	"github.com/spec-kit/inspect-session/internal/domain"
	"github.com/spec-kit/inspect-session/internal/lock"
	"github.com/spec-kit/inspect-session/internal/observability"
	apperrors "github.com/spec-kit/inspect-session/pkg/util"
)

// DefaultPollInterval is how often the scheduler checks the held token.
const DefaultPollInterval = 60 * time.Second

// TokenFetcher mints a token from the refresh credential.
type TokenFetcher interface {
	Refresh(ctx context.Context) (*auth.Token, error)
}

// Eligibility tells whether a refresh can plausibly succeed.
type Eligibility interface {
	Eligible() bool
}

// UpdateSource names what caused an Update.
type UpdateSource string

const (
	SourceRefresh UpdateSource = "refresh"
	SourceLogin   UpdateSource = "login"
	SourceLogout  UpdateSource = "logout"
	SourcePoll    UpdateSource = "poll"
)

// Update describes a change of scheduler status or held token.
type Update struct {
	Previous   domain.RefreshStatus
	Status     domain.RefreshStatus
	Token      *auth.Token
	Source     UpdateSource
	Generation uint64
	Err        error
}

// RefresherConfig wires a Refresher.
type RefresherConfig struct {
	Fetcher      TokenFetcher
	Eligibility  Eligibility
	Locker       lock.Locker
	PollInterval time.Duration
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

// Refresher keeps a token alive: it refreshes on mount, on a fixed poll
// interval when the token is about to expire, and on demand.
//
// Every login and logout bumps a generation counter. A fetch result is only
// applied if the generation it started under is still current and the
// refresher has not been stopped.
type Refresher struct {
	fetcher  TokenFetcher
	oracle   Eligibility
	locker   lock.Locker
	interval time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics

	// notifyMu orders listener delivery with the mutation that caused it.
	notifyMu  sync.Mutex
	listeners []func(Update)

	mu       sync.Mutex
	status   domain.RefreshStatus
	token    *auth.Token
	gen      uint64
	inFlight bool
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	fetches  sync.WaitGroup
}

// NewRefresher builds an idle refresher.
func NewRefresher(cfg RefresherConfig) *Refresher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Refresher{
		fetcher:  cfg.Fetcher,
		oracle:   cfg.Eligibility,
		locker:   cfg.Locker,
		interval: cfg.PollInterval,
		logger:   cfg.Logger.Named("refresher"),
		metrics:  cfg.Metrics,
		status:   domain.RefreshStatusIdle,
	}
}

// OnUpdate registers fn to receive every Update. Listeners run synchronously
// and must not call SetToken, Reset, ForceRefresh or Remount.
func (r *Refresher) OnUpdate(fn func(Update)) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Status returns the current scheduler status.
func (r *Refresher) Status() domain.RefreshStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Token returns the held token, or nil.
func (r *Refresher) Token() *auth.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// Generation returns the current login/logout generation.
func (r *Refresher) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// Fetching reports whether a refresh is in flight.
func (r *Refresher) Fetching() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// Start mounts the refresher and begins polling. An eligible instance with
// no valid token starts a refresh in the background. A stopped Refresher
// cannot be started again.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.loopDone = make(chan struct{})
	r.mu.Unlock()

	r.mount(ctx)
	go r.loop(loopCtx)
}

// Remount repeats the mount check, as a freshly loaded instance would.
func (r *Refresher) Remount(ctx context.Context) {
	r.mount(ctx)
}

func (r *Refresher) mount(ctx context.Context) {
	r.mu.Lock()
	idle := r.status == domain.RefreshStatusIdle && !valid(r.token)
	r.mu.Unlock()
	if !idle || !r.eligible() {
		return
	}

	gen, ok := r.begin()
	if !ok {
		return
	}
	r.fetches.Add(1)
	go func() {
		defer r.fetches.Done()
		r.run(context.WithoutCancel(ctx), gen)
	}()
}

// Stop ends polling. In-flight fetches complete but their results are dropped.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel, done := r.cancel, r.loopDone
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Wait blocks until background fetches started by mount have returned.
func (r *Refresher) Wait() {
	r.fetches.Wait()
}

// ForceRefresh refreshes now if eligible and nothing is in flight. It
// reports whether a new token was applied.
func (r *Refresher) ForceRefresh(ctx context.Context) bool {
	if r.Fetching() || !r.eligible() {
		return false
	}
	gen, ok := r.begin()
	if !ok {
		return false
	}
	return r.run(ctx, gen)
}

// SetToken installs a token obtained by login, whatever the current status,
// and returns the generation it started.
func (r *Refresher) SetToken(tok *auth.Token) uint64 {
	if tok == nil {
		return r.reset()
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	r.gen++
	r.token = tok
	u := r.moveLocked(evLogin, SourceLogin, nil)
	r.mu.Unlock()

	r.logger.Info("token installed by login", zap.Time("expires_at", tok.ExpiresAt), zap.Uint64("generation", u.Generation))
	r.deliver(u)
	return u.Generation
}

// Reset drops the token and returns to Idle. Fetches started earlier are
// discarded when they finish.
func (r *Refresher) Reset() {
	r.reset()
}

func (r *Refresher) reset() uint64 {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	r.gen++
	r.token = nil
	u := r.moveLocked(evLogout, SourceLogout, nil)
	r.mu.Unlock()

	r.logger.Info("token cleared", zap.Uint64("generation", u.Generation))
	r.deliver(u)
	return u.Generation
}

func (r *Refresher) loop(ctx context.Context) {
	defer close(r.loopDone)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) tick(ctx context.Context) {
	r.notifyMu.Lock()
	r.mu.Lock()
	if r.stopped || r.inFlight {
		r.mu.Unlock()
		r.notifyMu.Unlock()
		return
	}
	if valid(r.token) && !r.token.ExpiresSoon() {
		var u *Update
		if r.status == domain.RefreshStatusReady {
			moved := r.moveLocked(evPoll, SourcePoll, nil)
			u = &moved
		}
		r.mu.Unlock()
		if u != nil {
			r.deliver(*u)
		}
		r.notifyMu.Unlock()
		return
	}
	r.mu.Unlock()
	r.notifyMu.Unlock()

	if !r.eligible() {
		r.logger.Debug("token expiring but refresh not eligible")
		return
	}
	if gen, ok := r.begin(); ok {
		r.run(ctx, gen)
	}
}

// begin moves to Fetching and claims the in-flight slot.
func (r *Refresher) begin() (uint64, bool) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if r.stopped || r.inFlight {
		r.mu.Unlock()
		return 0, false
	}
	if _, ok := next(r.status, evFetch); !ok {
		r.mu.Unlock()
		return 0, false
	}
	r.inFlight = true
	u := r.moveLocked(evFetch, SourceRefresh, nil)
	r.mu.Unlock()

	r.deliver(u)
	return u.Generation, true
}

// run performs the refresh under the lock and applies the outcome.
func (r *Refresher) run(ctx context.Context, gen uint64) bool {
	start := time.Now()
	var (
		tok *auth.Token
		err error
	)
	if r.locker != nil {
		tok, err = lock.WithLock(ctx, r.locker, r.fetcher.Refresh)
	} else {
		tok, err = r.fetcher.Refresh(ctx)
	}
	return r.apply(gen, tok, err, time.Since(start))
}

func (r *Refresher) apply(gen uint64, tok *auth.Token, err error, took time.Duration) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	r.inFlight = false
	if r.stopped || gen != r.gen || r.status != domain.RefreshStatusFetching {
		current := r.gen
		r.mu.Unlock()
		r.logger.Debug("discarding stale refresh result",
			zap.Uint64("generation", gen),
			zap.Uint64("current_generation", current),
			zap.Error(err))
		return false
	}

	var u Update
	switch {
	case err == nil:
		r.token = tok
		u = r.moveLocked(evFetched, SourceRefresh, nil)
	case errors.Is(err, apperrors.ErrRefreshRejected), errors.Is(err, apperrors.ErrParse):
		r.token = nil
		u = r.moveLocked(evRejected, SourceRefresh, err)
	default:
		if r.token != nil && r.token.Expired() {
			r.token = nil
		}
		u = r.moveLocked(evFailed, SourceRefresh, err)
	}
	r.mu.Unlock()

	r.metrics.RecordRefresh(u.Status.String())
	if err != nil {
		r.logger.Warn("token refresh failed",
			zap.String("status", u.Status.String()),
			zap.String("code", apperrors.CodeOf(err)),
			zap.Duration("took", took),
			zap.Error(err))
	} else {
		r.logger.Info("token refreshed",
			zap.Time("expires_at", tok.ExpiresAt),
			zap.Duration("took", took))
	}
	r.deliver(u)
	return err == nil
}

// moveLocked applies ev and returns the resulting Update. r.mu must be held.
// Callers only pass events permitted in the current status.
func (r *Refresher) moveLocked(ev refreshEvent, src UpdateSource, err error) Update {
	prev := r.status
	if to, ok := next(prev, ev); ok {
		r.status = to
	} else {
		r.logger.Error("illegal scheduler transition",
			zap.String("status", prev.String()),
			zap.String("event", ev.String()))
	}
	return Update{
		Previous:   prev,
		Status:     r.status,
		Token:      r.token,
		Source:     src,
		Generation: r.gen,
		Err:        err,
	}
}

// deliver runs listeners. r.notifyMu must be held.
func (r *Refresher) deliver(u Update) {
	for _, fn := range r.listeners {
		fn(u)
	}
}

func (r *Refresher) eligible() bool {
	return r.oracle != nil && r.oracle.Eligible()
}

func valid(tok *auth.Token) bool {
	return tok != nil && !tok.Expired()
}
