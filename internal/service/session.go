package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/inspect-session/internal/auth"
	"github.com/spec-kit/inspect-session/internal/domain"
	"github.com/spec-kit/inspect-session/internal/events"
	"github.com/spec-kit/inspect-session/internal/persistence"
	apperrors "github.com/spec-kit/inspect-session/pkg/util"
)

// LogoutSyncKey is written on logout so other instances drop their session.
const LogoutSyncKey = "logoutSync"

// AuthAPI is the part of the backend a session talks to directly.
type AuthAPI interface {
	Login(ctx context.Context, creds domain.Credentials) (*auth.Token, error)
	Logout(ctx context.Context) error
	Me(ctx context.Context, tok *auth.Token) (*domain.User, error)
}

// HintOracle reads and expires the refresh hint cookie.
type HintOracle interface {
	Eligible() bool
	Invalidate()
}

// SessionDependencies wires a Session.
type SessionDependencies struct {
	API        AuthAPI
	Refresher  *Refresher
	Oracle     HintOracle
	Area       persistence.Area
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
}

// Session owns the current token and user of one instance and keeps them in
// step with logins and logouts made by other instances on the same storage.
type Session struct {
	api        AuthAPI
	refresher  *Refresher
	oracle     HintOracle
	area       persistence.Area
	dispatcher events.Dispatcher
	logger     *zap.Logger
	instance   string

	mu   sync.RWMutex
	user *domain.User

	ctx       context.Context
	cancel    context.CancelFunc
	watchDone chan struct{}
	bg        sync.WaitGroup
}

// NewSession builds a session; call Start to mount it.
func NewSession(deps SessionDependencies) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = events.NewInMemoryDispatcher(logger)
	}
	return &Session{
		api:        deps.API,
		refresher:  deps.Refresher,
		oracle:     deps.Oracle,
		area:       deps.Area,
		dispatcher: dispatcher,
		logger:     logger.Named("session").With(zap.String("instance", deps.Area.ID())),
		instance:   deps.Area.ID(),
	}
}

// Start subscribes to storage changes and mounts the refresher.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	changes, err := s.area.Watch(s.ctx)
	if err != nil {
		s.cancel()
		s.cancel = nil
		return err
	}
	s.watchDone = make(chan struct{})
	go s.watch(changes)

	s.refresher.OnUpdate(s.onRefresherUpdate)
	s.refresher.Start(s.ctx)
	return nil
}

// Close stops the refresher and the storage watch.
func (s *Session) Close() {
	s.refresher.Stop()
	if s.cancel != nil {
		s.cancel()
		<-s.watchDone
	}
	s.bg.Wait()
}

// Login authenticates, installs the token, and loads the profile. A profile
// failure is logged and leaves the token in place.
func (s *Session) Login(ctx context.Context, creds domain.Credentials) error {
	tok, err := s.api.Login(ctx, creds)
	if err != nil {
		s.logger.Warn("login failed", zap.String("email", creds.Email), zap.Error(err))
		return err
	}
	gen := s.refresher.SetToken(tok)
	s.publish(ctx, events.EventLoggedIn, events.LoggedInPayload{Email: creds.Email, TokenExpires: tok.ExpiresAt})

	user, err := s.api.Me(ctx, tok)
	if err != nil {
		s.logger.Warn("profile unavailable after login", zap.Error(err))
		return nil
	}
	s.setUser(ctx, gen, user)
	return nil
}

// Logout ends the server session, clears local state, and signals other
// instances. On failure local state is left untouched.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.api.Logout(ctx); err != nil {
		s.logger.Warn("logout failed", zap.Error(err))
		return err
	}

	s.refresher.Reset()
	s.clearUser()

	at := time.Now().UTC()
	if err := s.area.Set(ctx, LogoutSyncKey, at.Format(time.RFC3339Nano)); err != nil {
		s.logger.Warn("failed to signal logout to other instances", zap.Error(err))
	}
	s.publish(ctx, events.EventLoggedOut, events.LoggedOutPayload{At: at})
	return nil
}

// Online is called when connectivity returns. It forces a refresh if one can
// plausibly succeed and reports whether a new token was applied.
func (s *Session) Online(ctx context.Context) bool {
	return s.refresher.ForceRefresh(ctx)
}

// Refresh forces a refresh and reports an error if none was applied.
func (s *Session) Refresh(ctx context.Context) error {
	if s.refresher.ForceRefresh(ctx) {
		return nil
	}
	if !s.oracle.Eligible() {
		return apperrors.NewRefreshRejected(0)
	}
	return apperrors.NewDomainError(apperrors.CodeInternal, "refresh did not produce a token", 0,
		map[string]any{"status": s.refresher.Status().String()})
}

// CurrentToken returns the token held for this instance, or nil.
func (s *Session) CurrentToken() *auth.Token {
	return s.refresher.Token()
}

// Status returns the refresh scheduler status.
func (s *Session) Status() domain.RefreshStatus {
	return s.refresher.Status()
}

// Eligible reports whether the refresh hint cookie is live.
func (s *Session) Eligible() bool {
	return s.oracle.Eligible()
}

// User returns the loaded profile, or nil.
func (s *Session) User() *domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	u.Roles = append([]string(nil), s.user.Roles...)
	return &u
}

// Instance returns the storage attachment id of this session.
func (s *Session) Instance() string { return s.instance }

func (s *Session) watch(changes <-chan persistence.Change) {
	defer close(s.watchDone)
	for change := range changes {
		if change.Key != LogoutSyncKey {
			continue
		}
		s.syncLogout(change)
	}
	if s.ctx.Err() == nil {
		s.logger.Error("storage change stream closed; logouts from other instances will not be seen")
	}
}

// syncLogout drops the session after another instance logged out. It makes
// no network call: the hint cookie is expired locally so the remount sees
// an ineligible instance.
func (s *Session) syncLogout(change persistence.Change) {
	s.logger.Info("logout observed from another instance", zap.String("origin", change.Origin))

	s.refresher.Reset()
	s.clearUser()
	s.oracle.Invalidate()
	s.publish(s.ctx, events.EventSessionSynced, events.SessionSyncedPayload{LogoutAt: change.Value})
	s.refresher.Remount(s.ctx)
}

func (s *Session) onRefresherUpdate(u Update) {
	if u.Previous != u.Status {
		s.publish(s.ctx, events.EventStatusChanged, events.StatusChangedPayload{OldStatus: u.Previous, NewStatus: u.Status})
	}
	if u.Source != SourceRefresh || u.Status != domain.RefreshStatusReady || u.Token == nil {
		return
	}
	s.publish(s.ctx, events.EventTokenRefreshed, events.TokenRefreshedPayload{TokenExpires: u.Token.ExpiresAt, Generation: u.Generation})

	if s.User() != nil || s.ctx.Err() != nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.loadProfile(u.Generation, u.Token)
	}()
}

func (s *Session) loadProfile(gen uint64, tok *auth.Token) {
	user, err := s.api.Me(s.ctx, tok)
	if err != nil {
		s.logger.Warn("profile unavailable after refresh", zap.Error(err))
		return
	}
	s.setUser(s.ctx, gen, user)
}

// setUser stores user unless a login or logout happened since gen.
func (s *Session) setUser(ctx context.Context, gen uint64, user *domain.User) {
	s.mu.Lock()
	if s.refresher.Generation() != gen {
		s.mu.Unlock()
		s.logger.Debug("discarding profile from an older session")
		return
	}
	s.user = user
	s.mu.Unlock()

	s.logger.Info("user loaded", zap.String("user_id", user.ID))
	s.publish(ctx, events.EventUserLoaded, events.UserLoadedPayload{UserID: user.ID, Email: user.Email, Roles: user.Roles})
}

func (s *Session) clearUser() {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
}

func (s *Session) publish(ctx context.Context, eventType events.EventType, payload any) {
	if ctx == nil {
		ctx = context.Background()
	}
	_ = s.dispatcher.Publish(ctx, events.New(eventType, s.instance, payload))
}
