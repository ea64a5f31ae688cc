// Package authtest runs an in-process fiber backend that speaks the session
// protocol: /login, /logout, /refresh and a GraphQL `me` query.
package authtest

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Cookie names set by the backend.
const (
	RefreshCookie = "refreshToken"
	HintCookie    = "refreshTokenExpires"
)

// Account is a user known to the backend.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Roles        []string
}

type session struct {
	userID    string
	expiresAt time.Time
}

// Server is a running stub backend.
type Server struct {
	URL string

	app    *fiber.App
	tokens *TokenManager

	accessTTL  time.Duration
	refreshTTL time.Duration

	mu            sync.Mutex
	accounts      map[string]*Account
	sessions      map[string]session
	refreshDelay  time.Duration
	refreshStatus int
	refreshBody   string
	logoutStatus  int

	loginCalls   atomic.Int32
	logoutCalls  atomic.Int32
	refreshCalls atomic.Int32
	meCalls      atomic.Int32
}

// Option configures a Server.
type Option func(*Server)

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithRefreshTTL sets the lifetime of refresh sessions.
func WithRefreshTTL(d time.Duration) Option {
	return func(s *Server) { s.refreshTTL = d }
}

// NewServer starts a backend on a loopback port and stops it on cleanup.
func NewServer(tb testing.TB, opts ...Option) *Server {
	tb.Helper()

	s := &Server{
		accessTTL:  15 * time.Minute,
		refreshTTL: 24 * time.Hour,
		accounts:   make(map[string]*Account),
		sessions:   make(map[string]session),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tokens = NewTokenManager(uuid.NewString(), s.accessTTL)

	s.app = fiber.New(fiber.Config{DisableStartupMessage: true})
	RegisterRoutes(s.app, s)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listen: %v", err)
	}
	s.URL = "http://" + ln.Addr().String()

	go func() {
		_ = s.app.Listener(ln)
	}()
	tb.Cleanup(func() {
		_ = s.app.ShutdownWithTimeout(time.Second)
	})
	return s
}

// Origin returns the parsed server URL.
func (s *Server) Origin() *url.URL {
	u, _ := url.Parse(s.URL)
	return u
}

// AddUser registers an account and returns it.
func (s *Server) AddUser(tb testing.TB, email, password, firstName, lastName string, roles ...string) *Account {
	tb.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		tb.Fatalf("hash password: %v", err)
	}
	acct := &Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		FirstName:    firstName,
		LastName:     lastName,
		Roles:        roles,
	}
	s.mu.Lock()
	s.accounts[email] = acct
	s.mu.Unlock()
	return acct
}

// SeedSession opens a refresh session for acct and stores its cookies in jar,
// as if the user had logged in during an earlier visit.
func (s *Server) SeedSession(acct *Account, jar http.CookieJar) {
	refresh, expires := s.openSession(acct.ID)
	jar.SetCookies(s.Origin(), []*http.Cookie{
		{Name: RefreshCookie, Value: refresh, Path: "/", Expires: expires, HttpOnly: true},
		{Name: HintCookie, Value: expires.UTC().Format(time.RFC3339), Path: "/", Expires: expires},
	})
}

// SetRefreshDelay makes /refresh sleep before answering.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// FailRefresh forces /refresh to answer with status; 0 restores normal behavior.
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// SetRefreshBody forces /refresh to answer 200 with body; "" restores normal behavior.
func (s *Server) SetRefreshBody(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshBody = body
}

// FailLogout forces /logout to answer with status; 0 restores normal behavior.
func (s *Server) FailLogout(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutStatus = status
}

// LoginCalls returns how many times /login was hit.
func (s *Server) LoginCalls() int { return int(s.loginCalls.Load()) }

// LogoutCalls returns how many times /logout was hit.
func (s *Server) LogoutCalls() int { return int(s.logoutCalls.Load()) }

// RefreshCalls returns how many times /refresh was hit.
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

// MeCalls returns how many `me` queries were answered.
func (s *Server) MeCalls() int { return int(s.meCalls.Load()) }

// ActiveSessions returns the number of open refresh sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) openSession(userID string) (string, time.Time) {
	refresh := uuid.NewString()
	expires := time.Now().Add(s.refreshTTL).Truncate(time.Second)
	s.mu.Lock()
	s.sessions[refresh] = session{userID: userID, expiresAt: expires}
	s.mu.Unlock()
	return refresh, expires
}

func (s *Server) lookupSession(refresh string) (*Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[refresh]
	if !ok || !sess.expiresAt.After(time.Now()) {
		return nil, false
	}
	return s.accountByIDLocked(sess.userID)
}

func (s *Server) accountByIDLocked(id string) (*Account, bool) {
	for _, acct := range s.accounts {
		if acct.ID == id {
			return acct, true
		}
	}
	return nil, false
}
