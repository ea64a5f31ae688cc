package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/spec-kit/inspect-session/internal/persistence"
)

// JarKey is the storage key holding the API origin's cookies.
const JarKey = "cookieJar"

// SharedJar is a cookie jar whose cookies for the API origin are mirrored
// through a shared storage area, so every instance sees the refresh
// credential and its expiry hint.
type SharedJar struct {
	inner  *cookiejar.Jar
	area   persistence.Area
	origin *url.URL
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]storedCookie
}

type storedCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Deleted  bool      `json:"deleted,omitempty"`
	HTTPOnly bool      `json:"httpOnly,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
}

// NewCookieJar returns a plain in-memory jar using the public suffix list.
func NewCookieJar() (*cookiejar.Jar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

// NewSharedJar loads any cookies already stored for origin.
func NewSharedJar(ctx context.Context, area persistence.Area, origin *url.URL, logger *zap.Logger) (*SharedJar, error) {
	inner, err := NewCookieJar()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &SharedJar{
		inner:   inner,
		area:    area,
		origin:  origin,
		logger:  logger.Named("cookie-jar"),
		entries: make(map[string]storedCookie),
	}

	raw, ok, err := area.Get(ctx, JarKey)
	if err != nil {
		return nil, err
	}
	if ok {
		j.apply(raw)
	}
	return j, nil
}

// Cookies implements http.CookieJar.
func (j *SharedJar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

// SetCookies implements http.CookieJar and publishes origin cookies.
func (j *SharedJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)
	if !sameOrigin(u, j.origin) || len(cookies) == 0 {
		return
	}

	now := time.Now()
	j.mu.Lock()
	for _, c := range cookies {
		j.entries[c.Name] = fromHTTPCookie(c, now)
	}
	raw, err := json.Marshal(j.entries)
	j.mu.Unlock()
	if err != nil {
		j.logger.Warn("failed to encode cookies", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.area.Set(ctx, JarKey, string(raw)); err != nil {
		j.logger.Warn("failed to share cookies", zap.Error(err))
	}
}

// ErrChangesClosed is returned by Run when the storage change stream ends
// before its context does.
var ErrChangesClosed = errors.New("shared storage change stream closed")

// Run applies cookie updates from other instances until ctx is done.
func (j *SharedJar) Run(ctx context.Context) error {
	changes, err := j.area.Watch(ctx)
	if err != nil {
		return err
	}
	for change := range changes {
		if change.Key == JarKey {
			j.apply(change.Value)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrChangesClosed
}

func (j *SharedJar) apply(raw string) {
	var entries map[string]storedCookie
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		j.logger.Warn("ignoring malformed shared cookies", zap.Error(err))
		return
	}

	cookies := make([]*http.Cookie, 0, len(entries))
	j.mu.Lock()
	for name, sc := range entries {
		j.entries[name] = sc
		cookies = append(cookies, sc.toHTTPCookie())
	}
	j.mu.Unlock()

	j.inner.SetCookies(j.origin, cookies)
}

func fromHTTPCookie(c *http.Cookie, now time.Time) storedCookie {
	sc := storedCookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		HTTPOnly: c.HttpOnly,
		Secure:   c.Secure,
	}
	if sc.Path == "" {
		sc.Path = "/"
	}
	switch {
	case c.MaxAge < 0:
		sc.Deleted = true
	case c.MaxAge > 0:
		sc.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
	case !c.Expires.IsZero():
		sc.Expires = c.Expires
		sc.Deleted = !c.Expires.After(now)
	}
	return sc
}

func (sc storedCookie) toHTTPCookie() *http.Cookie {
	c := &http.Cookie{
		Name:     sc.Name,
		Value:    sc.Value,
		Path:     sc.Path,
		HttpOnly: sc.HTTPOnly,
		Secure:   sc.Secure,
		Expires:  sc.Expires,
	}
	if sc.Deleted {
		c.MaxAge = -1
	}
	return c
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
