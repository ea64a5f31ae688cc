package auth

import (
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// EligibilityCookie is the client-readable mirror of the refresh credential's expiry.
const EligibilityCookie = "refreshTokenExpires"

// Oracle decides from local cookie state whether a refresh can plausibly succeed.
type Oracle struct {
	jar    http.CookieJar
	origin *url.URL
	logger *zap.Logger
	now    func() time.Time
}

// NewOracle builds an oracle reading cookies stored in jar for origin.
func NewOracle(jar http.CookieJar, origin *url.URL, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{jar: jar, origin: origin, logger: logger.Named("eligibility"), now: time.Now}
}

// Eligible returns true only for a present, parseable, strictly future hint.
func (o *Oracle) Eligible() bool {
	if o == nil || o.jar == nil || o.origin == nil {
		return false
	}

	var raw string
	for _, c := range o.jar.Cookies(o.origin) {
		if c.Name == EligibilityCookie {
			raw = c.Value
			break
		}
	}
	if raw == "" {
		o.logger.Debug("refresh hint cookie missing")
		return false
	}

	value := raw
	if decoded, err := url.PathUnescape(raw); err == nil {
		value = decoded
	}
	expires, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		o.logger.Debug("refresh hint cookie unparseable", zap.String("value", raw))
		return false
	}
	if !expires.After(o.now()) {
		o.logger.Debug("refresh hint cookie expired", zap.Time("expires", expires))
		return false
	}
	return true
}

// Invalidate expires the hint cookie locally without contacting the server.
func (o *Oracle) Invalidate() {
	if o == nil || o.jar == nil || o.origin == nil {
		return
	}
	o.jar.SetCookies(o.origin, []*http.Cookie{{
		Name:   EligibilityCookie,
		Path:   "/",
		MaxAge: -1,
	}})
}
