package client

import (
	"net/http"

	"github.com/spec-kit/inspect-session/internal/auth"
)

// TokenSource hands out the token currently held by a session.
type TokenSource interface {
	CurrentToken() *auth.Token
}

// BearerTransport attaches the current token to outgoing requests.
type BearerTransport struct {
	Base   http.RoundTripper
	Tokens TokenSource
}

// RoundTrip implements http.RoundTripper.
func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	var tok *auth.Token
	if t.Tokens != nil {
		tok = t.Tokens.CurrentToken()
	}
	if tok == nil || tok.Secret == "" || req.Header.Get("Authorization") != "" {
		return base.RoundTrip(req)
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+tok.Secret)
	return base.RoundTrip(clone)
}
