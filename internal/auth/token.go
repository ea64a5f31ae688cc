package auth

import (
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/spec-kit/inspect-session/pkg/util"
)

// ExpiryLookahead is how early before expiry a token counts as expiring.
const ExpiryLookahead = 2 * time.Minute

// Token is a short-lived bearer credential held in memory only.
type Token struct {
	Secret    string
	ExpiresAt time.Time
}

// payload is the body shape returned by /login and /refresh.
type payload struct {
	Token        string `json:"token"`
	TokenExpires string `json:"tokenExpires"`
}

// Parse decodes a token payload. Data-quality problems yield a PARSE_ERROR
// DomainError; any other decode failure is returned unchanged.
func Parse(raw []byte) (*Token, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return nil, apperrors.NewParseError("malformed token payload", err)
		}
		return nil, err
	}
	if fields == nil {
		return nil, apperrors.NewParseError("empty token payload", nil)
	}

	secret, ok := fields["token"].(string)
	if !ok || secret == "" {
		return nil, apperrors.NewParseError("token payload has no secret", nil)
	}
	rawExpiry, ok := fields["tokenExpires"].(string)
	if !ok {
		return nil, apperrors.NewParseError("token payload has no expiry", nil)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, rawExpiry)
	if err != nil {
		return nil, apperrors.NewParseError("token expiry is not an ISO-8601 instant", err)
	}

	return &Token{Secret: secret, ExpiresAt: expiresAt}, nil
}

// MarshalJSON writes the same shape Parse reads.
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(payload{
		Token:        t.Secret,
		TokenExpires: t.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

// ExpiresSoon reports whether the token is expired or inside the lookahead window.
func (t *Token) ExpiresSoon() bool {
	return t.ExpiresSoonAt(time.Now())
}

// ExpiresSoonAt is ExpiresSoon evaluated at now.
func (t *Token) ExpiresSoonAt(now time.Time) bool {
	if t == nil {
		return true
	}
	return !t.ExpiresAt.After(now.Add(ExpiryLookahead))
}

// Expired reports whether the token is already past its expiry.
func (t *Token) Expired() bool {
	if t == nil {
		return true
	}
	return !t.ExpiresAt.After(time.Now())
}

// String redacts the secret.
func (t *Token) String() string {
	if t == nil {
		return "<no token>"
	}
	return "Token(expires " + t.ExpiresAt.UTC().Format(time.RFC3339) + ")"
}
