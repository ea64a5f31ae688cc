package auth

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/spec-kit/inspect-session/pkg/util"
)

func TestParseRoundTrip(t *testing.T) {
	expires := time.Now().Add(15 * time.Minute).UTC().Truncate(time.Millisecond)
	raw, err := json.Marshal(Token{Secret: "abc.def.ghi", ExpiresAt: expires})
	require.NoError(t, err)

	tok, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", tok.Secret)
	assert.True(t, expires.Equal(tok.ExpiresAt))
}

func TestParseAcceptsJavaScriptISOStrings(t *testing.T) {
	tok, err := Parse([]byte(`{"token":"s","tokenExpires":"2031-04-05T06:07:08.123Z"}`))
	require.NoError(t, err)
	assert.Equal(t, 2031, tok.ExpiresAt.Year())
	assert.Equal(t, 123*time.Millisecond, time.Duration(tok.ExpiresAt.Nanosecond()))
}

func TestParseRejectsBadPayloads(t *testing.T) {
	tests := map[string]string{
		"syntax error":       `{"token":`,
		"not an object":      `["token"]`,
		"null":               `null`,
		"missing secret":     `{"tokenExpires":"2031-01-01T00:00:00Z"}`,
		"empty secret":       `{"token":"","tokenExpires":"2031-01-01T00:00:00Z"}`,
		"numeric secret":     `{"token":42,"tokenExpires":"2031-01-01T00:00:00Z"}`,
		"missing expiry":     `{"token":"s"}`,
		"numeric expiry":     `{"token":"s","tokenExpires":1700000000}`,
		"unparseable expiry": `{"token":"s","tokenExpires":"next tuesday"}`,
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			tok, err := Parse([]byte(raw))
			assert.Nil(t, tok)
			assert.ErrorIs(t, err, apperrors.ErrParse)
		})
	}
}

func TestExpiresSoonBoundary(t *testing.T) {
	now := time.Now()

	assert.True(t, (&Token{ExpiresAt: now.Add(119 * time.Second)}).ExpiresSoonAt(now))
	assert.False(t, (&Token{ExpiresAt: now.Add(181 * time.Second)}).ExpiresSoonAt(now))
	assert.True(t, (&Token{ExpiresAt: now.Add(-time.Second)}).ExpiresSoonAt(now))
	assert.True(t, (&Token{ExpiresAt: now.Add(119 * time.Second)}).ExpiresSoon())
	assert.False(t, (&Token{ExpiresAt: now.Add(181 * time.Second)}).ExpiresSoon())
}

func TestNilTokenIsAlwaysStale(t *testing.T) {
	var tok *Token
	assert.True(t, tok.ExpiresSoon())
	assert.True(t, tok.Expired())
	assert.Equal(t, "<no token>", tok.String())
}

func TestStringRedactsSecret(t *testing.T) {
	tok := &Token{Secret: "top-secret", ExpiresAt: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)}
	assert.NotContains(t, tok.String(), "top-secret")
	assert.Contains(t, tok.String(), "2030-01-02T03:04:05Z")
}
