// Package client talks to the authentication endpoints and the GraphQL API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/inspect-session/internal/api/dto"
	"github.com/spec-kit/inspect-session/internal/auth"
	"github.com/spec-kit/inspect-session/internal/domain"
	"github.com/spec-kit/inspect-session/internal/observability"
	apperrors "github.com/spec-kit/inspect-session/pkg/util"
)

// Endpoint paths relative to the API origin.
const (
	PathLogin   = "/login"
	PathLogout  = "/logout"
	PathRefresh = "/refresh"
)

const meQuery = `query Me {
  me {
    ...Myself
  }
}

fragment Myself on User {
  id
  roles
  email
  firstName
  lastName
}`

// Config describes the API origin and request policies.
type Config struct {
	BaseURL     *url.URL
	GraphQLPath string
	Refresh     RetryPolicy
	CallTimeout time.Duration
}

// Client issues auth and profile requests with a cookie-carrying http.Client.
type Client struct {
	cfg    Config
	http   *http.Client
	exec   *Executor
	logger *zap.Logger
}

// New builds a client whose cookies live in jar.
func New(cfg Config, jar http.CookieJar, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GraphQLPath == "" {
		cfg.GraphQLPath = "/graphql"
	}
	if cfg.Refresh.Attempts == 0 {
		cfg.Refresh = DefaultRetryPolicy()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	hc := &http.Client{Jar: jar}
	logger = logger.Named("api")
	return &Client{
		cfg:    cfg,
		http:   hc,
		exec:   &Executor{HTTP: hc, Logger: logger, Metrics: metrics},
		logger: logger,
	}
}

// BaseURL returns the API origin.
func (c *Client) BaseURL() *url.URL { return c.cfg.BaseURL }

// Jar returns the cookie jar shared by every request.
func (c *Client) Jar() http.CookieJar { return c.http.Jar }

// AuthorizedHTTPClient returns an http.Client that attaches the current token
// from tokens and shares this client's cookies.
func (c *Client) AuthorizedHTTPClient(tokens TokenSource) *http.Client {
	return &http.Client{
		Jar:       c.http.Jar,
		Transport: &BearerTransport{Base: c.http.Transport, Tokens: tokens},
	}
}

func (c *Client) resolve(path string) string {
	u := *c.cfg.BaseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) postJSON(ctx context.Context, path string, body any, header http.Header, policy RetryPolicy) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	target := c.resolve(path)

	return c.exec.Execute(ctx, path, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Cache-Control", "no-cache")
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		return req, nil
	}, policy)
}

// Login exchanges credentials for a token; the server also sets the refresh cookies.
func (c *Client) Login(ctx context.Context, creds domain.Credentials) (*auth.Token, error) {
	resp, err := c.postJSON(ctx, PathLogin, dto.LoginRequest{Email: creds.Email, Password: creds.Password}, nil, SingleAttempt(c.cfg.CallTimeout))
	if err != nil {
		return nil, apperrors.NewAuthenticationFailed(0, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewAuthenticationFailed(resp.StatusCode, nil)
	}
	tok, err := auth.Parse(resp.Body)
	if err != nil {
		return nil, apperrors.NewAuthenticationFailed(resp.StatusCode, err)
	}
	return tok, nil
}

// Logout asks the server to end the session and clear the refresh cookie.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.postJSON(ctx, PathLogout, struct{}{}, nil, SingleAttempt(c.cfg.CallTimeout))
	if err != nil {
		return apperrors.NewLogoutFailed(0, err)
	}
	if resp.StatusCode != http.StatusOK {
		return apperrors.NewLogoutFailed(resp.StatusCode, nil)
	}
	return nil
}

// Refresh mints a new token from the refresh cookie under the refresh retry policy.
func (c *Client) Refresh(ctx context.Context) (*auth.Token, error) {
	resp, err := c.postJSON(ctx, PathRefresh, struct{}{}, nil, c.cfg.Refresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewRefreshRejected(resp.StatusCode)
	}
	return auth.Parse(resp.Body)
}

// GraphQLErrors is the errors array of a GraphQL response.
type GraphQLErrors []dto.GraphQLError

func (e GraphQLErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, ge := range e {
		msgs = append(msgs, ge.Message)
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

// StatusError reports a non-200 GraphQL response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Query runs a GraphQL operation authorized with tok and decodes data into out.
func (c *Client) Query(ctx context.Context, tok *auth.Token, req dto.GraphQLRequest, out any) error {
	header := http.Header{}
	if tok != nil {
		header.Set("Authorization", "Bearer "+tok.Secret)
	}

	resp, err := c.postJSON(ctx, c.cfg.GraphQLPath, req, header, SingleAttempt(c.cfg.CallTimeout))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors GraphQLErrors   `json:"errors"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return fmt.Errorf("decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return envelope.Errors
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

// Me loads the profile of the user owning tok.
func (c *Client) Me(ctx context.Context, tok *auth.Token) (*domain.User, error) {
	var data dto.MeResponse
	err := c.Query(ctx, tok, dto.GraphQLRequest{Query: meQuery, OperationName: "Me"}, &data)
	if err != nil {
		status := 0
		var se *StatusError
		if errors.As(err, &se) {
			status = se.StatusCode
		}
		return nil, apperrors.NewProfileUnavailable(status, err)
	}
	if data.Me == nil {
		return nil, apperrors.NewProfileUnavailable(http.StatusOK, errors.New("me returned null"))
	}
	return &domain.User{
		ID:        data.Me.ID,
		Roles:     data.Me.Roles,
		Email:     data.Me.Email,
		FirstName: data.Me.FirstName,
		LastName:  data.Me.LastName,
	}, nil
}

// Ping reports whether the API origin answers at all.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	target := c.resolve("/")
	_, err := c.exec.Execute(ctx, "/", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}, SingleAttempt(timeout))
	return err
}
