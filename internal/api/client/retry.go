package client

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/spec-kit/inspect-session/internal/observability"
	apperrors "github.com/spec-kit/inspect-session/pkg/util"
)

// Backoff is an exponential delay schedule between attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter scales every delay by a random factor in [0,1).
	Jitter bool
}

// RetryPolicy bounds how long a request may take overall.
type RetryPolicy struct {
	Attempts int
	Timeout  time.Duration
	Backoff  Backoff
}

// DefaultRetryPolicy is used for the refresh call.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 5,
		Timeout:  10 * time.Second,
		Backoff: Backoff{
			Initial: 200 * time.Millisecond,
			Max:     30 * time.Second,
			Jitter:  true,
		},
	}
}

// SingleAttempt is a policy that never retries.
func SingleAttempt(timeout time.Duration) RetryPolicy {
	return RetryPolicy{Attempts: 1, Timeout: timeout}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Backoff.Max < p.Backoff.Initial {
		p.Backoff.Max = p.Backoff.Initial
	}
	return p
}

// schedule yields initial, 2*initial, 4*initial... capped at max.
func (b Backoff) schedule() retry.Backoff {
	delay := b.Initial
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d := min(delay, b.Max)
		if delay < b.Max {
			delay *= 2
		}
		if b.Jitter && d > 0 {
			d = time.Duration(rand.Float64() * float64(d))
		}
		return d, false
	})
}

// Response is an HTTP response whose body was read inside its attempt.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestFunc builds a fresh request for one attempt.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Executor runs requests under a RetryPolicy.
type Executor struct {
	HTTP    *http.Client
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Execute returns the first response of any status. Transport failures and
// per-attempt timeouts are retried; when every attempt fails the error is
// RETRY_EXHAUSTED. Cancelling ctx stops immediately with ctx.Err().
func (e *Executor) Execute(ctx context.Context, endpoint string, build RequestFunc, policy RetryPolicy) (*Response, error) {
	policy = policy.normalized()
	logger := e.logger().With(zap.String("endpoint", endpoint))

	var (
		resp    *Response
		lastErr error
		attempt int
	)
	backoff := retry.WithMaxRetries(uint64(policy.Attempts-1), policy.Backoff.schedule())
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		logger.Debug("sending request", zap.Int("attempt", attempt))

		start := time.Now()
		r, err := e.attempt(ctx, build, policy.Timeout)
		if err != nil {
			var be buildError
			if errors.As(err, &be) {
				return be.err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = apperrors.NewTransportError(endpoint, attempt, err)
			e.Metrics.RecordAttemptFailure(endpoint)
			logger.Warn("request attempt failed",
				zap.Int("attempt", attempt),
				zap.Bool("timeout", errors.Is(err, context.DeadlineExceeded)),
				zap.Error(err),
			)
			return retry.RetryableError(lastErr)
		}
		e.Metrics.RecordRequest(endpoint, r.StatusCode, time.Since(start))
		resp = r
		return nil
	})

	switch {
	case err == nil:
		return resp, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, apperrors.ErrTransport):
		logger.Error("request failed on every attempt", zap.Int("attempts", attempt))
		return nil, apperrors.NewRetryExhausted(endpoint, attempt, lastErr)
	default:
		return nil, err
	}
}

type buildError struct{ err error }

func (b buildError) Error() string { return b.err.Error() }

func (e *Executor) attempt(ctx context.Context, build RequestFunc, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := build(ctx)
	if err != nil {
		return nil, buildError{err: err}
	}

	res, err := e.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: body}, nil
}

func (e *Executor) client() *http.Client {
	if e.HTTP == nil {
		return http.DefaultClient
	}
	return e.HTTP
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
