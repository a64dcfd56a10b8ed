// Package retry runs durable-store operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Policy bounds a retried operation by attempt count and total elapsed time.
type Policy struct {
	MaxAttempts   int
	MaxElapsed    time.Duration
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultPolicy matches the store retry budget: 5 tries within 30 seconds.
var DefaultPolicy = Policy{
	MaxAttempts:   5,
	MaxElapsed:    30 * time.Second,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      8 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// Retrier executes operations under a Policy.
type Retrier struct {
	policy   Policy
	classify Classifier
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

type Option func(*Retrier)

func WithClassifier(c Classifier) Option {
	return func(r *Retrier) {
		if c != nil {
			r.classify = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Retrier) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSleep replaces the backoff wait; tests use it to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

func New(p Policy, opts ...Option) *Retrier {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 1
	}
	r := &Retrier{
		policy:   p,
		classify: IsTransient,
		logger:   slog.Default(),
		sleep:    sleepCtx,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs fn until it succeeds, returns a non-transient error, or the policy is exhausted.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := r.now()
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.classify(lastErr) {
			return lastErr
		}
		if attempt == r.policy.MaxAttempts {
			break
		}
		delay := r.Delay(attempt)
		if r.policy.MaxElapsed > 0 && r.now().Add(delay).Sub(start) > r.policy.MaxElapsed {
			break
		}
		r.logger.Warn("retrying store operation",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"err", lastErr,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry: %s cancelled: %w", op, err)
		}
	}
	return fmt.Errorf("retry: %s gave up: %w", op, lastErr)
}

// Delay returns the wait before the retry that follows the given attempt.
func (r *Retrier) Delay(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.BackoffFactor, float64(attempt-1))
	if r.policy.MaxDelay > 0 && d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter && d > 0 {
		// +/-25% spread
		d = d * (0.75 + rand.Float64()*0.5)
	}
	return time.Duration(d)
}

// Value runs fn through r and returns its result.
func Value[T any](ctx context.Context, r *Retrier, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

var transientCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"Throttling":                             true,
	"RequestLimitExceeded":                   true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
	"TransactionInProgressException":         true,
	"RequestThrottled":                       true,
	"OverLimit":                              true,
}

// IsTransient reports connectivity-class failures of the queue and the store.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.ErrorCode()] {
			return true
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return true
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == 429 || code >= 500 {
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
