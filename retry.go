package ygggo_dbclient

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls how transient failures are retried.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// DefaultRetryPolicy is three attempts starting at 500ms, doubling each time.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Delay is the wait after failed attempt n (1-based): BaseDelay * Multiplier^(n-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// policyBackOff feeds RetryPolicy delays to backoff.RetryNotify and stops
// once MaxAttempts have been made.
type policyBackOff struct {
	policy  RetryPolicy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.policy.MaxAttempts {
		return backoff.Stop
	}
	return b.policy.Delay(b.attempt)
}

func (b *policyBackOff) Reset() { b.attempt = 0 }

// RetryExecutor runs units of work with bounded retries and exponential backoff.
type RetryExecutor struct {
	policy   RetryPolicy
	classify Classifier
	logger   Logger
	metrics  *Metrics
}

// NewRetryExecutor builds an executor; a nil classifier means Classify.
func NewRetryExecutor(policy RetryPolicy, classify Classifier, logger Logger) *RetryExecutor {
	if classify == nil {
		classify = Classify
	}
	return &RetryExecutor{
		policy:   policy.normalized(),
		classify: classify,
		logger:   withFields(logger, Fields{"component": "retry"}),
	}
}

// Policy returns the normalised policy in use.
func (r *RetryExecutor) Policy() RetryPolicy { return r.policy }

// Run executes fn until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. Only ConnectionFailure is retried. A ctx that ends
// during a backoff wait aborts with a Timeout error carrying the attempt count.
func (r *RetryExecutor) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := 0
	var lastErr, surfaced error

	operation := func() error {
		if err := ctx.Err(); err != nil {
			surfaced = timeoutError(op, attempts, err, lastErr)
			return backoff.Permanent(surfaced)
		}
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		var pe *permanentError
		if errors.As(err, &pe) {
			lastErr = pe.err
			surfaced = withAttempts(pe.err, op, attempts, r.classify)
			return backoff.Permanent(surfaced)
		}
		if !r.classify(err).Retryable() {
			surfaced = withAttempts(err, op, attempts, r.classify)
			return backoff.Permanent(surfaced)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.recordRetry(ctx, op)
		r.logger.Log(ctx, LevelWarning, "operation failed, retrying", Fields{
			"operation":    op,
			"attempt":      attempts,
			"max_attempts": r.policy.MaxAttempts,
			"delay_ms":     durationMS(wait),
			"error":        err.Error(),
		})
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(&policyBackOff{policy: r.policy}, ctx), notify)
	switch {
	case err == nil:
		return nil
	case surfaced != nil:
		return surfaced
	}
	// Either ctx ended the backoff wait or the policy ran out.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return timeoutError(op, attempts, ctxErr, lastErr)
	}
	r.logger.Log(ctx, LevelError, "operation failed, retries exhausted", Fields{
		"operation": op,
		"attempts":  attempts,
		"error":     lastErr.Error(),
	})
	return withAttempts(lastErr, op, attempts, r.classify)
}

// permanentError stops retries for an error whatever its kind.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func timeoutError(op string, attempts int, ctxErr, lastErr error) error {
	return &Error{Kind: KindTimeout, Op: op, Attempts: attempts, Err: errors.Join(ctxErr, lastErr)}
}

// withAttempts records how many attempts were made before err surfaced.
func withAttempts(err error, op string, attempts int, classify Classifier) error {
	var e *Error
	if errors.As(err, &e) {
		out := *e
		if out.Op == "" {
			out.Op = op
		}
		out.Attempts = attempts
		return &out
	}
	return &Error{Kind: classify(err), Op: op, Attempts: attempts, Err: err}
}
