// Package retry classifies network failures and retries operations a bounded
// number of times.
//
// Store clients return plain errors; wrapping one with Retryable or Fatal
// records an explicit Outcome. Unwrapped errors are classified by shape:
// connection refused/reset, unexpected EOF and network timeouts are
// retryable, everything else is fatal.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultAttempts bounds the attempts per page read or chunk write.
const DefaultAttempts = 10

// ErrExhausted marks an operation that failed on every attempt.
var ErrExhausted = errors.New("retries exhausted")

// Outcome is the result class of one attempt.
type Outcome int

const (
	OK Outcome = iota
	Retryable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Error pairs an error with an explicit Outcome.
type Error struct {
	Outcome Outcome
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Outcome, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsRetryable marks err as retryable. A nil err stays nil.
func AsRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Outcome: Retryable, Err: err}
}

// AsFatal marks err as fatal. A nil err stays nil.
func AsFatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Outcome: Fatal, Err: err}
}

// Classify returns the Outcome of err. The outermost explicit mark wins.
func Classify(err error) Outcome {
	if err == nil {
		return OK
	}
	var marked *Error
	if errors.As(err, &marked) {
		return marked.Outcome
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return Retryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}
	return Fatal
}

// Policy bounds a retry loop. Delay is the constant pause between attempts;
// zero retries immediately.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultPolicy retries ten times without pausing.
func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts}
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.Delay > 0 {
		b = backoff.NewConstantBackOff(p.Delay)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.attempts()-1)), ctx)
}

// NotifyFunc observes a failed attempt that is about to be retried.
// attempt is 1-based.
type NotifyFunc func(attempt int, err error)

// Do runs op until it succeeds, returns a fatal error, or runs out of
// attempts. Exhaustion is reported as a fatal error wrapping ErrExhausted and
// the last failure.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify NotifyFunc) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, notify)
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), notify NotifyFunc) (T, error) {
	attempt := 0
	exhausted := false
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if Classify(err) != Retryable {
			return v, backoff.Permanent(err)
		}
		if attempt >= p.attempts() {
			exhausted = true
		}
		return v, err
	}
	onRetry := func(err error, _ time.Duration) {
		if notify != nil {
			notify(attempt, err)
		}
	}

	v, err := backoff.RetryNotifyWithData(operation, p.backOff(ctx), onRetry)
	if err == nil {
		return v, nil
	}
	if exhausted {
		return v, AsFatal(fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err))
	}
	if ctxErr := ctx.Err(); ctxErr != nil && Classify(err) == Retryable {
		return v, AsFatal(fmt.Errorf("%w: %w", ctxErr, err))
	}
	return v, err
}
