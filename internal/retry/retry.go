// Package retry runs an operation a bounded number of times with exponential
// backoff between attempts. Backoff and stopping are driven by luci's retry
// iterators; only errors tagged transient are retried.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"github.com/cassnap-project/cassnap/pkg/errclass"
)

// Policy bounds an operation's attempts. Attempts counts every try, the
// first one included.
type Policy struct {
	Attempts   int
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// Default is three attempts, 500ms apart, doubling up to 5s.
func Default() Policy {
	return Policy{
		Attempts:   3,
		Delay:      500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2,
	}
}

// Iterator returns a fresh backoff iterator allowing Attempts-1 retries.
func (p Policy) Iterator() retry.Iterator {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	return &retry.ExponentialBackoff{
		Limited: retry.Limited{
			Delay:   p.Delay,
			Retries: p.attempts() - 1,
		},
		MaxDelay:   p.MaxDelay,
		Multiplier: mult,
	}
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err stops retrying: errors marked Permanent,
// fatal error classes and context cancellation.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	if errclass.IsFatal(err) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// Do calls fn until it succeeds, returns a permanent error or the policy's
// attempts run out. It returns the number of attempts made and the last
// error, unwrapped from any Permanent marker.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context, attempt int) error) (int, error) {
	log := zerolog.Ctx(ctx)
	limit := p.attempts()

	attempt := 0
	var last error
	err := retry.Retry(ctx, transient.Only(p.Iterator), func() error {
		attempt++
		last = fn(ctx, attempt)
		if last == nil || IsPermanent(last) {
			return last
		}
		return transient.Tag.Apply(last)
	}, func(err error, wait time.Duration) {
		log.Warn().
			Err(last).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", limit).
			Dur("retry_in", wait).
			Msg("attempt failed, retrying")
	})
	if err == nil {
		return attempt, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
		return attempt, ctxErr
	}
	return attempt, unwrapPermanent(last)
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}
