// Package retry wraps fallible bus and network operations in a bounded
// exponential-backoff loop coupled to a liveness watchdog. Exhaustion always
// surfaces as a labeled failure; nothing here retries forever.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"codeberg.org/howlx/atmosd/internal/errors"
	"codeberg.org/howlx/atmosd/internal/logger"
)

const (
	DefaultTries     = 4
	DefaultBaseDelay = 500 * time.Millisecond
)

// Options bounds a retried operation.
type Options struct {
	// Tries is the total attempt budget, including the first call.
	Tries int
	// BaseDelay is the first backoff interval; it doubles per attempt.
	BaseDelay time.Duration
}

// DefaultOptions mirrors the node's historical retry envelope.
func DefaultOptions() Options {
	return Options{Tries: DefaultTries, BaseDelay: DefaultBaseDelay}
}

func (o Options) normalized() Options {
	if o.Tries < 1 {
		o.Tries = DefaultTries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	return o
}

func policy(ctx context.Context, o Options) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = o.BaseDelay << uint(o.Tries)
	bo.MaxElapsedTime = 0
	bo.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(o.Tries-1)), ctx)
}

// Do runs op up to opts.Tries times, feeding the watchdog before every
// attempt. On exhaustion it returns a failure labeled with the operation
// name and the attempt count; the last underlying error stays unwrappable.
func Do[T any](ctx context.Context, label string, wd Watchdog, opts Options, op func() (T, error)) (T, error) {
	opts = opts.normalized()

	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		wd.Feed()
		return op()
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn().
			Str("operation", label).
			Int("attempt", attempt).
			Int("tries", opts.Tries).
			Dur("backoff", wait).
			AnErr("error", err).
			Msg("attempt failed")
	}

	v, err := backoff.RetryNotifyWithData(wrapped, policy(ctx, opts), notify)
	if err != nil {
		return v, errors.Wrap(errors.ErrRetryExhausted, err).
			WithMessage(fmt.Sprintf("%s failed after %d attempts", label, attempt))
	}

	return v, nil
}

// Run is Do for operations without a result value.
func Run(ctx context.Context, label string, wd Watchdog, opts Options, op func() error) error {
	_, err := Do(ctx, label, wd, opts, func() (struct{}, error) {
		return struct{}{}, op()
	})

	return err
}
