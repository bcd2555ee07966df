// Package telemetry assembles one cycle's readings into an ordered feed
// payload and fans it out to the configured sinks. Sinks are isolated: each
// gets its own retry budget and one sink's failure never blocks another or
// the cycle itself.
package telemetry

import (
	"context"

	"codeberg.org/howlx/atmosd/internal/logger"
	"codeberg.org/howlx/atmosd/internal/retry"
)

// Point is one feed key/value pair. Value is float64, int, string or bool;
// each sink renders the types in its own wire format.
type Point struct {
	Key   string
	Value any
}

// Cycle is the complete payload of one acquisition cycle.
type Cycle struct {
	Identity Identity
	Points   []Point
}

// Sink delivers a cycle to one destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, c Cycle) error
}

// Dispatch publishes the cycle to every sink, retrying each independently.
// It returns the number of sinks that exhausted their retries; delivery
// failures are logged, never fatal.
func Dispatch(ctx context.Context, wd retry.Watchdog, opts retry.Options, sinks []Sink, c Cycle) int {
	failed := 0
	for _, s := range sinks {
		err := retry.Run(ctx, s.Name()+" publish", wd, opts, func() error {
			return s.Publish(ctx, c)
		})
		if err != nil {
			failed++
			logger.Error().
				Str("sink", s.Name()).
				AnErr("error", err).
				Msg("telemetry delivery failed")
			continue
		}
		logger.Debug().Str("sink", s.Name()).Msg("telemetry delivered")
	}

	return failed
}
