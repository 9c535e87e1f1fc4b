// Package bootstrap establishes the service's external connections before the
// pipeline starts. Each dependency is retried at a fixed interval, with no attempt
// limit, until it answers: during container start-up the broker or database is
// often not ready yet, and the service simply waits for it.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/clima-dataflow/pkg/config"
	"github.com/rs/zerolog"
)

// DefaultInterval is the fixed wait between connection attempts.
const DefaultInterval = 5 * time.Second

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// RetryConfig controls the retry loop.
type RetryConfig struct {
	// Interval between attempts. It does not grow.
	Interval time.Duration
	// Wait is used to sleep between attempts. Defaults to a ctx-aware timer.
	Wait WaitFunc
}

// DefaultRetryConfig returns the standard 5 second retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Interval: DefaultInterval}
}

// NewRetryConfigFromSettings reads connect_retry_seconds, defaulting to 5.
func NewRetryConfigFromSettings(s config.Settings) (RetryConfig, error) {
	secs, err := s.Int(config.KeyConnectRetrySeconds, int(DefaultInterval/time.Second))
	if err != nil {
		return RetryConfig{}, err
	}
	if secs <= 0 {
		return RetryConfig{}, fmt.Errorf("%w: %s must be positive", config.ErrInvalidValue, config.KeyConnectRetrySeconds)
	}
	return RetryConfig{Interval: time.Duration(secs) * time.Second}, nil
}

// Operation is one connection attempt.
type Operation func(ctx context.Context) error

// Forever runs op until it succeeds, waiting a fixed interval after each failure.
// Every attempt writes a status line naming target. It returns the number of
// attempts made, and a non-nil error only when ctx is cancelled.
func Forever(ctx context.Context, cfg RetryConfig, target string, op Operation, logger zerolog.Logger) (int, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	wait := cfg.Wait
	if wait == nil {
		wait = sleepContext
	}

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			logger.Info().Str("target", target).Int("attempt", attempt).Msg("Connection established.")
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		logger.Error().Err(err).
			Str("target", target).
			Int("attempt", attempt).
			Dur("retry_in", interval).
			Msg("Connection attempt failed, retrying.")

		if err := wait(ctx, interval); err != nil {
			return attempt, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
