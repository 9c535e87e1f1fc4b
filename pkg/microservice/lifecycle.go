package microservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultStopTimeout bounds how long Run waits for a service to stop.
const DefaultStopTimeout = 10 * time.Second

// Service defines the lifecycle every long-running service exposes.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Runner starts a Service and stops it once its context is cancelled.
type Runner struct {
	Logger      zerolog.Logger
	StopTimeout time.Duration
}

// NewRunner creates a Runner. A non-positive stopTimeout selects DefaultStopTimeout.
func NewRunner(logger zerolog.Logger, stopTimeout time.Duration) *Runner {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Runner{
		Logger:      logger.With().Str("component", "Runner").Logger(),
		StopTimeout: stopTimeout,
	}
}

// Run starts svc and blocks until ctx is done, then stops svc within StopTimeout.
// Start receives ctx, so a shutdown signal during start-up aborts it; anything
// the service keeps running must not be bound to ctx. If Start fails the
// service is still stopped so that anything it had already started is released.
func (r *Runner) Run(ctx context.Context, svc Service) error {
	if svc == nil {
		return errors.New("service cannot be nil")
	}
	if err := svc.Start(ctx); err != nil {
		stopErr := r.stop(svc)
		return errors.Join(fmt.Errorf("failed to start service: %w", err), stopErr)
	}

	r.Logger.Info().Msg("Service running, waiting for shutdown signal.")
	<-ctx.Done()
	r.Logger.Info().Msg("Shutdown signal received.")

	return r.stop(svc)
}

func (r *Runner) stop(svc Service) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), r.StopTimeout)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		r.Logger.Error().Err(err).Msg("Error during service shutdown.")
		return fmt.Errorf("failed to stop service: %w", err)
	}
	r.Logger.Info().Msg("Service stopped.")
	return nil
}
