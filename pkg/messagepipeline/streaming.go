package messagepipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// StreamingService runs a single worker goroutine that pulls messages from a
// MessageSource in order, transforms each one and hands it to a processor.
// A failure on one message is logged and the worker moves on to the next, so a
// single bad message never stops the stream.
//
// One worker keeps processing strictly in source order.
type StreamingService[T any] struct {
	source      MessageSource
	transformer MessageTransformer[T]
	processor   StreamProcessor[T]
	logger      zerolog.Logger

	wg        sync.WaitGroup
	startOnce sync.Once
	cancel    context.CancelFunc
	doneChan  chan struct{}
}

// NewStreamingService creates a new StreamingService.
func NewStreamingService[T any](
	source MessageSource,
	transformer MessageTransformer[T],
	processor StreamProcessor[T],
	logger zerolog.Logger,
) (*StreamingService[T], error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if transformer == nil {
		return nil, fmt.Errorf("transformer cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}

	return &StreamingService[T]{
		source:      source,
		transformer: transformer,
		processor:   processor,
		logger:      logger.With().Str("service", "StreamingService").Logger(),
		doneChan:    make(chan struct{}),
	}, nil
}

// Start launches the worker goroutine. Calling Start more than once has no effect.
func (s *StreamingService[T]) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		workerCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel

		s.wg.Add(1)
		go s.worker(workerCtx)
		go func() {
			s.wg.Wait()
			close(s.doneChan)
		}()
		s.logger.Info().Msg("Streaming service started.")
	})
	return nil
}

// Stop waits for the worker to finish. The caller is expected to close the
// source first so the worker can drain what is left and exit. If ctx expires
// before that happens the worker is cancelled and ctx.Err() is returned.
func (s *StreamingService[T]) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.logger.Info().Msg("Stopping streaming service...")

	select {
	case <-s.doneChan:
		s.cancel()
		s.logger.Info().Msg("Streaming service stopped.")
		return nil
	case <-ctx.Done():
		s.cancel()
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for processing worker to finish.")
		return ctx.Err()
	}
}

// Done returns a channel that is closed when the worker has exited.
func (s *StreamingService[T]) Done() <-chan struct{} {
	return s.doneChan
}

// worker is the main processing loop.
func (s *StreamingService[T]) worker(ctx context.Context) {
	defer s.wg.Done()
	s.logger.Debug().Msg("Processing worker started.")
	for {
		msg, ok := s.source.Next(ctx)
		if !ok {
			s.logger.Info().Msg("Message source closed, worker exiting.")
			return
		}
		s.processMessage(ctx, msg)
	}
}

// processMessage transforms and processes a single message.
func (s *StreamingService[T]) processMessage(ctx context.Context, msg Message) {
	transformed, skip, err := s.transformer(ctx, &msg)
	if err != nil {
		s.logger.Error().Err(err).
			Str("topic", msg.Topic).
			Bytes("payload", msg.Payload).
			Msg("Failed to decode message, dropping.")
		return
	}
	if skip {
		s.logger.Debug().Str("topic", msg.Topic).Str("msg_id", msg.ID).Msg("Transformer signaled to skip message.")
		return
	}

	if err := s.processor(ctx, msg, transformed); err != nil {
		s.logger.Error().Err(err).
			Str("topic", msg.Topic).
			Interface("record", transformed).
			Msg("Failed to store message, dropping.")
		return
	}
	s.logger.Debug().Str("topic", msg.Topic).Str("msg_id", msg.ID).Msg("Message processed successfully.")
}
