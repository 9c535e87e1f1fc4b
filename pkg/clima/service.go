package clima

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/clima-dataflow/pkg/cache"
	"github.com/illmade-knight/clima-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/clima-dataflow/pkg/mqttconverter"
	"github.com/rs/zerolog"
)

// WeatherTopic is the broker topic weather stations publish to.
const WeatherTopic = "weather"

// Subscriber is the part of the broker client the service needs.
// *mqttconverter.BrokerClient satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) error
	RegisterHandler(topic string, h mqttconverter.Handler)
	StartDispatch(ctx context.Context)
	Stop(ctx context.Context) error
}

// ServiceConfig configures an IngestionService.
type ServiceConfig struct {
	// Topic to subscribe to. Defaults to WeatherTopic.
	Topic string
}

// IngestionService moves readings from the broker to the database. The broker's
// dispatch goroutine only enqueues; a single persistence worker dequeues, decodes
// and inserts, so rows are written in the order messages were dispatched.
type IngestionService struct {
	topic  string
	broker Subscriber
	store  *ReadingStore
	latest cache.Cache[string, Reading]
	queue  *messagepipeline.IngestionQueue[messagepipeline.Message]
	worker *messagepipeline.StreamingService[Reading]
	logger zerolog.Logger
}

// NewIngestionService assembles the pipeline. latest may be nil.
func NewIngestionService(
	cfg ServiceConfig,
	broker Subscriber,
	store *ReadingStore,
	latest cache.Cache[string, Reading],
	logger zerolog.Logger,
) (*IngestionService, error) {
	if broker == nil {
		return nil, errors.New("broker cannot be nil")
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = WeatherTopic
	}

	queue := messagepipeline.NewIngestionQueue[messagepipeline.Message]()
	worker, err := messagepipeline.NewStreamingService[Reading](
		queue,
		ToReadingTransformer,
		NewPersistenceProcessor(store, latest, logger),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create persistence worker: %w", err)
	}

	return &IngestionService{
		topic:  topic,
		broker: broker,
		store:  store,
		latest: latest,
		queue:  queue,
		worker: worker,
		logger: logger.With().Str("service", "IngestionService").Str("topic", topic).Logger(),
	}, nil
}

// Start prepares the table, starts the persistence worker and the broker
// dispatch, then subscribes. Any error here is fatal to start-up. ctx bounds the
// table and subscribe calls; the worker and dispatch goroutines outlive it and
// run until Stop.
func (s *IngestionService) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting ingestion service...")

	if err := s.store.EnsureTable(ctx); err != nil {
		return err
	}

	runCtx := context.WithoutCancel(ctx)
	if err := s.worker.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start persistence worker: %w", err)
	}

	// Register before subscribing so nothing delivered right after the SUBACK is dropped.
	s.broker.RegisterHandler(s.topic, s.enqueue)
	s.broker.StartDispatch(runCtx)

	if err := s.broker.Subscribe(ctx, s.topic); err != nil {
		return fmt.Errorf("unable to initialize: %w", err)
	}

	s.logger.Info().Msg("Ingestion service started.")
	return nil
}

// Stop shuts the pipeline down in order: no more broker input, then the queue is
// closed and the worker drains whatever is left.
func (s *IngestionService) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping ingestion service...")
	var errs []error
	if err := s.broker.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("broker stop: %w", err))
	}
	s.queue.Close()
	if err := s.worker.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker stop: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error().Err(err).Msg("Ingestion service stopped with errors.")
		return err
	}
	s.logger.Info().Msg("Ingestion service stopped.")
	return nil
}

// Done is closed once the persistence worker has exited.
func (s *IngestionService) Done() <-chan struct{} {
	return s.worker.Done()
}

// Pending reports how many messages are waiting to be persisted.
func (s *IngestionService) Pending() int {
	return s.queue.Len()
}

// Latest returns the most recently stored reading for the service's topic. It
// wraps cache.ErrNotFound when nothing has been stored yet or no cache is in use.
func (s *IngestionService) Latest(ctx context.Context) (Reading, error) {
	if s.latest == nil {
		return Reading{}, fmt.Errorf("%w: no latest reading cache configured", cache.ErrNotFound)
	}
	return s.latest.FetchFromCache(ctx, LatestKeyPrefix+s.topic)
}

// enqueue is the broker handler. It must not block the dispatch goroutine.
func (s *IngestionService) enqueue(msg messagepipeline.Message) {
	if !s.queue.Enqueue(msg) {
		s.logger.Warn().Str("msg_id", msg.ID).Msg("Ingestion queue closed, dropping message.")
	}
}
