package clima

import (
	"context"

	"github.com/illmade-knight/clima-dataflow/pkg/cache"
	"github.com/illmade-knight/clima-dataflow/pkg/messagepipeline"
	"github.com/rs/zerolog"
)

// LatestKeyPrefix prefixes the topic name in the latest-reading cache key.
const LatestKeyPrefix = "latest:"

// ReadingWriter persists one reading.
type ReadingWriter interface {
	Insert(ctx context.Context, r *Reading) error
}

// NewPersistenceProcessor returns the StreamProcessor that stores each reading.
// After a successful insert the reading is also written to latest, if given,
// under LatestKeyPrefix+topic; a cache failure is logged and does not fail the
// message.
func NewPersistenceProcessor(
	store ReadingWriter,
	latest cache.Cache[string, Reading],
	logger zerolog.Logger,
) messagepipeline.StreamProcessor[Reading] {
	logger = logger.With().Str("component", "PersistenceProcessor").Logger()
	return func(ctx context.Context, original messagepipeline.Message, r *Reading) error {
		if err := store.Insert(ctx, r); err != nil {
			return err
		}
		if latest == nil {
			return nil
		}
		if err := latest.WriteToCache(ctx, LatestKeyPrefix+original.Topic, *r); err != nil {
			logger.Warn().Err(err).Str("topic", original.Topic).Msg("Failed to update latest reading cache.")
		}
		return nil
	}
}
