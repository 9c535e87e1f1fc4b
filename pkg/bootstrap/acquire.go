package bootstrap

import (
	"context"

	"github.com/illmade-knight/clima-dataflow/pkg/database"
	"github.com/illmade-knight/clima-dataflow/pkg/mqttconverter"
	"github.com/rs/zerolog"
)

// DatabaseOpener makes a single connection attempt. database.Open is the default.
type DatabaseOpener func(ctx context.Context, cfg *database.Config, logger zerolog.Logger) (*database.Gateway, error)

// AcquireBroker returns a connected BrokerClient, retrying until the broker accepts
// the connection or ctx is cancelled.
func AcquireBroker(
	ctx context.Context,
	cfg *mqttconverter.MQTTClientConfig,
	retry RetryConfig,
	logger zerolog.Logger,
	opts ...mqttconverter.Option,
) (*mqttconverter.BrokerClient, error) {
	client, err := mqttconverter.NewBrokerClient(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	log := logger.With().Str("dependency", "mqtt").Logger()
	if _, err := Forever(ctx, retry, cfg.BrokerURL, client.Connect, log); err != nil {
		return nil, err
	}
	return client, nil
}

// AcquireDatabase returns a Gateway with a verified connection, retrying until the
// database answers or ctx is cancelled.
func AcquireDatabase(
	ctx context.Context,
	cfg *database.Config,
	retry RetryConfig,
	logger zerolog.Logger,
) (*database.Gateway, error) {
	return AcquireDatabaseWith(ctx, database.Open, cfg, retry, logger)
}

// AcquireDatabaseWith is AcquireDatabase with a custom opener.
func AcquireDatabaseWith(
	ctx context.Context,
	open DatabaseOpener,
	cfg *database.Config,
	retry RetryConfig,
	logger zerolog.Logger,
) (*database.Gateway, error) {
	var gw *database.Gateway
	log := logger.With().Str("dependency", "database").Logger()
	_, err := Forever(ctx, retry, cfg.Address(), func(ctx context.Context) error {
		g, err := open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		gw = g
		return nil
	}, log)
	if err != nil {
		return nil, err
	}
	return gw, nil
}
