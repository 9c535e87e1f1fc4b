// Command clima-ingestor subscribes to weather readings on an MQTT broker and
// stores each one as a row in MySQL.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/clima-dataflow/pkg/bootstrap"
	"github.com/illmade-knight/clima-dataflow/pkg/cache"
	"github.com/illmade-knight/clima-dataflow/pkg/clima"
	"github.com/illmade-knight/clima-dataflow/pkg/config"
	"github.com/illmade-knight/clima-dataflow/pkg/database"
	"github.com/illmade-knight/clima-dataflow/pkg/microservice"
	"github.com/illmade-knight/clima-dataflow/pkg/mqttconverter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "settings.yaml", "path to the settings file")
	logLevel := pflag.String("log-level", "", "log level, overrides log_level from the settings file")
	pflag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load settings")
	}
	if *logLevel != "" {
		settings[config.KeyLogLevel] = *logLevel
	}
	logger := setupLogger(settings)

	if err := settings.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid settings")
	}
	logger.Debug().Strs("keys", settings.Keys()).Str("path", *configPath).Msg("Settings loaded")

	mqttCfg, err := mqttconverter.NewMQTTClientConfigFromSettings(settings)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid MQTT settings")
	}
	dbCfg, err := database.NewConfigFromSettings(settings)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid database settings")
	}
	retryCfg, err := bootstrap.NewRetryConfigFromSettings(settings)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid retry settings")
	}
	redisCfg, err := cache.NewRedisConfigFromSettings(settings)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid Redis settings")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, err := bootstrap.AcquireBroker(ctx, mqttCfg, retryCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Could not connect to the MQTT broker")
	}
	gateway, err := bootstrap.AcquireDatabase(ctx, dbCfg, retryCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Could not connect to the database")
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing database gateway")
		}
	}()

	latest := newLatestCache(ctx, redisCfg, logger)
	defer func() {
		if err := latest.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing latest reading cache")
		}
	}()

	store, err := clima.NewReadingStore(gateway, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create reading store")
	}
	service, err := clima.NewIngestionService(
		clima.ServiceConfig{Topic: settings.String(config.KeyMQTTTopic, clima.WeatherTopic)},
		broker,
		store,
		latest,
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create ingestion service")
	}

	runner := microservice.NewRunner(logger, microservice.DefaultStopTimeout)
	if err := runner.Run(ctx, service); err != nil {
		// Fatal would skip the deferred closes.
		logger.Error().Err(err).Msg("Ingestion service failed")
		stop()
		closeAndExit(gateway, latest, logger)
	}
	logLatest(service, logger)
	logger.Info().Msg("Shutdown complete.")
}

// logLatest reports the last reading stored before shutdown.
func logLatest(service *clima.IngestionService, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	latest, err := service.Latest(ctx)
	if err != nil {
		logger.Info().Err(err).Msg("No reading stored during this run")
		return
	}
	logger.Info().Stringer("reading", latest).Msg("Last stored reading")
}

func setupLogger(s config.Settings) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(s.String(config.KeyLogLevel, "info"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if s.String(config.KeyLogFormat, "json") == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return log.Logger.With().Str("service", "clima-ingestor").Logger()
}

// newLatestCache uses Redis when it is configured and falls back to an in-process
// cache when it is not, or when Redis cannot be reached.
func newLatestCache(ctx context.Context, cfg *cache.RedisConfig, logger zerolog.Logger) cache.Cache[string, clima.Reading] {
	if cfg == nil {
		return cache.NewInMemoryCache[string, clima.Reading]()
	}
	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c, err := cache.NewRedisCache[string, clima.Reading](redisCtx, cfg, logger)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis unavailable, keeping latest reading in memory")
		return cache.NewInMemoryCache[string, clima.Reading]()
	}
	return c
}

func closeAndExit(gateway *database.Gateway, latest cache.Cache[string, clima.Reading], logger zerolog.Logger) {
	if err := gateway.Close(); err != nil {
		logger.Warn().Err(err).Msg("Error closing database gateway")
	}
	if err := latest.Close(); err != nil {
		logger.Warn().Err(err).Msg("Error closing latest reading cache")
	}
	os.Exit(1)
}
