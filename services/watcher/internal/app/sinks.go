package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/config"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/db"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/publish"
)

const mqttConnectTimeout = 10 * time.Second

// buildSinks connects every sink that has its address configured. On error
// the sinks opened so far are closed.
func buildSinks(ctx context.Context, cfg config.Config, logger *slog.Logger) ([]publish.Sink, error) {
	var sinks []publish.Sink
	fail := func(err error) ([]publish.Sink, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}

	if cfg.DatabaseURL != "" {
		store, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("postgres sink: %w", err))
		}
		sinks = append(sinks, store)
	}

	if cfg.MQTTBroker != "" {
		sink, err := publish.NewMQTTSink(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopicPrefix, mqttConnectTimeout)
		if err != nil {
			return fail(fmt.Errorf("mqtt sink: %w", err))
		}
		sinks = append(sinks, sink)
	}

	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, publish.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
	}

	if cfg.RedisAddr != "" {
		sink, err := publish.NewRedisSink(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisTTL)
		if err != nil {
			return fail(fmt.Errorf("redis sink: %w", err))
		}
		sinks = append(sinks, sink)
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	logger.Info("sinks_configured", slog.Any("sinks", names), slog.Bool("dry_run", cfg.DryRun))
	return sinks, nil
}
