//go:build franz

package main

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/next-trace/scg-pubsub/adapters/kafka"
	"github.com/next-trace/scg-pubsub/config"
	"github.com/next-trace/scg-pubsub/rates"
)

func kafkaFeed(ctx context.Context, cfg *config.Config, hub *rates.Hub, ready *atomic.Bool, logger *slog.Logger) error {
	ad, cleanup, err := kafka.NewWithKgo(kafka.Config{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		Group:    cfg.Kafka.Group,
		ClientID: "ratesd",
	})
	if err != nil {
		return err
	}
	defer cleanup()

	ad.Logger = logger

	ready.Store(true)
	defer ready.Store(false)

	logger.InfoContext(ctx, "consuming rates", "topic", ad.Topic, "group", cfg.Kafka.Group)

	return ad.Feed(ctx, hub)
}
