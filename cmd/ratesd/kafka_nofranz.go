//go:build !franz

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/next-trace/scg-pubsub/config"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
	"github.com/next-trace/scg-pubsub/rates"
)

func kafkaFeed(context.Context, *config.Config, *rates.Hub, *atomic.Bool, *slog.Logger) error {
	return fmt.Errorf("rates.feed kafka: binary built without the franz tag: %w", berr.ErrUnknownOption)
}
