package config

import (
	"strings"

	"github.com/next-trace/scg-pubsub/contract/broker"
	"github.com/next-trace/scg-pubsub/pubsub"
	"github.com/next-trace/scg-pubsub/rates"
)

// ExchangeSpec returns the declaration for the configured exchange. Validate has already
// vetted the kind.
func (c *Config) ExchangeSpec() pubsub.ExchangeSpec {
	kind, _ := broker.ParseExchangeKind(c.Exchange.Kind)

	return pubsub.ExchangeSpec{Name: c.Exchange.Name, Kind: kind, AutoDelete: c.Exchange.AutoDelete}
}

func (c *Config) ReconnectPolicy() pubsub.ReconnectPolicy {
	return pubsub.ReconnectPolicy{
		InitialInterval: c.Reconnect.InitialInterval,
		MaxInterval:     c.Reconnect.MaxInterval,
		MaxRetries:      c.Reconnect.MaxRetries,
		StableAfter:     c.Reconnect.StableAfter,
	}
}

// SendDefaults are the publisher-level defaults applied to every Send.
func (c *Config) SendDefaults() pubsub.SendOptions {
	return pubsub.SendOptions{
		Persistent:     c.Publisher.Persistent,
		Confirm:        c.Publisher.Confirm,
		ConfirmTimeout: c.Publisher.ConfirmTimeout,
	}
}

func (c *Config) HubOptions() []rates.HubOption {
	overflow, _ := rates.ParseOverflow(strings.ToLower(c.Rates.Overflow))

	return []rates.HubOption{rates.WithBuffer(c.Rates.Buffer), rates.WithOverflow(overflow)}
}
