package broker

import (
	"fmt"
	"strings"

	berr "github.com/next-trace/scg-pubsub/contract/errors"
)

// ExchangeKind is the routing mode of an exchange.
type ExchangeKind string

const (
	// Fanout routes every message to all bound queues; the routing key is ignored.
	Fanout ExchangeKind = "fanout"
	// Topic routes by matching the routing key against binding patterns ("*" one segment, "#" zero or more).
	Topic ExchangeKind = "topic"
	// Direct routes to queues whose binding key equals the routing key.
	Direct ExchangeKind = "direct"
)

// ParseExchangeKind maps a configuration string to an ExchangeKind.
func ParseExchangeKind(s string) (ExchangeKind, error) {
	switch k := ExchangeKind(strings.ToLower(strings.TrimSpace(s))); k {
	case Fanout, Topic, Direct:
		return k, nil
	default:
		return "", fmt.Errorf("exchange kind %q: %w", s, berr.ErrUnknownOption)
	}
}

// RequiresRoutingKey reports whether publishing to this kind needs a non-empty routing key.
func (k ExchangeKind) RequiresRoutingKey() bool { return k == Topic || k == Direct }

func (k ExchangeKind) String() string { return string(k) }
