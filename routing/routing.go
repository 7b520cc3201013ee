// Package routing implements AMQP-style binding semantics for the in-process broker
// and for rate filters.
package routing

import (
	"strings"

	"github.com/next-trace/scg-pubsub/contract/broker"
)

const (
	separator = "."
	oneWord   = "*"
	anyWords  = "#"
)

// Routes reports whether a message published with key reaches a queue bound with pattern
// on an exchange of the given kind.
func Routes(kind broker.ExchangeKind, pattern, key string) bool {
	switch kind {
	case broker.Fanout:
		return true
	case broker.Direct:
		return pattern == key
	case broker.Topic:
		return Match(pattern, key)
	default:
		return false
	}
}

// Match reports whether a dot-separated routing key matches a topic pattern.
// "*" matches exactly one word and "#" matches zero or more words.
// An empty pattern matches nothing.
func Match(pattern, key string) bool {
	if pattern == "" {
		return false
	}

	return match(strings.Split(pattern, separator), strings.Split(key, separator))
}

func match(p, k []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case anyWords:
			// collapse runs of "#"
			for len(p) > 1 && p[1] == anyWords {
				p = p[1:]
			}

			if len(p) == 1 {
				return true
			}

			for i := 0; i <= len(k); i++ {
				if match(p[1:], k[i:]) {
					return true
				}
			}

			return false
		case oneWord:
			if len(k) == 0 {
				return false
			}
		default:
			if len(k) == 0 || p[0] != k[0] {
				return false
			}
		}

		p, k = p[1:], k[1:]
	}

	return len(k) == 0
}
