// Package ratesrpc holds the wire surface of the ExchangeRatesProvider service: its
// messages, the JSON codec they travel with, the service descriptor and the client and
// server bindings.
package ratesrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	berr "github.com/next-trace/scg-pubsub/contract/errors"
)

// Subscription is the subscribe request. Filter has the form BASE/QUOTE where each side
// is a three-letter upper-case currency code or "*".
type Subscription struct {
	Filter string `json:"filter"`
}

func (s *Subscription) GetFilter() string {
	if s == nil {
		return ""
	}

	return s.Filter
}

// RatesUpdate is one item of a subscribe stream. The first item of every stream is a
// snapshot holding every known rate matching the filter; later items carry one rate.
type RatesUpdate struct {
	Snapshot bool   `json:"snapshot,omitempty"`
	Rates    []Rate `json:"rates"`
}

// Rate is the price of one unit of Base expressed in Quote.
type Rate struct {
	Base  string    `json:"base"`
	Quote string    `json:"quote"`
	Value float64   `json:"value"`
	Time  time.Time `json:"time"`
}

// Pair returns the BASE/QUOTE key of the rate.
func (r Rate) Pair() string { return r.Base + "/" + r.Quote }

// RoutingKey returns the BASE.QUOTE key under which the rate travels on topic transports.
func (r Rate) RoutingKey() string { return r.Base + "." + r.Quote }

// Validate checks both currency codes and the value.
func (r Rate) Validate() error {
	if !IsCurrency(r.Base) || !IsCurrency(r.Quote) {
		return fmt.Errorf("rate %q: currencies must be three upper-case letters: %w", r.Pair(), berr.ErrInvalidArgument)
	}

	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) || r.Value <= 0 {
		return fmt.Errorf("rate %q: value %v must be positive and finite: %w", r.Pair(), r.Value, berr.ErrInvalidArgument)
	}

	return nil
}

// IsCurrency reports whether s is a three-letter upper-case ASCII code.
func IsCurrency(s string) bool {
	if len(s) != 3 {
		return false
	}

	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}

	return true
}

// MarshalRate encodes a rate for a message body.
func MarshalRate(r Rate) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal rate %q: %w", r.Pair(), errors.Join(berr.ErrSerializationFailed, err))
	}

	return b, nil
}

// UnmarshalRate decodes a message body. When the body omits the currencies they are taken
// from key, which may be BASE.QUOTE (topic transports) or a subject ending in it.
func UnmarshalRate(key string, body []byte) (Rate, error) {
	var r Rate
	if err := json.Unmarshal(body, &r); err != nil {
		return Rate{}, fmt.Errorf("unmarshal rate %q: %w", key, errors.Join(berr.ErrSerializationFailed, err))
	}

	if r.Base == "" && r.Quote == "" {
		parts := strings.Split(key, ".")
		if n := len(parts); n >= 2 {
			r.Base, r.Quote = parts[n-2], parts[n-1]
		}
	}

	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}

	if err := r.Validate(); err != nil {
		return Rate{}, err
	}

	return r, nil
}
