package pubsub

import (
	"context"
	"fmt"
)

// RouteFunc picks the routing key under which a relayed message is republished.
type RouteFunc func(m Message) (string, error)

// StaticRoute republishes every message under key.
func StaticRoute(key string) RouteFunc {
	return func(Message) (string, error) { return key, nil }
}

// HeaderRoute republishes under the value of header, falling back to fallback when the
// header is absent or empty.
func HeaderRoute(header, fallback string) RouteFunc {
	return func(m Message) (string, error) {
		if v := m.Headers[header]; v != "" {
			return v, nil
		}

		return fallback, nil
	}
}

// Relay returns a Handler that republishes each message to p under the key chosen by
// route. Headers of the incoming message are forwarded; opts apply on top. A failed
// republish fails the handler, so the incoming message is rejected rather than acked.
func Relay(p *Publisher, route RouteFunc, opts SendOptions) Handler {
	return func(ctx context.Context, m Message) error {
		key, err := route(m)
		if err != nil {
			return fmt.Errorf("relay route %q: %w", m.RoutingKey, err)
		}

		o := opts
		o.Headers = mergeHeaders(m.Headers, opts.Headers)

		if o.ContentType == "" {
			o.ContentType = m.ContentType
		}

		if err := p.Send(ctx, key, m.Body, o); err != nil {
			return fmt.Errorf("relay %q -> %q/%q: %w", m.Exchange, p.Exchange().Name(), key, err)
		}

		return nil
	}
}

func mergeHeaders(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}

	h := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		h[k] = v
	}

	for k, v := range over {
		h[k] = v
	}

	return h
}
