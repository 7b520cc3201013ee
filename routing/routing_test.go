package routing_test

import (
	"testing"

	"github.com/next-trace/scg-pubsub/contract/broker"
	"github.com/next-trace/scg-pubsub/routing"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.b", false},
		{"a.#", "a.b.c.d", true},
		{"a.#", "a", true},
		{"#", "x.y", true},
		{"#.c", "a.b.c", true},
		{"#.c", "c", true},
		{"a.#.d", "a.d", true},
		{"a.#.d", "a.b.c.d", true},
		{"a.#.d", "a.b.c", false},
		{"a.#.#.d", "a.b.d", true},
		{"*", "a.b", false},
		{"*.*", "a.b", true},
		{"a.b", "a.b", true},
		{"a.b", "a.b.c", false},
		{"", "", false},
		{"", "a", false},
		{"USD.*", "USD.EUR", true},
		{"*.EUR", "GBP.JPY", false},
	}

	for _, tc := range tests {
		if got := routing.Match(tc.pattern, tc.key); got != tc.want {
			t.Fatalf("Match(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

func TestRoutes(t *testing.T) {
	if !routing.Routes(broker.Fanout, "ignored", "anything") {
		t.Fatalf("fanout must route every key")
	}

	if !routing.Routes(broker.Direct, "k", "k") || routing.Routes(broker.Direct, "k", "k2") {
		t.Fatalf("direct must compare keys exactly")
	}

	if routing.Routes(broker.Direct, "k.*", "k.x") {
		t.Fatalf("direct must not expand wildcards")
	}

	if !routing.Routes(broker.Topic, "a.*", "a.b") {
		t.Fatalf("topic must match wildcards")
	}

	if routing.Routes(broker.ExchangeKind("headers"), "", "") {
		t.Fatalf("unknown kinds route nothing")
	}
}
