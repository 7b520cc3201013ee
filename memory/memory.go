package memory

import (
	"github.com/next-trace/scg-pubsub/adapters/inmemory"
	"github.com/next-trace/scg-pubsub/pubsub"
)

// Kit bundles an in-process broker with one connection and a shared topology, so
// consumers and publishers created from it see each other's exchanges.
type Kit struct {
	Broker   *inmemory.Broker
	Conn     *inmemory.Connection
	Topology *pubsub.Topology
}

// New constructs a Kit along with a cleanup function that closes its connection.
func New() (*Kit, func()) {
	b := inmemory.New()
	k := &Kit{Broker: b, Conn: b.Connect(), Topology: pubsub.NewTopology()}
	cleanup := func() { _ = k.Conn.Close() }

	return k, cleanup
}

func (k *Kit) Consumer(spec pubsub.ExchangeSpec, opts ...pubsub.ConsumerOption) (*pubsub.Consumer, error) {
	return pubsub.NewConsumer(k.Conn, k.Topology, spec, opts...)
}

func (k *Kit) Publisher(spec pubsub.ExchangeSpec, opts ...pubsub.PublisherOption) (*pubsub.Publisher, error) {
	return pubsub.NewPublisher(k.Conn, k.Topology, spec, opts...)
}
