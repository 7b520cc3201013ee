package pubsub

// Metrics receives counters from consumers and publishers.
// Implementations must be safe for concurrent use.
type Metrics interface {
	Acked(exchange string)
	Nacked(exchange string)
	Published(exchange string)
	PublishFailed(exchange, reason string)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) Acked(string)                 {}
func (NopMetrics) Nacked(string)                {}
func (NopMetrics) Published(string)             {}
func (NopMetrics) PublishFailed(string, string) {}
