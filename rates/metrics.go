package rates

// Metrics receives hub and stream observations. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RateReceived(pair string)
	RateDropped(pair string)
	StreamOpened()
	StreamClosed()
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) RateReceived(string) {}
func (NopMetrics) RateDropped(string)  {}
func (NopMetrics) StreamOpened()       {}
func (NopMetrics) StreamClosed()       {}
