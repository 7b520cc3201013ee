// Package metrics records pubsub and rates observations as Prometheus series.
package metrics

import (
	"net/http"

	"github.com/next-trace/scg-pubsub/pubsub"
	"github.com/next-trace/scg-pubsub/rates"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scg"

// Recorder implements pubsub.Metrics and rates.Metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	acked         *prometheus.CounterVec
	nacked        *prometheus.CounterVec
	published     *prometheus.CounterVec
	publishFailed *prometheus.CounterVec

	ratesReceived *prometheus.CounterVec
	ratesDropped  *prometheus.CounterVec
	streams       prometheus.Gauge
}

var (
	_ pubsub.Metrics = (*Recorder)(nil)
	_ rates.Metrics  = (*Recorder)(nil)
)

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_acked_total",
			Help:      "Messages acknowledged after a successful handler.",
		}, []string{"exchange"}),
		nacked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_nacked_total",
			Help:      "Messages rejected after a failed handler.",
		}, []string{"exchange"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages accepted by the broker.",
		}, []string{"exchange"}),
		publishFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_publish_failed_total",
			Help:      "Publishes that failed, by reason.",
		}, []string{"exchange", "reason"}),
		ratesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rates_received_total",
			Help:      "Rates accepted by the hub.",
		}, []string{"pair"}),
		ratesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rates_dropped_total",
			Help:      "Rate updates discarded because a stream queue was full.",
		}, []string{"pair"}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_streams",
			Help:      "Open rate subscription streams.",
		}),
	}

	r.registry.MustRegister(
		r.acked, r.nacked, r.published, r.publishFailed,
		r.ratesReceived, r.ratesDropped, r.streams,
		collectors.NewGoCollector(),
	)

	return r
}

// Registry exposes the underlying registry, mainly for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) Acked(exchange string)     { r.acked.WithLabelValues(exchange).Inc() }
func (r *Recorder) Nacked(exchange string)    { r.nacked.WithLabelValues(exchange).Inc() }
func (r *Recorder) Published(exchange string) { r.published.WithLabelValues(exchange).Inc() }

func (r *Recorder) PublishFailed(exchange, reason string) {
	r.publishFailed.WithLabelValues(exchange, reason).Inc()
}

func (r *Recorder) RateReceived(pair string) { r.ratesReceived.WithLabelValues(pair).Inc() }
func (r *Recorder) RateDropped(pair string)  { r.ratesDropped.WithLabelValues(pair).Inc() }
func (r *Recorder) StreamOpened()            { r.streams.Inc() }
func (r *Recorder) StreamClosed()            { r.streams.Dec() }
