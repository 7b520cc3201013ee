// Package tracing carries W3C trace context across the broker through message headers.
package tracing

import (
	"context"

	"github.com/next-trace/scg-pubsub/contract/broker"
	"github.com/next-trace/scg-pubsub/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/next-trace/scg-pubsub"

// Propagator implements broker.HeaderPropagator with an OpenTelemetry text map propagator.
type Propagator struct {
	tmp propagation.TextMapPropagator
}

var _ broker.HeaderPropagator = Propagator{}

// NewPropagator uses trace context plus baggage. Pass a propagator to override.
func NewPropagator(tmp ...propagation.TextMapPropagator) Propagator {
	if len(tmp) == 0 {
		return Propagator{tmp: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})}
	}

	return Propagator{tmp: propagation.NewCompositeTextMapPropagator(tmp...)}
}

func (p Propagator) Inject(ctx context.Context, headers map[string]string) {
	p.tmp.Inject(ctx, propagation.MapCarrier(headers))
}

// Extract returns ctx carrying the remote span context found in headers, if any.
func (p Propagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return p.tmp.Extract(ctx, propagation.MapCarrier(headers))
}

// Handler wraps next in a consumer span parented on the trace context carried by the
// message. A nil tracer uses the global provider.
func Handler(p Propagator, tracer trace.Tracer, next pubsub.Handler) pubsub.Handler {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(instrumentation)
	}

	return func(ctx context.Context, m pubsub.Message) error {
		ctx, span := tracer.Start(p.Extract(ctx, m.Headers), "consume "+m.Exchange,
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		span.SetAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", m.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", m.RoutingKey),
		)

		if err := next(ctx, m); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")

			return err
		}

		return nil
	}
}
