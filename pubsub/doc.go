/*
Package pubsub provides a thin façade over an AMQP-style broker: exchange bindings shared
through a Topology, queue subscriptions with a single-owner dispatcher, a publisher with
optional broker confirms, a relay handler for republishing between exchanges, and a Session
that owns the connection and its reconnection policy.

Every Consumer and Publisher opens and owns its own broker channel; channels are never shared
between goroutines.
*/
package pubsub
