package broker

import "time"

// Publishing is an outgoing message.
type Publishing struct {
	Body        []byte
	Headers     map[string]string
	ContentType string
	Persistent  bool
	// Expiration is the per-message TTL; zero means none.
	Expiration time.Duration
}

// Delivery is a message handed to a consumer.
type Delivery struct {
	Exchange    string
	RoutingKey  string
	Body        []byte
	Headers     map[string]string
	ContentType string
	// DeliveryTag identifies this delivery on the consuming channel for Ack/Nack.
	DeliveryTag uint64
	Redelivered bool
}

// Confirmation is a broker acknowledgement of a published message.
type Confirmation struct {
	DeliveryTag uint64
	Ack         bool
}
