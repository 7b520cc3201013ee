package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/next-trace/scg-pubsub/contract/broker"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Concrete AMQP connection-backed dialer.

const (
	DefaultHeartbeat   = 10 * time.Second
	DefaultDialTimeout = 5 * time.Second
)

type Config struct {
	URL            string
	Heartbeat      time.Duration
	DialTimeout    time.Duration
	ConnectionName string
}

// AMQPConnection is the subset of *amqp.Connection the adapter drives.
type AMQPConnection interface {
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection implements broker.Connection over an AMQP connection.
type Connection struct {
	conn AMQPConnection
	open func() (AMQPChannel, error)
}

var _ broker.Connection = (*Connection)(nil)

// NewConnection wraps conn; open creates its channels.
func NewConnection(conn AMQPConnection, open func() (AMQPChannel, error)) *Connection {
	return &Connection{conn: conn, open: open}
}

func (c *Connection) Channel() (broker.Channel, error) { //nolint:ireturn
	ch, err := c.open()
	if err != nil {
		return nil, translate("open channel", err)
	}

	return NewChannel(ch), nil
}

func (c *Connection) NotifyClose(out chan error) chan error {
	bridgeClose(c.conn.NotifyClose(make(chan *amqp.Error, 1)), out, "connection")

	return out
}

func (c *Connection) Close() error {
	return translate("connection close", c.conn.Close())
}

// Dial opens an AMQP connection. amqp091 has no context-aware dial, so ctx is only
// checked up front; DialTimeout bounds the TCP handshake.
func Dial(ctx context.Context, cfg Config) (*Connection, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq dial: url required: %w", berr.ErrInvalidArgument)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	props := amqp.Table{"product": "scg-pubsub"}
	if cfg.ConnectionName != "" {
		props["connection_name"] = cfg.ConnectionName
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, translate("dial", err)
	}

	return NewConnection(conn, func() (AMQPChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}

		return ch, nil
	}), nil
}

// NewDialer returns a broker.Dialer for cfg, for use with pubsub.Session.
func NewDialer(cfg Config) broker.DialFunc {
	return func(ctx context.Context) (broker.Connection, error) {
		c, err := Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}

		return c, nil
	}
}
