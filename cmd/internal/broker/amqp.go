package broker

import (
	"context"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultHeartbeat   = 10 * time.Second
)

// AMQPDialer dials a RabbitMQ broker.
type AMQPDialer struct {
	URL         string
	DialTimeout time.Duration
	Heartbeat   time.Duration
	// ConnectionName is shown in the broker management UI.
	ConnectionName string
}

// Dial opens an AMQP connection; ctx bounds the TCP dial.
func (d AMQPDialer) Dial(ctx context.Context) (Connection, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	heartbeat := d.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	props := amqp.NewConnectionProperties()
	if d.ConnectionName != "" {
		props.SetClientConnectionName(d.ConnectionName)
	}

	conn, err := amqp.DialConfig(d.URL, amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial: func(network, addr string) (net.Conn, error) {
			nd := &net.Dialer{Timeout: timeout}
			c, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// The handshake must finish within the dial budget too.
			if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
