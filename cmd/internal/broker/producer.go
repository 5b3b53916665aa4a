package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

const exchangeKindDirect = "direct"

// Producer publishes JSON payloads durably.
// It caches the shared channel and drops the cache on any failure so the next call asks the
// source again.
type Producer struct {
	log     *slog.Logger
	source  ChannelSource
	metrics *Metrics
	now     func() time.Time

	mu sync.Mutex
	ch Channel
}

// NewProducer constructs a Producer on top of source (usually a *Manager).
func NewProducer(log *slog.Logger, source ChannelSource, metrics *Metrics) *Producer {
	if log == nil {
		log = slog.Default()
	}
	return &Producer{
		log:     log,
		source:  source,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PublishToQueue declares queue as durable and publishes payload to it as a persistent message.
func (p *Producer) PublishToQueue(ctx context.Context, queue string, payload any) error {
	msg, err := p.message(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", queue, err)
	}

	err = p.withChannel(ctx, func(ch Channel) error {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue: %w", err)
		}
		return ch.PublishWithContext(ctx, "", queue, false, false, msg)
	})
	p.record(queue, msg.MessageId, err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	return nil
}

// Publish declares a durable direct exchange and publishes payload with routingKey.
func (p *Producer) Publish(ctx context.Context, exchange, routingKey string, payload any) error {
	msg, err := p.message(payload)
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, err)
	}

	err = p.withChannel(ctx, func(ch Channel) error {
		if err := ch.ExchangeDeclare(exchange, exchangeKindDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
		return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	})
	p.record(exchange+"/"+routingKey, msg.MessageId, err)
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

func (p *Producer) withChannel(ctx context.Context, fn func(Channel) error) error {
	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	if err := fn(ch); err != nil {
		p.invalidate(ch)
		return err
	}
	return nil
}

func (p *Producer) channel(ctx context.Context) (Channel, error) {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch != nil {
		return ch, nil
	}

	ch, err := p.source.Channel(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.ch = ch
	p.mu.Unlock()
	return ch, nil
}

func (p *Producer) invalidate(ch Channel) {
	p.mu.Lock()
	if p.ch == ch {
		p.ch = nil
	}
	p.mu.Unlock()
}

func (p *Producer) message(payload any) (amqp.Publishing, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode payload: %w", err)
	}

	now := p.now()
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("message id: %w", err)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id.String(),
		Timestamp:    now,
		Body:         body,
	}, nil
}

func (p *Producer) record(target, messageID string, err error) {
	if err != nil {
		p.metrics.publish(target, "error")
		p.log.Warn("broker.publish.fail", "target", target, "message_id", messageID, "err", err)
		return
	}
	p.metrics.publish(target, "ok")
	p.log.Debug("broker.publish", "target", target, "message_id", messageID)
}
