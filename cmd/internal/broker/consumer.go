package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Prefetch is the per-consumer unacknowledged message limit: handling is serialized.
const Prefetch = 1

// Message is one delivery as seen by a Handler.
type Message struct {
	Queue       string
	RoutingKey  string
	MessageID   string
	Redelivered bool
	Body        json.RawMessage
}

// Handler processes one message. Returning nil acks it; an error wrapping ErrPoisonMessage
// rejects it for good; any other error requeues it.
type Handler func(ctx context.Context, msg Message) error

// JSONHandler decodes the body into T before calling fn. A body that does not decode is poison.
func JSONHandler[T any](fn func(ctx context.Context, v T) error) Handler {
	return func(ctx context.Context, msg Message) error {
		var v T
		if err := json.Unmarshal(msg.Body, &v); err != nil {
			return fmt.Errorf("%w: %w", ErrPoisonMessage, err)
		}
		return fn(ctx, v)
	}
}

type binding struct {
	exchange   string
	routingKey string
}

type subscription struct {
	tag     string
	queue   string
	bind    *binding
	handler Handler
	cancel  context.CancelFunc

	mu sync.Mutex
	ch Channel
}

// Consumer attaches handlers to queues with manual acknowledgement.
type Consumer struct {
	log     *slog.Logger
	source  ChannelSource
	metrics *Metrics
	retry   time.Duration

	mu   sync.Mutex
	ch   Channel
	subs map[string]*subscription
	wg   sync.WaitGroup
}

// NewConsumer constructs a Consumer. retry is the delay before re-attaching a lost subscription.
func NewConsumer(log *slog.Logger, source ChannelSource, retry time.Duration, metrics *Metrics) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	if retry <= 0 {
		retry = DefaultReconnectInterval
	}
	return &Consumer{
		log:     log,
		source:  source,
		metrics: metrics,
		retry:   retry,
		subs:    make(map[string]*subscription),
	}
}

// Subscribe declares queue durable and starts consuming it. It returns the consumer tag.
// Setup errors are returned; once attached, the subscription re-attaches after channel loss
// until ctx is cancelled or Cancel is called.
func (c *Consumer) Subscribe(ctx context.Context, queue string, h Handler) (string, error) {
	return c.start(ctx, &subscription{queue: queue, handler: h})
}

// SubscribeExchange binds an exclusive server-named queue to exchange with routingKey and consumes it.
func (c *Consumer) SubscribeExchange(ctx context.Context, exchange, routingKey string, h Handler) (string, error) {
	return c.start(ctx, &subscription{
		queue:   exchange + "/" + routingKey,
		bind:    &binding{exchange: exchange, routingKey: routingKey},
		handler: h,
	})
}

// Run subscribes to queue and blocks until ctx is done, retrying setup failures.
func (c *Consumer) Run(ctx context.Context, queue string, h Handler) error {
	for {
		tag, err := c.Subscribe(ctx, queue, h)
		if err == nil {
			<-ctx.Done()
			c.Cancel(tag)
			return nil
		}
		c.log.Warn("broker.subscribe.fail", "queue", queue, "err", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.retry):
		}
	}
}

// Cancel stops the subscription with the given tag.
func (c *Consumer) Cancel(tag string) {
	c.mu.Lock()
	sub := c.subs[tag]
	delete(c.subs, tag)
	c.mu.Unlock()

	if sub == nil {
		return
	}
	sub.cancel()

	sub.mu.Lock()
	ch := sub.ch
	sub.mu.Unlock()
	if ch != nil {
		if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.log.Warn("broker.cancel.fail", "tag", tag, "err", err)
		}
	}
	c.log.Info("broker.subscription.cancel", "queue", sub.queue, "tag", tag)
}

// Wait blocks until every subscription goroutine has returned.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) start(ctx context.Context, sub *subscription) (string, error) {
	id, err := ulid.New(ulid.Now(), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}
	sub.tag = "relay-" + id.String()

	deliveries, err := c.attach(ctx, sub)
	if err != nil {
		return "", fmt.Errorf("subscribe %s: %w", sub.queue, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel

	c.mu.Lock()
	c.subs[sub.tag] = sub
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.Cancel(sub.tag)
		c.serve(sctx, sub, deliveries)
	}()

	c.log.Info("broker.subscribe", "queue", sub.queue, "tag", sub.tag)
	return sub.tag, nil
}

// attach declares the topology, sets prefetch and starts consuming.
func (c *Consumer) attach(ctx context.Context, sub *subscription) (<-chan amqp.Delivery, error) {
	ch, err := c.channel(ctx)
	if err != nil {
		return nil, err
	}

	deliveries, err := c.declareAndConsume(ch, sub)
	if err != nil {
		c.invalidate(ch)
		return nil, err
	}

	sub.mu.Lock()
	sub.ch = ch
	sub.mu.Unlock()
	return deliveries, nil
}

func (c *Consumer) declareAndConsume(ch Channel, sub *subscription) (<-chan amqp.Delivery, error) {
	queue := sub.queue
	exclusive := false

	if sub.bind != nil {
		if err := ch.ExchangeDeclare(sub.bind.exchange, exchangeKindDirect, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare exchange: %w", err)
		}
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return nil, fmt.Errorf("declare queue: %w", err)
		}
		if err := ch.QueueBind(q.Name, sub.bind.routingKey, sub.bind.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind queue: %w", err)
		}
		queue, exclusive = q.Name, true
	} else if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.Qos(Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, sub.tag, false, exclusive, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// serve handles deliveries in order and re-attaches when the stream closes.
func (c *Consumer) serve(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery) {
	for {
		c.drain(ctx, sub, deliveries)
		if ctx.Err() != nil {
			return
		}

		c.log.Warn("broker.subscription.lost", "queue", sub.queue, "tag", sub.tag)
		sub.mu.Lock()
		lost := sub.ch
		sub.ch = nil
		sub.mu.Unlock()
		c.invalidate(lost)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retry):
			}

			d, err := c.attach(ctx, sub)
			if err == nil {
				deliveries = d
				c.log.Info("broker.subscription.restored", "queue", sub.queue, "tag", sub.tag)
				break
			}
			c.log.Warn("broker.resubscribe.fail", "queue", sub.queue, "err", err)
		}
	}
}

func (c *Consumer) drain(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, sub.queue, sub.handler, d)
		}
	}
}

// handle settles one delivery.
func (c *Consumer) handle(ctx context.Context, queue string, h Handler, d amqp.Delivery) {
	log := c.log.With("queue", queue, "message_id", d.MessageId, "delivery_tag", d.DeliveryTag)

	if !json.Valid(d.Body) {
		c.settle(log, queue, "poison", d.Reject(false))
		log.Warn("broker.delivery.poison", "err", "invalid JSON body")
		return
	}

	err := h(ctx, Message{
		Queue:       queue,
		RoutingKey:  d.RoutingKey,
		MessageID:   d.MessageId,
		Redelivered: d.Redelivered,
		Body:        d.Body,
	})
	switch {
	case err == nil:
		c.settle(log, queue, "ack", d.Ack(false))
	case errors.Is(err, ErrPoisonMessage):
		c.settle(log, queue, "poison", d.Reject(false))
		log.Warn("broker.delivery.poison", "err", err)
	default:
		c.settle(log, queue, "requeue", d.Reject(true))
		log.Warn("broker.delivery.requeue", "redelivered", d.Redelivered, "err", err)
	}
}

func (c *Consumer) settle(log *slog.Logger, queue, outcome string, err error) {
	if err != nil {
		log.Error("broker.delivery.settle.fail", "outcome", outcome, "err", err)
		return
	}
	c.metrics.delivery(queue, outcome)
}

func (c *Consumer) channel(ctx context.Context) (Channel, error) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch != nil {
		return ch, nil
	}

	ch, err := c.source.Channel(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()
	return ch, nil
}

func (c *Consumer) invalidate(ch Channel) {
	c.mu.Lock()
	if c.ch == ch {
		c.ch = nil
	}
	c.mu.Unlock()
}
