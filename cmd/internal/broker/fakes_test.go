package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---- channel ----

type publishCall struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type bindCall struct {
	queue, key, exchange string
}

type fakeChannel struct {
	mu sync.Mutex

	queues     map[string]bool // name -> durable
	exchanges  map[string]string
	binds      []bindCall
	publishes  []publishCall
	prefetch   int
	consumers  []string
	exclusive  []bool
	cancelled  []string
	closed     bool
	notifiers  []chan *amqp.Error
	serverName int

	publishErr error
	declareErr error
	// consume returns the delivery stream for each Consume call.
	consume func(queue string) (<-chan amqp.Delivery, error)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{queues: map[string]bool{}, exchanges: map[string]string{}}
}

func (c *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return amqp.Queue{}, c.declareErr
	}
	if name == "" {
		c.serverName++
		name = fmt.Sprintf("amq.gen-%d", c.serverName)
	}
	c.queues[name] = durable
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return c.declareErr
	}
	c.exchanges[name] = kind
	return nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binds = append(c.binds, bindCall{queue: name, key: key, exchange: exchange})
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.publishes = append(c.publishes, publishCall{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, _, exclusive, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	c.consumers = append(c.consumers, queue)
	c.exclusive = append(c.exclusive, exclusive)
	fn := c.consume
	c.mu.Unlock()

	if fn == nil {
		return make(chan amqp.Delivery), nil
	}
	return fn(queue)
}

func (c *fakeChannel) Cancel(consumer string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, consumer)
	return nil
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifiers = append(c.notifiers, ch)
	return ch
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	ns := c.notifiers
	c.notifiers = nil
	c.mu.Unlock()
	for _, n := range ns {
		close(n)
	}
	return nil
}

// drop simulates a channel-level exception from the broker.
func (c *fakeChannel) drop() {
	c.mu.Lock()
	ns := c.notifiers
	c.notifiers = nil
	c.closed = true
	c.mu.Unlock()

	for _, n := range ns {
		n <- &amqp.Error{Code: amqp.PreconditionFailed, Reason: "channel dropped"}
		close(n)
	}
}

func (c *fakeChannel) snapshot() fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fakeChannel{
		publishes: append([]publishCall(nil), c.publishes...),
		binds:     append([]bindCall(nil), c.binds...),
		consumers: append([]string(nil), c.consumers...),
		exclusive: append([]bool(nil), c.exclusive...),
		cancelled: append([]string(nil), c.cancelled...),
		prefetch:  c.prefetch,
		closed:    c.closed,
	}
}

// ---- connection ----

type fakeConn struct {
	mu        sync.Mutex
	channels  []*fakeChannel
	chErrs    []error // consumed in order before handing out channels
	opened    int
	closed    bool
	notifiers []chan *amqp.Error
}

func (c *fakeConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
	if len(c.chErrs) > 0 {
		err := c.chErrs[0]
		c.chErrs = c.chErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	ch := newFakeChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifiers = append(c.notifiers, ch)
	return ch
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	ns := c.notifiers
	c.notifiers = nil
	c.mu.Unlock()
	for _, n := range ns {
		close(n)
	}
	return nil
}

// drop simulates a connection-level failure.
func (c *fakeConn) drop() {
	c.mu.Lock()
	c.closed = true
	ns := c.notifiers
	c.notifiers = nil
	c.mu.Unlock()
	for _, n := range ns {
		n <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "connection dropped"}
		close(n)
	}
}

func (c *fakeConn) lastChannel() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

func (c *fakeConn) channelOpens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// ---- dialer ----

var errDialRefused = errors.New("dial tcp 127.0.0.1:5672: connection refused")

type fakeDialer struct {
	mu    sync.Mutex
	fail  int  // next n dials fail
	down  bool // every dial fails
	dials int
	conns []*fakeConn
	// chErrs is installed on the next connection.
	chErrs []error
}

func (d *fakeDialer) Dial(context.Context) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.down {
		return nil, errDialRefused
	}
	if d.fail > 0 {
		d.fail--
		return nil, errDialRefused
	}
	c := &fakeConn{chErrs: d.chErrs}
	d.chErrs = nil
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setDown(down bool) {
	d.mu.Lock()
	d.down = down
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// ---- scheduler ----

type fakeTimer struct {
	s       *fakeScheduler
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type scheduled struct {
	d     time.Duration
	f     func()
	timer *fakeTimer
}

// fakeScheduler records retries; tests fire them explicitly.
type fakeScheduler struct {
	mu      sync.Mutex
	pending []scheduled
	delays  []time.Duration
}

func (s *fakeScheduler) afterFunc(d time.Duration, f func()) stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s}
	s.pending = append(s.pending, scheduled{d: d, f: f, timer: t})
	s.delays = append(s.delays, d)
	return t
}

// fire runs the oldest live retry and reports whether there was one.
func (s *fakeScheduler) fire() bool {
	s.mu.Lock()
	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		if next.timer.stopped {
			continue
		}
		next.timer.stopped = true
		s.mu.Unlock()
		next.f()
		return true
	}
	s.mu.Unlock()
	return false
}

func (s *fakeScheduler) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pending {
		if !p.timer.stopped {
			n++
		}
	}
	return n
}

// ---- channel source ----

type fakeSource struct {
	mu    sync.Mutex
	chs   []Channel
	err   error
	calls int
}

func (s *fakeSource) Channel(context.Context) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.chs) == 0 {
		return nil, ErrChannelUnavailable
	}
	ch := s.chs[0]
	if len(s.chs) > 1 {
		s.chs = s.chs[1:]
	}
	return ch, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ---- acknowledger ----

// fakeQueue is a delivery stream that requeues rejected messages like the broker does.
type fakeQueue struct {
	mu       sync.Mutex
	stream   chan amqp.Delivery
	bodies   map[uint64][]byte
	acked    []uint64
	dropped  []uint64
	requeued []uint64
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{stream: make(chan amqp.Delivery, 16), bodies: map[uint64][]byte{}}
}

func (q *fakeQueue) push(tag uint64, body string, redelivered bool) {
	q.mu.Lock()
	q.bodies[tag] = []byte(body)
	q.mu.Unlock()
	q.stream <- amqp.Delivery{
		Acknowledger: q,
		DeliveryTag:  tag,
		MessageId:    fmt.Sprintf("m-%d", tag),
		Redelivered:  redelivered,
		Body:         []byte(body),
	}
}

func (q *fakeQueue) Ack(tag uint64, _ bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, tag)
	return nil
}

func (q *fakeQueue) Nack(tag uint64, _ bool, requeue bool) error {
	return q.Reject(tag, requeue)
}

func (q *fakeQueue) Reject(tag uint64, requeue bool) error {
	q.mu.Lock()
	body := q.bodies[tag]
	if !requeue {
		q.dropped = append(q.dropped, tag)
		q.mu.Unlock()
		return nil
	}
	q.requeued = append(q.requeued, tag)
	q.mu.Unlock()

	// Redeliver asynchronously; the consumer is still inside its handler call.
	go q.push(tag, string(body), true)
	return nil
}

func (q *fakeQueue) state() (acked, dropped, requeued []uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uint64(nil), q.acked...), append([]uint64(nil), q.dropped...), append([]uint64(nil), q.requeued...)
}
