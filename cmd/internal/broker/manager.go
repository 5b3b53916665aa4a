package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultMaxReconnectAttempts is the number of retries after which the manager gives up.
	DefaultMaxReconnectAttempts = 5
	// DefaultReconnectInterval is the fixed delay between retries.
	DefaultReconnectInterval = 5 * time.Second

	retryConnectTimeout = 30 * time.Second
)

// ManagerConfig tunes the reconnect policy.
type ManagerConfig struct {
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	return c
}

// stopper is satisfied by *time.Timer.
type stopper interface {
	Stop() bool
}

// Manager owns the broker connection and its single shared channel.
//
// Concurrency guarantees:
//   - mu guards the link, the handles and the generation counters.
//   - dialMu serializes connect attempts; concurrent callers of Channel wait for the one in flight.
//   - Close notifications from replaced handles are ignored through generation counters.
type Manager struct {
	log     *slog.Logger
	dialer  Dialer
	cfg     ManagerConfig
	metrics *Metrics

	// afterFunc schedules retries; replaced in tests.
	afterFunc func(d time.Duration, f func()) stopper

	dialMu sync.Mutex

	mu      sync.Mutex
	link    Link
	conn    Connection
	ch      Channel
	connGen uint64
	chGen   uint64
	retry   stopper
	closed  bool
}

// NewManager constructs a Manager. Nothing is dialed until Connect or Channel is called.
func NewManager(log *slog.Logger, dialer Dialer, cfg ManagerConfig, metrics *Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log,
		dialer:  dialer,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// State returns a snapshot of the link.
func (m *Manager) State() Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link
}

// Ready reports whether a channel is currently open.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch != nil
}

// Connect establishes the connection and channel if they are missing.
// A failure schedules a retry according to the reconnect policy.
func (m *Manager) Connect(ctx context.Context) error {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	return m.connectLocked(ctx)
}

// Channel returns the shared channel, connecting synchronously when there is none.
func (m *Manager) Channel(ctx context.Context) (Channel, error) {
	m.mu.Lock()
	ch, link, closed := m.ch, m.link, m.closed
	m.mu.Unlock()

	switch {
	case closed:
		return nil, fmt.Errorf("%w: %w", ErrChannelUnavailable, ErrClosed)
	case ch != nil:
		return ch, nil
	case link.State == GaveUp:
		return nil, fmt.Errorf("%w: %w", ErrChannelUnavailable, ErrGaveUp)
	}

	err := m.Connect(ctx)

	m.mu.Lock()
	ch = m.ch
	m.mu.Unlock()

	if ch == nil {
		if err == nil {
			return nil, ErrChannelUnavailable
		}
		return nil, fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}
	return ch, nil
}

// Restart leaves GaveUp (or resets the attempt counter) and connects.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.transitionLocked(EventRestart)
	m.stopRetryLocked()
	m.mu.Unlock()

	m.log.Info("broker.restart")
	return m.Connect(ctx)
}

// Close tears down the channel and connection and cancels pending retries. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopRetryLocked()
	ch, conn := m.ch, m.conn
	m.ch, m.conn = nil, nil
	m.connGen++
	m.chGen++
	m.link = Link{State: Disconnected}
	m.mu.Unlock()

	m.metrics.setState(Disconnected)

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	m.log.Info("broker.closed")
	return errors.Join(errs...)
}

// connectLocked runs with dialMu held.
func (m *Manager) connectLocked(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.ch != nil {
		m.mu.Unlock()
		return nil
	}
	if m.link.State == GaveUp {
		m.mu.Unlock()
		return ErrGaveUp
	}
	act := m.transitionLocked(EventConnectRequested)
	m.stopRetryLocked()
	m.mu.Unlock()

	if act == ActionDial {
		if err := m.dial(ctx); err != nil {
			return err
		}
	}
	return m.openChannel()
}

func (m *Manager) dial(ctx context.Context) error {
	m.log.Info("broker.dial")
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		m.mu.Lock()
		act := m.transitionLocked(EventDialFailed)
		m.mu.Unlock()

		m.log.Warn("broker.dial.fail", "err", err)
		m.handle(act)
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.connGen++
	gen := m.connGen
	m.transitionLocked(EventDialSucceeded)
	m.mu.Unlock()

	m.watchConnection(conn, gen)
	m.log.Info("broker.connected")
	return nil
}

func (m *Manager) openChannel() error {
	m.mu.Lock()
	conn, gen := m.conn, m.connGen
	m.mu.Unlock()

	if conn == nil {
		return ErrChannelUnavailable
	}

	ch, err := conn.Channel()
	if err != nil {
		m.mu.Lock()
		act := ActionNone
		if gen == m.connGen && !m.closed {
			m.conn = nil
			m.connGen++
			act = m.transitionLocked(EventChannelFailed)
		}
		m.mu.Unlock()

		_ = conn.Close()
		m.log.Warn("broker.channel.open.fail", "err", err)
		m.handle(act)
		return fmt.Errorf("%w: %w", ErrChannel, err)
	}

	m.mu.Lock()
	if m.closed || gen != m.connGen {
		m.mu.Unlock()
		_ = ch.Close()
		return ErrChannelUnavailable
	}
	m.ch = ch
	m.chGen++
	chGen := m.chGen
	m.transitionLocked(EventChannelOpened)
	m.mu.Unlock()

	m.watchChannel(ch, gen, chGen)
	m.log.Info("broker.channel.open")
	return nil
}

func (m *Manager) watchConnection(conn Connection, gen uint64) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		err := <-notify
		m.onConnectionLost(gen, err)
	}()
}

func (m *Manager) watchChannel(ch Channel, connGen, chGen uint64) {
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		err := <-notify
		m.onChannelLost(connGen, chGen, err)
	}()
}

func (m *Manager) onConnectionLost(gen uint64, cause *amqp.Error) {
	m.mu.Lock()
	if m.closed || gen != m.connGen {
		m.mu.Unlock()
		return
	}
	m.conn, m.ch = nil, nil
	m.connGen++
	m.chGen++
	act := m.transitionLocked(EventConnectionLost)
	m.mu.Unlock()

	m.log.Warn("broker.connection.lost", "cause", errString(cause))
	m.handle(act)
}

func (m *Manager) onChannelLost(connGen, chGen uint64, cause *amqp.Error) {
	m.mu.Lock()
	if m.closed || chGen != m.chGen {
		m.mu.Unlock()
		return
	}
	m.ch = nil
	m.chGen++
	act := m.transitionLocked(EventChannelLost)
	connDead := connGen != m.connGen || m.conn == nil || m.conn.IsClosed()
	m.mu.Unlock()

	m.log.Warn("broker.channel.lost", "cause", errString(cause))
	if act != ActionOpenChannel || connDead {
		// A dead connection is handled by its own watcher.
		return
	}

	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.Lock()
	stale := m.closed || m.ch != nil || connGen != m.connGen
	m.mu.Unlock()
	if stale {
		return
	}
	if err := m.openChannel(); err != nil {
		m.log.Warn("broker.channel.recreate.fail", "err", err)
	}
}

// transitionLocked applies ev to the link. Caller holds mu.
func (m *Manager) transitionLocked(ev Event) Action {
	prev := m.link
	next, act := Next(prev, ev, m.cfg.MaxReconnectAttempts)
	m.link = next
	if next.State != prev.State {
		m.metrics.setState(next.State)
		m.log.Debug("broker.state", "event", ev.String(), "from", prev.State.String(), "to", next.State.String(), "attempts", next.Attempts)
	}
	return act
}

func (m *Manager) handle(act Action) {
	switch act {
	case ActionScheduleRetry:
		m.scheduleRetry()
	case ActionGiveUp:
		m.metrics.gaveUp()
		m.log.Error("broker.gave_up", "attempts", m.cfg.MaxReconnectAttempts)
	}
}

func (m *Manager) scheduleRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.stopRetryLocked()

	attempt := m.link.Attempts
	m.retry = m.afterFunc(m.cfg.ReconnectInterval, func() {
		m.metrics.reconnect()
		ctx, cancel := context.WithTimeout(context.Background(), retryConnectTimeout)
		defer cancel()
		if err := m.Connect(ctx); err != nil {
			m.log.Warn("broker.reconnect.fail", "attempt", attempt, "err", err)
		}
	})
	m.log.Info("broker.reconnect.scheduled", "attempt", attempt, "in", m.cfg.ReconnectInterval)
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func errString(e *amqp.Error) string {
	if e == nil {
		return "closed"
	}
	return e.Error()
}
