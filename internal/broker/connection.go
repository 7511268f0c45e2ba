// Package broker owns the single AMQP 0-9-1 connection to the backend and
// the per-session reply-queue consumers layered on top of it.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/open-matchmaking/pathfinder/pkg/wire"
)

// State is the Connection Manager's lifecycle state, per spec §4.4.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Draining
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	default:
		return "disconnected"
	}
}

const (
	publishConfirmTimeout = 5 * time.Second
	unconfirmedPerChannel = 1024
)

// Config carries the connection parameters the Manager needs to dial. It is
// derived from config.Settings by the caller so this package stays
// decoupled from the CLI/config layer.
type Config struct {
	Host          string
	Port          int
	VirtualHost   string
	User          string
	Password      string
	TLS           *tls.Config // nil disables TLS
	BackoffMin    time.Duration
	BackoffMax    time.Duration
}

func (c Config) uri() string {
	scheme := "amqp"
	if c.TLS != nil {
		scheme = "amqps"
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, c.User, c.Password, c.Host, c.Port, c.VirtualHost)
}

type command struct {
	fn func()
}

// Manager owns exactly one logical broker connection and serializes channel
// allocation through a single writer task, per spec §4.4/§5.
type Manager struct {
	cfg Config
	log *logrus.Entry

	cmdCh chan command

	mu       sync.RWMutex
	state    State
	conn     *amqp.Connection
	nextID   int
	handles  map[int]*ChannelHandle

	backoff *backoff.Backoff
}

// NewManager builds a Manager. Call Run in its own goroutine to start
// dialing; OpenChannel/CloseChannel block until Run has processed them.
func NewManager(cfg Config, log *logrus.Entry) *Manager {
	return &Manager{
		cfg:     cfg,
		log:     log,
		cmdCh:   make(chan command, 256),
		state:   Disconnected,
		handles: make(map[int]*ChannelHandle),
		backoff: &backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: 2,
			Jitter: true,
		},
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Run dials the broker and services channel-allocation commands until ctx is
// canceled, reconnecting with backoff on connection loss. It returns when
// ctx is done; the returned error is ctx.Err().
func (m *Manager) Run(ctx context.Context) error {
	defer m.setState(Disconnected)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.setState(Connecting)
		conn, err := m.dial(ctx)
		if err != nil {
			return ctx.Err()
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.backoff.Reset()
		m.setState(Ready)
		m.log.Info("broker connection established")

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		lost := m.serve(ctx, closeCh)

		m.setState(Draining)
		if lost {
			m.cancelOutstanding(wire.New(wire.BrokerConnectionLost, "amqp connection lost"))
		} else {
			m.cancelOutstanding(wire.New(wire.SessionClosed, "connection manager shutting down"))
		}
		conn.Close()

		if !lost {
			return ctx.Err()
		}
		m.log.Warn("broker connection lost, reconnecting")
	}
}

// dial retries amqp.Dial with backoff until it succeeds or ctx is canceled.
func (m *Manager) dial(ctx context.Context) (*amqp.Connection, error) {
	for {
		var conn *amqp.Connection
		var err error
		if m.cfg.TLS != nil {
			conn, err = amqp.DialTLS(m.cfg.uri(), m.cfg.TLS)
		} else {
			conn, err = amqp.Dial(m.cfg.uri())
		}
		if err == nil {
			return conn, nil
		}

		d := m.backoff.Duration()
		m.log.WithError(err).WithField("retry_in", d).Warn("broker dial failed")
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// serve processes commands until the connection closes or ctx is done. It
// returns true when the connection was lost (caller should reconnect) and
// false when ctx ended the loop.
func (m *Manager) serve(ctx context.Context, closeCh chan *amqp.Error) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-closeCh:
			return true
		case cmd := <-m.cmdCh:
			cmd.fn()
		}
	}
}

func (m *Manager) cancelOutstanding(cause error) {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[int]*ChannelHandle)
	m.mu.Unlock()

	for _, h := range handles {
		select {
		case h.Lost <- cause:
		default:
		}
	}
}

// enqueue submits fn to the single writer task, returning early if ctx is
// canceled before it is accepted.
func (m *Manager) enqueue(ctx context.Context, fn func()) error {
	select {
	case m.cmdCh <- command{fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenChannel allocates a fresh channel on the shared connection and puts it
// into publisher-confirm mode. It fails with BrokerConnectionLost when the
// connection is not Ready.
func (m *Manager) OpenChannel(ctx context.Context) (*ChannelHandle, error) {
	type result struct {
		handle *ChannelHandle
		err    error
	}
	resCh := make(chan result, 1)

	err := m.enqueue(ctx, func() {
		m.mu.RLock()
		conn := m.conn
		state := m.state
		m.mu.RUnlock()

		if state != Ready || conn == nil {
			resCh <- result{nil, wire.New(wire.BrokerConnectionLost, "no ready broker connection")}
			return
		}

		ch, err := conn.Channel()
		if err != nil {
			resCh <- result{nil, wire.Wrap(wire.BrokerChannelClosed, "open channel", err)}
			return
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			resCh <- result{nil, wire.Wrap(wire.BrokerChannelClosed, "enable confirm mode", err)}
			return
		}

		m.mu.Lock()
		m.nextID++
		id := m.nextID
		handle := &ChannelHandle{
			ID:       id,
			ch:       ch,
			confirms: ch.NotifyPublish(make(chan amqp.Confirmation, unconfirmedPerChannel)),
			returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
			Lost:     make(chan error, 1),
		}
		m.handles[id] = handle
		m.mu.Unlock()

		resCh <- result{handle, nil}
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-resCh:
		return res.handle, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseChannel best-effort closes handle's underlying AMQP channel. It is
// idempotent: closing an already-closed or already-untracked handle is not
// an error. ctx bounds how long the caller waits for the single writer task
// to service the request; a canceled or expired ctx still leaves the
// channel to be reaped when the connection is next torn down.
func (m *Manager) CloseChannel(ctx context.Context, handle *ChannelHandle) {
	done := make(chan struct{})
	err := m.enqueue(ctx, func() {
		defer close(done)
		m.mu.Lock()
		delete(m.handles, handle.ID)
		m.mu.Unlock()
		_ = handle.ch.Close()
	})
	if err != nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}
