/*
Package manager owns the single live transport of a comment stream. It opens the
transport, turns transport events into owner callbacks, and hands the owner a
Control on every successful open with which to send, reconnect (now or after a
randomized backoff) or close.

Owner callbacks are serialized: no two of them ever run at the same time, even
though every transport instance is pumped by its own goroutine. Callbacks are
free to call back into the Control or the Manager.
*/
package manager

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"livecomment.dev/wscomp/connection/message"
	"livecomment.dev/wscomp/connection/transporter"
	"livecomment.dev/wscomp/connection/transporter/websocket"
	"livecomment.dev/wscomp/logger"
	"livecomment.dev/wscomp/telemetry/throughputstats"
)

// Clock is what the manager needs for backoff timers and throughput windows
type Clock interface {
	clock.WithTicker
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// Config is supplied once and never changes; every reconnect reuses it
type Config struct {
	Address string
	Headers http.Header

	OnOpen    func(control *Control)
	OnClose   func(event transporter.CloseEvent)
	OnError   func(err error)
	OnMessage func(msg message.Message)

	// When set, Activate hands OnMessage the no-comments placeholder before
	// anything else happens
	DeliverSyntheticFirstMessage bool
}

type Option func(*Manager)

func WithClock(clk Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithBackOff replaces the default uniform 7-20s policy, e.g. with
// backoff.NewExponentialBackOff. The policy is Reset every time a transport opens.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackOff = newBackOff }
}

func WithTransporterFactory(factory transporter.Factory) Option {
	return func(m *Manager) { m.newTransport = factory }
}

type Stats struct {
	Live       bool                  `json:"live"`
	Throughput throughputstats.Digest `json:"throughput"`
	Lifetime   string                `json:"lifetime"`
}

type Manager struct {
	logger *logger.Logger
	config Config

	clock        Clock
	newBackOff   func() backoff.BackOff
	newTransport transporter.Factory

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stats   *throughputstats.ThroughputStats
	created time.Time

	// held while an owner callback runs
	dispatchMu sync.Mutex

	// guards everything below as well as the timer fields of every Control
	mu       sync.Mutex
	slot     transporter.Transporter
	disposed bool
	policy   backoff.BackOff
	timerSeq uint64
	pending  map[*Control]struct{}
}

func New(logger *logger.Logger, config Config, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		logger: logger,
		config: config,
		clock:  clock.RealClock{},
		newBackOff: func() backoff.BackOff {
			return NewUniformBackOff(DefaultMinBackOff, DefaultMaxBackOff)
		},
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[*Control]struct{}),
	}

	m.newTransport = func(connectionId string) transporter.Transporter {
		wsLogger := logger.GetConnectionLogger(connectionId).GetComponentLogger("Websocket")
		return websocket.New(wsLogger)
	}

	for _, opt := range opts {
		opt(m)
	}

	m.policy = m.newBackOff()
	m.stats = throughputstats.New(m.clock, "frames", m.done)
	m.created = m.clock.Now()

	return m
}

// Activate delivers the synthetic first message if configured, then starts a
// transport to the configured address. It never blocks on the network; how the
// attempt went is reported through the callbacks. An existing transport is
// closed first.
//
// Activate is for the owner to call from the outside; from inside a callback use
// Control.Reconnect instead.
func (m *Manager) Activate() {
	if m.isDisposed() {
		m.logger.Debugf("Ignoring activation of a disposed connection manager")
		return
	}

	// delivered before any transport exists, so it is always the first message
	if m.config.DeliverSyntheticFirstMessage && m.config.OnMessage != nil {
		m.dispatch(func() {
			m.config.OnMessage(message.Placeholder())
		})
	}

	m.activate()
}

// Dispose closes the live transport, cancels every pending backoff timer and
// turns all later activations and reconnects into no-ops. Safe to call repeatedly.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.cancelPending()

	transport := m.slot
	m.slot = nil
	m.mu.Unlock()

	m.logger.Infof("Disposing of connection manager")

	m.cancel()
	if transport != nil {
		transport.Close(ErrDisposed)
	}
	close(m.done)
}

// Live reports whether the slot holds a transport, connecting or open
func (m *Manager) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slot != nil
}

func (m *Manager) Stats() Stats {
	return Stats{
		Live:       m.Live(),
		Throughput: m.stats.Digest(),
		Lifetime:   m.clock.Since(m.created).Round(time.Second).String(),
	}
}

func (m *Manager) isDisposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

func (m *Manager) activate() {
	connUrl, err := ParseAddress(m.config.Address)
	if errors.Is(err, ErrAddressDisabled) {
		m.logger.Debugf("Not connecting: %s", err)
		return
	} else if err != nil {
		m.logger.Warnf("Not connecting: %s", err)
		return
	}

	connectionId := uuid.New().String()

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	previous := m.slot
	transport := m.newTransport(connectionId)
	m.slot = transport
	m.mu.Unlock()

	if previous != nil {
		previous.Close(ErrReconnect)
	}

	m.logger.Infof("Connecting to %s with connection id %s", connUrl.Redacted(), connectionId)

	go m.pump(m.logger.GetConnectionLogger(connectionId), transport)
	transport.Connect(m.ctx, connUrl, m.config.Headers.Clone())
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		m.logger.Debugf("Ignoring reconnect on a disposed connection manager")
		return
	}
	transport := m.slot
	m.slot = nil
	m.mu.Unlock()

	m.logger.Infof("Reconnecting...")

	if transport != nil {
		transport.Close(ErrReconnect)
	}
	m.activate()
}

func (m *Manager) send(msg interface{}) {
	m.mu.Lock()
	transport := m.slot
	m.mu.Unlock()

	if transport == nil {
		m.logger.Debugf("Dropping outbound message because there is no connection")
		return
	}

	data, err := message.Marshal(msg)
	if err != nil {
		m.logger.Error(err)
		return
	}

	if err := transport.Send(data); err != nil {
		m.logger.Warnf("Dropping outbound message: %s", err)
		return
	}
	m.stats.CountOutbound(1)
}

// closeSlot cancels all pending reconnects, empties the slot and closes whatever
// was in it. Nothing can reconnect afterwards until the owner asks again.
func (m *Manager) closeSlot(reason error) {
	m.mu.Lock()
	m.cancelPending()
	transport := m.slot
	m.slot = nil
	m.mu.Unlock()

	if transport != nil {
		transport.Close(reason)
	}
}

// must hold m.mu
func (m *Manager) cancelPending() {
	for control := range m.pending {
		control.cancelTimer()
	}
}

func (m *Manager) isCurrent(transport transporter.Transporter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slot == transport
}

// pump turns one transport's events into owner callbacks, in order
func (m *Manager) pump(connLogger *logger.Logger, transport transporter.Transporter) {
	opened := false

	for event := range transport.Events() {
		switch event.Type {
		case transporter.Open:
			if opened {
				connLogger.Warnf("Ignoring repeated open event")
				continue
			}
			opened = true
			m.handleOpen(connLogger, transport)

		case transporter.Message:
			if !m.isCurrent(transport) {
				connLogger.Tracef("Dropping message from a replaced connection")
				continue
			}
			m.handleMessage(connLogger, event.Payload)

		case transporter.Error:
			if !m.isCurrent(transport) {
				connLogger.Debugf("Dropping error from a replaced connection: %s", event.Err)
				continue
			}
			m.dispatch(func() {
				if m.config.OnError != nil {
					m.config.OnError(event.Err)
				}
			})

		case transporter.Close:
			m.handleClose(connLogger, transport, event.Close)
			return
		}
	}
}

func (m *Manager) handleOpen(connLogger *logger.Logger, transport transporter.Transporter) {
	m.mu.Lock()
	if m.slot != transport || m.disposed {
		m.mu.Unlock()
		connLogger.Debugf("Connection opened after it was replaced")
		return
	}
	m.policy.Reset()
	control := &Control{manager: m, logger: connLogger}
	m.mu.Unlock()

	m.stats.Reset()
	connLogger.Infof("Connection open")

	m.dispatch(func() {
		if m.config.OnOpen != nil {
			m.config.OnOpen(control)
		} else {
			connLogger.Infof("Connection is live but nobody is listening for it")
		}
	})
}

func (m *Manager) handleMessage(connLogger *logger.Logger, payload []byte) {
	m.stats.CountInbound(1)

	msg, err := message.Parse(payload)
	if err != nil {
		connLogger.Warnf("Dropping malformed message: %s", err)
		m.dispatch(func() {
			if m.config.OnError != nil {
				m.config.OnError(err)
			}
		})
		return
	}

	m.dispatch(func() {
		if m.config.OnMessage != nil {
			m.config.OnMessage(msg)
		}
	})
}

func (m *Manager) handleClose(connLogger *logger.Logger, transport transporter.Transporter, event transporter.CloseEvent) {
	// release before we tell anyone; a replaced transport must not empty the
	// slot of its successor
	m.mu.Lock()
	held := m.slot == transport
	if held {
		m.slot = nil
	}
	m.mu.Unlock()

	if held {
		transport.Close(event.Reason)
	}

	connLogger.Infof("Connection closed with %s", event)

	m.dispatch(func() {
		if m.config.OnClose != nil {
			m.config.OnClose(event)
		}
	})
}

func (m *Manager) dispatch(callback func()) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	callback()
}
