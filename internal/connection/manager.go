// Package connection owns the single transport connection of a process:
// shared connect futures, status tracking and retry after failures.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/metrics"
	"github.com/dgnsrekt/hzwatch/internal/transport"
)

// Status is the state of the connection.
type Status string

const (
	StatusUnconnected  Status = "unconnected"
	StatusConnecting   Status = "connecting"
	StatusReady        Status = "ready"
	StatusDisconnected Status = "disconnected"
	// StatusError is entered when the retry ladder is exhausted.
	StatusError Status = "error"
)

// Config configures a Manager.
type Config struct {
	// RetryOffsets are measured from the failure instant.
	RetryOffsets []time.Duration
	// MaxAttempts bounds the retries after one failure; 0 retries forever.
	MaxAttempts int
	Clock       clock.Clock
	Metrics     *metrics.Metrics
}

// attempt is one shared pending connect.
type attempt struct {
	done chan struct{}
	err  error
}

// Manager shares one transport connection between all callers.
type Manager struct {
	client  transport.Client
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	status  Status
	pending *attempt
	ladder  *Ladder
	retry   clock.Timer
	closed  bool
	// wanted is set by Connect and cleared by Disconnect. Callbacks of an
	// attempt that outlived a Disconnect are ignored while it is false.
	wanted bool

	lmu       sync.Mutex
	seq       int
	listeners map[int]func(Status)

	unregister []func()
}

// NewManager creates a Manager around client and subscribes to its
// lifecycle callbacks. Nothing is dialed until Connect.
func NewManager(client transport.Client, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	m := &Manager{
		client:    client,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    logger,
		status:    StatusUnconnected,
		ladder:    NewLadder(cfg.RetryOffsets, cfg.MaxAttempts),
		listeners: make(map[int]func(Status)),
	}
	m.unregister = []func(){
		client.OnReady(m.handleReady),
		client.OnSocketError(m.handleSocketError),
		client.OnDisconnected(m.handleDisconnected),
	}
	return m
}

// Connect returns the transport once it is ready. Concurrent callers share
// one pending attempt. The attempt itself is not bound to ctx; ctx only
// limits how long this caller waits.
func (m *Manager) Connect(ctx context.Context) (transport.Client, error) {
	m.mu.Lock()
	m.wanted = true
	if m.status == StatusReady {
		m.mu.Unlock()
		return m.client, nil
	}
	a := m.pending
	start := a == nil
	if start {
		a = m.beginLocked()
	}
	m.mu.Unlock()

	if start {
		m.dial()
	}

	select {
	case <-a.done:
		if a.err != nil {
			return nil, a.err
		}
		return m.client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// beginLocked opens a new attempt. m.mu must be held.
func (m *Manager) beginLocked() *attempt {
	a := &attempt{done: make(chan struct{})}
	m.pending = a
	m.setStatusLocked(StatusConnecting)
	return a
}

func (m *Manager) dial() {
	m.metrics.ConnectAttempt()
	go m.client.Connect(context.Background())
}

// finishLocked resolves the pending attempt. m.mu must be held.
func (m *Manager) finishLocked(err error) {
	if m.pending == nil {
		return
	}
	m.pending.err = err
	close(m.pending.done)
	m.pending = nil
}

// Disconnect closes the transport. Retries are cancelled and the next
// Connect performs a fresh handshake.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.wanted = false
	m.stopRetryLocked()
	m.ladder.Reset()
	m.finishLocked(&ConnectionError{Reason: ReasonDisconnected})
	m.setStatusLocked(StatusUnconnected)
	m.mu.Unlock()

	return m.client.Disconnect()
}

// Close disconnects and detaches from the transport callbacks.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	err := m.Disconnect()
	for _, fn := range m.unregister {
		fn()
	}
	return err
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStatus registers fn for every status transition. fn runs while the
// Manager is locked. The returned func removes it.
func (m *Manager) OnStatus(fn func(Status)) func() {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	id := m.seq
	m.seq++
	m.listeners[id] = fn
	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

func (m *Manager) handleReady() {
	m.mu.Lock()
	if !m.wanted {
		m.mu.Unlock()
		m.logger.Debug("closing connection that became ready after disconnect")
		if err := m.client.Disconnect(); err != nil {
			m.logger.Debug("closing stale connection", zap.Error(err))
		}
		return
	}
	m.stopRetryLocked()
	m.ladder.Reset()
	m.finishLocked(nil)
	m.setStatusLocked(StatusReady)
	m.mu.Unlock()
}

func (m *Manager) handleSocketError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusReady {
		return
	}
	if !m.wanted {
		m.logger.Debug("ignoring failure of abandoned attempt", zap.Error(err))
		return
	}
	m.logger.Warn("connection attempt failed", zap.Error(err))
	m.finishLocked(&ConnectionError{Reason: ReasonSocketError, Err: err})
	m.failLocked()
}

func (m *Manager) handleDisconnected(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.wanted {
		m.logger.Debug("ignoring drop after disconnect", zap.Error(err))
		return
	}
	m.logger.Warn("connection lost", zap.Error(err))
	m.finishLocked(&ConnectionError{Reason: ReasonDisconnected, Err: err})
	m.failLocked()
}

// failLocked moves to disconnected and schedules the next retry, or to
// error once the ladder is exhausted. m.mu must be held.
func (m *Manager) failLocked() {
	if m.closed {
		m.setStatusLocked(StatusUnconnected)
		return
	}
	if m.retry != nil {
		m.setStatusLocked(StatusDisconnected)
		return
	}

	wait := m.ladder.NextBackOff()
	if wait == backoff.Stop {
		m.logger.Error("giving up on connection", zap.Int("attempts", m.ladder.Attempts()))
		m.setStatusLocked(StatusError)
		return
	}

	m.setStatusLocked(StatusDisconnected)
	m.metrics.RetryScheduled()
	m.logger.Info("connection retry scheduled", zap.Duration("in", wait))
	m.retry = m.clock.AfterFunc(wait, m.fireRetry)
}

func (m *Manager) fireRetry() {
	m.mu.Lock()
	m.retry = nil
	if m.closed || !m.wanted || m.status == StatusReady || m.pending != nil {
		m.mu.Unlock()
		return
	}
	m.beginLocked()
	m.mu.Unlock()

	m.dial()
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// setStatusLocked records s and notifies listeners in transition order.
// m.mu must be held, so listeners must not call back into the Manager.
func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	m.metrics.SetReady(s == StatusReady)
	m.logger.Debug("connection status", zap.String("status", string(s)))

	m.lmu.Lock()
	fns := make([]func(Status), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lmu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
