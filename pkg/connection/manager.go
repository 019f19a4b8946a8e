// Package connection owns the instance's coordination session: it picks
// endpoints round-robin, replaces expired sessions and tells the rest of
// the process when a session starts or reconnects.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"chathub/pkg/coordination"
	"chathub/pkg/metrics"
)

// Hook is called from the session event loop. It must only schedule work.
type Hook func(session coordination.Session)

// Manager keeps one live session per instance.
type Manager struct {
	state   *State
	dialer  coordination.Dialer
	timeout time.Duration
	logger  *zap.Logger

	maxPasses    int
	initialDelay time.Duration
	maxDelay     time.Duration

	hookMu      sync.RWMutex
	onStart     []Hook
	onReconnect []Hook

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed *atomic.Bool
}

var _ coordination.SessionProvider = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBackoff sets how full passes over the endpoint list are retried.
func WithBackoff(maxPasses int, initialDelay, maxDelay time.Duration) Option {
	return func(m *Manager) {
		m.maxPasses = maxPasses
		m.initialDelay = initialDelay
		m.maxDelay = maxDelay
	}
}

// NewManager returns a Manager that is not connected yet.
func NewManager(dialer coordination.Dialer, endpoints []string, sessionTimeout time.Duration, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		state:        NewState(endpoints),
		dialer:       dialer,
		timeout:      sessionTimeout,
		logger:       zap.NewNop(),
		maxPasses:    5,
		initialDelay: 100 * time.Millisecond,
		maxDelay:     5 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
		closed:       atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(
		zap.String("component", "connection"),
		zap.String("instance", m.state.InstanceID()))
	return m
}

// OnSessionStart registers a hook run after every new session, including
// the first one.
func (m *Manager) OnSessionStart(h Hook) {
	m.hookMu.Lock()
	m.onStart = append(m.onStart, h)
	m.hookMu.Unlock()
}

// OnReconnect registers a hook run when the current session reconnects
// after a disconnect.
func (m *Manager) OnReconnect(h Hook) {
	m.hookMu.Lock()
	m.onReconnect = append(m.onReconnect, h)
	m.hookMu.Unlock()
}

// State exposes the connection state.
func (m *Manager) State() *State { return m.state }

// Session implements coordination.SessionProvider.
func (m *Manager) Session() coordination.Session { return m.state.Session() }

// Connect opens the first session. It keeps cycling through the endpoints
// with backoff until a session is established or ctx ends.
func (m *Manager) Connect(ctx context.Context) error {
	if len(m.state.endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints configured", coordination.ErrConnection)
	}
	if m.closed.Load() {
		return coordination.ErrClosed
	}
	session, events, err := m.establish(ctx)
	if err != nil {
		return err
	}
	m.start(session, events)
	return nil
}

// Close ends the current session and stops the event loop.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	var err error
	if s := m.state.Session(); s != nil {
		err = s.Close()
	}
	m.wg.Wait()
	m.state.setConnected(false)
	return err
}

func (m *Manager) establish(ctx context.Context) (coordination.Session, <-chan coordination.Event, error) {
	var (
		session coordination.Session
		events  <-chan coordination.Event
	)
	for {
		retrier := retry.NewRetrier(m.maxPasses, m.initialDelay, m.maxDelay)
		err := retrier.RunContext(ctx, func(ctx context.Context) error {
			var err error
			session, events, err = m.pass(ctx)
			return err
		})
		if err == nil {
			return session, events, nil
		}
		if ctx.Err() != nil || m.closed.Load() {
			return nil, nil, fmt.Errorf("%w: connect: %v", coordination.ErrInterrupted, err)
		}
		m.logger.Error("no coordination endpoint reachable, retrying", zap.Error(err))
	}
}

// pass tries every endpoint once, starting at the cursor.
func (m *Manager) pass(ctx context.Context) (coordination.Session, <-chan coordination.Event, error) {
	var errs error
	for range m.state.endpoints {
		endpoint := m.state.next()
		session, events, err := m.dialer.Dial(ctx, endpoint, m.timeout)
		if err == nil {
			metrics.SessionsOpened.WithLabelValues(endpoint).Inc()
			return session, events, nil
		}
		metrics.DialFailures.WithLabelValues(endpoint).Inc()
		m.logger.Warn("session open failed", zap.String("endpoint", endpoint), zap.Error(err))
		errs = multierr.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, nil, errs
}

func (m *Manager) start(session coordination.Session, events <-chan coordination.Event) {
	if m.closed.Load() {
		_ = session.Close()
		return
	}
	gen := m.state.install(session, session.Endpoint())
	m.logger.Info("session started",
		zap.String("endpoint", session.Endpoint()),
		zap.Uint64("generation", gen))

	m.wg.Add(1)
	go m.loop(gen, session, events)

	m.run(m.startHooks(), session)
}

// loop consumes one session's events; a new session gets a new loop.
func (m *Manager) loop(gen uint64, session coordination.Session, events <-chan coordination.Event) {
	defer m.wg.Done()

	disconnected := false
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if !m.closed.Load() {
					m.renew(gen, session, "event stream closed")
				}
				return
			}
			if ev.Type != coordination.EventSession {
				continue
			}
			metrics.SessionEvents.WithLabelValues(ev.State.String()).Inc()

			switch ev.State {
			case coordination.StateDisconnected:
				disconnected = true
				m.state.setConnected(false)
				m.logger.Warn("session disconnected", zap.String("endpoint", session.Endpoint()))
			case coordination.StateConnected:
				m.state.setConnected(true)
				if disconnected {
					disconnected = false
					m.logger.Info("session reconnected", zap.String("endpoint", session.Endpoint()))
					m.run(m.reconnectHooks(), session)
				}
			case coordination.StateExpired:
				m.renew(gen, session, "session expired")
				return
			case coordination.StateClosed:
				return
			}
		}
	}
}

// renew replaces an expired session. The cursor already points past the
// old endpoint, so the next dial goes elsewhere first.
func (m *Manager) renew(gen uint64, old coordination.Session, reason string) {
	if m.state.Generation() != gen {
		return
	}
	m.state.setConnected(false)
	m.logger.Warn("replacing session", zap.String("reason", reason), zap.String("endpoint", old.Endpoint()))
	if err := old.Close(); err != nil && !errors.Is(err, coordination.ErrClosed) {
		m.logger.Debug("closing old session failed", zap.Error(err))
	}

	session, events, err := m.establish(m.ctx)
	if err != nil {
		m.logger.Info("session renewal abandoned", zap.Error(err))
		return
	}
	m.start(session, events)
}

func (m *Manager) startHooks() []Hook {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return append([]Hook(nil), m.onStart...)
}

func (m *Manager) reconnectHooks() []Hook {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return append([]Hook(nil), m.onReconnect...)
}

func (m *Manager) run(hooks []Hook, session coordination.Session) {
	for _, h := range hooks {
		h(session)
	}
}
