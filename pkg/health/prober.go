// Package health periodically probes every coordination endpoint and
// keeps the result for the ops API and the endpoint gauges.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"chathub/pkg/coordination"
	"chathub/pkg/election"
	"chathub/pkg/failover"
	"chathub/pkg/metrics"
)

// Status is the verdict on one endpoint.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// EndpointHealth tracks the probe history of a single endpoint.
type EndpointHealth struct {
	Endpoint         string    `json:"endpoint"`
	Status           Status    `json:"status"`
	LeaderVisible    bool      `json:"leaderVisible"`
	Leader           string    `json:"leader,omitempty"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastCheck        time.Time `json:"lastCheck"`
	LastHealthy      time.Time `json:"lastHealthy"`
	LastError        string    `json:"lastError,omitempty"`
}

// Prober runs a probe of every endpoint on a cron schedule. A probe opens
// a short-lived session and looks for the smallest election candidate.
type Prober struct {
	dialer      coordination.Dialer
	iter        *failover.Iterator
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	onUnhealthy func(endpoint string)
	logger      *zap.Logger

	mu        sync.RWMutex
	endpoints map[string]*EndpointHealth

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Prober.
type Option func(*Prober)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Prober) { p.logger = logger }
}

// WithInterval sets how often every endpoint is probed.
func WithInterval(d time.Duration) Option {
	return func(p *Prober) { p.interval = d }
}

// WithTimeout bounds a single probe.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.timeout = d }
}

// WithMaxFailures sets the consecutive failures before an endpoint is
// reported unhealthy.
func WithMaxFailures(n int) Option {
	return func(p *Prober) { p.maxFailures = n }
}

// WithOnUnhealthy registers a callback run when an endpoint turns unhealthy.
func WithOnUnhealthy(fn func(endpoint string)) Option {
	return func(p *Prober) { p.onUnhealthy = fn }
}

// New returns a stopped Prober over iter's endpoints.
func New(dialer coordination.Dialer, iter *failover.Iterator, opts ...Option) *Prober {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Prober{
		dialer:      dialer,
		iter:        iter,
		interval:    10 * time.Second,
		timeout:     2 * time.Second,
		maxFailures: 3,
		logger:      zap.NewNop(),
		endpoints:   make(map[string]*EndpointHealth),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "health"))
	for _, ep := range iter.Endpoints() {
		p.endpoints[ep] = &EndpointHealth{Endpoint: ep, Status: StatusUnknown}
	}
	return p
}

// Start probes once right away, then on every interval.
func (p *Prober) Start() error {
	p.cron = cron.New()
	if _, err := p.cron.AddFunc(fmt.Sprintf("@every %s", p.interval), func() {
		p.ProbeAll(p.ctx)
	}); err != nil {
		return fmt.Errorf("schedule health probe: %w", err)
	}
	p.cron.Start()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.ProbeAll(p.ctx)
	}()
	p.logger.Info("health prober started", zap.Duration("interval", p.interval))
	return nil
}

// Stop cancels running probes and waits for them.
func (p *Prober) Stop() {
	p.cancel()
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
	p.wg.Wait()
	p.logger.Info("health prober stopped")
}

// ProbeAll checks every endpoint and returns the updated records.
func (p *Prober) ProbeAll(ctx context.Context) []EndpointHealth {
	leaders := make(map[string]string)
	results := p.iter.All(ctx, func(ctx context.Context, endpoint string) error {
		leader, err := p.probe(ctx, endpoint)
		leaders[endpoint] = leader
		return err
	})
	for ep, err := range results {
		p.record(ep, leaders[ep], err)
	}
	return p.Snapshot()
}

// probe reports a reachable endpoint as healthy whether or not it sees a
// leader.
func (p *Prober) probe(ctx context.Context, endpoint string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	s, events, err := p.dialer.Dial(ctx, endpoint, p.timeout)
	if err != nil {
		return "", err
	}
	go func() {
		for range events {
		}
	}()
	defer s.Close()

	leader, err := election.Smallest(ctx, s)
	if errors.Is(err, coordination.ErrNoLeaderAvailable) || errors.Is(err, coordination.ErrNoNode) {
		return "", nil
	}
	return leader, err
}

func (p *Prober) record(endpoint, leader string, err error) {
	now := time.Now()

	p.mu.Lock()
	h, ok := p.endpoints[endpoint]
	if !ok {
		h = &EndpointHealth{Endpoint: endpoint, Status: StatusUnknown}
		p.endpoints[endpoint] = h
	}
	h.LastCheck = now
	h.Leader = leader
	h.LeaderVisible = leader != ""

	turnedUnhealthy := false
	if err == nil {
		if h.Status == StatusUnhealthy {
			p.logger.Info("endpoint recovered", zap.String("endpoint", endpoint), zap.Int("failures", h.ConsecutiveFails))
		}
		h.Status = StatusHealthy
		h.ConsecutiveFails = 0
		h.LastHealthy = now
		h.LastError = ""
	} else {
		h.ConsecutiveFails++
		h.LastError = err.Error()
		if h.ConsecutiveFails >= p.maxFailures && h.Status != StatusUnhealthy {
			h.Status = StatusUnhealthy
			turnedUnhealthy = true
		}
	}
	status := h.Status
	p.mu.Unlock()

	if status == StatusHealthy {
		metrics.EndpointUp.WithLabelValues(endpoint).Set(1)
	} else {
		metrics.EndpointUp.WithLabelValues(endpoint).Set(0)
	}
	if turnedUnhealthy {
		p.logger.Warn("endpoint unhealthy", zap.String("endpoint", endpoint), zap.Error(err))
		if p.onUnhealthy != nil {
			p.onUnhealthy(endpoint)
		}
	}
}

// Snapshot returns the current records in configuration order.
func (p *Prober) Snapshot() []EndpointHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]EndpointHealth, 0, len(p.endpoints))
	for _, ep := range p.iter.Endpoints() {
		if h, ok := p.endpoints[ep]; ok {
			out = append(out, *h)
		}
	}
	return out
}

// Healthy reports whether at least one endpoint answered its last probe.
func (p *Prober) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, h := range p.endpoints {
		if h.Status == StatusHealthy {
			return true
		}
	}
	return false
}
