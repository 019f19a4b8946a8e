// Package failover runs an operation against an ordered list of endpoints
// until one of them succeeds.
package failover

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"chathub/pkg/coordination"
	"chathub/pkg/metrics"
	"chathub/pkg/resilience"
)

// ErrExhausted is returned when every endpoint failed with a retryable error.
var ErrExhausted = errors.New("failover: every endpoint failed")

// Attempt is one try against a single endpoint.
type Attempt func(ctx context.Context, endpoint string) error

// Iterator walks endpoints in configuration order. Each endpoint has its
// own circuit breaker, so an endpoint that keeps failing is skipped
// without a dial until its breaker half-opens.
type Iterator struct {
	endpoints []string
	breakers  map[string]*resilience.CircuitBreaker
	retryable func(error) bool
	logger    *zap.Logger
}

type options struct {
	logger    *zap.Logger
	breaker   resilience.CircuitBreakerConfig
	retryable func(error) bool
}

// Option configures an Iterator.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBreakerConfig overrides the per-endpoint circuit breaker settings.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(o *options) { o.breaker = cfg }
}

// WithRetryable overrides which errors move on to the next endpoint.
// Any other error stops the walk and is returned as is.
func WithRetryable(fn func(error) bool) Option {
	return func(o *options) { o.retryable = fn }
}

// Retryable is the default classification: transport and session
// failures, endpoints without a leader and open circuits.
func Retryable(err error) bool {
	return coordination.IsTransient(err) ||
		errors.Is(err, coordination.ErrNoLeaderAvailable) ||
		errors.Is(err, resilience.ErrCircuitOpen)
}

// unhealthy decides what counts against an endpoint's breaker.
func unhealthy(err error) bool {
	return errors.Is(err, coordination.ErrConnection) ||
		errors.Is(err, coordination.ErrSessionExpired)
}

// New builds an Iterator over endpoints, in the given order.
func New(endpoints []string, opts ...Option) *Iterator {
	o := options{
		logger:    zap.NewNop(),
		breaker:   resilience.DefaultCircuitBreakerConfig(),
		retryable: Retryable,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.breaker.IsFailure == nil {
		o.breaker.IsFailure = unhealthy
	}
	if o.breaker.OnStateChange == nil {
		o.breaker.OnStateChange = func(name string, _, to resilience.CircuitState) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		}
	}

	it := &Iterator{
		endpoints: append([]string(nil), endpoints...),
		breakers:  make(map[string]*resilience.CircuitBreaker, len(endpoints)),
		retryable: o.retryable,
		logger:    o.logger.With(zap.String("component", "failover")),
	}
	for _, ep := range it.endpoints {
		it.breakers[ep] = resilience.NewCircuitBreaker(ep, o.breaker)
		metrics.BreakerState.WithLabelValues(ep).Set(float64(resilience.CircuitClosed))
	}
	return it
}

// Endpoints returns the configured endpoints in order.
func (it *Iterator) Endpoints() []string {
	return append([]string(nil), it.endpoints...)
}

// First runs fn against each endpoint in order and returns the first
// endpoint for which it succeeded. A non-retryable error stops the walk
// and is returned together with the endpoint that produced it.
func (it *Iterator) First(ctx context.Context, fn Attempt) (string, error) {
	var errs error
	for _, ep := range it.endpoints {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", coordination.ErrInterrupted, err)
		}

		endpoint := ep
		err := it.breakers[endpoint].Execute(ctx, func(ctx context.Context) error {
			return fn(ctx, endpoint)
		})
		if err == nil {
			return endpoint, nil
		}
		if ctx.Err() != nil || !it.retryable(err) {
			return endpoint, err
		}

		it.logger.Debug("endpoint attempt failed",
			zap.String("endpoint", endpoint),
			zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", endpoint, err))
	}
	return "", fmt.Errorf("%w: %w", ErrExhausted, errs)
}

// All runs fn against every endpoint, bypassing the breakers, and returns
// the per-endpoint outcome. A success closes that endpoint's breaker.
func (it *Iterator) All(ctx context.Context, fn Attempt) map[string]error {
	out := make(map[string]error, len(it.endpoints))
	for _, ep := range it.endpoints {
		if err := ctx.Err(); err != nil {
			out[ep] = fmt.Errorf("%w: %v", coordination.ErrInterrupted, err)
			continue
		}
		err := fn(ctx, ep)
		if err == nil && it.breakers[ep].State() != resilience.CircuitClosed {
			it.breakers[ep].Reset()
		}
		out[ep] = err
	}
	return out
}

// BreakerStates reports each endpoint's circuit state.
func (it *Iterator) BreakerStates() map[string]string {
	out := make(map[string]string, len(it.breakers))
	for ep, cb := range it.breakers {
		out[ep] = cb.State().String()
	}
	return out
}
