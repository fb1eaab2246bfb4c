// Package resilience wraps calls to external dependencies in named
// failure-handling pipelines built from the per-dependency resilience table:
// bounded retry, circuit breaking, call timeouts and optional rate limiting.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/failsafe-go/failsafe-go/timeout"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/telemetry"
)

// Guard executes calls against one named dependency under a shared
// retry + circuit-breaker + timeout pipeline. All callers of the same
// dependency share the breaker state, so a database outage observed by
// one component sheds load for every component.
type Guard struct {
	name     string
	executor failsafe.Executor[any]
	breaker  circuitbreaker.CircuitBreaker[any]
	limiter  *rate.Limiter
	logger   core.ILogger

	rejectedCounter metric.Int64Counter
	retriesCounter  metric.Int64Counter
}

// NewGuard builds a guard for one dependency from its resilience table entry.
func NewGuard(name string, dc config.DependencyConfig, logger core.ILogger) *Guard {
	g := &Guard{
		name:   name,
		logger: logger.WithField("dependency", name),
	}

	meter := telemetry.GetMeter("resilience")
	g.rejectedCounter, _ = meter.Int64Counter("fx_platform_guard_rejected_total",
		metric.WithDescription("Calls rejected before reaching the dependency"))
	g.retriesCounter, _ = meter.Int64Counter("fx_platform_guard_retries_total",
		metric.WithDescription("Dependency call retries"))

	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return transient(err)
		}).
		WithBackoff(time.Duration(dc.RetryBackoffMs)*time.Millisecond, backoffCap(dc)).
		WithMaxRetries(dc.RetryMaxAttempts).
		Build()

	g.breaker = circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return transient(err)
		}).
		WithFailureThresholdRatio(uint(dc.BreakerFailures), uint(dc.BreakerCapacity)).
		WithDelay(time.Duration(dc.BreakerDelaySec) * time.Second).
		OnOpen(func(circuitbreaker.StateChangedEvent) {
			g.logger.Warn("Circuit opened, shedding calls", "delay_s", dc.BreakerDelaySec)
			telemetry.GetGlobalMetrics().SetCircuitOpen(name, true)
		}).
		OnClose(func(circuitbreaker.StateChangedEvent) {
			g.logger.Info("Circuit closed, calls restored")
			telemetry.GetGlobalMetrics().SetCircuitOpen(name, false)
		}).
		Build()

	callTimeout := timeout.New[any](time.Duration(dc.TimeoutMs) * time.Millisecond)

	// Retry outermost so attempts observe breaker rejections; timeout
	// innermost so it bounds each attempt rather than the whole pipeline.
	g.executor = failsafe.With[any](retryPolicy, g.breaker, callTimeout)

	if dc.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(dc.RatePerSecond), dc.RateBurst)
	}
	return g
}

// Name returns the dependency this guard protects.
func (g *Guard) Name() string { return g.name }

// Open reports whether the breaker is currently rejecting calls.
func (g *Guard) Open() bool { return g.breaker.State() == circuitbreaker.OpenState }

// Do runs fn under the pipeline, mapping pipeline failures onto the
// platform error codes so callers can classify them uniformly.
func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Call runs fn under guard g and returns its typed result.
func Call[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	out, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	return out.(T), nil
}

func (g *Guard) call(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if g.limiter != nil && !g.limiter.Allow() {
		g.reject(ctx, "rate_limited")
		return nil, apperrors.Newf(apperrors.CodeRateLimited, "dependency %s rate limit exceeded", g.name)
	}

	out, err := g.executor.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		if exec.Attempts() > 1 {
			g.logger.Debug("Retrying dependency call", "attempt", exec.Attempts())
			if g.retriesCounter != nil {
				g.retriesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("dependency", g.name)))
			}
		}
		return fn(ctx)
	})
	if err != nil {
		return nil, g.classify(ctx, err)
	}
	return out, nil
}

func (g *Guard) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		g.reject(ctx, "circuit_open")
		return apperrors.Wrap(apperrors.CodeCircuitOpen, err).With("dependency", g.name)
	case errors.Is(err, timeout.ErrExceeded):
		g.reject(ctx, "timeout")
		return apperrors.Wrap(apperrors.CodeDependencyTimeout, err).With("dependency", g.name)
	default:
		return err
	}
}

func (g *Guard) reject(ctx context.Context, reason string) {
	if g.rejectedCounter == nil {
		return
	}
	g.rejectedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", g.name),
		attribute.String("reason", reason),
	))
}

// transient reports whether an error should count as a dependency fault:
// coded retryable errors, pipeline timeouts, and uncoded errors (raw driver
// and network failures). Coded non-retryable errors are the caller's problem
// and neither retry nor trip the breaker.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, timeout.ErrExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if _, coded := apperrors.CodeOf(err); !coded {
		return true
	}
	return apperrors.IsRetryable(err)
}

func backoffCap(dc config.DependencyConfig) time.Duration {
	base := time.Duration(dc.RetryBackoffMs) * time.Millisecond
	if !dc.RetryExponential {
		return base
	}
	capped := base * 8
	if max := time.Duration(dc.TimeoutMs) * time.Millisecond; capped > max && max > 0 {
		capped = max
	}
	return capped
}

// Registry hands out one guard per named dependency, built lazily from
// the loaded configuration so every component shares pipeline state.
type Registry struct {
	mu     sync.Mutex
	cfg    *config.Config
	logger core.ILogger
	guards map[string]*Guard
}

func NewRegistry(cfg *config.Config, logger core.ILogger) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: logger,
		guards: make(map[string]*Guard),
	}
}

// Get returns the shared guard for a dependency, creating it on first use.
func (r *Registry) Get(name string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[name]; ok {
		return g
	}
	g := NewGuard(name, r.cfg.GetDependency(name), r.logger)
	r.guards[name] = g
	return g
}
