package clients

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"invoicing/pkg/logging"
)

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected without reaching the upstream.
var ErrCircuitOpen = circuitbreaker.ErrOpen

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this circuit breaker in logs
	Name string

	// MaxRequests is the number of successful half-open calls needed to close again. Default: 1
	MaxRequests uint32

	// Timeout is how long the circuit stays open before probing. Default: 15 seconds.
	Timeout time.Duration

	// FailureRatio trips the circuit once exceeded. Default: 0.5
	FailureRatio float64

	// MinRequests is the sample size before the ratio is evaluated. Default: 10
	MinRequests uint32

	// ShouldTrip decides which errors count as failures. Default: every error.
	ShouldTrip func(err error) bool

	Logger logging.Logger

	OnStateChange func(name string, from, to CircuitBreakerState)
}

// DefaultCircuitBreakerConfig returns the defaults used for payment processor calls.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:         "default",
		MaxRequests:  1,
		Timeout:      15 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  10,
	}
}

// CircuitBreaker wraps failsafe-go's circuit breaker with our config interface.
type CircuitBreaker struct {
	cb     circuitbreaker.CircuitBreaker[any]
	name   string
	logger logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "circuit-breaker"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.FailureRatio == 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 10
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}

	// e.g. 50% of 10 requests = 5 failures
	failureThreshold := uint(float64(cfg.MinRequests) * cfg.FailureRatio)
	if failureThreshold < 1 {
		failureThreshold = 1
	}

	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(failureThreshold, uint(cfg.MinRequests)).
		WithDelay(cfg.Timeout).
		WithSuccessThreshold(uint(cfg.MaxRequests))

	if cfg.ShouldTrip != nil {
		shouldTrip := cfg.ShouldTrip
		builder = builder.HandleIf(func(_ any, err error) bool {
			return err != nil && shouldTrip(err)
		})
	}

	if cfg.OnStateChange != nil || cfg.Logger != nil {
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			fromState := convertState(event.OldState)
			toState := convertState(event.NewState)

			if cfg.Logger != nil {
				cfg.Logger.WithFields(logging.Fields{
					"circuit_breaker": cfg.Name,
					"from_state":      fromState.String(),
					"to_state":        toState.String(),
				}).Warn("circuit breaker state change")
			}

			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, fromState, toState)
			}
		})
	}

	return &CircuitBreaker{
		cb:     builder.Build(),
		name:   cfg.Name,
		logger: cfg.Logger,
	}
}

func convertState(state circuitbreaker.State) CircuitBreakerState {
	switch state {
	case circuitbreaker.ClosedState:
		return StateClosed
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	default:
		return StateClosed
	}
}

// Call executes the given function through the circuit breaker.
func (cb *CircuitBreaker) Call(fn func() error) error {
	_, err := failsafe.With[any](cb.cb).Get(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return convertState(cb.cb.State())
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// ============================================================================
// Executor: bounded retry + optional circuit breaker for upstream API calls
// ============================================================================

// RetryConfig configures retries for idempotent upstream calls.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// ShouldRetry decides whether an error is transient. Context cancellation is never retried.
	ShouldRetry func(err error) bool
}

// DefaultRetryConfig returns the retry budget used for processor reads and idempotent creates.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  2,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		ShouldRetry: func(err error) bool { return err != nil },
	}
}

func normalizeRetryConfig(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = func(err error) bool { return err != nil }
	}
	return cfg
}

// NewRetryPolicy builds a jittered exponential-backoff policy. Once retries are exhausted the last
// error is returned as-is so callers can still classify it.
func NewRetryPolicy(cfg RetryConfig) retrypolicy.RetryPolicy[any] {
	cfg = normalizeRetryConfig(cfg)
	return retrypolicy.NewBuilder[any]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ any, err error) bool {
			if err == nil {
				return false
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			return cfg.ShouldRetry(err)
		}).
		ReturnLastFailure().
		Build()
}

// Executor runs upstream calls through a retry policy and, when configured, a circuit breaker.
type Executor struct {
	retry   retrypolicy.RetryPolicy[any]
	breaker *CircuitBreaker
}

// NewExecutor creates an executor. breaker may be nil.
func NewExecutor(cfg RetryConfig, breaker *CircuitBreaker) *Executor {
	return &Executor{
		retry:   NewRetryPolicy(cfg),
		breaker: breaker,
	}
}

// Run executes fn with retries. Calls that are not safe to repeat should use Once instead.
func (e *Executor) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	call := func() (any, error) { return nil, fn(ctx) }
	var err error
	if e.breaker != nil {
		_, err = failsafe.With[any](e.retry, e.breaker.cb).WithContext(ctx).Get(call)
	} else {
		_, err = failsafe.With[any](e.retry).WithContext(ctx).Get(call)
	}
	return err
}

// Once executes fn a single time, still subject to the circuit breaker.
func (e *Executor) Once(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.breaker == nil {
		return fn(ctx)
	}
	_, err := failsafe.With[any](e.breaker.cb).WithContext(ctx).Get(func() (any, error) {
		return nil, fn(ctx)
	})
	return err
}
