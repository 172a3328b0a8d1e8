package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrInvalidConfig indicates a Config that can never trip or carries an
	// out-of-range threshold.
	ErrInvalidConfig = errors.New("circuitbreaker: invalid config")
	// ErrNilLogger indicates a nil logger was provided to a constructor.
	ErrNilLogger = errors.New("circuitbreaker: logger cannot be nil")
	// ErrNilManager indicates a nil manager was provided to a constructor.
	ErrNilManager = errors.New("circuitbreaker: manager cannot be nil")
)

// Manager manages circuit breakers for downstream services.
type Manager interface {
	// GetOrCreate returns the existing circuit breaker for the service or
	// creates one from config. The config is validated on creation.
	GetOrCreate(serviceName string, config Config) (CircuitBreaker, error)

	// Execute runs fn through the service's circuit breaker.
	Execute(serviceName string, fn func() (any, error)) (any, error)

	// GetState returns the current breaker state, StateUnknown for
	// unregistered services.
	GetState(serviceName string) State

	// GetCounts returns the breaker's request statistics.
	GetCounts(serviceName string) Counts

	// IsHealthy reports whether the breaker is closed.
	IsHealthy(serviceName string) bool

	// Reset recreates the breaker in the closed state with its original config.
	Reset(serviceName string)

	// RegisterStateChangeListener subscribes to breaker state transitions.
	RegisterStateChangeListener(listener StateChangeListener)
}

// CircuitBreaker wraps a single sony/gobreaker instance.
type CircuitBreaker interface {
	Execute(fn func() (any, error)) (any, error)
	State() State
	Counts() Counts
}

// Config holds the trip thresholds and recovery windows for one breaker.
// A zero ConsecutiveFailures or MinRequests disables that trip condition;
// at least one must be enabled.
type Config struct {
	MaxRequests         uint32        // Requests allowed through in half-open state
	Interval            time.Duration // Closed-state window after which counts reset
	Timeout             time.Duration // Open-state duration before probing half-open
	ConsecutiveFailures uint32        // Consecutive failures that trip the breaker
	FailureRatio        float64       // Failure ratio that trips once MinRequests is reached
	MinRequests         uint32        // Samples required before the ratio applies
}

// Validate reports whether the config can ever trip and whether its
// thresholds are in range.
func (c Config) Validate() error {
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		return fmt.Errorf("%w: FailureRatio must be between 0 and 1, got %v", ErrInvalidConfig, c.FailureRatio)
	}

	if c.ConsecutiveFailures == 0 && c.MinRequests == 0 {
		return fmt.Errorf("%w: at least one trip condition must be set (ConsecutiveFailures or MinRequests)", ErrInvalidConfig)
	}

	return nil
}

// readyToTrip builds the gobreaker trip predicate. Disabled conditions
// (zero thresholds) never fire.
func (c Config) readyToTrip() func(gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		if c.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= c.ConsecutiveFailures {
			return true
		}

		if c.MinRequests > 0 && counts.Requests >= c.MinRequests {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)

			return ratio >= c.FailureRatio
		}

		return false
	}
}

// State represents a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts represents circuit breaker request statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeListener is notified when a circuit breaker changes state.
type StateChangeListener interface {
	OnStateChange(serviceName string, from State, to State)
}

// circuitBreaker adapts one gobreaker instance to the CircuitBreaker interface.
type circuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

func (cb *circuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return cb.breaker.Execute(fn)
}

func (cb *circuitBreaker) State() State {
	return convertGobreakerState(cb.breaker.State())
}

func (cb *circuitBreaker) Counts() Counts {
	counts := cb.breaker.Counts()

	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func convertGobreakerState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

// HealthChecker probes unhealthy services and resets their breakers on
// recovery.
type HealthChecker interface {
	// Register adds a service probe.
	Register(serviceName string, healthCheckFn HealthCheckFunc)

	// Start begins the periodic check loop in a background goroutine.
	Start()

	// Stop gracefully stops the loop.
	Stop()

	// GetHealthStatus returns the breaker state per registered service.
	GetHealthStatus() map[string]string

	// StateChangeListener lets the checker react immediately when a
	// breaker opens.
	StateChangeListener
}

// HealthCheckFunc probes one service; nil means healthy.
type HealthCheckFunc func(ctx context.Context) error
