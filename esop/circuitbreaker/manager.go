package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"

	cn "github.com/LerianStudio/lib-esop/esop/constants"
	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/LerianStudio/lib-esop/esop/opentelemetry/metrics"
	"github.com/LerianStudio/lib-esop/esop/runtime"
)

// Execution result labels for the executions counter.
const (
	resultSuccess          = "success"
	resultError            = "error"
	resultRejectedOpen     = "rejected_open"
	resultRejectedHalfOpen = "rejected_half_open"
)

var (
	stateTransitionMetric = metrics.Metric{
		Name:        "circuit_breaker_state_transitions_total",
		Unit:        "1",
		Description: "Counts circuit breaker state transitions by service, from_state, and to_state.",
	}

	executionMetric = metrics.Metric{
		Name:        "circuit_breaker_executions_total",
		Unit:        "1",
		Description: "Counts circuit breaker executions by service and result.",
	}
)

type manager struct {
	breakers       map[string]*gobreaker.CircuitBreaker
	configs        map[string]Config // kept so Reset can recreate with the same settings
	listeners      []StateChangeListener
	mu             sync.RWMutex
	logger         log.Logger
	metricsFactory *metrics.MetricsFactory
}

// ManagerOption configures optional Manager collaborators.
type ManagerOption func(*manager)

// WithMetricsFactory enables breaker metrics. Nil disables them.
func WithMetricsFactory(factory *metrics.MetricsFactory) ManagerOption {
	return func(m *manager) {
		m.metricsFactory = factory
	}
}

// NewManager creates a circuit breaker manager.
func NewManager(logger log.Logger, opts ...ManagerOption) (Manager, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}

	m := &manager{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		configs:   make(map[string]Config),
		listeners: make([]StateChangeListener, 0),
		logger:    logger,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

func (m *manager) GetOrCreate(serviceName string, config Config) (CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("service %s: %w", serviceName, err)
	}

	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if exists {
		return &circuitBreaker{breaker: breaker}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the write lock.
	if breaker, exists = m.breakers[serviceName]; exists {
		return &circuitBreaker{breaker: breaker}, nil
	}

	breaker = m.newBreaker(serviceName, config)
	m.breakers[serviceName] = breaker
	m.configs[serviceName] = config

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker created",
		log.String("service", serviceName),
	)

	return &circuitBreaker{breaker: breaker}, nil
}

// newBreaker builds a gobreaker instance wired to this manager's state
// change handling. Callers hold whatever locking they need.
func (m *manager) newBreaker(serviceName string, config Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "service-" + serviceName,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: config.readyToTrip(),
		OnStateChange: func(_ string, from, to gobreaker.State) {
			m.handleStateChange(serviceName, from, to)
		},
	})
}

func (m *manager) Execute(serviceName string, fn func() (any, error)) (any, error) {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("circuit breaker not found for service: %s (call GetOrCreate first)", serviceName)
	}

	result, err := breaker.Execute(fn)
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			m.recordExecution(serviceName, resultRejectedOpen)
			m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker rejected request",
				log.String("service", serviceName),
				log.String("state", string(StateOpen)),
			)

			return nil, fmt.Errorf("service %s is currently unavailable (circuit breaker open): %w", serviceName, err)
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			m.recordExecution(serviceName, resultRejectedHalfOpen)
			m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker rejected request",
				log.String("service", serviceName),
				log.String("state", string(StateHalfOpen)),
			)

			return nil, fmt.Errorf("service %s is recovering (too many requests): %w", serviceName, err)
		default:
			m.recordExecution(serviceName, resultError)

			return result, err
		}
	}

	m.recordExecution(serviceName, resultSuccess)

	return result, nil
}

func (m *manager) GetState(serviceName string) State {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return StateUnknown
	}

	return convertGobreakerState(breaker.State())
}

func (m *manager) GetCounts(serviceName string) Counts {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return Counts{}
	}

	counts := breaker.Counts()

	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func (m *manager) IsHealthy(serviceName string) bool {
	// Only the closed state counts as healthy: open and half-open both need
	// health checker intervention.
	return m.GetState(serviceName) == StateClosed
}

func (m *manager) Reset(serviceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[serviceName]; !exists {
		return
	}

	config, ok := m.configs[serviceName]
	if !ok {
		m.logger.Log(context.Background(), log.LevelWarn, "no stored config for breaker, removing",
			log.String("service", serviceName),
		)
		delete(m.breakers, serviceName)

		return
	}

	m.breakers[serviceName] = m.newBreaker(serviceName, config)

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset",
		log.String("service", serviceName),
	)
}

func (m *manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		m.logger.Log(context.Background(), log.LevelWarn, "ignoring nil state change listener")

		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

// handleStateChange logs and records the transition, then notifies listeners
// on panic-safe goroutines so a misbehaving listener cannot block or kill
// breaker operations.
func (m *manager) handleStateChange(serviceName string, from, to gobreaker.State) {
	ctx := context.Background()
	fromState := convertGobreakerState(from)
	toState := convertGobreakerState(to)

	level := log.LevelInfo
	if toState == StateOpen {
		level = log.LevelError
	}

	m.logger.Log(ctx, level, "circuit breaker state changed",
		log.String("service", serviceName),
		log.String("from", string(fromState)),
		log.String("to", string(toState)),
	)

	m.recordStateTransition(serviceName, fromState, toState)

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		l := listener

		runtime.SafeGo(m.logger, "circuitbreaker-listener", runtime.KeepRunning, func() {
			l.OnStateChange(serviceName, fromState, toState)
		})
	}
}

// recordStateTransition emits the state transition counter. A nil factory
// is a no-op.
func (m *manager) recordStateTransition(serviceName string, from, to State) {
	if m.metricsFactory == nil {
		return
	}

	ctx := context.Background()

	counter, err := m.metricsFactory.Counter(stateTransitionMetric)
	if err != nil {
		m.logger.Log(ctx, log.LevelWarn, "create state transition metric", log.Err(err))

		return
	}

	err = counter.WithLabels(map[string]string{
		"service":    cn.SanitizeMetricLabel(serviceName),
		"from_state": string(from),
		"to_state":   string(to),
	}).AddOne(ctx)
	if err != nil {
		m.logger.Log(ctx, log.LevelWarn, "record state transition metric", log.Err(err))
	}
}

// recordExecution emits the executions counter. A nil factory is a no-op.
func (m *manager) recordExecution(serviceName, result string) {
	if m.metricsFactory == nil {
		return
	}

	ctx := context.Background()

	counter, err := m.metricsFactory.Counter(executionMetric)
	if err != nil {
		m.logger.Log(ctx, log.LevelWarn, "create execution metric", log.Err(err))

		return
	}

	err = counter.WithLabels(map[string]string{
		"service": cn.SanitizeMetricLabel(serviceName),
		"result":  result,
	}).AddOne(ctx)
	if err != nil {
		m.logger.Log(ctx, log.LevelWarn, "record execution metric", log.Err(err))
	}
}
