package circuitbreaker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/LerianStudio/lib-esop/esop/runtime"
)

var (
	// ErrInvalidHealthCheckInterval indicates a non-positive check interval.
	ErrInvalidHealthCheckInterval = errors.New("circuitbreaker: health check interval must be positive")
	// ErrInvalidHealthCheckTimeout indicates a non-positive per-check timeout.
	ErrInvalidHealthCheckTimeout = errors.New("circuitbreaker: health check timeout must be positive")
)

// immediateCheckBuffer bounds queued immediate checks; overflow falls back to
// the next interval tick.
const immediateCheckBuffer = 10

type healthChecker struct {
	manager        Manager
	services       map[string]HealthCheckFunc
	interval       time.Duration
	checkTimeout   time.Duration
	logger         log.Logger
	stopChan       chan struct{}
	immediateCheck chan string
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

// NewHealthChecker creates a health checker that probes services whose
// breaker is not closed every interval, bounding each probe by checkTimeout,
// and resets the breaker once the probe succeeds.
func NewHealthChecker(manager Manager, interval, checkTimeout time.Duration, logger log.Logger) (HealthChecker, error) {
	if manager == nil {
		return nil, ErrNilManager
	}

	if logger == nil {
		return nil, ErrNilLogger
	}

	if interval <= 0 {
		return nil, ErrInvalidHealthCheckInterval
	}

	if checkTimeout <= 0 {
		return nil, ErrInvalidHealthCheckTimeout
	}

	return &healthChecker{
		manager:        manager,
		services:       make(map[string]HealthCheckFunc),
		interval:       interval,
		checkTimeout:   checkTimeout,
		logger:         logger,
		stopChan:       make(chan struct{}),
		immediateCheck: make(chan string, immediateCheckBuffer),
	}, nil
}

func (hc *healthChecker) Register(serviceName string, healthCheckFn HealthCheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.services[serviceName] = healthCheckFn

	hc.logger.Log(context.Background(), log.LevelInfo, "health check registered",
		log.String("service", serviceName),
	)
}

func (hc *healthChecker) Start() {
	hc.wg.Add(1)

	runtime.SafeGo(hc.logger, "circuitbreaker-healthcheck", runtime.KeepRunning, func() {
		defer hc.wg.Done()

		hc.loop()
	})

	hc.logger.Log(context.Background(), log.LevelInfo, "health checker started",
		log.String("interval", hc.interval.String()),
	)
}

func (hc *healthChecker) Stop() {
	close(hc.stopChan)
	hc.wg.Wait()

	hc.logger.Log(context.Background(), log.LevelInfo, "health checker stopped")
}

func (hc *healthChecker) loop() {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.checkAll()
		case serviceName := <-hc.immediateCheck:
			hc.checkService(serviceName)
		case <-hc.stopChan:
			return
		}
	}
}

// checkAll probes every registered service whose breaker is not closed.
func (hc *healthChecker) checkAll() {
	hc.mu.RLock()
	services := make(map[string]HealthCheckFunc, len(hc.services))
	maps.Copy(services, hc.services)
	hc.mu.RUnlock()

	for serviceName, healthCheckFn := range services {
		if hc.manager.IsHealthy(serviceName) {
			continue
		}

		hc.probe(serviceName, healthCheckFn)
	}
}

// checkService probes a single service if it is registered and unhealthy.
func (hc *healthChecker) checkService(serviceName string) {
	hc.mu.RLock()
	healthCheckFn, exists := hc.services[serviceName]
	hc.mu.RUnlock()

	if !exists {
		hc.logger.Log(context.Background(), log.LevelWarn, "no health check registered",
			log.String("service", serviceName),
		)

		return
	}

	if hc.manager.IsHealthy(serviceName) {
		return
	}

	hc.probe(serviceName, healthCheckFn)
}

// probe runs one bounded health check and resets the breaker on success.
func (hc *healthChecker) probe(serviceName string, healthCheckFn HealthCheckFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), hc.checkTimeout)
	err := healthCheckFn(ctx)

	cancel()

	if err != nil {
		hc.logger.Log(context.Background(), log.LevelWarn, "service still unhealthy",
			log.String("service", serviceName),
			log.String("retry_in", hc.interval.String()),
			log.Err(err),
		)

		return
	}

	hc.logger.Log(context.Background(), log.LevelInfo, "service recovered, resetting breaker",
		log.String("service", serviceName),
	)

	hc.manager.Reset(serviceName)
}

func (hc *healthChecker) GetHealthStatus() map[string]string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := make(map[string]string, len(hc.services))

	for serviceName := range hc.services {
		status[serviceName] = string(hc.manager.GetState(serviceName))
	}

	return status
}

// OnStateChange schedules an immediate probe when a breaker opens. The send
// never blocks; a full queue defers the probe to the next tick.
func (hc *healthChecker) OnStateChange(serviceName string, _, to State) {
	if to != StateOpen {
		return
	}

	select {
	case hc.immediateCheck <- serviceName:
	default:
		hc.logger.Log(context.Background(), log.LevelWarn, "immediate check queue full",
			log.String("service", serviceName),
		)
	}
}
