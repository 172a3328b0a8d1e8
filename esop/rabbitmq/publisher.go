package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-esop/esop/backoff"
	"github.com/LerianStudio/lib-esop/esop/internal/nilcheck"
	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/LerianStudio/lib-esop/esop/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrPublisherRequired is returned when a publisher receiver is nil.
	ErrPublisherRequired = errors.New("rabbitmq publisher is required")

	// ErrChannelRequired is returned when no confirmable channel is supplied.
	ErrChannelRequired = errors.New("rabbitmq channel is required")

	// ErrPublisherNotReady signals the publisher has no usable channel.
	ErrPublisherNotReady = errors.New("rabbitmq publisher is not ready")

	// ErrConfirmModeUnavailable signals the channel refused confirm mode.
	ErrConfirmModeUnavailable = errors.New("rabbitmq confirm mode unavailable")

	// ErrPublishNacked signals the broker refused the message.
	ErrPublishNacked = errors.New("message was nacked by broker")

	// ErrConfirmTimeout signals no confirmation arrived within the window.
	ErrConfirmTimeout = errors.New("timed out waiting for publish confirmation")

	// ErrPublisherClosed signals use of a closed publisher.
	ErrPublisherClosed = errors.New("rabbitmq publisher is closed")

	// ErrReconnectAfterClose rejects Reconnect on a shut down publisher.
	ErrReconnectAfterClose = errors.New("cannot reconnect a publisher after Close")

	// ErrReconnectWhileOpen rejects Reconnect while the channel is still live.
	ErrReconnectWhileOpen = errors.New("cannot reconnect while the publisher is open")

	// ErrRecoveryExhausted signals auto-recovery ran out of attempts.
	ErrRecoveryExhausted = errors.New("publisher auto-recovery exhausted")
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer sizes the confirmation listener so the amqp
	// library never blocks delivering confirmations.
	confirmChannelBuffer = 256

	// DefaultMaxRecoveryAttempts bounds auto-recovery retries.
	DefaultMaxRecoveryAttempts = 10

	// DefaultRecoveryBackoffInitial and DefaultRecoveryBackoffMax bound the
	// delay between auto-recovery attempts.
	DefaultRecoveryBackoffInitial = 1 * time.Second
	DefaultRecoveryBackoffMax     = 30 * time.Second
)

// HealthState describes publisher connectivity for health callbacks.
type HealthState int

const (
	// HealthStateConnected means the publisher holds a live channel.
	HealthStateConnected HealthState = iota

	// HealthStateReconnecting means auto-recovery is in progress.
	HealthStateReconnecting

	// HealthStateDisconnected means the publisher has no channel and no
	// recovery is running.
	HealthStateDisconnected
)

// String returns the lowercase name of the health state.
func (s HealthState) String() string {
	switch s {
	case HealthStateConnected:
		return "connected"
	case HealthStateReconnecting:
		return "reconnecting"
	case HealthStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ChannelProvider supplies a fresh confirm-capable channel during recovery.
type ChannelProvider func() (ConfirmableChannel, error)

// HealthCallback receives publisher health transitions. It runs on publisher
// goroutines and must not block.
type HealthCallback func(HealthState)

// ConfirmableChannel is the subset of *amqp.Channel the publisher needs. It
// exists so tests can supply fakes.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// recoveryConfig groups the auto-recovery knobs so they default together.
type recoveryConfig struct {
	provider       ChannelProvider
	healthCallback HealthCallback
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// recoveryAttemptResult reports how a single recovery attempt ended.
type recoveryAttemptResult int

const (
	recoveryRetry recoveryAttemptResult = iota
	recoverySuccess
	recoveryAborted
)

// ConfirmablePublisher publishes in confirm mode and waits for the broker to
// ack each message before returning. Publishes are serialized: confirmations
// arrive in publish order on a channel, so keeping a single message in flight
// makes the pairing unambiguous.
//
// With WithAutoRecovery the publisher watches for broker-initiated channel
// closes and replaces the channel on its own, reporting progress through the
// optional health callback.
type ConfirmablePublisher struct {
	mu        sync.RWMutex
	publishMu sync.Mutex

	ch        ConfirmableChannel
	confirms  chan amqp.Confirmation
	closedCh  chan struct{}
	closeOnce *sync.Once
	done      chan struct{}

	logger         log.Logger
	confirmTimeout time.Duration

	// invalidConfirmTimeout records a rejected WithConfirmTimeout value so
	// the warning can be logged once the final logger is known.
	invalidConfirmTimeout struct {
		set   bool
		value time.Duration
	}

	recovery *recoveryConfig

	health            HealthState
	closed            bool
	shutdown          bool
	recoveryExhausted bool
}

// ConfirmablePublisherOption customizes publisher construction.
type ConfirmablePublisherOption func(*ConfirmablePublisher)

// WithLogger sets the logger used for publisher lifecycle events.
func WithLogger(logger log.Logger) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if nilcheck.Interface(logger) {
			return
		}

		pub.logger = logger
	}
}

// WithConfirmTimeout overrides how long a publish waits for its confirmation.
// Non-positive values are ignored and logged once construction completes.
func WithConfirmTimeout(timeout time.Duration) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if timeout <= 0 {
			pub.invalidConfirmTimeout.set = true
			pub.invalidConfirmTimeout.value = timeout

			return
		}

		pub.confirmTimeout = timeout
	}
}

// WithAutoRecovery enables automatic channel replacement after broker-side
// closes. provider is called for each attempt; a nil provider is ignored.
func WithAutoRecovery(provider ChannelProvider) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if provider == nil {
			return
		}

		pub.ensureRecoveryConfig()
		pub.recovery.provider = provider
	}
}

// WithMaxRecoveryAttempts overrides how many times auto-recovery tries before
// giving up. Non-positive values are ignored.
func WithMaxRecoveryAttempts(attempts int) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if attempts <= 0 {
			return
		}

		pub.ensureRecoveryConfig()
		pub.recovery.maxAttempts = attempts
	}
}

// WithRecoveryBackoff sets the delay window between recovery attempts.
// Invalid combinations are ignored.
func WithRecoveryBackoff(initial, maximum time.Duration) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if initial <= 0 || maximum <= 0 || initial > maximum {
			logIfConfigured(pub.logger, log.LevelWarn, "ignoring invalid rabbitmq recovery backoff",
				log.String("initial", initial.String()),
				log.String("maximum", maximum.String()),
			)

			return
		}

		pub.ensureRecoveryConfig()
		pub.recovery.backoffInitial = initial
		pub.recovery.backoffMax = maximum
	}
}

// WithHealthCallback registers a callback for publisher health transitions.
func WithHealthCallback(callback HealthCallback) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if callback == nil {
			return
		}

		pub.ensureRecoveryConfig()
		pub.recovery.healthCallback = callback
	}
}

// NewConfirmablePublisher builds a confirm-mode publisher from the hub's
// current channel.
func NewConfirmablePublisher(conn *Connection, opts ...ConfirmablePublisherOption) (*ConfirmablePublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("create confirmable publisher: %w", ErrNilConnection)
	}

	channel := conn.ChannelSnapshot()
	if channel == nil {
		return nil, fmt.Errorf("create confirmable publisher: %w", ErrChannelRequired)
	}

	return NewConfirmablePublisherFromChannel(channel, opts...)
}

// NewConfirmablePublisherFromChannel builds a confirm-mode publisher on top
// of an already opened channel.
func NewConfirmablePublisherFromChannel(channel ConfirmableChannel, opts ...ConfirmablePublisherOption) (*ConfirmablePublisher, error) {
	if nilcheck.Interface(channel) {
		return nil, fmt.Errorf("create confirmable publisher: %w", ErrChannelRequired)
	}

	if err := channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := channel.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	closeNotify := channel.NotifyClose(make(chan *amqp.Error, 1))

	pub := &ConfirmablePublisher{
		ch:             channel,
		confirms:       confirms,
		closedCh:       make(chan struct{}),
		closeOnce:      &sync.Once{},
		done:           make(chan struct{}),
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
		health:         HealthStateConnected,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	pub.logDeferredOptionWarnings()
	pub.startCloseMonitor(closeNotify)

	return pub, nil
}

// startCloseMonitor watches for broker-initiated channel closes so state
// flips and recovery starts without waiting for the next publish to fail.
func (pub *ConfirmablePublisher) startCloseMonitor(closeNotify chan *amqp.Error) {
	done := pub.recoveryDone()

	runtime.SafeGo(pub.logger, "rabbitmq-publisher-close-monitor", runtime.KeepRunning, func() {
		select {
		case amqpErr := <-closeNotify:
			pub.handleMonitoredClose(amqpErr)
		case <-done:
		}
	})
}

func (pub *ConfirmablePublisher) handleMonitoredClose(amqpErr *amqp.Error) {
	pub.mu.Lock()

	if pub.shutdown {
		pub.mu.Unlock()

		return
	}

	pub.ensureCloseSignalsLocked()
	pub.closed = true
	closeOnce := pub.closeOnce
	closedCh := pub.closedCh
	hasRecovery := pub.recovery != nil && pub.recovery.provider != nil
	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	if hasRecovery {
		pub.attemptAutoRecovery(amqpErr)

		return
	}

	pub.logger.Log(context.Background(), log.LevelWarn, "rabbitmq publisher channel closed",
		log.String("reason", closeReason(amqpErr)))
	pub.emitHealthState(HealthStateDisconnected)
}

func (pub *ConfirmablePublisher) attemptAutoRecovery(amqpErr *amqp.Error) {
	pub.mu.RLock()
	recovery := pub.recovery
	pub.mu.RUnlock()

	pub.emitHealthState(HealthStateReconnecting)

	pub.logger.Log(context.Background(), log.LevelWarn, "rabbitmq publisher channel closed, starting auto-recovery",
		log.String("reason", closeReason(amqpErr)),
		log.Int("max_attempts", recovery.maxAttempts),
	)

	if !pub.prepareForRecovery() {
		pub.logger.Log(context.Background(), log.LevelInfo, "rabbitmq publisher recovery aborted, publisher is shutting down")
		pub.emitHealthState(HealthStateDisconnected)

		return
	}

	for attempt := range recovery.maxAttempts {
		switch pub.executeRecoveryAttempt(recovery, attempt) {
		case recoverySuccess:
			return
		case recoveryAborted:
			pub.emitHealthState(HealthStateDisconnected)

			return
		case recoveryRetry:
		}
	}

	pub.logger.Log(context.Background(), log.LevelError, "rabbitmq publisher auto-recovery exhausted, publisher is disconnected",
		log.Int("attempts", recovery.maxAttempts))

	pub.mu.Lock()
	pub.recoveryExhausted = true
	pub.mu.Unlock()

	pub.emitHealthState(HealthStateDisconnected)
}

func (pub *ConfirmablePublisher) executeRecoveryAttempt(recovery *recoveryConfig, attempt int) recoveryAttemptResult {
	select {
	case <-pub.recoveryDone():
		return recoveryAborted
	default:
	}

	if attempt > 0 && !pub.waitRecoveryBackoff(recovery, attempt) {
		return recoveryAborted
	}

	return pub.tryReconnectChannel(recovery, attempt)
}

func (pub *ConfirmablePublisher) waitRecoveryBackoff(recovery *recoveryConfig, attempt int) bool {
	delay := backoff.ExponentialWithJitter(recovery.backoffInitial, attempt)
	if delay > recovery.backoffMax {
		delay = backoff.FullJitter(recovery.backoffMax)
	}

	pub.logger.Log(context.Background(), log.LevelInfo, "rabbitmq publisher recovery backoff",
		log.Int("attempt", attempt+1),
		log.Int("max_attempts", recovery.maxAttempts),
		log.String("delay", delay.String()),
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-pub.recoveryDone():
		return false
	}
}

func (pub *ConfirmablePublisher) tryReconnectChannel(recovery *recoveryConfig, attempt int) recoveryAttemptResult {
	newCh, err := recovery.provider()
	if err == nil && nilcheck.Interface(newCh) {
		err = ErrChannelRequired
	}

	if err != nil {
		pub.logger.Log(context.Background(), log.LevelWarn, "rabbitmq publisher recovery attempt failed",
			log.Int("attempt", attempt+1),
			log.Int("max_attempts", recovery.maxAttempts),
			log.Err(err),
		)

		return recoveryRetry
	}

	if err := pub.Reconnect(newCh); err != nil {
		if closeErr := newCh.Close(); closeErr != nil {
			pub.logger.Log(context.Background(), log.LevelWarn, "failed to close unused recovery channel", log.Err(closeErr))
		}

		if errors.Is(err, ErrReconnectAfterClose) {
			return recoveryAborted
		}

		pub.logger.Log(context.Background(), log.LevelWarn, "rabbitmq publisher reconnect failed",
			log.Int("attempt", attempt+1),
			log.Int("max_attempts", recovery.maxAttempts),
			log.Err(err),
		)

		return recoveryRetry
	}

	pub.logger.Log(context.Background(), log.LevelInfo, "rabbitmq publisher auto-recovery succeeded",
		log.Int("attempt", attempt+1),
		log.Int("max_attempts", recovery.maxAttempts),
	)
	pub.emitHealthState(HealthStateConnected)

	return recoverySuccess
}

// prepareForRecovery tears down the failed channel state while keeping the
// publisher alive for Reconnect. Returns false when Close won the race.
func (pub *ConfirmablePublisher) prepareForRecovery() bool {
	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()

	if pub.shutdown {
		pub.mu.Unlock()

		return false
	}

	oldCh := pub.ch
	oldConfirms := pub.confirms
	confirmTimeout := pub.confirmTimeout

	pub.ch = nil
	pub.closed = true
	pub.recoveryExhausted = false

	pub.ensureCloseSignalsLocked()
	closeOnce := pub.closeOnce
	closedCh := pub.closedCh
	safeCloseSignal(pub.done)

	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	if !nilcheck.Interface(oldCh) {
		if err := oldCh.Close(); err != nil {
			pub.logger.Log(context.Background(), log.LevelWarn, "failed to close rabbitmq publisher channel before recovery", log.Err(err))
		}
	}

	drainConfirms(oldConfirms, confirmTimeout)

	pub.mu.Lock()
	pub.done = make(chan struct{})
	pub.mu.Unlock()

	return true
}

// Publish sends msg and waits for the broker confirmation.
func (pub *ConfirmablePublisher) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return pub.PublishAndWaitConfirm(ctx, exchange, key, mandatory, immediate, msg)
}

// PublishAndWaitConfirm publishes one message and blocks until the broker
// acks or nacks it, the confirm timeout elapses, or ctx is cancelled.
func (pub *ConfirmablePublisher) PublishAndWaitConfirm(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()
	ch := pub.ch
	confirms := pub.confirms
	closedCh := pub.closedCh
	confirmTimeout := pub.confirmTimeout
	closed := pub.closed
	exhausted := pub.recoveryExhausted
	pub.mu.RUnlock()

	if closed {
		if exhausted {
			return fmt.Errorf("%w: %w", ErrPublisherClosed, ErrRecoveryExhausted)
		}

		return ErrPublisherClosed
	}

	if nilcheck.Interface(ch) {
		return ErrPublisherNotReady
	}

	if err := ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := pub.waitForConfirm(ctx, confirms, closedCh, confirmTimeout)
	if err != nil && isConfirmStreamCorrupted(err) {
		// The abandoned confirmation may still arrive and would be paired
		// with the wrong publish, so the channel cannot be trusted anymore.
		pub.invalidateChannel()
	}

	return err
}

func (pub *ConfirmablePublisher) waitForConfirm(ctx context.Context, confirms chan amqp.Confirmation, closedCh chan struct{}, timeout time.Duration) error {
	if confirms == nil {
		return ErrPublisherNotReady
	}

	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirmation, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmation.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmation.DeliveryTag)
		}

		return nil
	case <-closedCh:
		return ErrPublisherClosed
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// isConfirmStreamCorrupted reports whether err means a confirmation was
// abandoned mid-wait, leaving the stream unpaired with future publishes.
func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// invalidateChannel drops the current channel. The next publish fails fast
// with ErrPublisherNotReady instead of pairing against a stale confirmation,
// and closing the channel lets auto-recovery replace it.
func (pub *ConfirmablePublisher) invalidateChannel() {
	pub.mu.Lock()
	ch := pub.ch
	pub.ch = nil
	pub.mu.Unlock()

	if nilcheck.Interface(ch) {
		return
	}

	if err := ch.Close(); err != nil {
		pub.logger.Log(context.Background(), log.LevelWarn, "failed to close corrupted rabbitmq channel", log.Err(err))
	}
}

// Close shuts the publisher down and releases the channel. Safe to call more
// than once.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return nil
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()

	if pub.shutdown {
		pub.mu.Unlock()

		return nil
	}

	pub.shutdown = true
	pub.closed = true
	pub.recoveryExhausted = false

	ch := pub.ch
	confirms := pub.confirms
	confirmTimeout := pub.confirmTimeout
	pub.ch = nil

	pub.ensureCloseSignalsLocked()
	closeOnce := pub.closeOnce
	closedCh := pub.closedCh
	safeCloseSignal(pub.done)

	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	var closeErr error

	if !nilcheck.Interface(ch) {
		if err := ch.Close(); err != nil {
			closeErr = fmt.Errorf("closing publisher channel: %w", err)
		}
	}

	drainConfirms(confirms, confirmTimeout)

	pub.emitHealthState(HealthStateDisconnected)

	return closeErr
}

// Reconnect swaps in a fresh confirm-capable channel after the previous one
// was closed. The publisher must be closed but not shut down.
func (pub *ConfirmablePublisher) Reconnect(channel ConfirmableChannel) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if nilcheck.Interface(channel) {
		return ErrChannelRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()

	if pub.shutdown {
		pub.mu.Unlock()

		return ErrReconnectAfterClose
	}

	if !pub.closed {
		pub.mu.Unlock()

		return ErrReconnectWhileOpen
	}

	pub.mu.Unlock()

	// Confirm is a broker round trip, so it runs outside the mutex.
	if err := channel.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := channel.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	closeNotify := channel.NotifyClose(make(chan *amqp.Error, 1))

	pub.mu.Lock()

	if pub.shutdown {
		pub.mu.Unlock()

		return ErrReconnectAfterClose
	}

	pub.ch = channel
	pub.confirms = confirms
	pub.closedCh = make(chan struct{})
	pub.closeOnce = &sync.Once{}

	if pub.done == nil {
		pub.done = make(chan struct{})
	}

	pub.closed = false
	pub.recoveryExhausted = false
	pub.mu.Unlock()

	pub.startCloseMonitor(closeNotify)

	return nil
}

// Channel returns the underlying channel, or nil when not ready.
func (pub *ConfirmablePublisher) Channel() ConfirmableChannel {
	if pub == nil {
		return nil
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.ch
}

// ChannelOrError returns the underlying channel or a readiness error.
func (pub *ConfirmablePublisher) ChannelOrError() (ConfirmableChannel, error) {
	if pub == nil {
		return nil, ErrPublisherRequired
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	if pub.closed {
		return nil, ErrPublisherClosed
	}

	if nilcheck.Interface(pub.ch) {
		return nil, ErrPublisherNotReady
	}

	return pub.ch, nil
}

// HealthState reports the current connectivity state.
func (pub *ConfirmablePublisher) HealthState() HealthState {
	if pub == nil {
		return HealthStateDisconnected
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.health
}

// emitHealthState records the transition and invokes the callback outside
// the publisher mutex.
func (pub *ConfirmablePublisher) emitHealthState(state HealthState) {
	pub.mu.Lock()
	pub.health = state

	var callback HealthCallback
	if pub.recovery != nil {
		callback = pub.recovery.healthCallback
	}
	pub.mu.Unlock()

	if callback != nil {
		callback(state)
	}
}

func (pub *ConfirmablePublisher) ensureRecoveryConfig() {
	if pub.recovery == nil {
		pub.recovery = &recoveryConfig{
			maxAttempts:    DefaultMaxRecoveryAttempts,
			backoffInitial: DefaultRecoveryBackoffInitial,
			backoffMax:     DefaultRecoveryBackoffMax,
		}
	}
}

func (pub *ConfirmablePublisher) logDeferredOptionWarnings() {
	if !pub.invalidConfirmTimeout.set {
		return
	}

	pub.logger.Log(context.Background(), log.LevelWarn, "ignoring invalid rabbitmq confirm timeout, using default",
		log.String("timeout", pub.invalidConfirmTimeout.value.String()),
		log.String("default", DefaultConfirmTimeout.String()),
	)
	pub.invalidConfirmTimeout.set = false
}

// ensureCloseSignalsLocked guarantees closedCh and closeOnce exist. Callers
// must hold mu.
func (pub *ConfirmablePublisher) ensureCloseSignalsLocked() {
	if pub.closedCh == nil {
		pub.closedCh = make(chan struct{})
	}

	if pub.closeOnce == nil {
		pub.closeOnce = &sync.Once{}
	}
}

// recoveryDone returns the stop signal observed by the close monitor and the
// recovery loop. It is replaced when recovery begins and closed on shutdown.
func (pub *ConfirmablePublisher) recoveryDone() chan struct{} {
	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.done
}

// safeCloseSignal closes ch unless it is already closed. Callers must hold
// the publisher mutex.
func safeCloseSignal(ch chan struct{}) {
	if ch == nil {
		return
	}

	select {
	case <-ch:
	default:
		close(ch)
	}
}

// drainConfirms consumes leftover confirmations from an abandoned channel so
// the amqp library is not blocked delivering them. The grace timer bounds the
// drain; a closed stream ends it early.
func drainConfirms(confirms chan amqp.Confirmation, grace time.Duration) {
	if confirms == nil {
		return
	}

	if grace <= 0 {
		grace = DefaultConfirmTimeout
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	for {
		select {
		case _, ok := <-confirms:
			if !ok {
				return
			}
		case <-timer.C:
			return
		}
	}
}

// closeReason renders an AMQP close error for logs, scrubbing credentials.
func closeReason(amqpErr *amqp.Error) string {
	if amqpErr == nil {
		return "channel closed"
	}

	return sanitizeAMQPError(amqpErr, "")
}

// logIfConfigured logs through the supplied logger when one is set. Option
// helpers run before construction finishes, so the logger may be missing.
func logIfConfigured(logger log.Logger, level log.Level, message string, fields ...log.Field) {
	if nilcheck.Interface(logger) {
		return
	}

	logger.Log(context.Background(), level, message, fields...)
}
