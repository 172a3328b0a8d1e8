package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-esop/esop"
	"github.com/LerianStudio/lib-esop/esop/backoff"
	"github.com/LerianStudio/lib-esop/esop/internal/nilcheck"
	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/LerianStudio/lib-esop/esop/opentelemetry"
	"github.com/LerianStudio/lib-esop/esop/runtime"
	"github.com/LerianStudio/lib-esop/esop/security"
)

// Dispatcher handles publishing journal entries through registered handlers.
type Dispatcher struct {
	repo            Repository
	handlers        *HandlerRegistry
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	cfg             DispatcherConfig

	listPendingFailures int
	failureCountMu      sync.Mutex

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

var _ esop.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed         int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// NewDispatcher creates a journal dispatcher.
func NewDispatcher(
	repo Repository,
	handlers *HandlerRegistry,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRegistryRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("esop.noop")
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	dispatcher := &Dispatcher{
		repo:     repo,
		handlers: handlers,
		logger:   logger,
		tracer:   tracer,
		cfg:      DefaultDispatcherConfig(),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	instruments, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init journal metrics: %w", err)
	}

	dispatcher.metrics = instruments

	return dispatcher, nil
}

// Run starts the dispatcher loop until Stop is called.
func (dispatcher *Dispatcher) Run(launcher *esop.Launcher) error {
	return dispatcher.RunContext(context.Background(), launcher)
}

// RunContext starts the dispatcher loop until Stop is called or ctx is cancelled.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *esop.Launcher) error {
	if dispatcher == nil {
		return ErrDispatcherRequired
	}

	if dispatcher.repo == nil || dispatcher.handlers == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "journal dispatcher started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "journal dispatcher stopped")
	}

	defer runtime.RecoverAndLogWithContext(
		ctx,
		dispatcher.logger,
		"journal",
		"dispatcher_run",
	)

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	func() {
		dispatcher.dispatchWg.Add(1)
		defer dispatcher.dispatchWg.Done()

		initCtx, span := dispatcher.tracer.Start(ctx, "journal.dispatcher.initial_dispatch")
		defer span.End()
		defer runtime.RecoverAndLogWithContext(initCtx, dispatcher.logger, "journal", "dispatcher_initial")

		dispatcher.dispatchCycle(initCtx)
	}()

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			func() {
				dispatcher.dispatchWg.Add(1)
				defer dispatcher.dispatchWg.Done()

				tickCtx, span := dispatcher.tracer.Start(ctx, "journal.dispatcher.dispatch_once")
				defer span.End()
				defer runtime.RecoverAndLogWithContext(tickCtx, dispatcher.logger, "journal", "dispatcher_tick")

				dispatcher.dispatchCycle(tickCtx)
			}()
		}
	}
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown waits for in-flight dispatch cycle completion.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "journal.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce processes one dispatch cycle.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) int {
	return dispatcher.DispatchOnceResult(ctx).Processed
}

// DispatchOnceResult processes one dispatch cycle and returns counters.
func (dispatcher *Dispatcher) DispatchOnceResult(ctx context.Context) DispatchResult {
	if dispatcher == nil {
		return DispatchResult{}
	}

	if dispatcher.repo == nil || dispatcher.handlers == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := dispatcher.logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	tracer := dispatcher.tracer
	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("esop.noop")
	}

	start := time.Now().UTC()

	ctx, span := tracer.Start(ctx, "journal.dispatch")
	defer span.End()

	entries := dispatcher.collectEntries(ctx, span)
	processed := 0
	published := 0
	failed := 0
	stateUpdateFailed := 0

	dispatcher.recordQueueDepth(ctx, int64(len(entries)))

	// Delivery semantics are at-least-once: publish happens before MarkPublished.
	// If state persistence fails after publish, consumers must remain idempotent.
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		if entry == nil {
			continue
		}

		processed++

		if err := dispatcher.publishEntryWithRetry(ctx, entry); err != nil {
			dispatcher.handlePublishError(ctx, logger, entry, err)

			failed++

			continue
		}

		published++

		if err := dispatcher.repo.MarkPublished(ctx, entry.ID, time.Now().UTC()); err != nil {
			logger.Log(
				ctx,
				log.LevelError,
				"journal entry published to broker but failed to persist PUBLISHED state; entry may be retried",
				log.String("entry_id", entry.ID.String()),
				log.String("participant", security.MaskIdentity(entry.Participant)),
				log.String("error", sanitizeErrorForStorage(err)),
			)
			dispatcher.addStateUpdateFailure(ctx, 1)

			stateUpdateFailed++

			continue
		}
	}

	dispatcher.addDispatchedEntries(ctx, int64(published))
	dispatcher.addFailedEntries(ctx, int64(failed))
	dispatcher.recordDispatchLatency(ctx, time.Since(start).Seconds())

	return DispatchResult{
		Processed:         processed,
		Published:         published,
		Failed:            failed,
		StateUpdateFailed: stateUpdateFailed,
	}
}

// dispatchCycle runs one traced dispatch pass. Loop callers use it so span
// attributes and process gauges stay out of DispatchOnceResult, which tests
// and manual drains call directly.
func (dispatcher *Dispatcher) dispatchCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	_, tracer, _, _ := esop.NewTrackingFromContext(ctx)
	if nilcheck.Interface(tracer) {
		tracer = dispatcher.tracer
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("esop.noop")
	}

	cycleCtx, span := tracer.Start(ctx, "journal.dispatcher.cycle")
	result := dispatcher.DispatchOnceResult(cycleCtx)
	span.SetAttributes(
		attribute.Int("journal.dispatch.processed", result.Processed),
		attribute.Int("journal.dispatch.published", result.Published),
		attribute.Int("journal.dispatch.failed", result.Failed),
		attribute.Int("journal.dispatch.state_update_failed", result.StateUpdateFailed),
	)
	span.End()

	dispatcher.recordProcessUsage(cycleCtx)
}

// recordProcessUsage reports process CPU and memory gauges so a saturated
// dispatcher is visible next to its queue depth.
func (dispatcher *Dispatcher) recordProcessUsage(ctx context.Context) {
	if dispatcher.cfg.MetricsFactory == nil {
		return
	}

	esop.GetCPUUsage(ctx, dispatcher.cfg.MetricsFactory)
	esop.GetMemUsage(ctx, dispatcher.cfg.MetricsFactory)
}

func (dispatcher *Dispatcher) recordQueueDepth(ctx context.Context, depth int64) {
	if dispatcher.metrics.queueDepth == nil {
		return
	}

	dispatcher.metrics.queueDepth.Record(ctx, depth)
}

func (dispatcher *Dispatcher) addDispatchedEntries(ctx context.Context, count int64) {
	if dispatcher.metrics.entriesDispatched == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesDispatched.Add(ctx, count)
}

func (dispatcher *Dispatcher) addFailedEntries(ctx context.Context, count int64) {
	if dispatcher.metrics.entriesFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesFailed.Add(ctx, count)
}

func (dispatcher *Dispatcher) addStateUpdateFailure(ctx context.Context, count int64) {
	if dispatcher.metrics.entriesStateFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesStateFailed.Add(ctx, count)
}

func (dispatcher *Dispatcher) recordDispatchLatency(ctx context.Context, latencySeconds float64) {
	if dispatcher.metrics.dispatchLatency == nil {
		return
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, latencySeconds)
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

// collectEntries gathers entries for a single dispatch cycle using a
// priority-layered strategy. Entries are collected in this order:
//
//  1. Priority entries: pending entries matching PriorityEventTypes (up to PriorityBudget)
//  2. Stuck entries: PROCESSING entries older than ProcessingTimeout (reclaimed for retry)
//  3. Failed entries: FAILED entries older than RetryWindow with remaining attempts
//  4. Pending entries: remaining PENDING entries ordered by created_at ASC
//
// Within each layer, ordering follows the respective SQL query (typically ASC by
// created_at or updated_at). The total batch is bounded by BatchSize. Duplicate
// entries (e.g., a priority entry also in the pending set) are removed.
func (dispatcher *Dispatcher) collectEntries(ctx context.Context, span trace.Span) []*Entry {
	logger := dispatcher.logger
	failedBefore := time.Now().UTC().Add(-dispatcher.cfg.RetryWindow)
	processingBefore := time.Now().UTC().Add(-dispatcher.cfg.ProcessingTimeout)

	priorityBudget := min(dispatcher.cfg.PriorityBudget, dispatcher.cfg.BatchSize)
	priorityEntries := dispatcher.collectPriorityEntries(ctx, span, priorityBudget)
	collected := len(priorityEntries)

	stuckLimit := dispatcher.cfg.BatchSize - collected
	if stuckLimit <= 0 {
		return deduplicateEntries(priorityEntries)
	}

	stuckEntries, err := dispatcher.repo.ResetStuckProcessing(
		ctx,
		stuckLimit,
		processingBefore,
		dispatcher.cfg.MaxDispatchAttempts,
	)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reset stuck entries", err)
		log.SafeError(logger, ctx, "failed to reset stuck entries", err, false)
	}

	collected += len(stuckEntries)

	failedLimit := min(dispatcher.cfg.BatchSize-collected, dispatcher.cfg.MaxFailedPerBatch)
	if failedLimit <= 0 {
		return deduplicateEntries(append(priorityEntries, stuckEntries...))
	}

	failedEntries, err := dispatcher.repo.ResetForRetry(
		ctx,
		failedLimit,
		failedBefore,
		dispatcher.cfg.MaxDispatchAttempts,
	)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reset failed entries for retry", err)
		log.SafeError(logger, ctx, "failed to reset failed entries for retry", err, false)
	}

	collected += len(failedEntries)

	remaining := dispatcher.cfg.BatchSize - collected
	if remaining <= 0 {
		return deduplicateEntries(append(append(priorityEntries, stuckEntries...), failedEntries...))
	}

	pendingEntries, err := dispatcher.repo.ListPending(ctx, remaining)
	if err != nil {
		dispatcher.handleListPendingError(ctx, span, err)

		return deduplicateEntries(append(append(priorityEntries, stuckEntries...), failedEntries...))
	}

	dispatcher.clearListPendingFailures()

	all := make([]*Entry, 0, collected+len(pendingEntries))
	all = append(all, priorityEntries...)
	all = append(all, stuckEntries...)
	all = append(all, failedEntries...)
	all = append(all, pendingEntries...)

	return deduplicateEntries(all)
}

func deduplicateEntries(entries []*Entry) []*Entry {
	if len(entries) == 0 {
		return entries
	}

	seen := make(map[uuid.UUID]bool, len(entries))
	result := make([]*Entry, 0, len(entries))

	for _, entry := range entries {
		if entry == nil {
			continue
		}

		if seen[entry.ID] {
			continue
		}

		seen[entry.ID] = true
		result = append(result, entry)
	}

	return result
}

func (dispatcher *Dispatcher) collectPriorityEntries(
	ctx context.Context,
	span trace.Span,
	budget int,
) []*Entry {
	if budget <= 0 || len(dispatcher.cfg.PriorityEventTypes) == 0 {
		return nil
	}

	var result []*Entry

	for _, eventType := range dispatcher.cfg.PriorityEventTypes {
		remaining := budget - len(result)
		if remaining <= 0 {
			break
		}

		entries, err := dispatcher.repo.ListPendingByType(ctx, eventType, remaining)
		if err != nil {
			opentelemetry.HandleSpanError(span, "failed to list priority entries", err)
			log.SafeError(dispatcher.logger, ctx, "failed to list priority entries", err, false)

			continue
		}

		result = append(result, entries...)
	}

	return result
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func (dispatcher *Dispatcher) handleListPendingError(ctx context.Context, span trace.Span, err error) {
	logger := dispatcher.logger

	opentelemetry.HandleSpanError(span, "failed to list journal entries", err)
	log.SafeError(logger, ctx, "failed to list journal entries", err, false)

	dispatcher.failureCountMu.Lock()
	dispatcher.listPendingFailures++
	count := dispatcher.listPendingFailures
	dispatcher.failureCountMu.Unlock()

	if count >= dispatcher.cfg.ListPendingFailureThreshold {
		logger.Log(ctx, log.LevelError, "journal list pending failures exceeded threshold", log.Int("count", count))
	}
}

func (dispatcher *Dispatcher) clearListPendingFailures() {
	dispatcher.failureCountMu.Lock()
	defer dispatcher.failureCountMu.Unlock()

	dispatcher.listPendingFailures = 0
}

func (dispatcher *Dispatcher) publishEntryWithRetry(ctx context.Context, entry *Entry) error {
	maxAttempts := dispatcher.cfg.PublishMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultPublishMaxAttempts
	}

	publishBackoff := dispatcher.cfg.PublishBackoff
	if publishBackoff <= 0 {
		publishBackoff = defaultPublishBackoff
	}

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := dispatcher.publishEntry(ctx, entry)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt+1, maxAttempts, err)
		if dispatcher.isNonRetryableError(err) || attempt == maxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(publishBackoff, attempt)
		if waitErr := backoff.SleepWithContext(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)
			break
		}
	}

	return lastErr
}

func (dispatcher *Dispatcher) publishEntry(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return ErrEntryRequired
	}

	if len(entry.Payload) == 0 {
		return ErrEntryPayloadRequired
	}

	return dispatcher.handlers.Handle(ctx, entry)
}

func (dispatcher *Dispatcher) handlePublishError(
	ctx context.Context,
	logger log.Logger,
	entry *Entry,
	err error,
) {
	if dispatcher.isNonRetryableError(err) {
		if markErr := dispatcher.repo.MarkInvalid(ctx, entry.ID, sanitizeErrorForStorage(err)); markErr != nil {
			logger.Log(ctx, log.LevelError, "failed to mark journal entry invalid", log.String("error", sanitizeErrorForStorage(markErr)))
		}

		return
	}

	if markErr := dispatcher.repo.MarkFailed(ctx, entry.ID, sanitizeErrorForStorage(err), dispatcher.cfg.MaxDispatchAttempts); markErr != nil {
		logger.Log(ctx, log.LevelError, "failed to mark journal entry failed", log.String("error", sanitizeErrorForStorage(markErr)))
	}
}

func (dispatcher *Dispatcher) isNonRetryableError(err error) bool {
	if err == nil || nilcheck.Interface(dispatcher.retryClassifier) {
		return false
	}

	return dispatcher.retryClassifier.IsNonRetryable(err)
}
