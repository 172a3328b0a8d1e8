package journal

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	cn "github.com/LerianStudio/lib-esop/esop/constants"
)

type dispatcherMetrics struct {
	entriesDispatched  metric.Int64Counter
	entriesFailed      metric.Int64Counter
	entriesStateFailed metric.Int64Counter
	dispatchLatency    metric.Float64Histogram
	queueDepth         metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("esop.journal.dispatcher")

	var (
		instruments dispatcherMetrics
		err         error
	)

	instruments.entriesDispatched, err = meter.Int64Counter(
		cn.MetricJournalDispatchedTotal,
		metric.WithDescription("Number of journal entries successfully published"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create %s counter: %w", cn.MetricJournalDispatchedTotal, err)
	}

	instruments.entriesFailed, err = meter.Int64Counter(
		cn.MetricJournalPublishFailedTotal,
		metric.WithDescription("Number of journal entries that failed to publish"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create %s counter: %w", cn.MetricJournalPublishFailedTotal, err)
	}

	instruments.entriesStateFailed, err = meter.Int64Counter(
		"esop_journal_state_update_failed_total",
		metric.WithDescription("Number of journal entries published but not persisted as published"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create esop_journal_state_update_failed_total counter: %w", err)
	}

	instruments.dispatchLatency, err = meter.Float64Histogram(
		"esop_journal_dispatch_latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create esop_journal_dispatch_latency histogram: %w", err)
	}

	instruments.queueDepth, err = meter.Int64Gauge(
		"esop_journal_queue_depth",
		metric.WithDescription("Number of journal entries selected in a dispatch cycle (pending and reclaimed)"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create esop_journal_queue_depth gauge: %w", err)
	}

	return instruments, nil
}
