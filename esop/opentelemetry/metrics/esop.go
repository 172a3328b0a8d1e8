package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// RecordOptionsGranted increments the grant counter for the given event origin.
// origin distinguishes direct grants from transfer receipts ("grant" or "transfer").
func (f *MetricsFactory) RecordOptionsGranted(ctx context.Context, origin string, attributes ...attribute.KeyValue) error {
	b, err := f.Counter(MetricOptionsGranted)
	if err != nil {
		return err
	}

	return b.WithLabels(map[string]string{"origin": origin}).WithAttributes(attributes...).AddOne(ctx)
}

// RecordOptionsExercised increments the exercise counter.
func (f *MetricsFactory) RecordOptionsExercised(ctx context.Context, attributes ...attribute.KeyValue) error {
	b, err := f.Counter(MetricOptionsExercised)
	if err != nil {
		return err
	}

	return b.WithAttributes(attributes...).AddOne(ctx)
}

// RecordOptionsTransferred increments the transfer counter.
func (f *MetricsFactory) RecordOptionsTransferred(ctx context.Context, attributes ...attribute.KeyValue) error {
	b, err := f.Counter(MetricOptionsTransferred)
	if err != nil {
		return err
	}

	return b.WithAttributes(attributes...).AddOne(ctx)
}

// RecordJournalDispatched adds the published entry count to the dispatch counter.
func (f *MetricsFactory) RecordJournalDispatched(ctx context.Context, count int64, attributes ...attribute.KeyValue) error {
	b, err := f.Counter(MetricJournalDispatched)
	if err != nil {
		return err
	}

	return b.WithAttributes(attributes...).Add(ctx, count)
}

// RecordJournalPublishFailed increments the publish-failure counter.
func (f *MetricsFactory) RecordJournalPublishFailed(ctx context.Context, attributes ...attribute.KeyValue) error {
	b, err := f.Counter(MetricJournalPublishFailed)
	if err != nil {
		return err
	}

	return b.WithAttributes(attributes...).AddOne(ctx)
}
