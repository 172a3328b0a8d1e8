package runtime

import (
	"context"
	"errors"
	"fmt"

	constant "github.com/LerianStudio/lib-esop/esop/constants"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPanic is the sentinel error wrapped around panic values when they
// are recorded on spans, so consumers can match with errors.Is.
var ErrPanic = errors.New("panic")

// PanicSpanEventName is the event name used when recording recovered
// panics on spans.
const PanicSpanEventName = constant.EventPanicRecovered

// RecordPanicToSpan records a recovered panic on the active span in ctx,
// if there is one. It adds a panic event with the panic value, stack
// trace, and goroutine name, records the panic as a span error, and sets
// the span status to Error.
//
// Safe to call with no active span.
func RecordPanicToSpan(ctx context.Context, panicValue any, stack []byte, goroutineName string) {
	recordPanicToSpan(ctx, panicValue, stack, "", goroutineName)
}

// RecordPanicToSpanWithComponent is RecordPanicToSpan with an additional
// component attribute for attribution, reflected in the span status
// description as "component/goroutine".
func RecordPanicToSpanWithComponent(ctx context.Context, panicValue any, stack []byte, component, goroutineName string) {
	recordPanicToSpan(ctx, panicValue, stack, component, goroutineName)
}

func recordPanicToSpan(ctx context.Context, panicValue any, stack []byte, component, goroutineName string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("panic.value", formatPanicValue(panicValue)),
		attribute.String("panic.stack", string(stack)),
		attribute.String("panic.goroutine_name", goroutineName),
	}

	location := goroutineName
	if component != "" {
		attrs = append(attrs, attribute.String("panic.component", component))
		location = component + "/" + goroutineName
	}

	span.AddEvent(PanicSpanEventName, trace.WithAttributes(attrs...))
	span.RecordError(fmt.Errorf("%w: %s", ErrPanic, formatPanicValue(panicValue)))
	span.SetStatus(codes.Error, "panic recovered in "+location)
}
