package opentelemetry

import (
	"context"

	"github.com/LerianStudio/lib-esop/esop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ---- SpanProcessor that applies the AttrBag to every new span ----

// AttrBagSpanProcessor copies request-scoped attributes from context into every span at start.
type AttrBagSpanProcessor struct{}

func (AttrBagSpanProcessor) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {
	if kv := esop.AttributesFromContext(ctx); len(kv) > 0 {
		s.SetAttributes(kv...)
	}
}

func (AttrBagSpanProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

func (AttrBagSpanProcessor) Shutdown(context.Context) error { return nil }

func (AttrBagSpanProcessor) ForceFlush(context.Context) error { return nil }

// ---- SpanProcessor that redacts AttrBag attributes before they reach spans ----

// RedactingAttrBagSpanProcessor behaves like AttrBagSpanProcessor but runs the
// bag through the redactor first, so sensitive request attributes never land
// on a span. The zero value (nil Redactor) applies the bag unredacted.
type RedactingAttrBagSpanProcessor struct {
	Redactor *Redactor
}

func (p RedactingAttrBagSpanProcessor) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {
	kv := esop.AttributesFromContext(ctx)
	if len(kv) == 0 {
		return
	}

	if redacted := redactAttributesByKey(kv, p.Redactor); len(redacted) > 0 {
		s.SetAttributes(redacted...)
	}
}

func (RedactingAttrBagSpanProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

func (RedactingAttrBagSpanProcessor) Shutdown(context.Context) error { return nil }

func (RedactingAttrBagSpanProcessor) ForceFlush(context.Context) error { return nil }
