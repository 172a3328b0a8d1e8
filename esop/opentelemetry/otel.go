package opentelemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	cn "github.com/LerianStudio/lib-esop/esop/constants"
	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/LerianStudio/lib-esop/esop/opentelemetry/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"
)

var (
	// ErrNilTelemetryLogger indicates that config.Logger is nil
	ErrNilTelemetryLogger = errors.New("telemetry config logger cannot be nil")
	// ErrEmptyEndpoint indicates that telemetry is enabled but no collector endpoint was given
	ErrEmptyEndpoint = errors.New("telemetry collector exporter endpoint cannot be empty")
	// ErrNilTelemetry indicates a method call on a nil *Telemetry
	ErrNilTelemetry = errors.New("telemetry is nil")
	// ErrNilShutdown indicates the telemetry instance has no shutdown handler
	ErrNilShutdown = errors.New("telemetry shutdown handler is nil")
)

// Limits applied when flattening payloads into span attributes. Anything
// beyond them is silently dropped so a single oversized payload cannot blow
// up span size.
const (
	maxSpanAttributeStringLength = 4096
	maxAttributeDepth            = 8
	maxAttributeCount            = 128
)

type TelemetryConfig struct {
	LibraryName               string
	ServiceName               string
	ServiceVersion            string
	DeploymentEnv             string
	CollectorExporterEndpoint string
	EnableTelemetry           bool
	Logger                    log.Logger
}

// Telemetry bundles the OTEL providers for one service. Construct it with
// NewTelemetry; the zero value is not usable, but every method tolerates a
// nil receiver.
type Telemetry struct {
	TelemetryConfig
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	MetricsFactory *metrics.MetricsFactory
	Redactor       *Redactor
	Propagator     propagation.TextMapPropagator
	shutdown       func()
	shutdownCtx    func(context.Context) error
}

// newResource creates a resource with only our custom attributes to avoid
// schema URL conflicts.
func (tl *TelemetryConfig) newResource() *sdkresource.Resource {
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(tl.ServiceName),
		semconv.ServiceVersion(tl.ServiceVersion),
		semconv.DeploymentEnvironmentName(tl.DeploymentEnv),
		semconv.TelemetrySDKName(cn.TelemetrySDKName),
		semconv.TelemetrySDKLanguageGo,
	)
}

func (tl *TelemetryConfig) newLoggerExporter(ctx context.Context) (*otlploggrpc.Exporter, error) {
	return otlploggrpc.New(ctx, otlploggrpc.WithEndpoint(tl.CollectorExporterEndpoint), otlploggrpc.WithInsecure())
}

func (tl *TelemetryConfig) newMetricExporter(ctx context.Context) (*otlpmetricgrpc.Exporter, error) {
	return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(tl.CollectorExporterEndpoint), otlpmetricgrpc.WithInsecure())
}

func (tl *TelemetryConfig) newTracerExporter(ctx context.Context) (*otlptrace.Exporter, error) {
	return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(tl.CollectorExporterEndpoint), otlptracegrpc.WithInsecure())
}

func (tl *TelemetryConfig) newLoggerProvider(rsc *sdkresource.Resource, exp *otlploggrpc.Exporter) *sdklog.LoggerProvider {
	return sdklog.NewLoggerProvider(
		sdklog.WithResource(rsc),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
	)
}

func (tl *TelemetryConfig) newMeterProvider(rsc *sdkresource.Resource, exp *otlpmetricgrpc.Exporter) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(rsc),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
	)
}

func (tl *TelemetryConfig) newTracerProvider(rsc *sdkresource.Resource, exp *otlptrace.Exporter, redactor *Redactor) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(rsc),
		sdktrace.WithSpanProcessor(RedactingAttrBagSpanProcessor{Redactor: redactor}),
	)
}

// NewTelemetry builds the telemetry providers without touching process
// globals; call ApplyGlobals afterwards to install them. With telemetry
// disabled it returns fully functional no-op providers so callers never
// need to branch on the flag.
func NewTelemetry(cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.Logger == nil {
		return nil, ErrNilTelemetryLogger
	}

	ctx := context.Background()
	l := cfg.Logger
	redactor := NewDefaultRedactor()
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

	if !cfg.EnableTelemetry {
		l.Log(ctx, log.LevelWarn, "telemetry disabled, using noop providers")

		tp := sdktrace.NewTracerProvider()
		mp := sdkmetric.NewMeterProvider()
		lp := sdklog.NewLoggerProvider()

		metricsFactory, err := metrics.NewMetricsFactory(mp.Meter(cfg.LibraryName), l)
		if err != nil {
			return nil, fmt.Errorf("can't initialize metrics factory: %w", err)
		}

		shutdown, shutdownCtx := buildShutdownHandlers(l, tp, mp, lp)

		return &Telemetry{
			TelemetryConfig: cfg,
			TracerProvider:  tp,
			MeterProvider:   mp,
			LoggerProvider:  lp,
			MetricsFactory:  metricsFactory,
			Redactor:        redactor,
			Propagator:      propagator,
			shutdown:        shutdown,
			shutdownCtx:     shutdownCtx,
		}, nil
	}

	if strings.TrimSpace(cfg.CollectorExporterEndpoint) == "" {
		return nil, ErrEmptyEndpoint
	}

	l.Log(ctx, log.LevelInfo, "initializing telemetry",
		log.String("endpoint", cfg.CollectorExporterEndpoint))

	rsc := cfg.newResource()

	tExp, err := cfg.newTracerExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't initialize tracer exporter: %w", err)
	}

	mExp, err := cfg.newMetricExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't initialize metric exporter: %w", err)
	}

	lExp, err := cfg.newLoggerExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't initialize logger exporter: %w", err)
	}

	tp := cfg.newTracerProvider(rsc, tExp, redactor)
	mp := cfg.newMeterProvider(rsc, mExp)
	lp := cfg.newLoggerProvider(rsc, lExp)

	metricsFactory, err := metrics.NewMetricsFactory(mp.Meter(cfg.LibraryName), l)
	if err != nil {
		return nil, fmt.Errorf("can't initialize metrics factory: %w", err)
	}

	shutdown, shutdownCtx := buildShutdownHandlers(l, tp, mp, lp, tExp, mExp, lExp)

	l.Log(ctx, log.LevelInfo, "telemetry initialized")

	return &Telemetry{
		TelemetryConfig: cfg,
		TracerProvider:  tp,
		MeterProvider:   mp,
		LoggerProvider:  lp,
		MetricsFactory:  metricsFactory,
		Redactor:        redactor,
		Propagator:      propagator,
		shutdown:        shutdown,
		shutdownCtx:     shutdownCtx,
	}, nil
}

// ApplyGlobals installs the telemetry providers and propagator as the
// process-wide defaults.
func (tl *Telemetry) ApplyGlobals() {
	if tl == nil {
		return
	}

	if tl.Propagator != nil {
		otel.SetTextMapPropagator(tl.Propagator)
	}

	if tl.TracerProvider != nil {
		otel.SetTracerProvider(tl.TracerProvider)
	}

	if tl.MeterProvider != nil {
		otel.SetMeterProvider(tl.MeterProvider)
	}

	if tl.LoggerProvider != nil {
		global.SetLoggerProvider(tl.LoggerProvider)
	}
}

// Tracer returns a named tracer from this telemetry instance's provider.
func (tl *Telemetry) Tracer(name string) (trace.Tracer, error) {
	if tl == nil || tl.TracerProvider == nil {
		return nil, ErrNilTelemetry
	}

	return tl.TracerProvider.Tracer(name), nil
}

// Meter returns a named meter from this telemetry instance's provider.
func (tl *Telemetry) Meter(name string) (metric.Meter, error) {
	if tl == nil || tl.MeterProvider == nil {
		return nil, ErrNilTelemetry
	}

	return tl.MeterProvider.Meter(name), nil
}

// ShutdownTelemetry shuts down the telemetry providers and exporters,
// logging any failure instead of returning it.
func (tl *Telemetry) ShutdownTelemetry() {
	if tl == nil || tl.shutdown == nil {
		return
	}

	tl.shutdown()
}

// ShutdownTelemetryWithContext shuts down the providers and exporters,
// honoring the context deadline and returning the aggregated error.
func (tl *Telemetry) ShutdownTelemetryWithContext(ctx context.Context) error {
	if tl == nil {
		return ErrNilTelemetry
	}

	if tl.shutdownCtx != nil {
		return tl.shutdownCtx(ctx)
	}

	if tl.shutdown != nil {
		tl.shutdown()
		return nil
	}

	return ErrNilShutdown
}

type shutdownable interface {
	Shutdown(ctx context.Context) error
}

// buildShutdownHandlers returns the fire-and-forget and the context-aware
// shutdown functions for the given components. Nil components, typed or
// untyped, are skipped; all shutdown errors are joined.
func buildShutdownHandlers(logger log.Logger, components ...shutdownable) (func(), func(context.Context) error) {
	shutdownCtx := func(ctx context.Context) error {
		var errs []error

		for _, component := range components {
			if isNilShutdownable(component) {
				continue
			}

			if err := component.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		return errors.Join(errs...)
	}

	shutdown := func() {
		if err := shutdownCtx(context.Background()); err != nil && logger != nil {
			logger.Log(context.Background(), log.LevelError, "telemetry shutdown failed", log.Err(err))
		}
	}

	return shutdown, shutdownCtx
}

func isNilShutdownable(component shutdownable) bool {
	if component == nil {
		return true
	}

	v := reflect.ValueOf(component)

	return v.Kind() == reflect.Pointer && v.IsNil()
}

// flattenAttributes recursively converts decoded JSON data into dotted span
// attributes: maps extend the key with ".field", arrays with ".index".
// Strings are sanitized and truncated, numbers keep their numeric type.
func flattenAttributes(attrs *[]attribute.KeyValue, key string, value any, depth int) {
	if depth > maxAttributeDepth || len(*attrs) >= maxAttributeCount {
		return
	}

	switch v := value.(type) {
	case map[string]any:
		for field, item := range v {
			flattenAttributes(attrs, key+"."+field, item, depth+1)
		}
	case []any:
		for i, item := range v {
			flattenAttributes(attrs, key+"."+strconv.Itoa(i), item, depth+1)
		}
	case string:
		*attrs = append(*attrs, attribute.String(key, truncateAttributeValue(sanitizeUTF8String(v))))
	case json.Number:
		if n, err := v.Int64(); err == nil {
			*attrs = append(*attrs, attribute.Int64(key, n))
		} else if f, err := v.Float64(); err == nil {
			*attrs = append(*attrs, attribute.Float64(key, f))
		} else {
			*attrs = append(*attrs, attribute.String(key, v.String()))
		}
	case float64:
		*attrs = append(*attrs, attribute.Float64(key, v))
	case bool:
		*attrs = append(*attrs, attribute.Bool(key, v))
	case nil:
	default:
		*attrs = append(*attrs, attribute.String(key, truncateAttributeValue(sanitizeUTF8String(fmt.Sprintf("%v", v)))))
	}
}

func truncateAttributeValue(s string) string {
	if len(s) <= maxSpanAttributeStringLength {
		return s
	}

	return s[:maxSpanAttributeStringLength]
}

// BuildAttributesFromValue round-trips value through JSON, redacts sensitive
// fields, and flattens the result into span attributes under the given
// prefix. A nil value yields no attributes; a nil redactor skips redaction.
func BuildAttributesFromValue(prefix string, value any, r *Redactor) ([]attribute.KeyValue, error) {
	if value == nil {
		return nil, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, err
	}

	decoded = obfuscateStructFields(decoded, "", r)

	var attrs []attribute.KeyValue
	flattenAttributes(&attrs, prefix, decoded, 0)

	return attrs, nil
}

// SetSpanAttributesFromValue flattens value into redacted attributes and sets
// them on the span. A nil span is a no-op.
func SetSpanAttributesFromValue(span trace.Span, prefix string, value any, r *Redactor) error {
	if span == nil {
		return nil
	}

	attrs, err := BuildAttributesFromValue(prefix, value, r)
	if err != nil {
		return err
	}

	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	return nil
}

// HandleSpanBusinessErrorEvent adds a business error event to the span
// without marking the span itself as failed.
func HandleSpanBusinessErrorEvent(span trace.Span, eventName string, err error) {
	if span != nil && err != nil {
		span.AddEvent(eventName, trace.WithAttributes(attribute.String("error", err.Error())))
	}
}

// HandleSpanEvent adds an event to the span.
func HandleSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	if span != nil {
		span.AddEvent(eventName, trace.WithAttributes(attributes...))
	}
}

// HandleSpanError sets the status of the span to error and records the error.
func HandleSpanError(span trace.Span, message string, err error) {
	if span != nil && err != nil {
		span.SetStatus(codes.Error, message+": "+err.Error())
		span.RecordError(err)
	}
}

// activePropagator returns the process-global propagator when one has been
// installed, falling back to W3C trace context + baggage. The fallback keeps
// the carrier helpers below working before ApplyGlobals has run.
func activePropagator() propagation.TextMapPropagator {
	if prop := otel.GetTextMapPropagator(); len(prop.Fields()) > 0 {
		return prop
	}

	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// InjectTraceContext writes the current trace context into the carrier.
func InjectTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	if carrier == nil {
		return
	}

	activePropagator().Inject(ctx, carrier)
}

// ExtractTraceContext reads trace context from the carrier into a new context.
func ExtractTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	if carrier == nil {
		return ctx
	}

	return activePropagator().Extract(ctx, carrier)
}

// InjectHTTPContext writes trace headers into outgoing HTTP request headers.
func InjectHTTPContext(ctx context.Context, headers map[string][]string) {
	if headers == nil {
		return
	}

	activePropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// InjectGRPCContext injects trace context into gRPC metadata, normalizing the
// W3C header names to lowercase as gRPC requires. The input metadata is not
// modified; nil metadata starts a fresh MD.
func InjectGRPCContext(ctx context.Context, md metadata.MD) metadata.MD {
	if md == nil {
		md = metadata.New(nil)
	} else {
		md = md.Copy()
	}

	// HeaderCarrier canonicalizes keys MIME-style, so the propagator writes
	// "Traceparent"; move the values to the lowercase keys gRPC expects.
	activePropagator().Inject(ctx, propagation.HeaderCarrier(md))

	if values, exists := md["Traceparent"]; exists && len(values) > 0 {
		md[cn.MetadataTraceparent] = values
		delete(md, "Traceparent")
	}

	if values, exists := md["Tracestate"]; exists && len(values) > 0 {
		md[cn.MetadataTracestate] = values
		delete(md, "Tracestate")
	}

	return md
}

// ExtractGRPCContext extracts trace context from incoming gRPC metadata,
// undoing the lowercase normalization applied on the inject side.
func ExtractGRPCContext(ctx context.Context, md metadata.MD) context.Context {
	if md == nil {
		return ctx
	}

	mdCopy := md.Copy()

	if values, exists := mdCopy[cn.MetadataTraceparent]; exists && len(values) > 0 {
		mdCopy["Traceparent"] = values
		delete(mdCopy, cn.MetadataTraceparent)
	}

	if values, exists := mdCopy[cn.MetadataTracestate]; exists && len(values) > 0 {
		mdCopy["Tracestate"] = values
		delete(mdCopy, cn.MetadataTracestate)
	}

	return activePropagator().Extract(ctx, propagation.HeaderCarrier(mdCopy))
}

// InjectQueueTraceContext returns the trace headers to attach to an outgoing
// queue message. The result is never nil.
func InjectQueueTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.HeaderCarrier{}
	activePropagator().Inject(ctx, carrier)

	headers := make(map[string]string, len(carrier))

	for k, v := range carrier {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return headers
}

// ExtractQueueTraceContext reads trace headers from an incoming queue message
// into a new context.
func ExtractQueueTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if headers == nil {
		return ctx
	}

	carrier := propagation.HeaderCarrier{}
	for k, v := range headers {
		carrier.Set(k, v)
	}

	return activePropagator().Extract(ctx, carrier)
}

// GetTraceIDFromContext extracts the trace ID from the current span context.
// Returns empty string if no active span or trace ID is found.
func GetTraceIDFromContext(ctx context.Context) string {
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if !spanContext.IsValid() {
		return ""
	}

	return spanContext.TraceID().String()
}

// GetTraceStateFromContext extracts the trace state from the current span
// context. Returns empty string if no active span or trace state is found.
func GetTraceStateFromContext(ctx context.Context) string {
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if !spanContext.IsValid() {
		return ""
	}

	return spanContext.TraceState().String()
}

// PrepareQueueHeaders merges trace headers into a copy of baseHeaders,
// producing a map suitable for amqp.Table. baseHeaders is not modified.
func PrepareQueueHeaders(ctx context.Context, baseHeaders map[string]any) map[string]any {
	headers := make(map[string]any, len(baseHeaders))
	maps.Copy(headers, baseHeaders)

	for k, v := range InjectQueueTraceContext(ctx) {
		headers[k] = v
	}

	return headers
}

// InjectTraceHeadersIntoQueue adds trace headers to existing queue headers in
// place, initializing the map through the pointer when it is nil.
func InjectTraceHeadersIntoQueue(ctx context.Context, headers *map[string]any) {
	if headers == nil {
		return
	}

	if *headers == nil {
		*headers = make(map[string]any)
	}

	for k, v := range InjectQueueTraceContext(ctx) {
		(*headers)[k] = v
	}
}

// ExtractTraceContextFromQueueHeaders extracts trace context from amqp.Table
// headers, skipping non-string values. Without usable headers the original
// context is returned.
func ExtractTraceContextFromQueueHeaders(baseCtx context.Context, amqpHeaders map[string]any) context.Context {
	if len(amqpHeaders) == 0 {
		return baseCtx
	}

	traceHeaders := make(map[string]string, len(amqpHeaders))

	for k, v := range amqpHeaders {
		if str, ok := v.(string); ok {
			traceHeaders[k] = str
		}
	}

	if len(traceHeaders) == 0 {
		return baseCtx
	}

	return ExtractQueueTraceContext(baseCtx, traceHeaders)
}

// sanitizeUTF8String replaces invalid UTF-8 sequences with the Unicode
// replacement character so attribute values survive OTLP encoding.
func sanitizeUTF8String(s string) string {
	if !utf8.ValidString(s) {
		return strings.ToValidUTF8(s, "�")
	}

	return s
}
