package constant

const (
	// MetadataTraceparent is the metadata key for W3C traceparent.
	MetadataTraceparent = "traceparent"
	// MetadataTracestate is the metadata key for W3C tracestate.
	MetadataTracestate = "tracestate"
)
