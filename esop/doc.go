// Package esop provides shared infrastructure helpers used across the
// employee stock option ledger.
//
// The package includes context helpers, validation utilities, error adapters,
// and cross-cutting primitives used by higher-level subpackages.
//
// Typical usage at operation ingress:
//
//	ctx = esop.ContextWithLogger(ctx, logger)
//	ctx = esop.ContextWithTracer(ctx, tracer)
//	ctx = esop.ContextWithHeaderID(ctx, requestID)
//
// This package is intentionally dependency-light; specialized integrations live in
// subpackages such as ledger, journal, opentelemetry, mongo, redis, and rabbitmq.
package esop
