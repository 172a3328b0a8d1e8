// Package rabbitmq provides the AMQP connection hub and publishers used to
// fan out journal events to downstream consumers.
//
// It includes confirm-mode publishing with automatic channel recovery,
// dead-letter topology helpers, connection-string error sanitization, and
// health checks against the broker management API so callers can integrate
// event publishing with operational readiness checks.
package rabbitmq
