// Package postgres provides the PostgreSQL connection layer for the durable
// option-event journal.
//
// It wraps pgx behind database/sql with a primary/replica resolver, applies
// pool defaults that are safe for service startup and shutdown flows, and
// ships an explicit Migrator so schema changes never run as a connection
// side effect. Connection errors are sanitized before they surface; DSN
// credentials never reach logs or error chains.
package postgres
