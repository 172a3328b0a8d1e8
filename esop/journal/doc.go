// Package journal provides the durable event journal for the ledger.
//
// It includes an entry model, repository contracts, a dispatcher with retry
// controls that publishes entries through registered handlers, and PostgreSQL
// adapters under the postgres subpackage. A Recorder implements ledger.Journal
// so an Engine can append events straight into the durable pipeline.
package journal
