// Package postgres provides the PostgreSQL adapter for the journal
// repository contract.
//
// Entries live in a single table (journal_entries by default, override with
// WithTableName) with a journal_entry_status enum column. Collection queries
// run on the primary with FOR UPDATE SKIP LOCKED so concurrent dispatchers
// never hand the same entry to two publishers, and every status update is
// guarded by the expected current status so conflicting transitions surface
// as ErrStateTransitionConflict instead of silent overwrites.
package postgres
