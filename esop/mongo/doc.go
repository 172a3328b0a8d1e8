// Package mongo provides a MongoDB client wrapper and a ledger account store
// for the option ledger.
//
// The client lazily reconnects with backoff rate-limiting when the
// connection drops. The store keeps one document per participant identity,
// keyed by identity, and implements the ledger store contracts including
// transactional batch writes for transfer debit/credit pairs.
package mongo
