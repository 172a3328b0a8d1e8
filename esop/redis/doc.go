// Package redis provides Redis/Valkey client helpers for the option ledger.
//
// Supported deployment modes include standalone, sentinel, and cluster, with
// optional TLS and static password authentication. The package also ships a
// ledger account store (one JSON value per participant identity) and a
// RedLock-based distributed lock manager for serializing ledger mutations
// across service instances.
package redis
