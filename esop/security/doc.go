// Package security provides helpers for handling sensitive fields and data safety.
//
// It is primarily used by logging and telemetry packages to detect and obfuscate
// secrets before data leaves process boundaries, and to mask participant
// identities in ledger logs.
package security
