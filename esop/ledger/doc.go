// Package ledger implements an authority-controlled employee stock option
// ledger: option grants, cliff vesting schedules, option exercises, and
// vested-option transfers between participants.
//
// Core flow:
//   - Account holds per-participant option balances; the zero value is an
//     unregistered account, so unknown identities need no special case.
//   - Apply* functions are pure transitions from one account state to the next.
//   - Engine serializes operations, enforces authorization, journals domain
//     events, and commits staged state to a Store only when every check passes.
//
// The package enforces deterministic behavior using typed domain errors.
package ledger
