// Package report builds cap-table reports from a snapshot of the option
// ledger.
//
// A cap table is a read-only aggregation: per-participant granted, vested,
// exercised, and outstanding balances plus decimal ownership and vesting
// ratios. Reports never mutate ledger state and carry no engine coupling;
// any store implementing the snapshot contract can feed one.
package report
