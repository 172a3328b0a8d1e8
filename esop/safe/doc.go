// Package safe provides panic-free helpers for ledger arithmetic.
//
// Core APIs include overflow-checked unsigned addition and subtraction used by
// the option engine (AddUint64, SubUint64) and decimal division helpers used
// by cap-table reporting (Divide, PercentageOrZero).
//
// Functions that can fail return explicit errors instead of panicking, so callers
// can handle failures predictably in production paths.
package safe
