// Package zap provides adapters and helpers around zap-based logging.
//
// It bridges the esop/log abstraction to zap while preserving structured
// fields and trace correlation for ledger operations.
package zap
