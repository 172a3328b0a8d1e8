// Package log defines the logging contract used across lib-esop.
//
// The Logger interface is implementation-agnostic; the zap subpackage provides
// the production implementation and NewNop provides a silent fallback so every
// component stays nil-safe. Fields are strongly typed to keep participant
// identities and option amounts out of free-form format strings.
package log
