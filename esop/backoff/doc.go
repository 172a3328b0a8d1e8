// Package backoff paces retry loops, primarily the journal dispatcher's
// publish retries: exponential growth per attempt, full jitter, and
// context-aware sleeping.
package backoff
