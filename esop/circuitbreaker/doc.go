// Package circuitbreaker provides service-level circuit breaker orchestration
// and health-check-driven recovery helpers.
//
// The journal dispatcher runs broker publishes through Manager.Execute so a
// failing broker fast-fails instead of stalling the dispatch loop; the stores
// can be guarded the same way.
//
// Optional health-check integration automatically resets breakers after the
// guarded service recovers.
package circuitbreaker
