package circuitbreaker

import "time"

// DefaultConfig provides balanced settings for most services.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 15,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// PublisherConfig tunes the breaker guarding the journal event publisher.
// A down broker should trip fast: the dispatcher retries on its own schedule
// and unpublished entries stay PENDING, so fast-failing costs nothing.
func PublisherConfig() Config {
	return Config{
		MaxRequests:         2,
		Interval:            1 * time.Minute,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.4,
		MinRequests:         5,
	}
}

// StoreConfig tunes breakers guarding account stores. Stores sit on the
// synchronous ledger path, so the breaker tolerates transient blips before
// tripping.
func StoreConfig() Config {
	return Config{
		MaxRequests:         5,
		Interval:            3 * time.Minute,
		Timeout:             45 * time.Second,
		ConsecutiveFailures: 20,
		FailureRatio:        0.6,
		MinRequests:         15,
	}
}
