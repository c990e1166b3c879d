package chunkscheduler

import (
	"time"
)

// Config holds configuration for the chunk scheduler.
type Config struct {
	// Concurrency is the maximum number of chunk transmissions in flight.
	// Default: 4
	Concurrency int

	// MaxAttemptsPerChunk is the attempt cap per chunk, including the
	// first attempt. Default: 3
	MaxAttemptsPerChunk int

	// AttemptTimeout bounds a single transmission attempt. The session as
	// a whole has no deadline. Default: 2 minutes
	AttemptTimeout time.Duration

	// RetryBackoff is the base delay between attempts; it doubles per
	// attempt. Default: 1 second
	RetryBackoff time.Duration

	// HungThreshold is the duration after which an attempt is considered
	// hung if it exceeds the average chunk upload time by this amount.
	// Zero disables hung detection. Default: 30 seconds
	HungThreshold time.Duration

	// FailureTolerance is the number of permanently failed chunks allowed
	// before the scheduler stops dispatching new work. Default: 0
	FailureTolerance int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:         4,
		MaxAttemptsPerChunk: 3,
		AttemptTimeout:      2 * time.Minute,
		RetryBackoff:        time.Second,
		HungThreshold:       30 * time.Second,
		FailureTolerance:    0,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.MaxAttemptsPerChunk <= 0 {
		c.MaxAttemptsPerChunk = defaults.MaxAttemptsPerChunk
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaults.AttemptTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	return c
}
