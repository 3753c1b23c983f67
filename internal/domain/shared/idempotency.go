package shared

import (
	"context"
	"time"
)

// ProcessedEventStore remembers which events a consumer has already handled
type ProcessedEventStore interface {
	// MarkProcessed marks key as processed for ttl. It returns true if the
	// key was newly marked and false if it was already processed.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// IdempotencyConfig holds configuration for idempotent event handling
type IdempotencyConfig struct {
	// TTL is how long a processed event id is remembered
	TTL time.Duration
	// Enabled turns duplicate detection on
	Enabled bool
}

// DefaultIdempotencyConfig returns the default idempotency configuration
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:     24 * time.Hour,
		Enabled: true,
	}
}
