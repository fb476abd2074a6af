package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (standalone) + Redis (cluster).
// All methods require officeID for strict per-office isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, officeID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, officeID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, officeID string, key string) error

	// GetRating retrieves a cached broker rating snapshot.
	GetRating(ctx context.Context, officeID string, brokerID string) (*RatingSnapshot, error)

	// SetRating caches a broker rating snapshot for the assessment path.
	SetRating(ctx context.Context, officeID string, brokerID string, snap *RatingSnapshot, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for alert counting (e.g., alerts per broker in a rolling window).
	IncrementCounter(ctx context.Context, officeID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RatingSnapshot is the cached subset of a broker's rating used on the
// hot assessment path: the escalation mapper only needs the category.
type RatingSnapshot struct {
	BrokerID string   `json:"brokerId"`
	Overall  float64  `json:"overall"`
	Category Category `json:"category"`
	Version  int64    `json:"version"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (standalone mode)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (cluster mode)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
