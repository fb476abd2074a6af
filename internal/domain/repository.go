// Package domain defines the core interfaces and types for harrier.
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned for malformed repository arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVersionConflict is returned when a rating update targets a stale
	// version. The caller is expected to reload and retry; the conflict is
	// never silently overwritten.
	ErrVersionConflict = errors.New("rating version conflict")
)

// Repository defines the interface for data persistence.
// All methods require officeID for strict per-office isolation.
//
// Assessments and rating events are append-only audit logs. The broker
// rating row is the single mutable record and is only written through
// UpdateBrokerRating's compare-and-swap.
type Repository interface {
	// Assessment log (append-only)
	SaveAssessment(ctx context.Context, officeID string, assessment *FraudAssessment) error
	GetAssessment(ctx context.Context, officeID string, assessmentID string) (*FraudAssessment, error)
	ListAssessmentsByBroker(ctx context.Context, officeID string, brokerID string, since time.Time) ([]*FraudAssessment, error)
	ListAssessmentsByApplication(ctx context.Context, officeID string, applicationID string) ([]*FraudAssessment, error)

	// Broker rating state
	GetBrokerRating(ctx context.Context, officeID string, brokerID string) (*BrokerRatingState, error)
	CreateBrokerRating(ctx context.Context, officeID string, state *BrokerRatingState) error
	// UpdateBrokerRating persists state only if the stored row still has
	// expectedVersion. Returns ErrVersionConflict otherwise.
	UpdateBrokerRating(ctx context.Context, officeID string, state *BrokerRatingState, expectedVersion int64) error

	// Rating event log (append-only)
	AppendRatingEvent(ctx context.Context, officeID string, event *RatingUpdateEvent) error
	LatestRatingEvent(ctx context.Context, officeID string, brokerID string) (*RatingUpdateEvent, error)
	ListRatingEvents(ctx context.Context, officeID string, brokerID string, since time.Time) ([]*RatingUpdateEvent, error)

	// Custom detector rules
	SaveDetectorRule(ctx context.Context, officeID string, rule *DetectorRule) error
	GetDetectorRule(ctx context.Context, officeID string, ruleID string) (*DetectorRule, error)
	ListDetectorRules(ctx context.Context, officeID string) ([]*DetectorRule, error)
	DeleteDetectorRule(ctx context.Context, officeID string, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
