// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rto-platform/harrier/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAssessment stores an assessment with office isolation.
func (r *SQLRepository) SaveAssessment(ctx context.Context, officeID string, a *domain.FraudAssessment) error {
	if officeID == "" {
		return fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	indicators, _ := json.Marshal(a.Indicators)
	explanation, _ := json.Marshal(a.Explanation)
	metadata, _ := json.Marshal(a.Metadata)

	fraudulent := 0
	if a.IsFraudulent {
		fraudulent = 1
	}

	query := `
		INSERT INTO assessments (
			id, office_id, application_id, broker_id,
			is_fraudulent, anomaly_score, fraud_level, recommendation, action,
			indicators, explanation, metadata, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, officeID, a.ApplicationID, a.BrokerID,
		fraudulent, a.AnomalyScore, a.FraudLevel, a.Recommendation, a.Action,
		string(indicators), string(explanation), string(metadata), a.Timestamp,
	)
	return err
}

// GetAssessment retrieves an assessment by ID with office isolation.
func (r *SQLRepository) GetAssessment(ctx context.Context, officeID string, assessmentID string) (*domain.FraudAssessment, error) {
	if officeID == "" {
		return nil, fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, office_id, application_id, broker_id,
			   is_fraudulent, anomaly_score, fraud_level, recommendation, action,
			   indicators, explanation, metadata, timestamp
		FROM assessments
		WHERE office_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), officeID, assessmentID)
	a, err := scanAssessment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// ListAssessmentsByBroker retrieves a broker's assessments since a time,
// newest first.
func (r *SQLRepository) ListAssessmentsByBroker(ctx context.Context, officeID string, brokerID string, since time.Time) ([]*domain.FraudAssessment, error) {
	if officeID == "" {
		return nil, fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, office_id, application_id, broker_id,
			   is_fraudulent, anomaly_score, fraud_level, recommendation, action,
			   indicators, explanation, metadata, timestamp
		FROM assessments
		WHERE office_id = ? AND broker_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), officeID, brokerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assessments []*domain.FraudAssessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		assessments = append(assessments, a)
	}
	return assessments, rows.Err()
}

// ListAssessmentsByApplication retrieves the assessment history for one
// application, newest first. The newest record is the effective verdict.
func (r *SQLRepository) ListAssessmentsByApplication(ctx context.Context, officeID string, applicationID string) ([]*domain.FraudAssessment, error) {
	if officeID == "" {
		return nil, fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, office_id, application_id, broker_id,
			   is_fraudulent, anomaly_score, fraud_level, recommendation, action,
			   indicators, explanation, metadata, timestamp
		FROM assessments
		WHERE office_id = ? AND application_id = ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), officeID, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assessments []*domain.FraudAssessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		assessments = append(assessments, a)
	}
	return assessments, rows.Err()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAssessment(s scanner) (*domain.FraudAssessment, error) {
	var a domain.FraudAssessment
	var fraudulent int
	var indicators, explanation, metadata string

	err := s.Scan(
		&a.ID, &a.OfficeID, &a.ApplicationID, &a.BrokerID,
		&fraudulent, &a.AnomalyScore, &a.FraudLevel, &a.Recommendation, &a.Action,
		&indicators, &explanation, &metadata, &a.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	a.IsFraudulent = fraudulent == 1
	json.Unmarshal([]byte(indicators), &a.Indicators)
	json.Unmarshal([]byte(explanation), &a.Explanation)
	json.Unmarshal([]byte(metadata), &a.Metadata)

	return &a, nil
}

// GetBrokerRating retrieves a broker's rating state with office isolation.
func (r *SQLRepository) GetBrokerRating(ctx context.Context, officeID string, brokerID string) (*domain.BrokerRatingState, error) {
	if officeID == "" {
		return nil, fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT broker_id, office_id, dimensions, category, version, last_updated_at
		FROM broker_ratings
		WHERE office_id = ? AND broker_id = ?
	`

	var state domain.BrokerRatingState
	var dimensions string

	err := r.db.QueryRowContext(ctx, r.rebind(query), officeID, brokerID).Scan(
		&state.BrokerID, &state.OfficeID, &dimensions,
		&state.Category, &state.Version, &state.LastUpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(dimensions), &state.Dimensions); err != nil {
		return nil, fmt.Errorf("failed to parse rating dimensions: %w", err)
	}

	return &state, nil
}

// CreateBrokerRating inserts the initial rating row for a broker.
// Returns ErrVersionConflict when the row already exists so a racing
// creator can reload instead of failing.
func (r *SQLRepository) CreateBrokerRating(ctx context.Context, officeID string, state *domain.BrokerRatingState) error {
	if officeID == "" {
		return fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	dimensions, _ := json.Marshal(state.Dimensions)

	query := `
		INSERT INTO broker_ratings (
			broker_id, office_id, dimensions, category, version, last_updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(broker_id, office_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		state.BrokerID, officeID, string(dimensions),
		state.Category, state.Version, state.LastUpdatedAt,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

// UpdateBrokerRating persists the new state only if the stored version
// still matches expectedVersion.
func (r *SQLRepository) UpdateBrokerRating(ctx context.Context, officeID string, state *domain.BrokerRatingState, expectedVersion int64) error {
	if officeID == "" {
		return fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	dimensions, _ := json.Marshal(state.Dimensions)

	query := `
		UPDATE broker_ratings
		SET dimensions = ?, category = ?, version = ?, last_updated_at = ?
		WHERE office_id = ? AND broker_id = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(dimensions), state.Category, state.Version, state.LastUpdatedAt,
		officeID, state.BrokerID, expectedVersion,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

// AppendRatingEvent stores one rating update event.
func (r *SQLRepository) AppendRatingEvent(ctx context.Context, officeID string, event *domain.RatingUpdateEvent) error {
	if officeID == "" {
		return fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	inputs, _ := json.Marshal(event.Inputs)

	query := `
		INSERT INTO rating_events (
			id, broker_id, office_id, inputs, reward, alpha, new_overall, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, event.BrokerID, officeID, string(inputs),
		event.Reward, event.Alpha, event.NewOverall, event.Version, event.CreatedAt,
	)
	return err
}

// LatestRatingEvent returns the most recent rating event for a broker.
func (r *SQLRepository) LatestRatingEvent(ctx context.Context, officeID string, brokerID string) (*domain.RatingUpdateEvent, error) {
	if officeID == "" {
		return nil, fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, broker_id, office_id, inputs, reward, alpha, new_overall, version, created_at
		FROM rating_events
		WHERE office_id = ? AND broker_id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), officeID, brokerID)
	event, err := scanRatingEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return event, err
}

// ListRatingEvents returns a broker's rating events since a time, oldest
// first so trend fitting sees them in order.
func (r *SQLRepository) ListRatingEvents(ctx context.Context, officeID string, brokerID string, since time.Time) ([]*domain.RatingUpdateEvent, error) {
	if officeID == "" {
		return nil, fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, broker_id, office_id, inputs, reward, alpha, new_overall, version, created_at
		FROM rating_events
		WHERE office_id = ? AND broker_id = ? AND created_at >= ?
		ORDER BY version ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), officeID, brokerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.RatingUpdateEvent
	for rows.Next() {
		event, err := scanRatingEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanRatingEvent(s scanner) (*domain.RatingUpdateEvent, error) {
	var event domain.RatingUpdateEvent
	var inputs string

	err := s.Scan(
		&event.ID, &event.BrokerID, &event.OfficeID, &inputs,
		&event.Reward, &event.Alpha, &event.NewOverall, &event.Version, &event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(inputs), &event.Inputs)
	return &event, nil
}

// SaveDetectorRule stores a detector rule, upserting on (id, office_id).
func (r *SQLRepository) SaveDetectorRule(ctx context.Context, officeID string, rule *domain.DetectorRule) error {
	if officeID == "" {
		return fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO detector_rules (
			id, office_id, name, description, indicator, expression, threshold, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, office_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			indicator = excluded.indicator,
			expression = excluded.expression,
			threshold = excluded.threshold,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, officeID, rule.Name, rule.Description,
		rule.Indicator, rule.Expression, rule.Threshold, enabled,
		createdAt, now,
	)
	return err
}

// GetDetectorRule retrieves a detector rule with office isolation.
func (r *SQLRepository) GetDetectorRule(ctx context.Context, officeID string, ruleID string) (*domain.DetectorRule, error) {
	if officeID == "" {
		return nil, fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, office_id, name, description, indicator, expression, threshold, enabled, created_at, updated_at
		FROM detector_rules
		WHERE office_id = ? AND id = ?
	`

	var rule domain.DetectorRule
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), officeID, ruleID).Scan(
		&rule.ID, &rule.OfficeID, &rule.Name, &rule.Description,
		&rule.Indicator, &rule.Expression, &rule.Threshold, &enabled,
		&rule.CreatedAt, &rule.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	return &rule, nil
}

// ListDetectorRules retrieves all detector rules for an office, including
// disabled ones so operators can see the full set.
func (r *SQLRepository) ListDetectorRules(ctx context.Context, officeID string) ([]*domain.DetectorRule, error) {
	if officeID == "" {
		return nil, fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, office_id, name, description, indicator, expression, threshold, enabled, created_at, updated_at
		FROM detector_rules
		WHERE office_id = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), officeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.DetectorRule
	for rows.Next() {
		var rule domain.DetectorRule
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.OfficeID, &rule.Name, &rule.Description,
			&rule.Indicator, &rule.Expression, &rule.Threshold, &enabled,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// DeleteDetectorRule removes a detector rule.
func (r *SQLRepository) DeleteDetectorRule(ctx context.Context, officeID string, ruleID string) error {
	if officeID == "" {
		return fmt.Errorf("%w: officeID is required", domain.ErrInvalidInput)
	}

	query := `DELETE FROM detector_rules WHERE office_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), officeID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
