package repository

// Schema definitions for the harrier database.
// Compatible with both SQLite and PostgreSQL.

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    office_id TEXT NOT NULL,
    application_id TEXT NOT NULL,
    broker_id TEXT NOT NULL,
    is_fraudulent INTEGER NOT NULL,
    anomaly_score REAL NOT NULL,
    fraud_level TEXT NOT NULL,
    recommendation TEXT NOT NULL,
    action TEXT NOT NULL,
    indicators TEXT NOT NULL,
    explanation TEXT NOT NULL,
    metadata TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_office ON assessments(office_id);
CREATE INDEX IF NOT EXISTS idx_assessments_broker ON assessments(office_id, broker_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_assessments_application ON assessments(office_id, application_id);
CREATE INDEX IF NOT EXISTS idx_assessments_level ON assessments(office_id, fraud_level);
`

// broker_ratings is the one mutable table. The version column backs the
// compare-and-swap in UpdateBrokerRating.
const schemaBrokerRatings = `
CREATE TABLE IF NOT EXISTS broker_ratings (
    broker_id TEXT NOT NULL,
    office_id TEXT NOT NULL,
    dimensions TEXT NOT NULL,
    category TEXT NOT NULL,
    version INTEGER NOT NULL,
    last_updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (broker_id, office_id)
);

CREATE INDEX IF NOT EXISTS idx_broker_ratings_category ON broker_ratings(office_id, category);
`

const schemaRatingEvents = `
CREATE TABLE IF NOT EXISTS rating_events (
    id TEXT PRIMARY KEY,
    broker_id TEXT NOT NULL,
    office_id TEXT NOT NULL,
    inputs TEXT NOT NULL,
    reward REAL NOT NULL,
    alpha REAL NOT NULL,
    new_overall REAL NOT NULL,
    version INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rating_events_broker ON rating_events(office_id, broker_id, created_at);
`

const schemaDetectorRules = `
CREATE TABLE IF NOT EXISTS detector_rules (
    id TEXT NOT NULL,
    office_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    indicator TEXT NOT NULL,
    expression TEXT NOT NULL,
    threshold REAL NOT NULL DEFAULT 0.5,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, office_id)
);

CREATE INDEX IF NOT EXISTS idx_detector_rules_office ON detector_rules(office_id);
CREATE INDEX IF NOT EXISTS idx_detector_rules_enabled ON detector_rules(office_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAssessments,
		schemaBrokerRatings,
		schemaRatingEvents,
		schemaDetectorRules,
	}
}
