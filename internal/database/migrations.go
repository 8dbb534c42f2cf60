package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "fixtures, intelligence and news",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS fixtures (
    id TEXT PRIMARY KEY,
    league TEXT NOT NULL,
    country TEXT NOT NULL DEFAULT '',
    home_team TEXT NOT NULL,
    away_team TEXT NOT NULL,
    venue TEXT,
    kickoff TEXT NOT NULL,
    match_status TEXT NOT NULL DEFAULT 'scheduled',
    home_score INTEGER,
    away_score INTEGER,
    stage TEXT NOT NULL DEFAULT '',
    rule_id TEXT,
    discovery_confidence REAL,
    discovered_at TEXT,
    published INTEGER NOT NULL DEFAULT 0,
    publication_id TEXT,
    published_at TEXT,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_fixtures_kickoff ON fixtures(kickoff);
CREATE INDEX IF NOT EXISTS idx_fixtures_stage ON fixtures(stage);
CREATE INDEX IF NOT EXISTS idx_fixtures_home ON fixtures(home_team COLLATE NOCASE);
CREATE INDEX IF NOT EXISTS idx_fixtures_away ON fixtures(away_team COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS match_intelligence (
    fixture_id TEXT PRIMARY KEY REFERENCES fixtures(id),
    data TEXT NOT NULL,
    enriched_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS news_articles (
    id TEXT PRIMARY KEY,
    fixture_id TEXT NOT NULL REFERENCES fixtures(id),
    source TEXT NOT NULL,
    source_name TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    author TEXT,
    published_at TEXT NOT NULL,
    collected_at TEXT NOT NULL,
    teams_mentioned TEXT,
    keywords_matched TEXT,
    relevance REAL NOT NULL DEFAULT 0,
    sentiment REAL NOT NULL DEFAULT 0,
    word_count INTEGER NOT NULL DEFAULT 0,
    has_quotes INTEGER NOT NULL DEFAULT 0,
    content_hash TEXT NOT NULL,
    UNIQUE (fixture_id, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_news_fixture ON news_articles(fixture_id);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "analyses and validations",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    fixture_id TEXT UNIQUE NOT NULL REFERENCES fixtures(id),
    confidence REAL NOT NULL,
    content TEXT NOT NULL,
    news_sentiment REAL NOT NULL DEFAULT 0,
    article_count INTEGER NOT NULL DEFAULT 0,
    completeness REAL NOT NULL DEFAULT 0,
    data_quality REAL NOT NULL DEFAULT 0,
    pre_status TEXT NOT NULL,
    auto_publish_eligible INTEGER NOT NULL DEFAULT 0,
    generator TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 1,
    processing_ms INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS validations (
    id TEXT PRIMARY KEY,
    fixture_id TEXT NOT NULL REFERENCES fixtures(id),
    analysis_id TEXT UNIQUE NOT NULL,
    overall REAL NOT NULL,
    safety REAL NOT NULL,
    accuracy REAL NOT NULL,
    completeness REAL NOT NULL,
    style REAL NOT NULL,
    checks TEXT NOT NULL,
    critical_issues TEXT,
    major_issues TEXT,
    minor_issues TEXT,
    status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    auto_approved INTEGER NOT NULL DEFAULT 0,
    validated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_validations_fixture ON validations(fixture_id);
`)
			return err
		},
	},
	{
		Version:     3,
		Description: "publications, audit trail and review queue",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS publications (
    id TEXT PRIMARY KEY,
    fixture_id TEXT NOT NULL REFERENCES fixtures(id),
    analysis_id TEXT NOT NULL,
    validation_id TEXT,
    status TEXT NOT NULL,
    type TEXT NOT NULL,
    priority TEXT NOT NULL DEFAULT 'medium',
    scheduled_for TEXT,
    published_at TEXT,
    snapshot TEXT,
    error TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_publications_status ON publications(status);

CREATE TABLE IF NOT EXISTS publication_audit (
    publication_id TEXT NOT NULL REFERENCES publications(id),
    seq INTEGER NOT NULL,
    timestamp TEXT NOT NULL,
    action TEXT NOT NULL,
    actor TEXT NOT NULL,
    details TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (publication_id, seq)
);

CREATE TABLE IF NOT EXISTS review_queue (
    id TEXT PRIMARY KEY,
    fixture_id TEXT NOT NULL REFERENCES fixtures(id),
    analysis_id TEXT NOT NULL,
    validation_id TEXT UNIQUE NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    overall REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'open',
    created_at TEXT NOT NULL,
    expires_at TEXT NOT NULL,
    resolved_at TEXT,
    resolved_by TEXT
);

CREATE INDEX IF NOT EXISTS idx_review_status ON review_queue(status);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
