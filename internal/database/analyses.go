package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const analysisColumns = `id, fixture_id, confidence, content, news_sentiment, article_count,
	completeness, data_quality, pre_status, auto_publish_eligible, generator, version,
	processing_ms, created_at`

type analysisContent struct {
	Prediction  Prediction   `json:"prediction"`
	Insights    []string     `json:"key_insights"`
	Tactical    *Tactical    `json:"tactical,omitempty"`
	Statistical *Statistical `json:"statistical,omitempty"`
}

// SaveAnalysis stores the live analysis for a fixture. A fixture has at
// most one analysis; saving again replaces it in place and bumps Version.
// The stored version is written back into a.
func (db *DB) SaveAnalysis(a *Analysis) error {
	content, err := json.Marshal(analysisContent{
		Prediction:  a.Prediction,
		Insights:    a.Insights,
		Tactical:    a.Tactical,
		Statistical: a.Statistical,
	})
	if err != nil {
		return fmt.Errorf("encoding analysis: %w", err)
	}
	_, err = db.conn.Exec(
		`INSERT INTO analyses (`+analysisColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(fixture_id) DO UPDATE SET
			id = excluded.id,
			confidence = excluded.confidence,
			content = excluded.content,
			news_sentiment = excluded.news_sentiment,
			article_count = excluded.article_count,
			completeness = excluded.completeness,
			data_quality = excluded.data_quality,
			pre_status = excluded.pre_status,
			auto_publish_eligible = excluded.auto_publish_eligible,
			generator = excluded.generator,
			version = analyses.version + 1,
			processing_ms = excluded.processing_ms,
			created_at = excluded.created_at`,
		a.ID, a.FixtureID, a.Confidence, string(content), a.NewsSentiment, a.ArticleCount,
		a.Completeness, a.DataQuality, a.PreStatus, boolInt(a.AutoPublishEligible),
		a.Generator, a.ProcessingTime.Milliseconds(), formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving analysis for %s: %w", a.FixtureID, err)
	}
	return db.conn.QueryRow(
		"SELECT version FROM analyses WHERE fixture_id = ?", a.FixtureID,
	).Scan(&a.Version)
}

// GetAnalysis returns an analysis by ID, or nil.
func (db *DB) GetAnalysis(id string) (*Analysis, error) {
	return db.queryAnalysis("SELECT "+analysisColumns+" FROM analyses WHERE id = ?", id)
}

// GetAnalysisForFixture returns the live analysis of a fixture, or nil.
func (db *DB) GetAnalysisForFixture(fixtureID string) (*Analysis, error) {
	return db.queryAnalysis("SELECT "+analysisColumns+" FROM analyses WHERE fixture_id = ?", fixtureID)
}

func (db *DB) queryAnalysis(query string, arg string) (*Analysis, error) {
	var a Analysis
	var content, createdAt string
	var eligible int
	var processingMS int64
	err := db.conn.QueryRow(query, arg).Scan(&a.ID, &a.FixtureID, &a.Confidence, &content,
		&a.NewsSentiment, &a.ArticleCount, &a.Completeness, &a.DataQuality, &a.PreStatus,
		&eligible, &a.Generator, &a.Version, &processingMS, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c analysisContent
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		return nil, fmt.Errorf("decoding analysis %s: %w", a.ID, err)
	}
	a.Prediction = c.Prediction
	a.Insights = c.Insights
	a.Tactical = c.Tactical
	a.Statistical = c.Statistical
	a.AutoPublishEligible = eligible != 0
	a.ProcessingTime = time.Duration(processingMS) * time.Millisecond
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}
