package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// SaveIntelligence stores the enrichment record for a fixture, replacing
// any previous one.
func (db *DB) SaveIntelligence(mi MatchIntelligence) error {
	data, err := json.Marshal(mi)
	if err != nil {
		return fmt.Errorf("encoding intelligence: %w", err)
	}
	_, err = db.conn.Exec(
		`INSERT INTO match_intelligence (fixture_id, data, enriched_at) VALUES (?, ?, ?)
		ON CONFLICT(fixture_id) DO UPDATE SET data = excluded.data, enriched_at = excluded.enriched_at`,
		mi.FixtureID, string(data), formatTime(mi.EnrichedAt),
	)
	if err != nil {
		return fmt.Errorf("saving intelligence for %s: %w", mi.FixtureID, err)
	}
	return nil
}

// GetIntelligence returns the enrichment record for a fixture, or nil.
func (db *DB) GetIntelligence(fixtureID string) (*MatchIntelligence, error) {
	var data string
	err := db.conn.QueryRow(
		"SELECT data FROM match_intelligence WHERE fixture_id = ?", fixtureID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var mi MatchIntelligence
	if err := json.Unmarshal([]byte(data), &mi); err != nil {
		return nil, fmt.Errorf("decoding intelligence for %s: %w", fixtureID, err)
	}
	return &mi, nil
}
