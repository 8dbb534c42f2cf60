package database

import (
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const fixtureColumns = `id, league, country, home_team, away_team, venue, kickoff, match_status,
	home_score, away_score, stage, rule_id, discovery_confidence, discovered_at,
	published, publication_id, published_at, updated_at`

// UpsertFixture inserts a fixture or refreshes its schedule fields.
// Pipeline state (stage, discovery, publication) is never overwritten.
func (db *DB) UpsertFixture(f Fixture) error {
	status := f.MatchStatus
	if status == "" {
		status = MatchScheduled
	}
	_, err := db.conn.Exec(
		`INSERT INTO fixtures (id, league, country, home_team, away_team, venue, kickoff,
			match_status, home_score, away_score, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			league = excluded.league,
			country = excluded.country,
			home_team = excluded.home_team,
			away_team = excluded.away_team,
			venue = excluded.venue,
			kickoff = excluded.kickoff,
			match_status = excluded.match_status,
			home_score = excluded.home_score,
			away_score = excluded.away_score,
			updated_at = excluded.updated_at`,
		f.ID, f.League, f.Country, f.HomeTeam, f.AwayTeam, f.Venue, formatTime(f.Kickoff),
		status, f.HomeScore, f.AwayScore, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upserting fixture %s: %w", f.ID, err)
	}
	return nil
}

// GetFixture returns a fixture by ID, or nil if it does not exist.
func (db *DB) GetFixture(id string) (*Fixture, error) {
	row := db.conn.QueryRow("SELECT "+fixtureColumns+" FROM fixtures WHERE id = ?", id)
	f, err := scanFixture(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// UpcomingUndiscovered returns scheduled, unpublished fixtures that no
// discovery pass has claimed yet, kicking off within [from, to].
func (db *DB) UpcomingUndiscovered(from, to time.Time) ([]Fixture, error) {
	rows, err := db.conn.Query(
		"SELECT "+fixtureColumns+` FROM fixtures
		WHERE stage = '' AND published = 0 AND match_status = 'scheduled'
			AND kickoff >= ? AND kickoff <= ?
		ORDER BY kickoff`,
		formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFixtures(rows)
}

// MarkDiscovered claims a fixture for the pipeline.
func (db *DB) MarkDiscovered(id, ruleID string, confidence float64, at time.Time) error {
	res, err := db.conn.Exec(
		`UPDATE fixtures SET stage = ?, rule_id = ?, discovery_confidence = ?,
			discovered_at = ?, updated_at = ?
		WHERE id = ? AND stage = ''`,
		StageDiscovered, ruleID, confidence, formatTime(at), formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("marking %s discovered: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fixture %s is missing or already discovered", id)
	}
	return nil
}

// SetStage moves a fixture to the given stage. Last writer wins.
func (db *DB) SetStage(id string, stage Stage) error {
	_, err := db.conn.Exec(
		"UPDATE fixtures SET stage = ?, updated_at = ? WHERE id = ?",
		stage, formatTime(time.Now()), id,
	)
	return err
}

// MarkPublished flags the fixture as published by the given publication.
func (db *DB) MarkPublished(id, publicationID string, at time.Time) error {
	_, err := db.conn.Exec(
		`UPDATE fixtures SET published = 1, publication_id = ?, published_at = ?,
			stage = ?, updated_at = ?
		WHERE id = ?`,
		publicationID, formatTime(at), StagePublished, formatTime(at), id,
	)
	return err
}

// CountDiscoveredSince counts fixtures discovered at or after since. An
// empty ruleID counts across all rules.
func (db *DB) CountDiscoveredSince(ruleID string, since time.Time) (int, error) {
	query := sq.Select("COUNT(*)").From("fixtures").
		Where(sq.GtOrEq{"discovered_at": formatTime(since)})
	if ruleID != "" {
		query = query.Where(sq.Eq{"rule_id": ruleID})
	}
	stmt, args, err := query.ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.conn.QueryRow(stmt, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CountByStage returns the number of fixtures in each pipeline stage.
func (db *DB) CountByStage() (map[Stage]int, error) {
	rows, err := db.conn.Query("SELECT stage, COUNT(*) FROM fixtures GROUP BY stage")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Stage]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		counts[Stage(stage)] = n
	}
	return counts, rows.Err()
}

// FinishedForTeam returns a team's most recent finished fixtures before the
// given time, newest first.
func (db *DB) FinishedForTeam(team string, before time.Time, limit int) ([]Fixture, error) {
	rows, err := db.conn.Query(
		"SELECT "+fixtureColumns+` FROM fixtures
		WHERE match_status = 'finished' AND kickoff < ?
			AND (home_team = ? COLLATE NOCASE OR away_team = ? COLLATE NOCASE)
		ORDER BY kickoff DESC LIMIT ?`,
		formatTime(before), team, team, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFixtures(rows)
}

// HeadToHead returns finished meetings between two teams, newest first.
func (db *DB) HeadToHead(teamA, teamB string, before time.Time, limit int) ([]Fixture, error) {
	rows, err := db.conn.Query(
		"SELECT "+fixtureColumns+` FROM fixtures
		WHERE match_status = 'finished' AND kickoff < ?
			AND ((home_team = ? COLLATE NOCASE AND away_team = ? COLLATE NOCASE)
				OR (home_team = ? COLLATE NOCASE AND away_team = ? COLLATE NOCASE))
		ORDER BY kickoff DESC LIMIT ?`,
		formatTime(before), teamA, teamB, teamB, teamA, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFixtures(rows)
}

// FixtureFilter narrows ListFixtures. Zero values are ignored.
type FixtureFilter struct {
	Stages []Stage
	League string
	From   *time.Time
	To     *time.Time
	Limit  uint64
}

// ListFixtures returns fixtures matching the filter, ordered by kickoff.
func (db *DB) ListFixtures(filter FixtureFilter) ([]Fixture, error) {
	query := sq.Select(fixtureColumns).From("fixtures").OrderBy("kickoff")
	if len(filter.Stages) > 0 {
		stages := make([]string, len(filter.Stages))
		for i, s := range filter.Stages {
			stages[i] = string(s)
		}
		query = query.Where(sq.Eq{"stage": stages})
	}
	if filter.League != "" {
		query = query.Where(sq.Like{"league": "%" + filter.League + "%"})
	}
	if filter.From != nil {
		query = query.Where(sq.GtOrEq{"kickoff": formatTime(*filter.From)})
	}
	if filter.To != nil {
		query = query.Where(sq.LtOrEq{"kickoff": formatTime(*filter.To)})
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building fixture query: %w", err)
	}
	rows, err := db.conn.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFixtures(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFixtureRow(s rowScanner) (*Fixture, error) {
	var f Fixture
	var venue, ruleID, discoveredAt, publicationID, publishedAt sql.NullString
	var homeScore, awayScore sql.NullInt64
	var confidence sql.NullFloat64
	var kickoff, updatedAt, stage string
	var published int
	if err := s.Scan(&f.ID, &f.League, &f.Country, &f.HomeTeam, &f.AwayTeam, &venue,
		&kickoff, &f.MatchStatus, &homeScore, &awayScore, &stage, &ruleID, &confidence,
		&discoveredAt, &published, &publicationID, &publishedAt, &updatedAt); err != nil {
		return nil, err
	}
	f.Venue = nullStringPtr(venue)
	f.Kickoff = parseTime(kickoff)
	if homeScore.Valid {
		v := int(homeScore.Int64)
		f.HomeScore = &v
	}
	if awayScore.Valid {
		v := int(awayScore.Int64)
		f.AwayScore = &v
	}
	f.Stage = Stage(stage)
	f.RuleID = nullStringPtr(ruleID)
	if confidence.Valid {
		v := confidence.Float64
		f.DiscoveryConfidence = &v
	}
	f.DiscoveredAt = parseTimePtr(discoveredAt)
	f.Published = published != 0
	f.PublicationID = nullStringPtr(publicationID)
	f.PublishedAt = parseTimePtr(publishedAt)
	f.UpdatedAt = parseTime(updatedAt)
	return &f, nil
}

func scanFixtures(rows *sql.Rows) ([]Fixture, error) {
	var fixtures []Fixture
	for rows.Next() {
		f, err := scanFixtureRow(rows)
		if err != nil {
			return nil, err
		}
		fixtures = append(fixtures, *f)
	}
	return fixtures, rows.Err()
}

func scanFixture(row *sql.Row) (*Fixture, error) {
	return scanFixtureRow(row)
}
