package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const validationColumns = `id, fixture_id, analysis_id, overall, safety, accuracy, completeness,
	style, checks, critical_issues, major_issues, minor_issues, status, reason,
	auto_approved, validated_at`

// InsertValidation stores a validation record. Records are immutable: a
// second validation for the same analysis returns ErrDuplicate.
func (db *DB) InsertValidation(v Validation) error {
	checks, err := encodeJSON(v.Checks)
	if err != nil {
		return err
	}
	critical, _ := encodeJSON(v.CriticalIssues)
	major, _ := encodeJSON(v.MajorIssues)
	minor, _ := encodeJSON(v.MinorIssues)
	_, err = db.conn.Exec(
		`INSERT INTO validations (`+validationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.FixtureID, v.AnalysisID, v.Overall, v.Safety, v.Accuracy, v.Completeness,
		v.Style, checks, critical, major, minor, v.Status, v.Reason,
		boolInt(v.AutoApproved), formatTime(v.ValidatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("validation for analysis %s: %w", v.AnalysisID, ErrDuplicate)
		}
		return fmt.Errorf("inserting validation: %w", err)
	}
	return nil
}

// GetValidation returns a validation by ID, or nil.
func (db *DB) GetValidation(id string) (*Validation, error) {
	return db.queryValidation("SELECT "+validationColumns+" FROM validations WHERE id = ?", id)
}

// LatestValidationForFixture returns the newest validation of a fixture, or nil.
func (db *DB) LatestValidationForFixture(fixtureID string) (*Validation, error) {
	return db.queryValidation(
		"SELECT "+validationColumns+` FROM validations WHERE fixture_id = ?
		ORDER BY validated_at DESC LIMIT 1`, fixtureID)
}

func (db *DB) queryValidation(query, arg string) (*Validation, error) {
	var v Validation
	var checks, validatedAt string
	var critical, major, minor sql.NullString
	var auto int
	err := db.conn.QueryRow(query, arg).Scan(&v.ID, &v.FixtureID, &v.AnalysisID, &v.Overall,
		&v.Safety, &v.Accuracy, &v.Completeness, &v.Style, &checks, &critical, &major, &minor,
		&v.Status, &v.Reason, &auto, &validatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(checks), &v.Checks); err != nil {
		return nil, fmt.Errorf("decoding checks of %s: %w", v.ID, err)
	}
	v.CriticalIssues = decodeStrings(critical)
	v.MajorIssues = decodeStrings(major)
	v.MinorIssues = decodeStrings(minor)
	v.AutoApproved = auto != 0
	v.ValidatedAt = parseTime(validatedAt)
	return &v, nil
}

// ValidationSummary aggregates validations over a period.
type ValidationSummary struct {
	Count      int
	Approved   int
	AvgOverall float64
}

// SummarizeValidationsSince counts validations at or after since.
func (db *DB) SummarizeValidationsSince(since time.Time) (ValidationSummary, error) {
	var s ValidationSummary
	err := db.conn.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(status = ?), 0), COALESCE(AVG(overall), 0)
		FROM validations WHERE validated_at >= ?`,
		ValidationApproved, formatTime(since),
	).Scan(&s.Count, &s.Approved, &s.AvgOverall)
	if err != nil {
		return s, fmt.Errorf("summarizing validations: %w", err)
	}
	return s, nil
}
