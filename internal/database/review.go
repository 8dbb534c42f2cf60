package database

import (
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const reviewColumns = `id, fixture_id, analysis_id, validation_id, reason, overall, status,
	created_at, expires_at, resolved_at, resolved_by`

// InsertReviewItem opens a review item. Returns false if the validation
// already has one.
func (db *DB) InsertReviewItem(r ReviewItem) (bool, error) {
	res, err := db.conn.Exec(
		`INSERT OR IGNORE INTO review_queue (`+reviewColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		r.ID, r.FixtureID, r.AnalysisID, r.ValidationID, r.Reason, r.Overall, ReviewOpen,
		formatTime(r.CreatedAt), formatTime(r.ExpiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting review item: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetReviewItem returns a review item by ID, or nil.
func (db *DB) GetReviewItem(id string) (*ReviewItem, error) {
	rows, err := db.conn.Query("SELECT "+reviewColumns+" FROM review_queue WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, err := scanReviewItems(rows)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

// ListReviewItems returns review items, optionally restricted to one status,
// oldest first.
func (db *DB) ListReviewItems(status string) ([]ReviewItem, error) {
	query := sq.Select(reviewColumns).From("review_queue").OrderBy("created_at")
	if status != "" {
		query = query.Where(sq.Eq{"status": status})
	}
	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReviewItems(rows)
}

// ResolveReviewItem closes an open review item. Returns false when the item
// does not exist or is no longer open.
func (db *DB) ResolveReviewItem(id, status, by string, at time.Time) (bool, error) {
	res, err := db.conn.Exec(
		`UPDATE review_queue SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		status, by, formatTime(at), id, ReviewOpen,
	)
	if err != nil {
		return false, fmt.Errorf("resolving review item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ExpiredReviewItems returns open items whose expiry is at or before now.
func (db *DB) ExpiredReviewItems(now time.Time) ([]ReviewItem, error) {
	rows, err := db.conn.Query(
		"SELECT "+reviewColumns+` FROM review_queue WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at`, ReviewOpen, formatTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReviewItems(rows)
}

func scanReviewItems(rows *sql.Rows) ([]ReviewItem, error) {
	var items []ReviewItem
	for rows.Next() {
		var r ReviewItem
		var createdAt, expiresAt string
		var resolvedAt, resolvedBy sql.NullString
		if err := rows.Scan(&r.ID, &r.FixtureID, &r.AnalysisID, &r.ValidationID, &r.Reason,
			&r.Overall, &r.Status, &createdAt, &expiresAt, &resolvedAt, &resolvedBy); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(createdAt)
		r.ExpiresAt = parseTime(expiresAt)
		r.ResolvedAt = parseTimePtr(resolvedAt)
		r.ResolvedBy = nullStringPtr(resolvedBy)
		items = append(items, r)
	}
	return items, rows.Err()
}
