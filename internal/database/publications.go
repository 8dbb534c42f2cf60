package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const publicationColumns = `id, fixture_id, analysis_id, validation_id, status, type, priority,
	scheduled_for, published_at, snapshot, error, created_at, updated_at`

// SavePublication inserts a publication or updates its mutable fields.
func (db *DB) SavePublication(p Publication) error {
	var snapshot *string
	if p.Snapshot != nil {
		s, err := encodeJSON(p.Snapshot)
		if err != nil {
			return fmt.Errorf("encoding snapshot: %w", err)
		}
		snapshot = &s
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := db.conn.Exec(
		`INSERT INTO publications (`+publicationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			scheduled_for = excluded.scheduled_for,
			published_at = excluded.published_at,
			snapshot = COALESCE(excluded.snapshot, publications.snapshot),
			error = excluded.error,
			updated_at = excluded.updated_at`,
		p.ID, p.FixtureID, p.AnalysisID, p.ValidationID, p.Status, p.Type, p.Priority,
		formatTimePtr(p.ScheduledFor), formatTimePtr(p.PublishedAt), snapshot, p.Error,
		formatTime(p.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("saving publication %s: %w", p.ID, err)
	}
	return nil
}

// GetPublication returns a publication by ID, or nil.
func (db *DB) GetPublication(id string) (*Publication, error) {
	rows, err := db.conn.Query("SELECT "+publicationColumns+" FROM publications WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	pubs, err := scanPublications(rows)
	if err != nil || len(pubs) == 0 {
		return nil, err
	}
	return &pubs[0], nil
}

// PublicationFilter narrows ListPublications. Zero values are ignored.
type PublicationFilter struct {
	Status    string
	Type      string
	FixtureID string
	Since     *time.Time
	Limit     uint64
}

// ListPublications returns publications matching the filter, newest first.
func (db *DB) ListPublications(filter PublicationFilter) ([]Publication, error) {
	query := sq.Select(publicationColumns).From("publications").OrderBy("created_at DESC")
	if filter.Status != "" {
		query = query.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Type != "" {
		query = query.Where(sq.Eq{"type": filter.Type})
	}
	if filter.FixtureID != "" {
		query = query.Where(sq.Eq{"fixture_id": filter.FixtureID})
	}
	if filter.Since != nil {
		query = query.Where(sq.GtOrEq{"created_at": formatTime(*filter.Since)})
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building publication query: %w", err)
	}
	rows, err := db.conn.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPublications(rows)
}

// TransitionPublication moves a publication from one status to another and
// reports whether the row was still in the from status.
func (db *DB) TransitionPublication(id, from, to string) (bool, error) {
	res, err := db.conn.Exec(
		`UPDATE publications SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, formatTime(time.Now()), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("updating publication %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ScheduledPublications returns every publication still waiting to fire,
// earliest first.
func (db *DB) ScheduledPublications() ([]Publication, error) {
	rows, err := db.conn.Query(
		"SELECT "+publicationColumns+` FROM publications WHERE status = ?
		ORDER BY scheduled_for`, PublicationScheduled,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPublications(rows)
}

// AppendAudit appends an entry to a publication's audit trail.
func (db *DB) AppendAudit(e AuditEntry) error {
	_, err := db.conn.Exec(
		`INSERT INTO publication_audit (publication_id, seq, timestamp, action, actor, details)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM publication_audit WHERE publication_id = ?),
			?, ?, ?, ?)`,
		e.PublicationID, e.PublicationID, formatTime(e.Timestamp), e.Action, e.Actor, e.Details,
	)
	if err != nil {
		return fmt.Errorf("appending audit %s for %s: %w", e.Action, e.PublicationID, err)
	}
	return nil
}

// AuditTrail returns a publication's audit entries in order.
func (db *DB) AuditTrail(publicationID string) ([]AuditEntry, error) {
	rows, err := db.conn.Query(
		`SELECT publication_id, seq, timestamp, action, actor, details
		FROM publication_audit WHERE publication_id = ? ORDER BY seq`, publicationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		if err := rows.Scan(&e.PublicationID, &e.Seq, &ts, &e.Action, &e.Actor, &e.Details); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanPublications(rows *sql.Rows) ([]Publication, error) {
	var pubs []Publication
	for rows.Next() {
		var p Publication
		var validationID, scheduledFor, publishedAt, snapshot, errMsg sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.FixtureID, &p.AnalysisID, &validationID, &p.Status,
			&p.Type, &p.Priority, &scheduledFor, &publishedAt, &snapshot, &errMsg,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.ValidationID = nullStringPtr(validationID)
		p.ScheduledFor = parseTimePtr(scheduledFor)
		p.PublishedAt = parseTimePtr(publishedAt)
		if snapshot.Valid && snapshot.String != "" {
			var s Snapshot
			if err := json.Unmarshal([]byte(snapshot.String), &s); err != nil {
				return nil, fmt.Errorf("decoding snapshot of %s: %w", p.ID, err)
			}
			p.Snapshot = &s
		}
		p.Error = nullStringPtr(errMsg)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		pubs = append(pubs, p)
	}
	return pubs, rows.Err()
}
