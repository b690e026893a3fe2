package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"lexflow/fault"
)

// DBTX is satisfied by pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const recordColumns = `
	id, subject_type, subject_id, engagement_id, reason,
	status::text, outcome, created_at, updated_at, resolved_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.SubjectType, &rec.SubjectID, &rec.EngagementID, &rec.Reason,
		&rec.Status, &rec.Outcome, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *Repository) Insert(ctx context.Context, tx DBTX, subjectType, subjectID, engagementID, reason string) (Record, error) {
	const insertSQL = `
		INSERT INTO disputes (subject_type, subject_id, engagement_id, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL, subjectType, subjectID, engagementID, reason))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

func (r *Repository) Get(ctx context.Context, q DBTX, id string) (Record, error) {
	rec, err := scanRecord(q.QueryRow(ctx, `SELECT `+recordColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fault.NotFound("dispute %s", id)
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// OpenBySubject returns the under-review ticket attached to a subject,
// if any.
func (r *Repository) OpenBySubject(ctx context.Context, q DBTX, subjectID string) (Record, error) {
	const selectSQL = `
		SELECT ` + recordColumns + `
		FROM disputes
		WHERE subject_id = $1 AND status = 'under_review'
		ORDER BY created_at DESC
		LIMIT 1`

	rec, err := scanRecord(q.QueryRow(ctx, selectSQL, subjectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fault.NotFound("no open dispute for subject %s", subjectID)
		}
		return Record{}, fmt.Errorf("dispute: open by subject: %w", err)
	}
	return rec, nil
}

// Resolve closes a ticket with the given outcome. It is conditioned on
// the ticket still being under review, so concurrent resolutions cannot
// both succeed.
func (r *Repository) Resolve(ctx context.Context, tx DBTX, id, outcome string) (Record, error) {
	const updateSQL = `
		UPDATE disputes
		SET status = 'resolved', outcome = $2, resolved_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'under_review'
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, updateSQL, id, outcome))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fault.StateConflict("dispute %s is not under review", id)
		}
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	return rec, nil
}

// ResolveBySubject closes the open ticket attached to a subject.
func (r *Repository) ResolveBySubject(ctx context.Context, tx DBTX, subjectID, outcome string) (Record, error) {
	const updateSQL = `
		UPDATE disputes
		SET status = 'resolved', outcome = $2, resolved_at = now(), updated_at = now()
		WHERE subject_id = $1 AND status = 'under_review'
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, updateSQL, subjectID, outcome))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fault.StateConflict("no open dispute for subject %s", subjectID)
		}
		return Record{}, fmt.Errorf("dispute: resolve by subject: %w", err)
	}
	return rec, nil
}

func (r *Repository) ListByEngagement(ctx context.Context, q DBTX, engagementID string) ([]Record, error) {
	const selectSQL = `
		SELECT ` + recordColumns + `
		FROM disputes
		WHERE engagement_id = $1
		ORDER BY created_at DESC`

	rows, err := q.Query(ctx, selectSQL, engagementID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.SubjectType, &rec.SubjectID, &rec.EngagementID, &rec.Reason,
			&rec.Status, &rec.Outcome, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) ListOpen(ctx context.Context, q DBTX) ([]Record, error) {
	const selectSQL = `
		SELECT ` + recordColumns + `
		FROM disputes
		WHERE status = 'under_review'
		ORDER BY created_at`

	rows, err := q.Query(ctx, selectSQL)
	if err != nil {
		return nil, fmt.Errorf("dispute: list open: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.SubjectType, &rec.SubjectID, &rec.EngagementID, &rec.Reason,
			&rec.Status, &rec.Outcome, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
