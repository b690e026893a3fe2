package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"lexflow/fault"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so repository reads
// can run inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository defines the data access required by the service.
type Repository interface {
	Insert(ctx context.Context, tx DBTX, e Engagement) (Engagement, error)
	Get(ctx context.Context, q DBTX, id string) (Engagement, error)
	Update(ctx context.Context, tx DBTX, e Engagement) (Engagement, error)
	ListByParty(ctx context.Context, q DBTX, userID string, limit, offset int) ([]Engagement, error)
	AppendTimeline(ctx context.Context, tx DBTX, engagementID, eventType string, actorID string, payload map[string]any) error
	ListTimeline(ctx context.Context, q DBTX, engagementID string) ([]TimelineEvent, error)
	SweepAutoComplete(ctx context.Context, tx DBTX) ([]string, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

// lockConflict reports serialization failures and deadlock aborts, both
// safe to replay from the top of the transaction.
func lockConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

const engagementColumns = `
	id, case_id, bid_id, client_id, attorney_id, conversation_id, status::text,
	service_boundary, service_scope_summary, stage_plan, fee_mode,
	fee_amount_min, fee_amount_max, includes_court_appearance, includes_document_drafting,
	client_compliance_ack, attorney_compliance_ack, attorney_conflict_checked,
	conflict_check_note, conflict_checked_at,
	attorney_confirmed_at, client_confirmed_at,
	completion_status::text, completion_requested_at, completion_auto_at,
	completion_confirmed_at, completion_note,
	version, created_at, updated_at`

func scanEngagement(row pgx.Row) (Engagement, error) {
	var e Engagement
	err := row.Scan(
		&e.ID, &e.CaseID, &e.BidID, &e.ClientID, &e.AttorneyID, &e.ConversationID, &e.Status,
		&e.ServiceBoundary, &e.ServiceScopeSummary, &e.StagePlan, &e.FeeMode,
		&e.FeeAmountMin, &e.FeeAmountMax, &e.IncludesCourtAppearance, &e.IncludesDocumentDrafting,
		&e.ClientComplianceAck, &e.AttorneyComplianceAck, &e.AttorneyConflictChecked,
		&e.ConflictCheckNote, &e.ConflictCheckedAt,
		&e.AttorneyConfirmedAt, &e.ClientConfirmedAt,
		&e.CompletionStatus, &e.CompletionRequestedAt, &e.CompletionAutoAt,
		&e.CompletionConfirmedAt, &e.CompletionNote,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return Engagement{}, err
	}
	return e, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx DBTX, e Engagement) (Engagement, error) {
	const insertSQL = `
		INSERT INTO engagements (case_id, bid_id, client_id, attorney_id, conversation_id, status)
		VALUES ($1, $2, $3, $4, $5, 'draft')
		RETURNING ` + engagementColumns

	created, err := scanEngagement(tx.QueryRow(ctx, insertSQL,
		e.CaseID, e.BidID, e.ClientID, e.AttorneyID, e.ConversationID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Engagement{}, fault.StateConflict("engagement already exists for bid %s", e.BidID)
		}
		return Engagement{}, fmt.Errorf("engagement: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, q DBTX, id string) (Engagement, error) {
	const selectSQL = `SELECT ` + engagementColumns + ` FROM engagements WHERE id = $1`

	e, err := scanEngagement(q.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Engagement{}, fault.NotFound("engagement %s", id)
		}
		return Engagement{}, fmt.Errorf("engagement: get: %w", err)
	}
	return e, nil
}

// Update writes the full mutable state conditioned on the version the
// caller read. Zero rows affected means another writer got there first.
func (r *PGRepository) Update(ctx context.Context, tx DBTX, e Engagement) (Engagement, error) {
	const updateSQL = `
		UPDATE engagements SET
			status = $2::engagement_status,
			service_boundary = $3,
			service_scope_summary = $4,
			stage_plan = $5::jsonb,
			fee_mode = $6,
			fee_amount_min = $7,
			fee_amount_max = $8,
			includes_court_appearance = $9,
			includes_document_drafting = $10,
			client_compliance_ack = $11,
			attorney_compliance_ack = $12,
			attorney_conflict_checked = $13,
			conflict_check_note = $14,
			conflict_checked_at = $15,
			attorney_confirmed_at = $16,
			client_confirmed_at = $17,
			completion_status = $18::completion_status,
			completion_requested_at = $19,
			completion_auto_at = $20,
			completion_confirmed_at = $21,
			completion_note = $22,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $23
		RETURNING ` + engagementColumns

	stagePlan := e.StagePlan
	if stagePlan == nil {
		stagePlan = json.RawMessage(`[]`)
	}

	updated, err := scanEngagement(tx.QueryRow(ctx, updateSQL,
		e.ID, e.Status,
		e.ServiceBoundary, e.ServiceScopeSummary, stagePlan, e.FeeMode,
		e.FeeAmountMin, e.FeeAmountMax, e.IncludesCourtAppearance, e.IncludesDocumentDrafting,
		e.ClientComplianceAck, e.AttorneyComplianceAck, e.AttorneyConflictChecked,
		e.ConflictCheckNote, e.ConflictCheckedAt,
		e.AttorneyConfirmedAt, e.ClientConfirmedAt,
		e.CompletionStatus, e.CompletionRequestedAt, e.CompletionAutoAt,
		e.CompletionConfirmedAt, e.CompletionNote,
		e.Version,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Engagement{}, fault.Concurrency("engagement %s version %d superseded", e.ID, e.Version)
		}
		if lockConflict(err) {
			return Engagement{}, fault.Concurrency("engagement %s write lost a lock conflict", e.ID)
		}
		return Engagement{}, fmt.Errorf("engagement: update: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) ListByParty(ctx context.Context, q DBTX, userID string, limit, offset int) ([]Engagement, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	const listSQL = `
		SELECT ` + engagementColumns + `
		FROM engagements
		WHERE client_id = $1 OR attorney_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := q.Query(ctx, listSQL, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("engagement: list: %w", err)
	}
	defer rows.Close()

	out := make([]Engagement, 0, limit)
	for rows.Next() {
		e, err := scanEngagement(rows)
		if err != nil {
			return nil, fmt.Errorf("engagement: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engagement: iterate: %w", err)
	}
	return out, nil
}

// AppendTimeline writes the next sequential business event. The unique
// (engagement_id, seq) constraint turns a concurrent append into a
// retryable conflict.
func (r *PGRepository) AppendTimeline(ctx context.Context, tx DBTX, engagementID, eventType string, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("engagement: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}

	const insertSQL = `
		INSERT INTO timeline_events (engagement_id, seq, type, actor_id, payload)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4::jsonb
		FROM timeline_events WHERE engagement_id = $1`

	if _, err := tx.Exec(ctx, insertSQL, engagementID, eventType, actor, body); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fault.Concurrency("timeline seq taken for engagement %s", engagementID)
		}
		if lockConflict(err) {
			return fault.Concurrency("timeline append for engagement %s lost a lock conflict", engagementID)
		}
		return fmt.Errorf("engagement: insert timeline event: %w", err)
	}
	return nil
}

func (r *PGRepository) ListTimeline(ctx context.Context, q DBTX, engagementID string) ([]TimelineEvent, error) {
	const listSQL = `
		SELECT id, engagement_id, seq, type, actor_id, payload, created_at
		FROM timeline_events
		WHERE engagement_id = $1
		ORDER BY seq`

	rows, err := q.Query(ctx, listSQL, engagementID)
	if err != nil {
		return nil, fmt.Errorf("engagement: list timeline: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineEvent, 0, 16)
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.EngagementID, &ev.Seq, &ev.Type, &ev.ActorID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("engagement: scan timeline: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engagement: iterate timeline: %w", err)
	}
	return out, nil
}

// SweepAutoComplete flips every overdue completion request in one
// conditional statement: rows already confirmed, disputed, or swept by a
// concurrent scheduler no longer match the WHERE clause, which is what
// makes the sweep idempotent.
func (r *PGRepository) SweepAutoComplete(ctx context.Context, tx DBTX) ([]string, error) {
	const sweepSQL = `
		UPDATE engagements
		SET completion_status = 'auto_completed',
			status = 'completed',
			version = version + 1,
			updated_at = now()
		WHERE completion_status = 'requested_by_attorney'
		  AND status = 'active'
		  AND completion_auto_at <= now()
		RETURNING id`

	rows, err := tx.Query(ctx, sweepSQL)
	if err != nil {
		return nil, fmt.Errorf("engagement: sweep: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("engagement: sweep scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engagement: sweep iterate: %w", err)
	}
	return ids, nil
}
