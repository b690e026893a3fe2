package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"lexflow/fault"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository defines the data access required by the escrow service.
type Repository interface {
	InsertOrder(ctx context.Context, tx DBTX, o Order) (Order, error)
	GetOrder(ctx context.Context, q DBTX, id string) (Order, error)
	UpdateOrder(ctx context.Context, tx DBTX, o Order) (Order, error)
	FlagReconciliation(ctx context.Context, q DBTX, orderID string) error
	ListOrdersByEngagement(ctx context.Context, q DBTX, engagementID string) ([]Order, error)
	Parties(ctx context.Context, q DBTX, orderID string) (Parties, error)
	EngagementParties(ctx context.Context, q DBTX, engagementID string) (Parties, error)

	InsertMilestone(ctx context.Context, tx DBTX, m Milestone) (Milestone, error)
	GetMilestone(ctx context.Context, q DBTX, id string) (Milestone, error)
	UpdateMilestone(ctx context.Context, tx DBTX, m Milestone, expect MilestoneStatus) (Milestone, error)
	ListMilestones(ctx context.Context, q DBTX, orderID string) ([]Milestone, error)
	ActiveMilestoneSum(ctx context.Context, q DBTX, orderID string) (decimal.Decimal, error)
	DisputedMilestoneCount(ctx context.Context, q DBTX, orderID string) (int, error)

	AppendEvent(ctx context.Context, tx DBTX, ev Event) error
	ListEvents(ctx context.Context, q DBTX, orderID string) ([]Event, error)

	InsertSettlement(ctx context.Context, tx DBTX, externalRef, orderID, kind string, amount decimal.Decimal) error
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

// lockConflict reports serialization failures and deadlock aborts.
// Either victim can replay its transaction from the top, so both map to
// the retryable conflict kind.
func lockConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

const orderColumns = `
	id, engagement_id, title, status::text, currency,
	amount_total, amount_held, amount_released, amount_refunded,
	hold_blocked_by_dispute, refund_settling, needs_reconciliation,
	version, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.EngagementID, &o.Title, &o.Status, &o.Currency,
		&o.AmountTotal, &o.AmountHeld, &o.AmountReleased, &o.AmountRefunded,
		&o.HoldBlockedByDispute, &o.RefundSettling, &o.NeedsReconciliation,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

func (r *PGRepository) InsertOrder(ctx context.Context, tx DBTX, o Order) (Order, error) {
	const insertSQL = `
		INSERT INTO payment_orders (engagement_id, title, currency, amount_total)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + orderColumns

	created, err := scanOrder(tx.QueryRow(ctx, insertSQL, o.EngagementID, o.Title, o.Currency, o.AmountTotal))
	if err != nil {
		return Order{}, fmt.Errorf("escrow: insert order: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetOrder(ctx context.Context, q DBTX, id string) (Order, error) {
	const selectSQL = `SELECT ` + orderColumns + ` FROM payment_orders WHERE id = $1`

	o, err := scanOrder(q.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fault.NotFound("payment order %s", id)
		}
		return Order{}, fmt.Errorf("escrow: get order: %w", err)
	}
	return o, nil
}

// UpdateOrder writes buckets, markers, and projected status conditioned
// on the version the caller read.
func (r *PGRepository) UpdateOrder(ctx context.Context, tx DBTX, o Order) (Order, error) {
	const updateSQL = `
		UPDATE payment_orders SET
			status = $2::payment_order_status,
			amount_held = $3,
			amount_released = $4,
			amount_refunded = $5,
			hold_blocked_by_dispute = $6,
			refund_settling = $7,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $8
		RETURNING ` + orderColumns

	updated, err := scanOrder(tx.QueryRow(ctx, updateSQL,
		o.ID, o.Status, o.AmountHeld, o.AmountReleased, o.AmountRefunded,
		o.HoldBlockedByDispute, o.RefundSettling, o.Version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fault.Concurrency("order %s version %d superseded", o.ID, o.Version)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return Order{}, fault.Invariant("order %s: bucket constraint rejected write: %s", o.ID, pgErr.ConstraintName)
		}
		if lockConflict(err) {
			return Order{}, fault.Concurrency("order %s write lost a lock conflict", o.ID)
		}
		return Order{}, fmt.Errorf("escrow: update order: %w", err)
	}
	return updated, nil
}

// FlagReconciliation marks an order for manual review outside the failed
// transaction; it deliberately skips the version check.
func (r *PGRepository) FlagReconciliation(ctx context.Context, q DBTX, orderID string) error {
	_, err := q.Exec(ctx, `UPDATE payment_orders SET needs_reconciliation = TRUE, updated_at = now() WHERE id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("escrow: flag reconciliation: %w", err)
	}
	return nil
}

func (r *PGRepository) ListOrdersByEngagement(ctx context.Context, q DBTX, engagementID string) ([]Order, error) {
	const listSQL = `SELECT ` + orderColumns + ` FROM payment_orders WHERE engagement_id = $1 ORDER BY created_at`

	rows, err := q.Query(ctx, listSQL, engagementID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list orders: %w", err)
	}
	defer rows.Close()

	out := make([]Order, 0, 4)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate orders: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Parties(ctx context.Context, q DBTX, orderID string) (Parties, error) {
	const selectSQL = `
		SELECT e.id, e.client_id, e.attorney_id, e.status::text
		FROM payment_orders o
		JOIN engagements e ON e.id = o.engagement_id
		WHERE o.id = $1`

	var p Parties
	err := q.QueryRow(ctx, selectSQL, orderID).
		Scan(&p.EngagementID, &p.ClientID, &p.AttorneyID, &p.EngagementStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Parties{}, fault.NotFound("payment order %s", orderID)
		}
		return Parties{}, fmt.Errorf("escrow: order parties: %w", err)
	}
	return p, nil
}

func (r *PGRepository) EngagementParties(ctx context.Context, q DBTX, engagementID string) (Parties, error) {
	const selectSQL = `
		SELECT id, client_id, attorney_id, status::text
		FROM engagements
		WHERE id = $1`

	var p Parties
	err := q.QueryRow(ctx, selectSQL, engagementID).
		Scan(&p.EngagementID, &p.ClientID, &p.AttorneyID, &p.EngagementStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Parties{}, fault.NotFound("engagement %s", engagementID)
		}
		return Parties{}, fmt.Errorf("escrow: engagement parties: %w", err)
	}
	return p, nil
}

const milestoneColumns = `
	id, order_id, sort_order, title, deliverable, amount, target_date, status::text,
	release_requested_at, release_review_status, released_at, created_at, updated_at`

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(
		&m.ID, &m.OrderID, &m.SortOrder, &m.Title, &m.Deliverable, &m.Amount, &m.TargetDate, &m.Status,
		&m.ReleaseRequestedAt, &m.ReleaseReviewStatus, &m.ReleasedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return Milestone{}, err
	}
	return m, nil
}

func (r *PGRepository) InsertMilestone(ctx context.Context, tx DBTX, m Milestone) (Milestone, error) {
	const insertSQL = `
		INSERT INTO milestones (order_id, sort_order, title, deliverable, amount, target_date)
		VALUES ($1, COALESCE((SELECT MAX(sort_order) FROM milestones WHERE order_id = $1), 0) + 1, $2, $3, $4, $5)
		RETURNING ` + milestoneColumns

	created, err := scanMilestone(tx.QueryRow(ctx, insertSQL, m.OrderID, m.Title, m.Deliverable, m.Amount, m.TargetDate))
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: insert milestone: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetMilestone(ctx context.Context, q DBTX, id string) (Milestone, error) {
	const selectSQL = `SELECT ` + milestoneColumns + ` FROM milestones WHERE id = $1`

	m, err := scanMilestone(q.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, fault.NotFound("milestone %s", id)
		}
		return Milestone{}, fmt.Errorf("escrow: get milestone: %w", err)
	}
	return m, nil
}

// UpdateMilestone asserts the expected pre-state status so concurrent
// transitions on the same milestone conflict instead of overwriting.
func (r *PGRepository) UpdateMilestone(ctx context.Context, tx DBTX, m Milestone, expect MilestoneStatus) (Milestone, error) {
	const updateSQL = `
		UPDATE milestones SET
			status = $2::milestone_status,
			release_requested_at = $3,
			release_review_status = $4,
			released_at = $5,
			updated_at = now()
		WHERE id = $1 AND status = $6::milestone_status
		RETURNING ` + milestoneColumns

	updated, err := scanMilestone(tx.QueryRow(ctx, updateSQL,
		m.ID, m.Status, m.ReleaseRequestedAt, m.ReleaseReviewStatus, m.ReleasedAt, expect))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, fault.Concurrency("milestone %s no longer %s", m.ID, expect)
		}
		if lockConflict(err) {
			return Milestone{}, fault.Concurrency("milestone %s write lost a lock conflict", m.ID)
		}
		return Milestone{}, fmt.Errorf("escrow: update milestone: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) ListMilestones(ctx context.Context, q DBTX, orderID string) ([]Milestone, error) {
	const listSQL = `SELECT ` + milestoneColumns + ` FROM milestones WHERE order_id = $1 ORDER BY sort_order`

	rows, err := q.Query(ctx, listSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list milestones: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 8)
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	return out, nil
}

// ActiveMilestoneSum returns the total of non-cancelled milestone
// amounts, which must never exceed the order total.
func (r *PGRepository) ActiveMilestoneSum(ctx context.Context, q DBTX, orderID string) (decimal.Decimal, error) {
	const sumSQL = `
		SELECT COALESCE(SUM(amount), 0)
		FROM milestones
		WHERE order_id = $1 AND status <> 'cancelled'`

	var sum decimal.Decimal
	if err := q.QueryRow(ctx, sumSQL, orderID).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("escrow: milestone sum: %w", err)
	}
	return sum, nil
}

func (r *PGRepository) DisputedMilestoneCount(ctx context.Context, q DBTX, orderID string) (int, error) {
	var n int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM milestones WHERE order_id = $1 AND status = 'disputed'`, orderID).Scan(&n); err != nil {
		return 0, fmt.Errorf("escrow: disputed count: %w", err)
	}
	return n, nil
}

// AppendEvent writes the next entry of the append-only payment log. The
// unique (order_id, seq) constraint turns concurrent appends into
// retryable conflicts.
func (r *PGRepository) AppendEvent(ctx context.Context, tx DBTX, ev Event) error {
	const insertSQL = `
		INSERT INTO payment_events (order_id, milestone_id, seq, type, amount, note)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5
		FROM payment_events WHERE order_id = $1`

	if _, err := tx.Exec(ctx, insertSQL, ev.OrderID, ev.MilestoneID, ev.Type, ev.Amount, ev.Note); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fault.Concurrency("event seq taken for order %s", ev.OrderID)
		}
		if lockConflict(err) {
			return fault.Concurrency("event append for order %s lost a lock conflict", ev.OrderID)
		}
		return fmt.Errorf("escrow: append event: %w", err)
	}
	return nil
}

func (r *PGRepository) ListEvents(ctx context.Context, q DBTX, orderID string) ([]Event, error) {
	const listSQL = `
		SELECT id, order_id, milestone_id, seq, type::text, amount, note, created_at
		FROM payment_events
		WHERE order_id = $1
		ORDER BY seq`

	rows, err := q.Query(ctx, listSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.MilestoneID, &ev.Seq, &ev.Type, &ev.Amount, &ev.Note, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate events: %w", err)
	}
	return out, nil
}

// ErrDuplicateSettlement signals the external ref was already recorded;
// the callback is a replay and must be a no-op.
var ErrDuplicateSettlement = errors.New("escrow: duplicate settlement ref")

func (r *PGRepository) InsertSettlement(ctx context.Context, tx DBTX, externalRef, orderID, kind string, amount decimal.Decimal) error {
	_, err := tx.Exec(ctx, `INSERT INTO settlements (external_ref, order_id, kind, amount) VALUES ($1, $2, $3, $4)`,
		externalRef, orderID, kind, amount)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSettlement
		}
		return fmt.Errorf("escrow: insert settlement: %w", err)
	}
	return nil
}

