package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"lexflow/auth"
	"lexflow/engagement"
	"lexflow/escrow"
	"lexflow/fault"
	"lexflow/outbox"
)

// Actors drive the real services against a shared engagement so the
// oracles can check cross-table invariants under contention. Expected
// business rejections (state conflicts, version races, permission
// denials) are swallowed; anything else is surfaced as a failure.

func expected(err error) bool {
	if err == nil {
		return true
	}
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindStateConflict, fault.KindConcurrency,
		fault.KindForbidden, fault.KindNotFound, fault.KindCallbackMismatch:
		return true
	}
	if errors.Is(err, escrow.ErrDuplicateSettlement) {
		return true
	}
	// chaos kills backends; in-flight statements surface as admin
	// shutdown or a closed connection and the pool recovers on its own.
	// Deadlock and serialization aborts are NOT tolerated here: the
	// repositories classify those as retryable conflicts, so a raw
	// 40P01/40001 reaching an actor is a classification bug.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P01", "23505":
			return true
		}
	}
	return strings.Contains(err.Error(), "conn closed") ||
		strings.Contains(err.Error(), "unexpected EOF")
}

func jitter(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

// Funder opens orders on the engagement and funds them through the
// settlement callback, replaying roughly a third of the settlements to
// exercise external_ref dedupe.
func Funder(ctx context.Context, svc *escrow.Service, client auth.Actor, engagementID string, stop <-chan struct{}) error {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		n++
		total := decimal.NewFromInt(int64(200 + rand.Intn(800)))
		order, err := svc.OpenOrder(ctx, client, engagementID, fmt.Sprintf("retainer %d", n), "USD", total)
		if err != nil {
			if !expected(err) {
				return fmt.Errorf("funder open: %w", err)
			}
			jitter(30, 50)
			continue
		}
		// fund in two chunks, sometimes replaying the first
		half := total.Div(decimal.NewFromInt(2)).Round(2)
		ref := fmt.Sprintf("rail-%s-1", order.ID)
		if _, err := svc.ConfirmFunding(ctx, order.ID, half, ref); !expected(err) {
			return fmt.Errorf("funder settle: %w", err)
		}
		if rand.Intn(3) == 0 {
			if _, err := svc.ConfirmFunding(ctx, order.ID, half, ref); !expected(err) {
				return fmt.Errorf("funder replay: %w", err)
			}
		}
		rest := total.Sub(half)
		if _, err := svc.ConfirmFunding(ctx, order.ID, rest, fmt.Sprintf("rail-%s-2", order.ID)); !expected(err) {
			return fmt.Errorf("funder settle rest: %w", err)
		}
		jitter(40, 60)
	}
}

// MilestoneAuthor carves funded orders into milestones and starts some of them.
func MilestoneAuthor(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, attorney auth.Actor, engagementID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var orderID string
		err := pool.QueryRow(ctx, `SELECT id FROM payment_orders
                                    WHERE engagement_id=$1 AND status IN ('paid_held','partially_released')
                                    ORDER BY random() LIMIT 1`, engagementID).Scan(&orderID)
		if err == nil {
			amount := decimal.NewFromInt(int64(20 + rand.Intn(120)))
			m, err := svc.AddMilestone(ctx, attorney, orderID, "drafting", "filed brief", amount, nil)
			if err == nil && rand.Intn(2) == 0 {
				_, err = svc.StartMilestone(ctx, attorney, m.ID)
			}
			if !expected(err) {
				return fmt.Errorf("milestone author: %w", err)
			}
		}
		jitter(25, 40)
	}
}

// Releaser races release requests and confirmations over open milestones.
func Releaser(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, client, attorney auth.Actor, engagementID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var milestoneID, status string
		err := pool.QueryRow(ctx, `SELECT m.id, m.status::text FROM milestones m
                                    JOIN payment_orders o ON o.id = m.order_id
                                    WHERE o.engagement_id=$1 AND m.status IN ('pending','in_progress','ready_for_release')
                                    ORDER BY random() LIMIT 1`, engagementID).Scan(&milestoneID, &status)
		if err == nil {
			if status == "ready_for_release" {
				_, err = svc.ConfirmRelease(ctx, client, milestoneID)
			} else {
				_, err = svc.RequestRelease(ctx, attorney, milestoneID)
			}
			if !expected(err) {
				return fmt.Errorf("releaser: %w", err)
			}
		}
		jitter(20, 40)
	}
}

// Disputer opens milestone disputes; Arbiter resolves whatever is under
// review with a random outcome. Run together they exercise the order
// freeze and its lifting.
func Disputer(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, client auth.Actor, engagementID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var milestoneID string
		err := pool.QueryRow(ctx, `SELECT m.id FROM milestones m
                                    JOIN payment_orders o ON o.id = m.order_id
                                    WHERE o.engagement_id=$1 AND m.status IN ('pending','in_progress','ready_for_release')
                                    ORDER BY random() LIMIT 1`, engagementID).Scan(&milestoneID)
		if err == nil {
			if _, err := svc.DisputeMilestone(ctx, client, milestoneID, "deliverable rejected"); !expected(err) {
				return fmt.Errorf("disputer: %w", err)
			}
		}
		jitter(120, 120)
	}
}

// Arbiter resolves open milestone disputes as an admin.
func Arbiter(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, admin auth.Actor, engagementID string, stop <-chan struct{}) error {
	outcomes := []escrow.DisputeOutcome{escrow.OutcomeRelease, escrow.OutcomeRefund, escrow.OutcomeReinstate}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var milestoneID string
		err := pool.QueryRow(ctx, `SELECT m.id FROM milestones m
                                    JOIN payment_orders o ON o.id = m.order_id
                                    WHERE o.engagement_id=$1 AND m.status='disputed'
                                    ORDER BY random() LIMIT 1`, engagementID).Scan(&milestoneID)
		if err == nil {
			outcome := outcomes[rand.Intn(len(outcomes))]
			if _, err := svc.ResolveDispute(ctx, admin, milestoneID, outcome, "stress ruling"); !expected(err) {
				return fmt.Errorf("arbiter: %w", err)
			}
		}
		jitter(80, 100)
	}
}

// Refunder asks for partial refunds and settles them through the rail
// callback, occasionally replaying the callback.
func Refunder(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, client auth.Actor, engagementID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var orderID string
		var held decimal.Decimal
		err := pool.QueryRow(ctx, `SELECT id, amount_held FROM payment_orders
                                    WHERE engagement_id=$1 AND status IN ('paid_held','partially_released') AND amount_held > 0
                                    ORDER BY random() LIMIT 1`, engagementID).Scan(&orderID, &held)
		if err == nil {
			amount := held.Div(decimal.NewFromInt(4)).Round(2)
			if amount.IsPositive() {
				order, err := svc.RequestRefund(ctx, client, orderID, amount, "scope cut")
				if !expected(err) {
					return fmt.Errorf("refunder request: %w", err)
				}
				if err == nil {
					ref := fmt.Sprintf("refund-%s-%d", order.ID, time.Now().UnixNano())
					if _, err := svc.ConfirmRefundSettlement(ctx, order.ID, amount, ref); !expected(err) {
						return fmt.Errorf("refunder settle: %w", err)
					}
					if rand.Intn(4) == 0 {
						if _, err := svc.ConfirmRefundSettlement(ctx, order.ID, amount, ref); !expected(err) {
							return fmt.Errorf("refunder replay: %w", err)
						}
					}
				}
			}
		}
		jitter(150, 150)
	}
}

// Verifier replays the payment event log against the stored buckets.
func Verifier(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, engagementID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var orderID string
		err := pool.QueryRow(ctx, `SELECT id FROM payment_orders WHERE engagement_id=$1 ORDER BY random() LIMIT 1`, engagementID).Scan(&orderID)
		if err == nil {
			if err := svc.VerifyProjection(ctx, orderID); !expected(err) {
				return fmt.Errorf("verifier: %w", err)
			}
		}
		jitter(100, 100)
	}
}

// CompletionRacer drives the two-phase completion handshake on its own
// engagement, racing the confirm against the auto-complete sweep.
func CompletionRacer(ctx context.Context, svc *engagement.Service, client, attorney auth.Actor, engagementID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.RequestCompletion(ctx, attorney, engagementID); !expected(err) {
			return fmt.Errorf("completion request: %w", err)
		}
		if rand.Intn(2) == 0 {
			if _, err := svc.ConfirmCompletion(ctx, client, engagementID); !expected(err) {
				return fmt.Errorf("completion confirm: %w", err)
			}
		}
		jitter(60, 80)
	}
}

// Sweeper runs the auto-complete sweep concurrently with the racers.
func Sweeper(ctx context.Context, svc *engagement.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.AutoCompleteSweep(ctx); !expected(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		jitter(50, 50)
	}
}

// Relay drains the outbox in a loop so delivery races the producers.
func Relay(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	w := outbox.NewWorker(pool, outbox.LogPublisher(), 25, 5, time.Second)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := w.DrainOnce(ctx); !expected(err) {
			return fmt.Errorf("relay: %w", err)
		}
		jitter(60, 60)
	}
}
