package escrow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lexflow/auth"
	"lexflow/fault"
	"lexflow/outbox"
)

// Pool is the pgxpool.Pool surface the service depends on: transaction
// control plus plain queries for reads.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	DBTX
}

// DisputeGate files and resolves tickets with the external dispute
// process inside the caller's transaction.
type DisputeGate interface {
	Open(ctx context.Context, tx pgx.Tx, subjectType, subjectID, engagementID, reason string) (string, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, subjectID, outcome string) error
}

// maxRetries bounds re-reads after an optimistic-lock conflict.
const maxRetries = 3

// Service implements the payment order, milestone, and escrow ledger
// operations. Every mutation updates the buckets, appends a payment
// event, and re-derives the order status inside one transaction.
type Service struct {
	pool     Pool
	repo     Repository
	disputes DisputeGate
	now      func() time.Time
}

func NewService(pool Pool, repo Repository, disputes DisputeGate) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		disputes: disputes,
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// run executes fn in a transaction under the bounded retry policy. An
// invariant violation flags the order for manual reconciliation after
// the transaction has rolled back.
func (s *Service) run(ctx context.Context, orderID string, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if fault.Is(err, fault.KindInvariant) && orderID != "" {
			if flagErr := s.repo.FlagReconciliation(ctx, s.pool, orderID); flagErr != nil {
				log.Printf("escrow: flag reconciliation for %s: %v", orderID, flagErr)
			}
			return err
		}
		if !fault.Retryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (s *Service) runOnce(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit: %w", err)
	}
	return nil
}

func (s *Service) partyRole(p Parties, actor auth.Actor) (auth.Role, error) {
	switch actor.ID {
	case p.ClientID:
		return auth.RoleClient, nil
	case p.AttorneyID:
		return auth.RoleAttorney, nil
	}
	if actor.Role == auth.RoleAdmin {
		return auth.RoleAdmin, nil
	}
	return "", fault.Forbidden("actor %s is not a party to engagement %s", actor.ID, p.EngagementID)
}

// OpenOrder creates an escrow account for an active engagement and asks
// the payment rail to move funds in. The order stays pending_payment
// until the full total is confirmed held.
func (s *Service) OpenOrder(ctx context.Context, actor auth.Actor, engagementID, title, currency string, amountTotal decimal.Decimal) (Order, error) {
	if title == "" {
		return Order{}, fault.Validation("order title required")
	}
	if !amountTotal.IsPositive() {
		return Order{}, fault.Validation("order total must be positive, got %s", amountTotal)
	}
	if currency == "" {
		currency = "USD"
	}

	var created Order
	err := s.run(ctx, "", func(tx pgx.Tx) error {
		p, err := s.repo.EngagementParties(ctx, tx, engagementID)
		if err != nil {
			return err
		}
		if _, err := s.partyRole(p, actor); err != nil {
			return err
		}
		if p.EngagementStatus != "active" {
			return fault.StateConflict("engagement %s is %s; orders require an active engagement", engagementID, p.EngagementStatus)
		}

		created, err = s.repo.InsertOrder(ctx, tx, Order{
			EngagementID: engagementID,
			Title:        title,
			Currency:     currency,
			AmountTotal:  amountTotal,
		})
		if err != nil {
			return err
		}

		if err := outbox.Enqueue(ctx, tx, outbox.TopicOrderOpened, map[string]any{
			"order_id":      created.ID,
			"engagement_id": engagementID,
		}); err != nil {
			return err
		}
		return outbox.Enqueue(ctx, tx, outbox.TopicFundingRequested, map[string]any{
			"order_id": created.ID,
			"amount":   amountTotal.String(),
			"currency": currency,
		})
	})
	if err != nil {
		return Order{}, err
	}
	return created, nil
}

// ConfirmFunding is the payment rail's settlement callback: funds moved
// into escrow. Matched by external transaction id; duplicate delivery is
// a no-op.
func (s *Service) ConfirmFunding(ctx context.Context, orderID string, amount decimal.Decimal, externalRef string) (Order, error) {
	if externalRef == "" {
		return Order{}, fault.Validation("external settlement ref required")
	}
	if !amount.IsPositive() {
		return Order{}, fault.Validation("funding amount must be positive, got %s", amount)
	}

	var updated Order
	err := s.run(ctx, orderID, func(tx pgx.Tx) error {
		if err := s.repo.InsertSettlement(ctx, tx, externalRef, orderID, "funding", amount); err != nil {
			if err == ErrDuplicateSettlement {
				log.Printf("escrow: funding callback replayed, ref=%s order=%s", externalRef, orderID)
				var getErr error
				updated, getErr = s.repo.GetOrder(ctx, tx, orderID)
				return getErr
			}
			return err
		}

		o, err := s.repo.GetOrder(ctx, tx, orderID)
		if err != nil {
			return fault.Wrap(fault.KindCallbackMismatch, err, "funding callback for unknown order %s", orderID)
		}

		funded := o.AmountHeld.Add(o.AmountReleased).Add(o.AmountRefunded)
		if funded.Add(amount).GreaterThan(o.AmountTotal) {
			return fault.CallbackMismatch("funding %s would exceed order %s total %s", amount, o.ID, o.AmountTotal)
		}

		o.AmountHeld = o.AmountHeld.Add(amount)
		if err := settle(&o); err != nil {
			return err
		}
		updated, err = s.repo.UpdateOrder(ctx, tx, o)
		if err != nil {
			return err
		}

		if err := s.repo.AppendEvent(ctx, tx, Event{
			OrderID: orderID,
			Type:    EventFunded,
			Amount:  decimal.NewNullDecimal(amount),
			Note:    "settlement " + externalRef,
		}); err != nil {
			return err
		}

		if updated.Status == OrderPaidHeld {
			return outbox.Enqueue(ctx, tx, outbox.TopicOrderFunded, map[string]any{
				"order_id": orderID,
				"amount":   updated.AmountHeld.String(),
			})
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

// AddMilestone attaches a deliverable-linked tranche to an order.
// Attorney only; blocked while any sibling is disputed and whenever the
// non-cancelled total would exceed the order total.
func (s *Service) AddMilestone(ctx context.Context, actor auth.Actor, orderID, title, deliverable string, amount decimal.Decimal, targetDate *time.Time) (Milestone, error) {
	if title == "" {
		return Milestone{}, fault.Validation("milestone title required")
	}
	if !amount.IsPositive() {
		return Milestone{}, fault.Validation("milestone amount must be positive, got %s", amount)
	}
	if targetDate != nil && targetDate.Before(s.now().Truncate(24*time.Hour)) {
		return Milestone{}, fault.Validation("target date %s is in the past", targetDate.Format("2006-01-02"))
	}

	var created Milestone
	err := s.run(ctx, orderID, func(tx pgx.Tx) error {
		p, err := s.repo.Parties(ctx, tx, orderID)
		if err != nil {
			return err
		}
		role, err := s.partyRole(p, actor)
		if err != nil {
			return err
		}
		if role != auth.RoleAttorney {
			return fault.Forbidden("only the attorney may add milestones")
		}

		o, err := s.repo.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		disputed, err := s.repo.DisputedMilestoneCount(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if disputed > 0 {
			return fault.StateConflict("order %s has a disputed milestone", orderID)
		}
		sum, err := s.repo.ActiveMilestoneSum(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if sum.Add(amount).GreaterThan(o.AmountTotal) {
			return fault.StateConflict("milestones %s + %s would exceed order total %s", sum, amount, o.AmountTotal)
		}

		created, err = s.repo.InsertMilestone(ctx, tx, Milestone{
			OrderID:     orderID,
			Title:       title,
			Deliverable: deliverable,
			Amount:      amount,
			TargetDate:  targetDate,
		})
		return err
	})
	if err != nil {
		return Milestone{}, err
	}
	return created, nil
}

// orderScope resolves the order a milestone belongs to before the
// mutation starts, so an invariant failure inside the transaction can
// still flag the right order for reconciliation.
func (s *Service) orderScope(ctx context.Context, milestoneID string) (string, error) {
	m, err := s.repo.GetMilestone(ctx, s.pool, milestoneID)
	if err != nil {
		return "", err
	}
	return m.OrderID, nil
}

// StartMilestone moves a pending milestone into progress.
func (s *Service) StartMilestone(ctx context.Context, actor auth.Actor, milestoneID string) (Milestone, error) {
	orderID, err := s.orderScope(ctx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}

	var updated Milestone
	err = s.run(ctx, orderID, func(tx pgx.Tx) error {
		m, err := s.repo.GetMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		p, err := s.repo.Parties(ctx, tx, m.OrderID)
		if err != nil {
			return err
		}
		role, err := s.partyRole(p, actor)
		if err != nil {
			return err
		}
		if role != auth.RoleAttorney {
			return fault.Forbidden("only the attorney may start a milestone")
		}
		if m.Status != MilestonePending {
			return fault.StateConflict("milestone %s is %s, not pending", m.ID, m.Status)
		}

		prev := m.Status
		m.Status = MilestoneInProgress
		updated, err = s.repo.UpdateMilestone(ctx, tx, m, prev)
		return err
	})
	if err != nil {
		return Milestone{}, err
	}
	return updated, nil
}

// RequestRelease is the attorney claiming a milestone deliverable is
// done. Blocked order-wide while a dispute freeze is in place.
func (s *Service) RequestRelease(ctx context.Context, actor auth.Actor, milestoneID string) (Milestone, error) {
	orderID, err := s.orderScope(ctx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}

	var updated Milestone
	err = s.run(ctx, orderID, func(tx pgx.Tx) error {
		m, err := s.repo.GetMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		p, err := s.repo.Parties(ctx, tx, m.OrderID)
		if err != nil {
			return err
		}
		role, err := s.partyRole(p, actor)
		if err != nil {
			return err
		}
		if role != auth.RoleAttorney {
			return fault.Forbidden("only the attorney may request release")
		}

		o, err := s.repo.GetOrder(ctx, tx, m.OrderID)
		if err != nil {
			return err
		}
		if o.HoldBlockedByDispute {
			return fault.StateConflict("order %s is frozen by an open dispute", o.ID)
		}
		if o.Status == OrderPendingPayment {
			return fault.StateConflict("order %s is not funded yet", o.ID)
		}
		if m.Status != MilestonePending && m.Status != MilestoneInProgress {
			return fault.StateConflict("milestone %s is %s; release may be requested from pending or in_progress", m.ID, m.Status)
		}

		now := s.now()
		prev := m.Status
		m.Status = MilestoneReadyForRelease
		m.ReleaseRequestedAt = &now
		m.ReleaseReviewStatus = "awaiting_client"
		updated, err = s.repo.UpdateMilestone(ctx, tx, m, prev)
		if err != nil {
			return err
		}

		return s.repo.AppendEvent(ctx, tx, Event{
			OrderID:     m.OrderID,
			MilestoneID: &m.ID,
			Type:        EventReleaseRequested,
			Amount:      decimal.NewNullDecimal(m.Amount),
		})
	})
	if err != nil {
		return Milestone{}, err
	}
	return updated, nil
}

// ConfirmRelease is the client approving a requested release: funds move
// from held to released and the order status is re-derived, atomically
// with the event append.
func (s *Service) ConfirmRelease(ctx context.Context, actor auth.Actor, milestoneID string) (Milestone, error) {
	orderID, err := s.orderScope(ctx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}

	var updated Milestone
	err = s.run(ctx, orderID, func(tx pgx.Tx) error {
		m, err := s.repo.GetMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		p, err := s.repo.Parties(ctx, tx, m.OrderID)
		if err != nil {
			return err
		}
		role, err := s.partyRole(p, actor)
		if err != nil {
			return err
		}
		if role != auth.RoleClient {
			return fault.Forbidden("only the client may confirm release")
		}

		o, err := s.repo.GetOrder(ctx, tx, m.OrderID)
		if err != nil {
			return err
		}
		if o.HoldBlockedByDispute {
			return fault.StateConflict("order %s is frozen by an open dispute", o.ID)
		}
		if m.Status != MilestoneReadyForRelease {
			return fault.StateConflict("milestone %s is %s, not ready_for_release", m.ID, m.Status)
		}
		if m.Amount.GreaterThan(o.AmountHeld) {
			return fault.StateConflict("milestone %s amount %s exceeds held funds %s", m.ID, m.Amount, o.AmountHeld)
		}

		o.AmountHeld = o.AmountHeld.Sub(m.Amount)
		o.AmountReleased = o.AmountReleased.Add(m.Amount)
		if err := settle(&o); err != nil {
			return err
		}
		if _, err := s.repo.UpdateOrder(ctx, tx, o); err != nil {
			return err
		}

		now := s.now()
		prev := m.Status
		m.Status = MilestoneReleased
		m.ReleaseReviewStatus = "approved"
		m.ReleasedAt = &now
		updated, err = s.repo.UpdateMilestone(ctx, tx, m, prev)
		if err != nil {
			return err
		}

		if err := s.repo.AppendEvent(ctx, tx, Event{
			OrderID:     m.OrderID,
			MilestoneID: &m.ID,
			Type:        EventReleased,
			Amount:      decimal.NewNullDecimal(m.Amount),
		}); err != nil {
			return err
		}

		return outbox.Enqueue(ctx, tx, outbox.TopicMilestoneReleased, map[string]any{
			"order_id":     m.OrderID,
			"milestone_id": m.ID,
			"amount":       m.Amount.String(),
		})
	})
	if err != nil {
		return Milestone{}, err
	}
	return updated, nil
}

// DisputeMilestone freezes release on the entire order while the
// complaint is reviewed. The freeze is deliberately order-wide, not
// per-milestone.
func (s *Service) DisputeMilestone(ctx context.Context, actor auth.Actor, milestoneID, reason string) (Milestone, error) {
	if reason == "" {
		return Milestone{}, fault.Validation("a dispute reason is required")
	}

	orderID, err := s.orderScope(ctx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}

	var updated Milestone
	err = s.run(ctx, orderID, func(tx pgx.Tx) error {
		m, err := s.repo.GetMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		p, err := s.repo.Parties(ctx, tx, m.OrderID)
		if err != nil {
			return err
		}
		if _, err := s.partyRole(p, actor); err != nil {
			return err
		}
		if m.Status.Terminal() || m.Status == MilestoneDisputed {
			return fault.StateConflict("milestone %s is %s and cannot be disputed", m.ID, m.Status)
		}

		o, err := s.repo.GetOrder(ctx, tx, m.OrderID)
		if err != nil {
			return err
		}

		// Order row is always written before the milestone row so
		// concurrent mutations acquire their locks in the same order.
		o.HoldBlockedByDispute = true
		if err := settle(&o); err != nil {
			return err
		}
		if _, err := s.repo.UpdateOrder(ctx, tx, o); err != nil {
			return err
		}

		prev := m.Status
		m.Status = MilestoneDisputed
		updated, err = s.repo.UpdateMilestone(ctx, tx, m, prev)
		if err != nil {
			return err
		}

		ticketID, err := s.disputes.Open(ctx, tx, "milestone", m.ID, p.EngagementID, reason)
		if err != nil {
			return err
		}

		if err := s.repo.AppendEvent(ctx, tx, Event{
			OrderID:     m.OrderID,
			MilestoneID: &m.ID,
			Type:        EventDisputeOpened,
			Note:        reason,
		}); err != nil {
			return err
		}

		return outbox.Enqueue(ctx, tx, outbox.TopicDisputeOpened, map[string]any{
			"order_id":     m.OrderID,
			"milestone_id": m.ID,
			"ticket_id":    ticketID,
		})
	})
	if err != nil {
		return Milestone{}, err
	}
	return updated, nil
}

// ResolveDispute applies the dispute gate's outcome to a disputed
// milestone. The order-wide freeze lifts only when no sibling milestone
// remains disputed.
func (s *Service) ResolveDispute(ctx context.Context, actor auth.Actor, milestoneID string, outcome DisputeOutcome, note string) (Milestone, error) {
	if actor.Role != auth.RoleAdmin {
		return Milestone{}, fault.Forbidden("dispute resolution is reserved to the dispute gate")
	}
	switch outcome {
	case OutcomeRelease, OutcomeRefund, OutcomeReinstate:
	default:
		return Milestone{}, fault.Validation("unknown dispute outcome %q", outcome)
	}

	orderID, err := s.orderScope(ctx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}

	var updated Milestone
	err = s.run(ctx, orderID, func(tx pgx.Tx) error {
		m, err := s.repo.GetMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if m.Status != MilestoneDisputed {
			return fault.StateConflict("milestone %s is %s, not disputed", m.ID, m.Status)
		}

		o, err := s.repo.GetOrder(ctx, tx, m.OrderID)
		if err != nil {
			return err
		}
		if outcome != OutcomeReinstate && m.Amount.GreaterThan(o.AmountHeld) {
			return fault.StateConflict("milestone %s amount %s exceeds held funds %s; fund the order or reinstate", m.ID, m.Amount, o.AmountHeld)
		}

		now := s.now()
		prev := m.Status
		switch outcome {
		case OutcomeRelease:
			o.AmountHeld = o.AmountHeld.Sub(m.Amount)
			o.AmountReleased = o.AmountReleased.Add(m.Amount)
			m.Status = MilestoneReleased
			m.ReleaseReviewStatus = "resolved_release"
			m.ReleasedAt = &now
		case OutcomeRefund:
			o.AmountHeld = o.AmountHeld.Sub(m.Amount)
			o.AmountRefunded = o.AmountRefunded.Add(m.Amount)
			o.RefundSettling = true
			m.Status = MilestoneCancelled
			m.ReleaseReviewStatus = "resolved_refund"
		case OutcomeReinstate:
			m.Status = MilestoneInProgress
			m.ReleaseReviewStatus = ""
			m.ReleaseRequestedAt = nil
		}

		// Order row is written before the milestone row, matching the
		// lock order of every other mutation. This milestone still
		// counts as disputed until its own update lands, so it is
		// excluded from the freeze recomputation explicitly.
		disputed, err := s.repo.DisputedMilestoneCount(ctx, tx, m.OrderID)
		if err != nil {
			return err
		}
		o.HoldBlockedByDispute = disputed-1 > 0

		if err := settle(&o); err != nil {
			return err
		}
		if _, err := s.repo.UpdateOrder(ctx, tx, o); err != nil {
			return err
		}

		updated, err = s.repo.UpdateMilestone(ctx, tx, m, prev)
		if err != nil {
			return err
		}

		if err := s.disputes.MarkResolved(ctx, tx, m.ID, string(outcome)); err != nil {
			return err
		}

		if outcome == OutcomeRelease {
			if err := s.repo.AppendEvent(ctx, tx, Event{
				OrderID:     m.OrderID,
				MilestoneID: &m.ID,
				Type:        EventReleased,
				Amount:      decimal.NewNullDecimal(m.Amount),
				Note:        "dispute resolved",
			}); err != nil {
				return err
			}
		}
		if outcome == OutcomeRefund {
			if err := s.repo.AppendEvent(ctx, tx, Event{
				OrderID:     m.OrderID,
				MilestoneID: &m.ID,
				Type:        EventRefundRequested,
				Amount:      decimal.NewNullDecimal(m.Amount),
				Note:        "dispute resolved",
			}); err != nil {
				return err
			}
			if err := outbox.Enqueue(ctx, tx, outbox.TopicRefundRequested, map[string]any{
				"order_id": m.OrderID,
				"amount":   m.Amount.String(),
			}); err != nil {
				return err
			}
		}

		if err := s.repo.AppendEvent(ctx, tx, Event{
			OrderID:     m.OrderID,
			MilestoneID: &m.ID,
			Type:        EventDisputeResolved,
			Note:        string(outcome) + ": " + note,
		}); err != nil {
			return err
		}

		return outbox.Enqueue(ctx, tx, outbox.TopicDisputeResolved, map[string]any{
			"order_id":     m.OrderID,
			"milestone_id": m.ID,
			"outcome":      string(outcome),
		})
	})
	if err != nil {
		return Milestone{}, err
	}
	return updated, nil
}

// RequestRefund moves held funds toward refund. The buckets move
// immediately; the order stays refund_pending until the payment rail
// confirms settlement.
func (s *Service) RequestRefund(ctx context.Context, actor auth.Actor, orderID string, amount decimal.Decimal, reason string) (Order, error) {
	if !amount.IsPositive() {
		return Order{}, fault.Validation("refund amount must be positive, got %s", amount)
	}
	if reason == "" {
		return Order{}, fault.Validation("a refund reason is required")
	}

	var updated Order
	err := s.run(ctx, orderID, func(tx pgx.Tx) error {
		p, err := s.repo.Parties(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if _, err := s.partyRole(p, actor); err != nil {
			return err
		}

		o, err := s.repo.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(o.AmountHeld) {
			return fault.StateConflict("refund %s exceeds held funds %s", amount, o.AmountHeld)
		}

		o.AmountHeld = o.AmountHeld.Sub(amount)
		o.AmountRefunded = o.AmountRefunded.Add(amount)
		o.RefundSettling = true
		if err := settle(&o); err != nil {
			return err
		}
		updated, err = s.repo.UpdateOrder(ctx, tx, o)
		if err != nil {
			return err
		}

		if err := s.repo.AppendEvent(ctx, tx, Event{
			OrderID: orderID,
			Type:    EventRefundRequested,
			Amount:  decimal.NewNullDecimal(amount),
			Note:    reason,
		}); err != nil {
			return err
		}

		return outbox.Enqueue(ctx, tx, outbox.TopicRefundRequested, map[string]any{
			"order_id": orderID,
			"amount":   amount.String(),
			"reason":   reason,
		})
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

// ConfirmRefundSettlement is the payment rail confirming a refund
// executed. Matched by external transaction id; replays are no-ops.
func (s *Service) ConfirmRefundSettlement(ctx context.Context, orderID string, amount decimal.Decimal, externalRef string) (Order, error) {
	if externalRef == "" {
		return Order{}, fault.Validation("external settlement ref required")
	}
	if !amount.IsPositive() {
		return Order{}, fault.Validation("refund settlement amount must be positive, got %s", amount)
	}

	var updated Order
	err := s.run(ctx, orderID, func(tx pgx.Tx) error {
		if err := s.repo.InsertSettlement(ctx, tx, externalRef, orderID, "refund", amount); err != nil {
			if err == ErrDuplicateSettlement {
				log.Printf("escrow: refund callback replayed, ref=%s order=%s", externalRef, orderID)
				var getErr error
				updated, getErr = s.repo.GetOrder(ctx, tx, orderID)
				return getErr
			}
			return err
		}

		o, err := s.repo.GetOrder(ctx, tx, orderID)
		if err != nil {
			return fault.Wrap(fault.KindCallbackMismatch, err, "refund callback for unknown order %s", orderID)
		}
		if !o.RefundSettling {
			return fault.CallbackMismatch("order %s has no refund awaiting settlement", orderID)
		}

		events, err := s.repo.ListEvents(ctx, tx, orderID)
		if err != nil {
			return err
		}
		outstanding := outstandingRefund(events)
		if amount.GreaterThan(outstanding) {
			return fault.CallbackMismatch("refund settlement %s exceeds outstanding refund %s on order %s", amount, outstanding, orderID)
		}

		// A partial settlement leaves the order waiting for the rest.
		o.RefundSettling = amount.LessThan(outstanding)
		if err := settle(&o); err != nil {
			return err
		}
		updated, err = s.repo.UpdateOrder(ctx, tx, o)
		if err != nil {
			return err
		}

		if err := s.repo.AppendEvent(ctx, tx, Event{
			OrderID: orderID,
			Type:    EventRefunded,
			Amount:  decimal.NewNullDecimal(amount),
			Note:    "settlement " + externalRef,
		}); err != nil {
			return err
		}

		return outbox.Enqueue(ctx, tx, outbox.TopicRefundSettled, map[string]any{
			"order_id": orderID,
			"amount":   amount.String(),
		})
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

// VerifyProjection replays the event log and compares the fold to the
// stored buckets. A mismatch is an integrity violation: the order is
// flagged for manual reconciliation and the error is surfaced, never
// repaired silently.
func (s *Service) VerifyProjection(ctx context.Context, orderID string) error {
	o, err := s.repo.GetOrder(ctx, s.pool, orderID)
	if err != nil {
		return err
	}
	events, err := s.repo.ListEvents(ctx, s.pool, orderID)
	if err != nil {
		return err
	}

	held, released, refunded := ReplayBuckets(events)
	if held.Equal(o.AmountHeld) && released.Equal(o.AmountReleased) && refunded.Equal(o.AmountRefunded) {
		return nil
	}

	if flagErr := s.repo.FlagReconciliation(ctx, s.pool, orderID); flagErr != nil {
		log.Printf("escrow: flag reconciliation for %s: %v", orderID, flagErr)
	}
	return fault.Invariant(
		"order %s projection mismatch: log folds to held=%s released=%s refunded=%s, stored held=%s released=%s refunded=%s",
		orderID, held, released, refunded, o.AmountHeld, o.AmountReleased, o.AmountRefunded)
}

// OrderDetail returns an order with its milestones and event log.
func (s *Service) OrderDetail(ctx context.Context, actor auth.Actor, orderID string) (Order, []Milestone, []Event, error) {
	p, err := s.repo.Parties(ctx, s.pool, orderID)
	if err != nil {
		return Order{}, nil, nil, err
	}
	if _, err := s.partyRole(p, actor); err != nil {
		return Order{}, nil, nil, err
	}

	o, err := s.repo.GetOrder(ctx, s.pool, orderID)
	if err != nil {
		return Order{}, nil, nil, err
	}
	milestones, err := s.repo.ListMilestones(ctx, s.pool, orderID)
	if err != nil {
		return Order{}, nil, nil, err
	}
	events, err := s.repo.ListEvents(ctx, s.pool, orderID)
	if err != nil {
		return Order{}, nil, nil, err
	}
	return o, milestones, events, nil
}

// ListOrders returns the orders of an engagement.
func (s *Service) ListOrders(ctx context.Context, engagementID string) ([]Order, error) {
	return s.repo.ListOrdersByEngagement(ctx, s.pool, engagementID)
}
