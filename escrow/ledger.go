package escrow

import (
	"github.com/shopspring/decimal"

	"lexflow/fault"
)

// deriveStatus computes the order status from the buckets and markers.
// There is no order-level partially-funded status: an order stays
// pending_payment until escrow holds the full total; partial progress
// lives at the milestone level.
func deriveStatus(o *Order) OrderStatus {
	funded := o.AmountHeld.Add(o.AmountReleased).Add(o.AmountRefunded)
	if funded.LessThan(o.AmountTotal) {
		return OrderPendingPayment
	}
	if o.RefundSettling {
		return OrderRefundPending
	}
	switch {
	case o.AmountHeld.IsZero() && o.AmountRefunded.IsPositive():
		return OrderRefunded
	case o.AmountHeld.IsZero():
		return OrderReleased
	case o.AmountReleased.IsPositive() || o.AmountRefunded.IsPositive():
		return OrderPartiallyReleased
	default:
		return OrderPaidHeld
	}
}

// checkBuckets enforces the ledger equation. A violation is fatal and is
// never clamped; the caller aborts the transaction and flags the order
// for manual reconciliation.
func checkBuckets(o *Order) error {
	for _, b := range []struct {
		name   string
		amount decimal.Decimal
	}{
		{"held", o.AmountHeld},
		{"released", o.AmountReleased},
		{"refunded", o.AmountRefunded},
	} {
		if b.amount.IsNegative() {
			return fault.Invariant("order %s: negative %s bucket %s", o.ID, b.name, b.amount)
		}
	}

	sum := o.AmountHeld.Add(o.AmountReleased).Add(o.AmountRefunded)
	if sum.GreaterThan(o.AmountTotal) {
		return fault.Invariant("order %s: buckets %s exceed total %s", o.ID, sum, o.AmountTotal)
	}
	return nil
}

// settle re-derives the order status and validates the buckets; every
// mutating operation funnels through here before writing.
func settle(o *Order) error {
	if err := checkBuckets(o); err != nil {
		return err
	}
	o.Status = deriveStatus(o)
	return nil
}

// ReplayBuckets folds the event log into the three buckets. The log is
// the durable source of truth; the stored buckets must match this fold
// exactly.
func ReplayBuckets(events []Event) (held, released, refunded decimal.Decimal) {
	held, released, refunded = decimal.Zero, decimal.Zero, decimal.Zero
	for _, ev := range events {
		if !ev.Amount.Valid {
			continue
		}
		amt := ev.Amount.Decimal
		switch ev.Type {
		case EventFunded:
			held = held.Add(amt)
		case EventReleased:
			held = held.Sub(amt)
			released = released.Add(amt)
		case EventRefundRequested:
			held = held.Sub(amt)
			refunded = refunded.Add(amt)
		}
	}
	return held, released, refunded
}

// outstandingRefund is the refunded amount the payment rail has not yet
// confirmed: refund requests minus settled refunds.
func outstandingRefund(events []Event) decimal.Decimal {
	out := decimal.Zero
	for _, ev := range events {
		if !ev.Amount.Valid {
			continue
		}
		switch ev.Type {
		case EventRefundRequested:
			out = out.Add(ev.Amount.Decimal)
		case EventRefunded:
			out = out.Sub(ev.Amount.Decimal)
		}
	}
	return out
}
