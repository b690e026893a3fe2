package escrow

import (
	"testing"

	"github.com/shopspring/decimal"

	"lexflow/fault"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name     string
		held     string
		released string
		refunded string
		settling bool
		want     OrderStatus
	}{
		{"unfunded", "0", "0", "0", false, OrderPendingPayment},
		{"partially funded", "400", "0", "0", false, OrderPendingPayment},
		{"fully funded", "1000", "0", "0", false, OrderPaidHeld},
		{"partial release", "600", "400", "0", false, OrderPartiallyReleased},
		{"partial refund", "600", "0", "400", false, OrderPartiallyReleased},
		{"all released", "0", "1000", "0", false, OrderReleased},
		{"all refunded", "0", "0", "1000", false, OrderRefunded},
		{"mixed terminal", "0", "700", "300", false, OrderRefunded},
		{"refund settling", "600", "0", "400", true, OrderRefundPending},
		{"refund settling unfunded", "100", "0", "0", true, OrderPendingPayment},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := &Order{
				AmountTotal:    dec("1000"),
				AmountHeld:     dec(tc.held),
				AmountReleased: dec(tc.released),
				AmountRefunded: dec(tc.refunded),
				RefundSettling: tc.settling,
			}
			if got := deriveStatus(o); got != tc.want {
				t.Fatalf("expected %s got %s", tc.want, got)
			}
		})
	}
}

func TestCheckBuckets(t *testing.T) {
	t.Run("balanced", func(t *testing.T) {
		o := &Order{
			AmountTotal:    dec("1000"),
			AmountHeld:     dec("300"),
			AmountReleased: dec("500"),
			AmountRefunded: dec("200"),
		}
		if err := checkBuckets(o); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("negative bucket", func(t *testing.T) {
		o := &Order{
			AmountTotal: dec("1000"),
			AmountHeld:  dec("-1"),
		}
		err := checkBuckets(o)
		if !fault.Is(err, fault.KindInvariant) {
			t.Fatalf("expected invariant fault, got %v", err)
		}
	})

	t.Run("sum exceeds total", func(t *testing.T) {
		o := &Order{
			AmountTotal:    dec("1000"),
			AmountHeld:     dec("800"),
			AmountReleased: dec("300"),
		}
		err := checkBuckets(o)
		if !fault.Is(err, fault.KindInvariant) {
			t.Fatalf("expected invariant fault, got %v", err)
		}
		if fault.Retryable(err) {
			t.Fatal("invariant violations must not be retryable")
		}
	})
}

func TestSettleDerivesStatus(t *testing.T) {
	o := &Order{
		AmountTotal: dec("500"),
		AmountHeld:  dec("500"),
	}
	if err := settle(o); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if o.Status != OrderPaidHeld {
		t.Fatalf("expected %s got %s", OrderPaidHeld, o.Status)
	}
}

func TestReplayBuckets(t *testing.T) {
	amount := func(s string) decimal.NullDecimal {
		return decimal.NewNullDecimal(dec(s))
	}

	events := []Event{
		{Type: EventFunded, Amount: amount("1000")},
		{Type: EventReleaseRequested, Amount: amount("400")},
		{Type: EventReleased, Amount: amount("400")},
		{Type: EventDisputeOpened},
		{Type: EventRefundRequested, Amount: amount("250")},
		{Type: EventDisputeResolved},
		{Type: EventRefunded, Amount: amount("250")},
	}

	held, released, refunded := ReplayBuckets(events)
	if !held.Equal(dec("350")) {
		t.Fatalf("held: expected 350 got %s", held)
	}
	if !released.Equal(dec("400")) {
		t.Fatalf("released: expected 400 got %s", released)
	}
	if !refunded.Equal(dec("250")) {
		t.Fatalf("refunded: expected 250 got %s", refunded)
	}
}

func TestReplayBucketsEmptyLog(t *testing.T) {
	held, released, refunded := ReplayBuckets(nil)
	if !held.IsZero() || !released.IsZero() || !refunded.IsZero() {
		t.Fatalf("expected zero buckets, got %s/%s/%s", held, released, refunded)
	}
}
