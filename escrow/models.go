package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is a pure function of the three ledger buckets plus the
// dispute freeze and refund-settlement markers; it is stored only as a
// queryable projection.
type OrderStatus string

const (
	OrderPendingPayment    OrderStatus = "pending_payment"
	OrderPaidHeld          OrderStatus = "paid_held"
	OrderPartiallyReleased OrderStatus = "partially_released"
	OrderReleased          OrderStatus = "released"
	OrderRefundPending     OrderStatus = "refund_pending"
	OrderRefunded          OrderStatus = "refunded"
)

type MilestoneStatus string

const (
	MilestonePending         MilestoneStatus = "pending"
	MilestoneInProgress      MilestoneStatus = "in_progress"
	MilestoneReadyForRelease MilestoneStatus = "ready_for_release"
	MilestoneReleased        MilestoneStatus = "released"
	MilestoneDisputed        MilestoneStatus = "disputed"
	MilestoneCancelled       MilestoneStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s MilestoneStatus) Terminal() bool {
	return s == MilestoneReleased || s == MilestoneCancelled
}

type EventType string

const (
	EventFunded           EventType = "funded"
	EventReleaseRequested EventType = "release_requested"
	EventReleased         EventType = "released"
	EventRefundRequested  EventType = "refund_requested"
	EventRefunded         EventType = "refunded"
	EventDisputeOpened    EventType = "dispute_opened"
	EventDisputeResolved  EventType = "dispute_resolved"
)

// DisputeOutcome is the resolution handed back by the dispute gate.
type DisputeOutcome string

const (
	OutcomeRelease   DisputeOutcome = "release"
	OutcomeRefund    DisputeOutcome = "refund"
	OutcomeReinstate DisputeOutcome = "reinstate"
)

// Order is an escrow account for one engagement, aggregating milestone
// totals into held/released/refunded buckets. The buckets are a
// materialized projection of the payment event log.
type Order struct {
	ID                   string
	EngagementID         string
	Title                string
	Status               OrderStatus
	Currency             string
	AmountTotal          decimal.Decimal
	AmountHeld           decimal.Decimal
	AmountReleased       decimal.Decimal
	AmountRefunded       decimal.Decimal
	HoldBlockedByDispute bool
	RefundSettling       bool
	NeedsReconciliation  bool
	Version              int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Milestone is a deliverable-linked tranche within an order; the
// smallest unit of fund release.
type Milestone struct {
	ID                  string
	OrderID             string
	SortOrder           int
	Title               string
	Deliverable         string
	Amount              decimal.Decimal
	TargetDate          *time.Time
	Status              MilestoneStatus
	ReleaseRequestedAt  *time.Time
	ReleaseReviewStatus string
	ReleasedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Event is one append-only entry in the payment event log.
type Event struct {
	ID          int64
	OrderID     string
	MilestoneID *string
	Seq         int
	Type        EventType
	Amount      decimal.NullDecimal
	Note        string
	CreatedAt   time.Time
}

// Parties carries the two party identities of the engagement an order
// belongs to, plus the engagement status for gating.
type Parties struct {
	EngagementID     string
	ClientID         string
	AttorneyID       string
	EngagementStatus string
}
