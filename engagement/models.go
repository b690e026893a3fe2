package engagement

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the persisted engagement lifecycle state. The pending_*
// values are derived display states, never stored.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDeclined  Status = "declined"
	StatusCanceled  Status = "canceled"

	// Derived: a draft with exactly one confirmation set.
	StatusPendingClient   Status = "pending_client"
	StatusPendingAttorney Status = "pending_attorney"
)

// CompletionStatus tracks the two-phase completion handshake.
type CompletionStatus string

const (
	CompletionNone      CompletionStatus = "none"
	CompletionRequested CompletionStatus = "requested_by_attorney"
	CompletionConfirmed CompletionStatus = "confirmed_by_client"
	CompletionAuto      CompletionStatus = "auto_completed"
	CompletionDisputed  CompletionStatus = "disputed"
)

// Engagement mirrors the engagements table.
type Engagement struct {
	ID             string
	CaseID         string
	BidID          string
	ClientID       string
	AttorneyID     string
	ConversationID *string
	Status         Status

	ServiceBoundary          string
	ServiceScopeSummary      string
	StagePlan                json.RawMessage
	FeeMode                  string
	FeeAmountMin             decimal.NullDecimal
	FeeAmountMax             decimal.NullDecimal
	IncludesCourtAppearance  bool
	IncludesDocumentDrafting bool

	ClientComplianceAck     bool
	AttorneyComplianceAck   bool
	AttorneyConflictChecked bool
	ConflictCheckNote       string
	ConflictCheckedAt       *time.Time

	AttorneyConfirmedAt *time.Time
	ClientConfirmedAt   *time.Time

	CompletionStatus      CompletionStatus
	CompletionRequestedAt *time.Time
	CompletionAutoAt      *time.Time
	CompletionConfirmedAt *time.Time
	CompletionNote        string

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DerivedStatus computes the display status: a draft with one
// confirmation outstanding is pending the other party.
func (e *Engagement) DerivedStatus() Status {
	if e.Status == StatusDraft {
		switch {
		case e.AttorneyConfirmedAt != nil && e.ClientConfirmedAt == nil:
			return StatusPendingClient
		case e.ClientConfirmedAt != nil && e.AttorneyConfirmedAt == nil:
			return StatusPendingAttorney
		}
	}
	return e.Status
}

// Negotiable reports whether edit/confirm/decline/cancel are still
// permitted: only before activation.
func (e *Engagement) Negotiable() bool {
	return e.Status == StatusDraft
}

// TimelineEvent captures an immutable business event for an engagement.
type TimelineEvent struct {
	ID           int64
	EngagementID string
	Seq          int
	Type         string
	ActorID      *string
	Payload      []byte
	CreatedAt    time.Time
}

// Timeline event types recorded by the confirmation workflow and
// completion protocol.
const (
	EventCreated             = "ENGAGEMENT_CREATED"
	EventUpdated             = "ENGAGEMENT_UPDATED"
	EventConfirmed           = "ENGAGEMENT_CONFIRMED"
	EventActivated           = "ENGAGEMENT_ACTIVATED"
	EventDeclined            = "ENGAGEMENT_DECLINED"
	EventCanceled            = "ENGAGEMENT_CANCELED"
	EventCompletionRequested = "COMPLETION_REQUESTED"
	EventCompletionConfirmed = "COMPLETION_CONFIRMED"
	EventCompletionDisputed  = "COMPLETION_DISPUTED"
	EventCompletionAuto      = "COMPLETION_AUTO"
)

// FieldPatch carries a partial update to the negotiable fields. Nil
// members are left untouched. Attorney-only and shared fields are
// permissioned separately in the service.
type FieldPatch struct {
	// Attorney-only.
	ServiceBoundary         *string
	FeeMode                 *string
	FeeAmountMin            *decimal.Decimal
	FeeAmountMax            *decimal.Decimal
	AttorneyConflictChecked *bool
	ConflictCheckNote       *string

	// Shared.
	ServiceScopeSummary      *string
	StagePlan                json.RawMessage
	IncludesCourtAppearance  *bool
	IncludesDocumentDrafting *bool
	ClientComplianceAck      *bool
	AttorneyComplianceAck    *bool
}

func (p FieldPatch) touchesAttorneyOnly() bool {
	return p.ServiceBoundary != nil ||
		p.FeeMode != nil ||
		p.FeeAmountMin != nil ||
		p.FeeAmountMax != nil ||
		p.AttorneyConflictChecked != nil ||
		p.ConflictCheckNote != nil
}

func (p FieldPatch) touchesShared() bool {
	return p.ServiceScopeSummary != nil ||
		p.StagePlan != nil ||
		p.IncludesCourtAppearance != nil ||
		p.IncludesDocumentDrafting != nil ||
		p.ClientComplianceAck != nil ||
		p.AttorneyComplianceAck != nil
}

func (p FieldPatch) empty() bool {
	return !p.touchesAttorneyOnly() && !p.touchesShared()
}
