package dispute

import "time"

// Status represents the lifecycle of a dispute ticket.
type Status string

const (
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Subject kinds a ticket can attach to.
const (
	SubjectMilestone  = "milestone"
	SubjectCompletion = "completion"
)

// Record mirrors the disputes table. The subject is either a payment
// milestone or an engagement completion claim; while the ticket is
// under review the owning flow stays frozen.
type Record struct {
	ID           string
	SubjectType  string
	SubjectID    string
	EngagementID string
	Reason       string
	Status       Status
	Outcome      *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ResolvedAt   *time.Time
}
