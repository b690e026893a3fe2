package engagement

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"lexflow/auth"
	"lexflow/casebid"
	"lexflow/fault"
	"lexflow/outbox"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DisputeOpener files a ticket with the dispute gate inside the
// caller's transaction.
type DisputeOpener interface {
	Open(ctx context.Context, tx pgx.Tx, subjectType, subjectID, engagementID, reason string) (string, error)
}

// maxRetries bounds re-reads after an optimistic-lock conflict; the
// final conflict surfaces to the caller as a transient failure.
const maxRetries = 3

// Service implements the engagement confirmation workflow and the
// completion protocol.
type Service struct {
	pool     TxBeginner
	repo     Repository
	bids     casebid.Reader
	disputes DisputeOpener
	window   time.Duration
	now      func() time.Time
}

// NewService wires the workflow. window is the completion SLA: how long
// the client has to answer a completion request before the sweep
// auto-completes it.
func NewService(pool TxBeginner, repo Repository, bids casebid.Reader, disputes DisputeOpener, window time.Duration) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		bids:     bids,
		disputes: disputes,
		window:   window,
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a DRAFT engagement for a selected bid with empty
// negotiable fields.
func (s *Service) Create(ctx context.Context, actor auth.Actor, caseID, bidID string) (Engagement, error) {
	if caseID == "" || bidID == "" {
		return Engagement{}, fault.Validation("case id and bid id required")
	}

	sb, err := s.bids.SelectedBid(ctx, caseID, bidID)
	if err != nil {
		return Engagement{}, fault.Wrap(fault.KindValidation, err, "resolve selected bid")
	}
	if actor.ID != sb.ClientID {
		return Engagement{}, fault.Forbidden("only the case owner may create the engagement")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, Engagement{
		CaseID:     sb.CaseID,
		BidID:      sb.BidID,
		ClientID:   sb.ClientID,
		AttorneyID: sb.AttorneyID,
	})
	if err != nil {
		return Engagement{}, err
	}

	payload := map[string]any{
		"case_id":     created.CaseID,
		"bid_id":      created.BidID,
		"attorney_id": created.AttorneyID,
	}
	if err := s.repo.AppendTimeline(ctx, tx, created.ID, EventCreated, actor.ID, payload); err != nil {
		return Engagement{}, err
	}
	if err := outbox.Enqueue(ctx, tx, outbox.TopicEngagementCreated, map[string]any{
		"engagement_id": created.ID,
		"case_id":       created.CaseID,
	}); err != nil {
		return Engagement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Engagement{}, fmt.Errorf("engagement: commit: %w", err)
	}
	return created, nil
}

// party returns the engagement-scoped role of the actor, enforcing the
// server-side permission model.
func party(e *Engagement, actor auth.Actor) (auth.Role, error) {
	switch actor.ID {
	case e.ClientID:
		return auth.RoleClient, nil
	case e.AttorneyID:
		return auth.RoleAttorney, nil
	}
	if actor.Role == auth.RoleAdmin {
		return auth.RoleAdmin, nil
	}
	return "", fault.Forbidden("actor %s is not a party to engagement %s", actor.ID, e.ID)
}

// UpdateFields applies a partial edit to the negotiable terms. Editing
// any shared or attorney field after either party confirmed clears both
// confirmation timestamps, forcing re-confirmation.
func (s *Service) UpdateFields(ctx context.Context, actor auth.Actor, engagementID string, patch FieldPatch) (Engagement, error) {
	if patch.empty() {
		return Engagement{}, fault.Validation("empty patch")
	}
	if patch.FeeAmountMin != nil && patch.FeeAmountMin.IsNegative() {
		return Engagement{}, fault.Validation("fee minimum must not be negative")
	}
	if patch.FeeAmountMax != nil && patch.FeeAmountMax.IsNegative() {
		return Engagement{}, fault.Validation("fee maximum must not be negative")
	}

	return s.mutate(ctx, engagementID, func(tx pgx.Tx, e *Engagement) (string, string, map[string]any, error) {
		role, err := party(e, actor)
		if err != nil {
			return "", "", nil, err
		}
		if !e.Negotiable() {
			return "", "", nil, fault.StateConflict("engagement %s is %s, terms are frozen", e.ID, e.Status)
		}
		if patch.touchesAttorneyOnly() && role != auth.RoleAttorney {
			return "", "", nil, fault.Forbidden("only the attorney may edit boundary, fee, or conflict fields")
		}
		if patch.ClientComplianceAck != nil && role != auth.RoleClient {
			return "", "", nil, fault.Forbidden("only the client may acknowledge client compliance")
		}
		if patch.AttorneyComplianceAck != nil && role != auth.RoleAttorney {
			return "", "", nil, fault.Forbidden("only the attorney may acknowledge attorney compliance")
		}

		applyPatch(e, patch, s.now())

		// Bait-and-switch guard: changed terms invalidate any sign-off.
		if e.AttorneyConfirmedAt != nil || e.ClientConfirmedAt != nil {
			e.AttorneyConfirmedAt = nil
			e.ClientConfirmedAt = nil
		}

		payload := map[string]any{"role": string(role), "actor_id": actor.ID}
		return EventUpdated, outbox.TopicEngagementUpdated, payload, nil
	}, actor.ID)
}

func applyPatch(e *Engagement, p FieldPatch, now time.Time) {
	if p.ServiceBoundary != nil {
		e.ServiceBoundary = *p.ServiceBoundary
	}
	if p.FeeMode != nil {
		e.FeeMode = *p.FeeMode
	}
	if p.FeeAmountMin != nil {
		e.FeeAmountMin.Decimal = *p.FeeAmountMin
		e.FeeAmountMin.Valid = true
	}
	if p.FeeAmountMax != nil {
		e.FeeAmountMax.Decimal = *p.FeeAmountMax
		e.FeeAmountMax.Valid = true
	}
	if p.AttorneyConflictChecked != nil {
		e.AttorneyConflictChecked = *p.AttorneyConflictChecked
		if *p.AttorneyConflictChecked {
			t := now
			e.ConflictCheckedAt = &t
		} else {
			e.ConflictCheckedAt = nil
		}
	}
	if p.ConflictCheckNote != nil {
		e.ConflictCheckNote = *p.ConflictCheckNote
	}
	if p.ServiceScopeSummary != nil {
		e.ServiceScopeSummary = *p.ServiceScopeSummary
	}
	if p.StagePlan != nil {
		e.StagePlan = p.StagePlan
	}
	if p.IncludesCourtAppearance != nil {
		e.IncludesCourtAppearance = *p.IncludesCourtAppearance
	}
	if p.IncludesDocumentDrafting != nil {
		e.IncludesDocumentDrafting = *p.IncludesDocumentDrafting
	}
	if p.ClientComplianceAck != nil {
		e.ClientComplianceAck = *p.ClientComplianceAck
	}
	if p.AttorneyComplianceAck != nil {
		e.AttorneyComplianceAck = *p.AttorneyComplianceAck
	}
}

// Confirm records the acting party's sign-off. When the second
// confirmation lands the engagement becomes ACTIVE in the same
// transaction.
func (s *Service) Confirm(ctx context.Context, actor auth.Actor, engagementID string) (Engagement, error) {
	return s.mutate(ctx, engagementID, func(tx pgx.Tx, e *Engagement) (string, string, map[string]any, error) {
		role, err := party(e, actor)
		if err != nil {
			return "", "", nil, err
		}
		if role == auth.RoleAdmin {
			return "", "", nil, fault.Forbidden("confirmation is reserved to the two parties")
		}
		if !e.Negotiable() {
			return "", "", nil, fault.StateConflict("engagement %s is %s", e.ID, e.Status)
		}
		if !e.ClientComplianceAck || !e.AttorneyComplianceAck {
			return "", "", nil, fault.StateConflict("both compliance acknowledgements are required before confirming")
		}

		now := s.now()
		switch role {
		case auth.RoleAttorney:
			if !e.AttorneyConflictChecked {
				return "", "", nil, fault.StateConflict("attorney must complete the conflict check before confirming")
			}
			if e.AttorneyConfirmedAt != nil {
				return "", "", nil, fault.StateConflict("attorney already confirmed")
			}
			e.AttorneyConfirmedAt = &now
		case auth.RoleClient:
			if e.ClientConfirmedAt != nil {
				return "", "", nil, fault.StateConflict("client already confirmed")
			}
			e.ClientConfirmedAt = &now
		}

		eventType := EventConfirmed
		topic := outbox.TopicEngagementUpdated
		if e.AttorneyConfirmedAt != nil && e.ClientConfirmedAt != nil {
			e.Status = StatusActive
			eventType = EventActivated
			topic = outbox.TopicEngagementActivated
		}

		payload := map[string]any{"role": string(role), "actor_id": actor.ID}
		return eventType, topic, payload, nil
	}, actor.ID)
}

// Decline terminates a not-yet-active engagement. Terminal.
func (s *Service) Decline(ctx context.Context, actor auth.Actor, engagementID string) (Engagement, error) {
	return s.terminate(ctx, actor, engagementID, StatusDeclined, EventDeclined, outbox.TopicEngagementDeclined)
}

// Cancel terminates a not-yet-active engagement. Terminal.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, engagementID string) (Engagement, error) {
	return s.terminate(ctx, actor, engagementID, StatusCanceled, EventCanceled, outbox.TopicEngagementCanceled)
}

func (s *Service) terminate(ctx context.Context, actor auth.Actor, engagementID string, next Status, eventType, topic string) (Engagement, error) {
	return s.mutate(ctx, engagementID, func(tx pgx.Tx, e *Engagement) (string, string, map[string]any, error) {
		role, err := party(e, actor)
		if err != nil {
			return "", "", nil, err
		}
		if !e.Negotiable() {
			return "", "", nil, fault.StateConflict("engagement %s is %s and can no longer be %s", e.ID, e.Status, next)
		}
		e.Status = next
		payload := map[string]any{"role": string(role), "actor_id": actor.ID}
		return eventType, topic, payload, nil
	}, actor.ID)
}

// Detail returns the engagement with its timeline.
func (s *Service) Detail(ctx context.Context, q DBTX, actor auth.Actor, engagementID string) (Engagement, []TimelineEvent, error) {
	e, err := s.repo.Get(ctx, q, engagementID)
	if err != nil {
		return Engagement{}, nil, err
	}
	if _, err := party(&e, actor); err != nil {
		return Engagement{}, nil, err
	}
	events, err := s.repo.ListTimeline(ctx, q, engagementID)
	if err != nil {
		return Engagement{}, nil, err
	}
	return e, events, nil
}

// List returns engagements where the actor is a party.
func (s *Service) List(ctx context.Context, q DBTX, actor auth.Actor, limit, offset int) ([]Engagement, error) {
	return s.repo.ListByParty(ctx, q, actor.ID, limit, offset)
}

// mutate runs the read-validate-write cycle under optimistic
// concurrency, retrying a bounded number of times on version conflicts.
// apply returns the timeline event type, outbox topic, and payload.
func (s *Service) mutate(ctx context.Context, engagementID string, apply func(tx pgx.Tx, e *Engagement) (string, string, map[string]any, error), actorID string) (Engagement, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		updated, err := s.mutateOnce(ctx, engagementID, apply, actorID)
		if err == nil {
			return updated, nil
		}
		if !fault.Retryable(err) {
			return Engagement{}, err
		}
		lastErr = err
	}
	return Engagement{}, lastErr
}

func (s *Service) mutateOnce(ctx context.Context, engagementID string, apply func(tx pgx.Tx, e *Engagement) (string, string, map[string]any, error), actorID string) (Engagement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.Get(ctx, tx, engagementID)
	if err != nil {
		return Engagement{}, err
	}

	eventType, topic, payload, err := apply(tx, &e)
	if err != nil {
		return Engagement{}, err
	}

	updated, err := s.repo.Update(ctx, tx, e)
	if err != nil {
		return Engagement{}, err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["status"] = string(updated.DerivedStatus())
	if err := s.repo.AppendTimeline(ctx, tx, updated.ID, eventType, actorID, payload); err != nil {
		return Engagement{}, err
	}
	if err := outbox.Enqueue(ctx, tx, topic, map[string]any{
		"engagement_id": updated.ID,
		"status":        string(updated.DerivedStatus()),
	}); err != nil {
		return Engagement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Engagement{}, fmt.Errorf("engagement: commit: %w", err)
	}
	return updated, nil
}
