package engagement

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"lexflow/auth"
	"lexflow/fault"
	"lexflow/outbox"
)

// RequestCompletion starts the two-phase completion handshake: the
// attorney claims the work is done and the client gets a bounded window
// to confirm or dispute before the sweep auto-completes.
func (s *Service) RequestCompletion(ctx context.Context, actor auth.Actor, engagementID string) (Engagement, error) {
	return s.mutate(ctx, engagementID, func(tx pgx.Tx, e *Engagement) (string, string, map[string]any, error) {
		role, err := party(e, actor)
		if err != nil {
			return "", "", nil, err
		}
		if role != auth.RoleAttorney {
			return "", "", nil, fault.Forbidden("only the attorney may request completion")
		}
		if e.Status != StatusActive {
			return "", "", nil, fault.StateConflict("engagement %s is %s, not active", e.ID, e.Status)
		}
		if e.CompletionStatus != CompletionNone {
			return "", "", nil, fault.StateConflict("completion already %s", e.CompletionStatus)
		}

		now := s.now()
		autoAt := now.Add(s.window)
		e.CompletionStatus = CompletionRequested
		e.CompletionRequestedAt = &now
		e.CompletionAutoAt = &autoAt

		payload := map[string]any{
			"actor_id": actor.ID,
			"auto_at":  autoAt.UTC(),
		}
		return EventCompletionRequested, outbox.TopicCompletionRequested, payload, nil
	}, actor.ID)
}

// ConfirmCompletion is the client accepting the attorney's claim; the
// engagement reaches COMPLETED in the same transaction.
func (s *Service) ConfirmCompletion(ctx context.Context, actor auth.Actor, engagementID string) (Engagement, error) {
	return s.mutate(ctx, engagementID, func(tx pgx.Tx, e *Engagement) (string, string, map[string]any, error) {
		role, err := party(e, actor)
		if err != nil {
			return "", "", nil, err
		}
		if role != auth.RoleClient {
			return "", "", nil, fault.Forbidden("only the client may confirm completion")
		}
		if e.CompletionStatus != CompletionRequested {
			return "", "", nil, fault.StateConflict("no completion request pending (status %s)", e.CompletionStatus)
		}

		now := s.now()
		e.CompletionStatus = CompletionConfirmed
		e.CompletionConfirmedAt = &now
		e.Status = StatusCompleted

		payload := map[string]any{"actor_id": actor.ID}
		return EventCompletionConfirmed, outbox.TopicEngagementCompleted, payload, nil
	}, actor.ID)
}

// DisputeCompletion halts the handshake pending external mediation and
// permanently blocks auto-completion for this request.
func (s *Service) DisputeCompletion(ctx context.Context, actor auth.Actor, engagementID, note string) (Engagement, error) {
	if note == "" {
		return Engagement{}, fault.Validation("a dispute note is required")
	}
	return s.mutate(ctx, engagementID, func(tx pgx.Tx, e *Engagement) (string, string, map[string]any, error) {
		role, err := party(e, actor)
		if err != nil {
			return "", "", nil, err
		}
		if role != auth.RoleClient {
			return "", "", nil, fault.Forbidden("only the client may dispute completion")
		}
		if e.CompletionStatus != CompletionRequested {
			return "", "", nil, fault.StateConflict("no completion request pending (status %s)", e.CompletionStatus)
		}

		e.CompletionStatus = CompletionDisputed
		e.CompletionNote = note

		ticketID, err := s.disputes.Open(ctx, tx, "completion", e.ID, e.ID, note)
		if err != nil {
			return "", "", nil, err
		}

		payload := map[string]any{
			"actor_id":  actor.ID,
			"ticket_id": ticketID,
			"note":      note,
		}
		return EventCompletionDisputed, outbox.TopicCompletionDisputed, payload, nil
	}, actor.ID)
}

// AutoCompleteSweep transitions every overdue completion request to
// AUTO_COMPLETED/COMPLETED. The conditional update makes it idempotent
// and safe to run concurrently from multiple schedulers; it returns the
// number of engagements transitioned by this invocation.
func (s *Service) AutoCompleteSweep(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("engagement: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ids, err := s.repo.SweepAutoComplete(ctx, tx)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.repo.AppendTimeline(ctx, tx, id, EventCompletionAuto, "", map[string]any{
			"swept_at": s.now().UTC(),
		}); err != nil {
			return 0, err
		}
		if err := outbox.Enqueue(ctx, tx, outbox.TopicEngagementCompleted, map[string]any{
			"engagement_id": id,
			"auto":          true,
		}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("engagement: commit sweep: %w", err)
	}
	return len(ids), nil
}
