package dispute

import (
	"context"

	"github.com/jackc/pgx/v5"

	"lexflow/auth"
	"lexflow/fault"
)

// Gate is the dispute ticket desk. Opening and resolving run inside the
// caller's transaction so a ticket can never exist without the freeze
// that accompanies it, or vice versa.
type Gate struct {
	repo *Repository
}

func NewGate(repo *Repository) *Gate {
	if repo == nil {
		repo = NewRepository()
	}
	return &Gate{repo: repo}
}

// Open files a ticket against a milestone or completion claim and
// returns its id.
func (g *Gate) Open(ctx context.Context, tx pgx.Tx, subjectType, subjectID, engagementID, reason string) (string, error) {
	rec, err := g.repo.Insert(ctx, tx, subjectType, subjectID, engagementID, reason)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// MarkResolved closes the open ticket attached to a subject.
func (g *Gate) MarkResolved(ctx context.Context, tx pgx.Tx, subjectID, outcome string) error {
	_, err := g.repo.ResolveBySubject(ctx, tx, subjectID, outcome)
	return err
}

// Service exposes dispute tickets for review.
type Service struct {
	db   DBTX
	repo *Repository
}

func NewService(db DBTX, repo *Repository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{db: db, repo: repo}
}

// Queue lists tickets awaiting review, oldest first. Admin only.
func (s *Service) Queue(ctx context.Context, actor auth.Actor) ([]Record, error) {
	if actor.Role != auth.RoleAdmin {
		return nil, fault.Forbidden("the dispute queue is reserved to reviewers")
	}
	return s.repo.ListOpen(ctx, s.db)
}

// ForEngagement lists all tickets ever filed on an engagement.
func (s *Service) ForEngagement(ctx context.Context, engagementID string) ([]Record, error) {
	return s.repo.ListByEngagement(ctx, s.db, engagementID)
}

// Get returns a single ticket.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, s.db, id)
}

// RecordOutcome closes a completion ticket with the mediation result.
// Milestone tickets move funds and are resolved through the escrow
// surface instead.
func (s *Service) RecordOutcome(ctx context.Context, actor auth.Actor, id, outcome string) (Record, error) {
	if actor.Role != auth.RoleAdmin {
		return Record{}, fault.Forbidden("only reviewers resolve disputes")
	}
	if outcome == "" {
		return Record{}, fault.Validation("an outcome note is required")
	}
	rec, err := s.repo.Get(ctx, s.db, id)
	if err != nil {
		return Record{}, err
	}
	if rec.SubjectType != SubjectCompletion {
		return Record{}, fault.StateConflict("ticket %s concerns a milestone, resolve it through its order", id)
	}
	return s.repo.Resolve(ctx, s.db, id, outcome)
}
