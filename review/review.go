// Package review gates client reviews on engagement completion.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lexflow/fault"
)

// Eligibility is the read-only completion state a review submission is
// checked against.
type Eligibility struct {
	EngagementID string
	AttorneyID   string
	Eligible     bool
	CompletedAt  *time.Time
}

// Checker reports whether a client may review an engagement.
type Checker interface {
	Eligibility(ctx context.Context, engagementID, clientID string) (Eligibility, error)
}

type PGChecker struct {
	pool *pgxpool.Pool
}

func NewChecker(pool *pgxpool.Pool) *PGChecker {
	return &PGChecker{pool: pool}
}

// Eligibility loads the engagement's completion state. Only the client
// party of a completed engagement is eligible; anyone else gets a
// forbidden or not-eligible answer, never a silent pass.
func (c *PGChecker) Eligibility(ctx context.Context, engagementID, clientID string) (Eligibility, error) {
	const query = `
		SELECT id, client_id, attorney_id, status::text, completion_confirmed_at
		FROM engagements
		WHERE id = $1
	`

	var (
		e      Eligibility
		client string
		status string
	)
	err := c.pool.QueryRow(ctx, query, engagementID).Scan(
		&e.EngagementID, &client, &e.AttorneyID, &status, &e.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Eligibility{}, fault.NotFound("engagement %s", engagementID)
		}
		return Eligibility{}, fmt.Errorf("review: eligibility: %w", err)
	}

	if client != clientID {
		return Eligibility{}, fault.Forbidden("only the client party may review engagement %s", engagementID)
	}

	e.Eligible = status == "completed"
	return e, nil
}
