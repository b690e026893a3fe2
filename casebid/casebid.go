// Package casebid exposes the read-only view of the case/bid matching
// module that engagement creation depends on. The core never mutates
// case or bid state.
package casebid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrBidNotFound    = errors.New("casebid: bid not found")
	ErrBidNotSelected = errors.New("casebid: bid has not been selected")
	ErrCaseMismatch   = errors.New("casebid: bid does not belong to case")
)

// SelectedBid carries the party identities resolved for a selected bid.
type SelectedBid struct {
	BidID      string
	CaseID     string
	ClientID   string
	AttorneyID string
	CaseTitle  string
	SelectedAt time.Time
}

// Reader resolves selected bids for engagement creation.
type Reader interface {
	SelectedBid(ctx context.Context, caseID, bidID string) (SelectedBid, error)
}

type PGReader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *PGReader {
	return &PGReader{pool: pool}
}

// SelectedBid verifies the bid belongs to the case and was selected, and
// returns the two party identities.
func (r *PGReader) SelectedBid(ctx context.Context, caseID, bidID string) (SelectedBid, error) {
	const query = `
		SELECT b.id, b.case_id, c.client_id, b.attorney_id, c.title, b.status::text, b.created_at
		FROM bids b
		JOIN cases c ON c.id = b.case_id
		WHERE b.id = $1
	`

	var (
		sb     SelectedBid
		status string
	)
	err := r.pool.QueryRow(ctx, query, bidID).
		Scan(&sb.BidID, &sb.CaseID, &sb.ClientID, &sb.AttorneyID, &sb.CaseTitle, &status, &sb.SelectedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SelectedBid{}, ErrBidNotFound
		}
		return SelectedBid{}, fmt.Errorf("casebid: load bid: %w", err)
	}

	if sb.CaseID != caseID {
		return SelectedBid{}, ErrCaseMismatch
	}
	if status != "selected" {
		return SelectedBid{}, ErrBidNotSelected
	}

	return sb, nil
}
