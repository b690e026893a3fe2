// Package outbox implements the transactional outbox used for
// notification delivery to external collaborators (payment rail,
// dispute gate, downstream consumers). Domain packages enqueue
// messages inside their own transactions; the Worker relays them.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Topics published by the engagement and escrow cores.
const (
	TopicEngagementCreated   = "engagement.created"
	TopicEngagementUpdated   = "engagement.updated"
	TopicEngagementActivated = "engagement.activated"
	TopicEngagementDeclined  = "engagement.declined"
	TopicEngagementCanceled  = "engagement.canceled"
	TopicEngagementCompleted = "engagement.completed"
	TopicCompletionRequested = "completion.requested"
	TopicCompletionDisputed  = "completion.disputed"
	TopicOrderOpened         = "escrow.order_opened"
	TopicOrderFunded         = "escrow.order_funded"
	TopicMilestoneReleased   = "escrow.milestone_released"
	TopicFundingRequested    = "payrail.funding_requested"
	TopicRefundRequested     = "payrail.refund_requested"
	TopicRefundSettled       = "payrail.refund_settled"
	TopicDisputeOpened       = "dispute.opened"
	TopicDisputeResolved     = "dispute.resolved"
)

// Execer is the subset of pgx.Tx needed to enqueue a message.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Message is a drained outbox row handed to the Publisher.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Enqueue writes a message inside the caller's transaction so delivery
// intent commits atomically with the state mutation.
func Enqueue(ctx context.Context, tx Execer, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
