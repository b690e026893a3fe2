package outbox

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Publisher delivers a drained message to its destination. Returning an
// error leaves the row pending for a later attempt.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogPublisher writes messages to the process log. It stands in for the
// real delivery adapters in development and tests.
func LogPublisher() Publisher {
	return PublisherFunc(func(ctx context.Context, msg Message) error {
		log.Printf("outbox: publish topic=%s id=%s", msg.Topic, msg.ID)
		return nil
	})
}

// Worker drains pending outbox rows with SKIP LOCKED so multiple
// instances may run concurrently without double delivery.
type Worker struct {
	pool        *pgxpool.Pool
	publisher   Publisher
	batchSize   int
	maxAttempts int
	interval    time.Duration
}

func NewWorker(pool *pgxpool.Pool, publisher Publisher, batchSize, maxAttempts int, interval time.Duration) *Worker {
	if batchSize <= 0 {
		batchSize = 10
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Worker{
		pool:        pool,
		publisher:   publisher,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		interval:    interval,
	}
}

// Run drains batches until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.DrainOnce(ctx); err != nil {
				log.Printf("outbox: drain: %v", err)
			}
		}
	}
}

// DrainOnce claims and publishes one batch, returning the number of
// messages marked processed.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, w.batchSize)
	if err != nil {
		return 0, err
	}

	batch := make([]Message, 0, w.batchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	processed := 0
	for _, m := range batch {
		if err := w.publisher.Publish(ctx, m); err != nil {
			if m.Attempts+1 >= w.maxAttempts {
				if _, err := tx.Exec(ctx, `UPDATE outbox SET status='dead', attempts=attempts+1 WHERE id=$1`, m.ID); err != nil {
					return processed, err
				}
			} else {
				if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, m.ID); err != nil {
					return processed, err
				}
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1, processed_at=now() WHERE id=$1`, m.ID); err != nil {
			return processed, err
		}
		processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return processed, nil
}
