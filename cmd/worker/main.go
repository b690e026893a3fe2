package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lexflow/casebid"
	"lexflow/config"
	"lexflow/db"
	"lexflow/dispute"
	"lexflow/engagement"
	"lexflow/outbox"
)

// The worker runs the two background loops: the completion sweeper,
// which auto-confirms completion requests whose review window expired,
// and the outbox relay.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	engagements := engagement.NewService(pool, nil, casebid.NewReader(pool), dispute.NewGate(nil), cfg.CompletionWindow)
	relay := outbox.NewWorker(pool, outbox.LogPublisher(), cfg.OutboxBatchSize, cfg.OutboxMaxAttempts, cfg.OutboxInterval)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return relay.Run(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				n, err := engagements.AutoCompleteSweep(ctx)
				if err != nil {
					log.Printf("auto-complete sweep: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("auto-completed %d engagements", n)
				}
			}
		}
	})

	log.Printf("worker running: sweep every %s, outbox every %s", cfg.SweepInterval, cfg.OutboxInterval)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("worker: %v", err)
	}
}
