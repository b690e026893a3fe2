package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lexflow/auth"
	"lexflow/casebid"
	"lexflow/config"
	"lexflow/db"
	"lexflow/dispute"
	"lexflow/engagement"
	"lexflow/escrow"
	"lexflow/httpapi"
	"lexflow/review"
)

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

	gate := dispute.NewGate(nil)
	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	engagements := engagement.NewService(pool, nil, casebid.NewReader(pool), gate, cfg.CompletionWindow)
	orders := escrow.NewService(pool, nil, gate)
	disputes := dispute.NewService(pool, nil)
	reviews := review.NewChecker(pool)

	server := httpapi.NewServer(pool, authSvc, engagements, orders, disputes, reviews)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("api listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}
