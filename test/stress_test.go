package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"lexflow/auth"
	"lexflow/casebid"
	"lexflow/dispute"
	"lexflow/engagement"
	"lexflow/escrow"
	"lexflow/test/actors"
	"lexflow/test/chaos"
	"lexflow/test/infra"
	"lexflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 6, "number of concurrent actor groups")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	gate := dispute.NewGate(nil)
	orders := escrow.NewService(pool, nil, gate)
	// a short window lets the auto-complete sweep actually fire mid-run
	engagements := engagement.NewService(pool, nil, casebid.NewReader(pool), gate, 2*time.Second)

	client := auth.Actor{ID: seedData.clientID, Role: auth.RoleClient}
	attorney := auth.Actor{ID: seedData.attorneyID, Role: auth.RoleAttorney}
	admin := auth.Actor{ID: seedData.adminID, Role: auth.RoleAdmin}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Funder(ctx2, orders, client, seedData.escrowEngID, stop) })
		g.Go(func() error {
			return actors.MilestoneAuthor(ctx2, pool, orders, attorney, seedData.escrowEngID, stop)
		})
		g.Go(func() error {
			return actors.Releaser(ctx2, pool, orders, client, attorney, seedData.escrowEngID, stop)
		})
	}
	g.Go(func() error { return actors.Disputer(ctx2, pool, orders, client, seedData.escrowEngID, stop) })
	g.Go(func() error { return actors.Arbiter(ctx2, pool, orders, admin, seedData.escrowEngID, stop) })
	g.Go(func() error { return actors.Refunder(ctx2, pool, orders, client, seedData.escrowEngID, stop) })
	g.Go(func() error { return actors.Verifier(ctx2, pool, orders, seedData.escrowEngID, stop) })
	g.Go(func() error {
		return actors.CompletionRacer(ctx2, engagements, client, attorney, seedData.completionEngID, stop)
	})
	g.Go(func() error { return actors.Sweeper(ctx2, engagements, stop) })
	g.Go(func() error { return actors.Relay(ctx2, pool, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	clientID        string
	attorneyID      string
	adminID         string
	escrowEngID     string
	completionEngID string
}

// mustSeed inserts the minimum rows the actors need: three users, two
// cases with selected bids, and two active engagements. One engagement
// hosts the escrow traffic, the other the completion handshake race.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs

	user := func(role, name string) string {
		var id string
		err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role)
                                    VALUES ($1,$2,'x',$3) RETURNING id`,
			fmt.Sprintf("%s%d@example.com", role, rand.Int63()), name, role).Scan(&id)
		if err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
		return id
	}
	s.clientID = user("client", "Stress Client")
	s.attorneyID = user("attorney", "Stress Attorney")
	s.adminID = user("admin", "Stress Admin")

	activeEngagement := func(title string) string {
		var caseID, bidID, engID string
		if err := pool.QueryRow(ctx, `INSERT INTO cases (client_id, title, practice_area)
                                       VALUES ($1,$2,'contract') RETURNING id`, s.clientID, title).Scan(&caseID); err != nil {
			t.Fatalf("seed case: %v", err)
		}
		if err := pool.QueryRow(ctx, `INSERT INTO bids (case_id, attorney_id, status)
                                       VALUES ($1,$2,'selected') RETURNING id`, caseID, s.attorneyID).Scan(&bidID); err != nil {
			t.Fatalf("seed bid: %v", err)
		}
		err := pool.QueryRow(ctx, `INSERT INTO engagements
                (case_id, bid_id, client_id, attorney_id, status,
                 service_boundary, fee_mode, fee_amount_min,
                 client_compliance_ack, attorney_compliance_ack,
                 attorney_conflict_checked, conflict_checked_at,
                 attorney_confirmed_at, client_confirmed_at)
             VALUES ($1,$2,$3,$4,'active','full representation','fixed',500,
                     TRUE, TRUE, TRUE, now(), now(), now())
             RETURNING id`, caseID, bidID, s.clientID, s.attorneyID).Scan(&engID)
		if err != nil {
			t.Fatalf("seed engagement: %v", err)
		}
		return engID
	}
	s.escrowEngID = activeEngagement("Escrow stress matter")
	s.completionEngID = activeEngagement("Completion stress matter")
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"payment_orders", `SELECT id, status, amount_total, amount_held, amount_released, amount_refunded, hold_blocked_by_dispute, refund_settling, needs_reconciliation FROM payment_orders ORDER BY created_at DESC LIMIT 30`},
		{"milestones", `SELECT id, order_id, status, amount FROM milestones ORDER BY created_at DESC LIMIT 30`},
		{"payment_events", `SELECT id, order_id, seq, type, amount FROM payment_events ORDER BY id DESC LIMIT 50`},
		{"timeline_events", `SELECT id, engagement_id, seq, type FROM timeline_events ORDER BY id DESC LIMIT 30`},
		{"outbox", `SELECT id, topic, status, attempts FROM outbox ORDER BY created_at DESC LIMIT 30`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
