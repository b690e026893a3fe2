package engagement

import (
	"context"
	"testing"
	"time"

	"lexflow/fault"
)

func activeEngagement(t *testing.T, svc *Service) Engagement {
	t.Helper()
	ctx := context.Background()
	e := mustCreate(t, svc)
	readyForConfirmation(t, svc, e.ID)
	if _, err := svc.Confirm(ctx, clientActor, e.ID); err != nil {
		t.Fatalf("client confirm: %v", err)
	}
	active, err := svc.Confirm(ctx, attorneyActor, e.ID)
	if err != nil {
		t.Fatalf("attorney confirm: %v", err)
	}
	return active
}

func TestRequestCompletion(t *testing.T) {
	svc, _, _ := newTestService(120 * time.Hour)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return base })

	e := activeEngagement(t, svc)

	if _, err := svc.RequestCompletion(ctx, clientActor, e.ID); !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("client requests completion: expected forbidden, got %v", err)
	}

	requested, err := svc.RequestCompletion(ctx, attorneyActor, e.ID)
	if err != nil {
		t.Fatalf("request completion: %v", err)
	}
	if requested.CompletionStatus != CompletionRequested {
		t.Fatalf("expected requested_by_attorney, got %s", requested.CompletionStatus)
	}
	wantAuto := base.Add(120 * time.Hour)
	if requested.CompletionAutoAt == nil || !requested.CompletionAutoAt.Equal(wantAuto) {
		t.Fatalf("expected auto-complete deadline %s, got %v", wantAuto, requested.CompletionAutoAt)
	}

	if _, err := svc.RequestCompletion(ctx, attorneyActor, e.ID); !fault.Is(err, fault.KindStateConflict) {
		t.Fatalf("double request: expected state conflict, got %v", err)
	}
}

func TestRequestCompletionRequiresActive(t *testing.T) {
	svc, _, _ := newTestService(time.Hour)
	e := mustCreate(t, svc)

	if _, err := svc.RequestCompletion(context.Background(), attorneyActor, e.ID); !fault.Is(err, fault.KindStateConflict) {
		t.Fatalf("request on draft: expected state conflict, got %v", err)
	}
}

func TestConfirmCompletion(t *testing.T) {
	svc, repo, _ := newTestService(time.Hour)
	ctx := context.Background()
	e := activeEngagement(t, svc)

	if _, err := svc.ConfirmCompletion(ctx, clientActor, e.ID); !fault.Is(err, fault.KindStateConflict) {
		t.Fatalf("confirm before request: expected state conflict, got %v", err)
	}

	if _, err := svc.RequestCompletion(ctx, attorneyActor, e.ID); err != nil {
		t.Fatalf("request completion: %v", err)
	}

	if _, err := svc.ConfirmCompletion(ctx, attorneyActor, e.ID); !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("attorney confirms own claim: expected forbidden, got %v", err)
	}

	done, err := svc.ConfirmCompletion(ctx, clientActor, e.ID)
	if err != nil {
		t.Fatalf("confirm completion: %v", err)
	}
	if done.Status != StatusCompleted || done.CompletionStatus != CompletionConfirmed {
		t.Fatalf("expected completed/confirmed_by_client, got %s/%s", done.Status, done.CompletionStatus)
	}

	last := repo.timeline[len(repo.timeline)-1]
	if last.eventType != EventCompletionConfirmed {
		t.Fatalf("expected COMPLETION_CONFIRMED, got %s", last.eventType)
	}
}

func TestDisputeCompletion(t *testing.T) {
	svc, _, gate := newTestService(time.Hour)
	ctx := context.Background()
	e := activeEngagement(t, svc)

	if _, err := svc.RequestCompletion(ctx, attorneyActor, e.ID); err != nil {
		t.Fatalf("request completion: %v", err)
	}

	if _, err := svc.DisputeCompletion(ctx, clientActor, e.ID, ""); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("empty note: expected validation, got %v", err)
	}
	if _, err := svc.DisputeCompletion(ctx, attorneyActor, e.ID, "not done"); !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("attorney disputes: expected forbidden, got %v", err)
	}

	disputed, err := svc.DisputeCompletion(ctx, clientActor, e.ID, "motion never filed")
	if err != nil {
		t.Fatalf("dispute completion: %v", err)
	}
	if disputed.CompletionStatus != CompletionDisputed {
		t.Fatalf("expected disputed, got %s", disputed.CompletionStatus)
	}
	if disputed.Status != StatusActive {
		t.Fatalf("dispute must not complete the engagement, got %s", disputed.Status)
	}
	if len(gate.opened) != 1 || gate.opened[0] != "completion:"+e.ID {
		t.Fatalf("expected completion ticket, got %v", gate.opened)
	}

	// A disputed request can no longer be confirmed or auto-completed.
	if _, err := svc.ConfirmCompletion(ctx, clientActor, e.ID); !fault.Is(err, fault.KindStateConflict) {
		t.Fatalf("confirm after dispute: expected state conflict, got %v", err)
	}
}

func TestAutoCompleteSweep(t *testing.T) {
	svc, repo, _ := newTestService(time.Hour)
	ctx := context.Background()

	e1 := activeEngagement(t, svc)
	e2 := activeEngagement(t, svc)
	repo.sweepIDs = []string{e1.ID, e2.ID}

	n, err := svc.AutoCompleteSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept, got %d", n)
	}
	for _, id := range []string{e1.ID, e2.ID} {
		e := repo.engagements[id]
		if e.Status != StatusCompleted || e.CompletionStatus != CompletionAuto {
			t.Fatalf("engagement %s not auto-completed: %s/%s", id, e.Status, e.CompletionStatus)
		}
	}

	// Nothing due: the sweep is a no-op.
	n, err = svc.AutoCompleteSweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected idle sweep, got %d", n)
	}
}
