package dispute

import (
	"context"
	"testing"

	"lexflow/auth"
	"lexflow/fault"
)

func TestRecordOutcomeGuards(t *testing.T) {
	svc := NewService(nil, nil)
	ctx := context.Background()

	_, err := svc.RecordOutcome(ctx, auth.Actor{ID: "u1", Role: auth.RoleClient}, "d1", "mediated")
	if !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("expected forbidden for non-admin, got %v", err)
	}

	_, err = svc.RecordOutcome(ctx, auth.Actor{ID: "a1", Role: auth.RoleAdmin}, "d1", "")
	if !fault.Is(err, fault.KindValidation) {
		t.Fatalf("expected validation for empty outcome, got %v", err)
	}
}

func TestQueueRequiresAdmin(t *testing.T) {
	svc := NewService(nil, nil)

	_, err := svc.Queue(context.Background(), auth.Actor{ID: "u1", Role: auth.RoleAttorney})
	if !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
