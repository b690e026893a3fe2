package engagement

import (
	"testing"
	"time"
)

func TestDerivedStatus(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name     string
		status   Status
		attorney *time.Time
		client   *time.Time
		want     Status
	}{
		{"fresh draft", StatusDraft, nil, nil, StatusDraft},
		{"attorney signed", StatusDraft, &now, nil, StatusPendingClient},
		{"client signed", StatusDraft, nil, &now, StatusPendingAttorney},
		{"active keeps status", StatusActive, &now, &now, StatusActive},
		{"declined keeps status", StatusDeclined, &now, nil, StatusDeclined},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := &Engagement{
				Status:              tc.status,
				AttorneyConfirmedAt: tc.attorney,
				ClientConfirmedAt:   tc.client,
			}
			if got := e.DerivedStatus(); got != tc.want {
				t.Fatalf("expected %s got %s", tc.want, got)
			}
		})
	}
}

func TestNegotiable(t *testing.T) {
	for _, status := range []Status{StatusActive, StatusCompleted, StatusDeclined, StatusCanceled} {
		e := &Engagement{Status: status}
		if e.Negotiable() {
			t.Fatalf("%s must not be negotiable", status)
		}
	}
	if !(&Engagement{Status: StatusDraft}).Negotiable() {
		t.Fatal("draft must be negotiable")
	}
}

func TestFieldPatchClassification(t *testing.T) {
	boundary := "litigation only"
	summary := "file and argue the motion"
	ack := true

	if (FieldPatch{}).empty() != true {
		t.Fatal("zero patch must be empty")
	}
	if (FieldPatch{ServiceBoundary: &boundary}).touchesAttorneyOnly() != true {
		t.Fatal("service boundary is attorney-only")
	}
	if (FieldPatch{ServiceScopeSummary: &summary}).touchesAttorneyOnly() {
		t.Fatal("scope summary is a shared field")
	}
	if (FieldPatch{ClientComplianceAck: &ack}).empty() {
		t.Fatal("patch with an ack is not empty")
	}
}
