package engagement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"lexflow/auth"
	"lexflow/casebid"
	"lexflow/fault"
)

type fakeTx struct {
	execSQL []string
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(context.Context) error { return nil }
func (t *fakeTx) Rollback(context.Context) error { return nil }
func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	return pgconn.CommandTag{}, nil
}
func (t *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (t *fakeTx) Conn() *pgx.Conn { return nil }

type fakePool struct {
	tx *fakeTx
}

func (p *fakePool) Begin(context.Context) (pgx.Tx, error) { return p.tx, nil }

type timelineEntry struct {
	engagementID string
	eventType    string
	actorID      string
}

type fakeRepository struct {
	engagements map[string]Engagement
	timeline    []timelineEntry
	sweepIDs    []string
	nextID      int

	// updateConflicts makes the next N Update calls fail with a
	// concurrency fault, to exercise the retry loop.
	updateConflicts int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{engagements: make(map[string]Engagement)}
}

func (r *fakeRepository) Insert(_ context.Context, _ DBTX, e Engagement) (Engagement, error) {
	r.nextID++
	e.ID = fmt.Sprintf("eng-%d", r.nextID)
	e.Status = StatusDraft
	e.CompletionStatus = CompletionNone
	e.Version = 1
	e.CreatedAt = time.Now()
	r.engagements[e.ID] = e
	return e, nil
}

func (r *fakeRepository) Get(_ context.Context, _ DBTX, id string) (Engagement, error) {
	e, ok := r.engagements[id]
	if !ok {
		return Engagement{}, fault.NotFound("engagement %s", id)
	}
	return e, nil
}

func (r *fakeRepository) Update(_ context.Context, _ DBTX, e Engagement) (Engagement, error) {
	if r.updateConflicts > 0 {
		r.updateConflicts--
		return Engagement{}, fault.Concurrency("engagement %s version %d is stale", e.ID, e.Version)
	}
	stored, ok := r.engagements[e.ID]
	if !ok || stored.Version != e.Version {
		return Engagement{}, fault.Concurrency("engagement %s version %d is stale", e.ID, e.Version)
	}
	e.Version++
	e.UpdatedAt = time.Now()
	r.engagements[e.ID] = e
	return e, nil
}

func (r *fakeRepository) ListByParty(_ context.Context, _ DBTX, userID string, _, _ int) ([]Engagement, error) {
	var out []Engagement
	for _, e := range r.engagements {
		if e.ClientID == userID || e.AttorneyID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeRepository) AppendTimeline(_ context.Context, _ DBTX, engagementID, eventType, actorID string, _ map[string]any) error {
	r.timeline = append(r.timeline, timelineEntry{engagementID, eventType, actorID})
	return nil
}

func (r *fakeRepository) ListTimeline(_ context.Context, _ DBTX, engagementID string) ([]TimelineEvent, error) {
	var out []TimelineEvent
	for i, entry := range r.timeline {
		if entry.engagementID == engagementID {
			out = append(out, TimelineEvent{Seq: i + 1, Type: entry.eventType})
		}
	}
	return out, nil
}

func (r *fakeRepository) SweepAutoComplete(_ context.Context, _ DBTX) ([]string, error) {
	ids := r.sweepIDs
	r.sweepIDs = nil
	for _, id := range ids {
		e := r.engagements[id]
		e.Status = StatusCompleted
		e.CompletionStatus = CompletionAuto
		r.engagements[id] = e
	}
	return ids, nil
}

type fakeBids struct {
	bid casebid.SelectedBid
	err error
}

func (b *fakeBids) SelectedBid(context.Context, string, string) (casebid.SelectedBid, error) {
	return b.bid, b.err
}

type fakeGate struct {
	opened []string
}

func (g *fakeGate) Open(_ context.Context, _ pgx.Tx, subjectType, subjectID, _, _ string) (string, error) {
	g.opened = append(g.opened, subjectType+":"+subjectID)
	return "ticket-1", nil
}

const (
	clientID   = "client-1"
	attorneyID = "attorney-1"
)

var (
	clientActor   = auth.Actor{ID: clientID, Role: auth.RoleClient}
	attorneyActor = auth.Actor{ID: attorneyID, Role: auth.RoleAttorney}
)

func newTestService(window time.Duration) (*Service, *fakeRepository, *fakeGate) {
	repo := newFakeRepository()
	gate := &fakeGate{}
	bids := &fakeBids{bid: casebid.SelectedBid{
		BidID:      "bid-1",
		CaseID:     "case-1",
		ClientID:   clientID,
		AttorneyID: attorneyID,
	}}
	svc := NewService(&fakePool{tx: &fakeTx{}}, repo, bids, gate, window)
	return svc, repo, gate
}

func mustCreate(t *testing.T, svc *Service) Engagement {
	t.Helper()
	e, err := svc.Create(context.Background(), clientActor, "case-1", "bid-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return e
}

// readyForConfirmation gets a draft to the point where both parties may
// confirm.
func readyForConfirmation(t *testing.T, svc *Service, id string) {
	t.Helper()
	ctx := context.Background()

	boundary := "demand letter and negotiation"
	checked := true
	ackA := true
	if _, err := svc.UpdateFields(ctx, attorneyActor, id, FieldPatch{
		ServiceBoundary:         &boundary,
		AttorneyConflictChecked: &checked,
		AttorneyComplianceAck:   &ackA,
	}); err != nil {
		t.Fatalf("attorney patch: %v", err)
	}

	ackC := true
	if _, err := svc.UpdateFields(ctx, clientActor, id, FieldPatch{ClientComplianceAck: &ackC}); err != nil {
		t.Fatalf("client ack: %v", err)
	}
}

func TestCreate(t *testing.T) {
	svc, repo, _ := newTestService(time.Hour)

	e := mustCreate(t, svc)
	if e.Status != StatusDraft {
		t.Fatalf("expected draft, got %s", e.Status)
	}
	if e.ClientID != clientID || e.AttorneyID != attorneyID {
		t.Fatalf("parties not copied from bid: %+v", e)
	}
	if len(repo.timeline) != 1 || repo.timeline[0].eventType != EventCreated {
		t.Fatalf("expected ENGAGEMENT_CREATED timeline entry, got %+v", repo.timeline)
	}

	if _, err := svc.Create(context.Background(), attorneyActor, "case-1", "bid-1"); !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("non-owner create: expected forbidden, got %v", err)
	}
}

func TestUpdateFieldsPermissions(t *testing.T) {
	svc, _, _ := newTestService(time.Hour)
	ctx := context.Background()
	e := mustCreate(t, svc)

	boundary := "litigation"
	if _, err := svc.UpdateFields(ctx, clientActor, e.ID, FieldPatch{ServiceBoundary: &boundary}); !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("client edits boundary: expected forbidden, got %v", err)
	}

	ack := true
	if _, err := svc.UpdateFields(ctx, attorneyActor, e.ID, FieldPatch{ClientComplianceAck: &ack}); !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("attorney acks for client: expected forbidden, got %v", err)
	}

	summary := "negotiate the settlement"
	if _, err := svc.UpdateFields(ctx, clientActor, e.ID, FieldPatch{ServiceScopeSummary: &summary}); err != nil {
		t.Fatalf("client edits shared field: %v", err)
	}

	if _, err := svc.UpdateFields(ctx, clientActor, e.ID, FieldPatch{}); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("empty patch: expected validation, got %v", err)
	}

	neg := decimal.NewFromInt(-5)
	if _, err := svc.UpdateFields(ctx, attorneyActor, e.ID, FieldPatch{FeeAmountMin: &neg}); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("negative fee: expected validation, got %v", err)
	}

	if _, err := svc.UpdateFields(ctx, auth.Actor{ID: "stranger"}, e.ID, FieldPatch{ServiceScopeSummary: &summary}); !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("stranger edit: expected forbidden, got %v", err)
	}
}

func TestEditAfterConfirmationClearsSignoffs(t *testing.T) {
	svc, _, _ := newTestService(time.Hour)
	ctx := context.Background()
	e := mustCreate(t, svc)
	readyForConfirmation(t, svc, e.ID)

	confirmed, err := svc.Confirm(ctx, attorneyActor, e.ID)
	if err != nil {
		t.Fatalf("attorney confirm: %v", err)
	}
	if confirmed.DerivedStatus() != StatusPendingClient {
		t.Fatalf("expected pending_client, got %s", confirmed.DerivedStatus())
	}

	summary := "revised scope"
	updated, err := svc.UpdateFields(ctx, attorneyActor, e.ID, FieldPatch{ServiceScopeSummary: &summary})
	if err != nil {
		t.Fatalf("edit after confirm: %v", err)
	}
	if updated.AttorneyConfirmedAt != nil || updated.ClientConfirmedAt != nil {
		t.Fatal("editing terms must clear both confirmations")
	}
	if updated.DerivedStatus() != StatusDraft {
		t.Fatalf("expected draft after reset, got %s", updated.DerivedStatus())
	}

	// The attorney can sign off again on the revised terms.
	if _, err := svc.Confirm(ctx, attorneyActor, e.ID); err != nil {
		t.Fatalf("re-confirm: %v", err)
	}
}

func TestConfirmGuards(t *testing.T) {
	svc, _, _ := newTestService(time.Hour)
	ctx := context.Background()
	e := mustCreate(t, svc)

	// No compliance acks yet.
	if _, err := svc.Confirm(ctx, clientActor, e.ID); !fault.Is(err, fault.KindStateConflict) {
		t.Fatalf("confirm without acks: expected state conflict, got %v", err)
	}

	ackA, ackC := true, true
	if _, err := svc.UpdateFields(ctx, attorneyActor, e.ID, FieldPatch{AttorneyComplianceAck: &ackA}); err != nil {
		t.Fatalf("attorney ack: %v", err)
	}
	if _, err := svc.UpdateFields(ctx, clientActor, e.ID, FieldPatch{ClientComplianceAck: &ackC}); err != nil {
		t.Fatalf("client ack: %v", err)
	}

	// Attorney is additionally gated on the conflict check.
	if _, err := svc.Confirm(ctx, attorneyActor, e.ID); !fault.Is(err, fault.KindStateConflict) {
		t.Fatalf("confirm without conflict check: expected state conflict, got %v", err)
	}

	if _, err := svc.Confirm(ctx, clientActor, e.ID); err != nil {
		t.Fatalf("client confirm: %v", err)
	}
	if _, err := svc.Confirm(ctx, clientActor, e.ID); !fault.Is(err, fault.KindStateConflict) {
		t.Fatalf("double confirm: expected state conflict, got %v", err)
	}
}

func TestConfirmActivates(t *testing.T) {
	svc, repo, _ := newTestService(time.Hour)
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
	if active.Status != StatusActive {
		t.Fatalf("expected active, got %s", active.Status)
	}

	last := repo.timeline[len(repo.timeline)-1]
	if last.eventType != EventActivated {
		t.Fatalf("expected ENGAGEMENT_ACTIVATED, got %s", last.eventType)
	}

	// Terms freeze on activation.
	summary := "more work"
	if _, err := svc.UpdateFields(ctx, attorneyActor, e.ID, FieldPatch{ServiceScopeSummary: &summary}); !fault.Is(err, fault.KindStateConflict) {
		t.Fatalf("edit after activation: expected state conflict, got %v", err)
	}
	if _, err := svc.Cancel(ctx, clientActor, e.ID); !fault.Is(err, fault.KindStateConflict) {
		t.Fatalf("cancel after activation: expected state conflict, got %v", err)
	}
}

func TestDeclineAndCancel(t *testing.T) {
	svc, _, _ := newTestService(time.Hour)
	ctx := context.Background()

	e1 := mustCreate(t, svc)
	declined, err := svc.Decline(ctx, attorneyActor, e1.ID)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if declined.Status != StatusDeclined {
		t.Fatalf("expected declined, got %s", declined.Status)
	}

	e2 := mustCreate(t, svc)
	canceled, err := svc.Cancel(ctx, clientActor, e2.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != StatusCanceled {
		t.Fatalf("expected canceled, got %s", canceled.Status)
	}

	// Terminal states are final.
	if _, err := svc.Decline(ctx, attorneyActor, e2.ID); !fault.Is(err, fault.KindStateConflict) {
		t.Fatalf("decline canceled: expected state conflict, got %v", err)
	}
}

func TestMutateRetriesOnConflict(t *testing.T) {
	svc, repo, _ := newTestService(time.Hour)
	ctx := context.Background()
	e := mustCreate(t, svc)

	repo.updateConflicts = 2
	summary := "retry me"
	if _, err := svc.UpdateFields(ctx, clientActor, e.ID, FieldPatch{ServiceScopeSummary: &summary}); err != nil {
		t.Fatalf("expected retry to absorb two conflicts: %v", err)
	}

	repo.updateConflicts = maxRetries
	if _, err := svc.UpdateFields(ctx, clientActor, e.ID, FieldPatch{ServiceScopeSummary: &summary}); !fault.Is(err, fault.KindConcurrency) {
		t.Fatalf("expected concurrency fault after exhausted retries, got %v", err)
	}
}
