package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"lexflow/dispute"
	"lexflow/engagement"
	"lexflow/fault"
)

type engagementResponse struct {
	ID             string            `json:"id"`
	CaseID         string            `json:"case_id"`
	BidID          string            `json:"bid_id"`
	ClientID       string            `json:"client_id"`
	AttorneyID     string            `json:"attorney_id"`
	ConversationID *string           `json:"conversation_id,omitempty"`
	Status         engagement.Status `json:"status"`

	ServiceBoundary          string          `json:"service_boundary,omitempty"`
	ServiceScopeSummary      string          `json:"service_scope_summary,omitempty"`
	StagePlan                json.RawMessage `json:"stage_plan,omitempty"`
	FeeMode                  string          `json:"fee_mode,omitempty"`
	FeeAmountMin             *string         `json:"fee_amount_min,omitempty"`
	FeeAmountMax             *string         `json:"fee_amount_max,omitempty"`
	IncludesCourtAppearance  bool            `json:"includes_court_appearance"`
	IncludesDocumentDrafting bool            `json:"includes_document_drafting"`

	ClientComplianceAck     bool   `json:"client_compliance_ack"`
	AttorneyComplianceAck   bool   `json:"attorney_compliance_ack"`
	AttorneyConflictChecked bool   `json:"attorney_conflict_checked"`
	ConflictCheckNote       string `json:"conflict_check_note,omitempty"`

	AttorneyConfirmedAt *time.Time `json:"attorney_confirmed_at,omitempty"`
	ClientConfirmedAt   *time.Time `json:"client_confirmed_at,omitempty"`

	CompletionStatus      engagement.CompletionStatus `json:"completion_status"`
	CompletionRequestedAt *time.Time                  `json:"completion_requested_at,omitempty"`
	CompletionAutoAt      *time.Time                  `json:"completion_auto_at,omitempty"`
	CompletionConfirmedAt *time.Time                  `json:"completion_confirmed_at,omitempty"`
	CompletionNote        string                      `json:"completion_note,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func nullDecimalString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func toEngagementResponse(e engagement.Engagement) engagementResponse {
	return engagementResponse{
		ID:             e.ID,
		CaseID:         e.CaseID,
		BidID:          e.BidID,
		ClientID:       e.ClientID,
		AttorneyID:     e.AttorneyID,
		ConversationID: e.ConversationID,
		Status:         e.DerivedStatus(),

		ServiceBoundary:          e.ServiceBoundary,
		ServiceScopeSummary:      e.ServiceScopeSummary,
		StagePlan:                e.StagePlan,
		FeeMode:                  e.FeeMode,
		FeeAmountMin:             nullDecimalString(e.FeeAmountMin),
		FeeAmountMax:             nullDecimalString(e.FeeAmountMax),
		IncludesCourtAppearance:  e.IncludesCourtAppearance,
		IncludesDocumentDrafting: e.IncludesDocumentDrafting,

		ClientComplianceAck:     e.ClientComplianceAck,
		AttorneyComplianceAck:   e.AttorneyComplianceAck,
		AttorneyConflictChecked: e.AttorneyConflictChecked,
		ConflictCheckNote:       e.ConflictCheckNote,

		AttorneyConfirmedAt: e.AttorneyConfirmedAt,
		ClientConfirmedAt:   e.ClientConfirmedAt,

		CompletionStatus:      e.CompletionStatus,
		CompletionRequestedAt: e.CompletionRequestedAt,
		CompletionAutoAt:      e.CompletionAutoAt,
		CompletionConfirmedAt: e.CompletionConfirmedAt,
		CompletionNote:        e.CompletionNote,

		Version:   e.Version,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

type timelineResponse struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	ActorID   *string         `json:"actor_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func toTimelineResponses(events []engagement.TimelineEvent) []timelineResponse {
	out := make([]timelineResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, timelineResponse{
			Seq:       ev.Seq,
			Type:      ev.Type,
			ActorID:   ev.ActorID,
			Payload:   json.RawMessage(ev.Payload),
			CreatedAt: ev.CreatedAt,
		})
	}
	return out
}

func (s *Server) handleCreateEngagement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CaseID string `json:"case_id"`
		BidID  string `json:"bid_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	e, err := s.engagements.Create(r.Context(), actorFrom(r), req.CaseID, req.BidID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEngagementResponse(e))
}

func (s *Server) handleListEngagements(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	list, err := s.engagements.List(r.Context(), s.pool, actorFrom(r), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]engagementResponse, 0, len(list))
	for _, e := range list {
		out = append(out, toEngagementResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEngagementDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	e, timeline, err := s.engagements.Detail(r.Context(), s.pool, actorFrom(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	orders, err := s.orders.ListOrders(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	orderViews := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		orderViews = append(orderViews, toOrderResponse(o))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"engagement": toEngagementResponse(e),
		"timeline":   toTimelineResponses(timeline),
		"orders":     orderViews,
	})
}

type fieldPatchRequest struct {
	ServiceBoundary         *string `json:"service_boundary"`
	FeeMode                 *string `json:"fee_mode"`
	FeeAmountMin            *string `json:"fee_amount_min"`
	FeeAmountMax            *string `json:"fee_amount_max"`
	AttorneyConflictChecked *bool   `json:"attorney_conflict_checked"`
	ConflictCheckNote       *string `json:"conflict_check_note"`

	ServiceScopeSummary      *string         `json:"service_scope_summary"`
	StagePlan                json.RawMessage `json:"stage_plan"`
	IncludesCourtAppearance  *bool           `json:"includes_court_appearance"`
	IncludesDocumentDrafting *bool           `json:"includes_document_drafting"`
	ClientComplianceAck      *bool           `json:"client_compliance_ack"`
	AttorneyComplianceAck    *bool           `json:"attorney_compliance_ack"`
}

func (req fieldPatchRequest) toPatch() (engagement.FieldPatch, error) {
	patch := engagement.FieldPatch{
		ServiceBoundary:         req.ServiceBoundary,
		FeeMode:                 req.FeeMode,
		AttorneyConflictChecked: req.AttorneyConflictChecked,
		ConflictCheckNote:       req.ConflictCheckNote,

		ServiceScopeSummary:      req.ServiceScopeSummary,
		StagePlan:                req.StagePlan,
		IncludesCourtAppearance:  req.IncludesCourtAppearance,
		IncludesDocumentDrafting: req.IncludesDocumentDrafting,
		ClientComplianceAck:      req.ClientComplianceAck,
		AttorneyComplianceAck:    req.AttorneyComplianceAck,
	}
	if req.FeeAmountMin != nil {
		d, err := decimal.NewFromString(*req.FeeAmountMin)
		if err != nil {
			return engagement.FieldPatch{}, fault.Validation("fee_amount_min: %v", err)
		}
		patch.FeeAmountMin = &d
	}
	if req.FeeAmountMax != nil {
		d, err := decimal.NewFromString(*req.FeeAmountMax)
		if err != nil {
			return engagement.FieldPatch{}, fault.Validation("fee_amount_max: %v", err)
		}
		patch.FeeAmountMax = &d
	}
	return patch, nil
}

func (s *Server) handleUpdateEngagement(w http.ResponseWriter, r *http.Request) {
	var req fieldPatchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		writeError(w, err)
		return
	}

	e, err := s.engagements.UpdateFields(r.Context(), actorFrom(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEngagementResponse(e))
}

func (s *Server) handleConfirmEngagement(w http.ResponseWriter, r *http.Request) {
	e, err := s.engagements.Confirm(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEngagementResponse(e))
}

func (s *Server) handleDeclineEngagement(w http.ResponseWriter, r *http.Request) {
	e, err := s.engagements.Decline(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEngagementResponse(e))
}

func (s *Server) handleCancelEngagement(w http.ResponseWriter, r *http.Request) {
	e, err := s.engagements.Cancel(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEngagementResponse(e))
}

func (s *Server) handleRequestCompletion(w http.ResponseWriter, r *http.Request) {
	e, err := s.engagements.RequestCompletion(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEngagementResponse(e))
}

func (s *Server) handleConfirmCompletion(w http.ResponseWriter, r *http.Request) {
	e, err := s.engagements.ConfirmCompletion(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEngagementResponse(e))
}

func (s *Server) handleDisputeCompletion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	e, err := s.engagements.DisputeCompletion(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEngagementResponse(e))
}

type disputeResponse struct {
	ID           string     `json:"id"`
	SubjectType  string     `json:"subject_type"`
	SubjectID    string     `json:"subject_id"`
	EngagementID string     `json:"engagement_id"`
	Reason       string     `json:"reason"`
	Status       string     `json:"status"`
	Outcome      *string    `json:"outcome,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

func toDisputeResponses(records []dispute.Record) []disputeResponse {
	out := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, disputeResponse{
			ID:           rec.ID,
			SubjectType:  rec.SubjectType,
			SubjectID:    rec.SubjectID,
			EngagementID: rec.EngagementID,
			Reason:       rec.Reason,
			Status:       string(rec.Status),
			Outcome:      rec.Outcome,
			CreatedAt:    rec.CreatedAt,
			ResolvedAt:   rec.ResolvedAt,
		})
	}
	return out
}

func (s *Server) handleEngagementDisputes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Party check rides on Detail's access rule.
	if _, _, err := s.engagements.Detail(r.Context(), s.pool, actorFrom(r), id); err != nil {
		writeError(w, err)
		return
	}

	records, err := s.disputes.ForEngagement(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponses(records))
}

func (s *Server) handleDisputeQueue(w http.ResponseWriter, r *http.Request) {
	records, err := s.disputes.Queue(r.Context(), actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponses(records))
}

func (s *Server) handleResolveCompletionDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.disputes.RecordOutcome(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Outcome)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponses([]dispute.Record{rec})[0])
}

func (s *Server) handleReviewEligibility(w http.ResponseWriter, r *http.Request) {
	e, err := s.reviews.Eligibility(r.Context(), chi.URLParam(r, "id"), actorFrom(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"engagement_id": e.EngagementID,
		"attorney_id":   e.AttorneyID,
		"eligible":      e.Eligible,
		"completed_at":  e.CompletedAt,
	})
}
