package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"lexflow/escrow"
	"lexflow/fault"
)

type orderResponse struct {
	ID                   string             `json:"id"`
	EngagementID         string             `json:"engagement_id"`
	Title                string             `json:"title"`
	Status               escrow.OrderStatus `json:"status"`
	Currency             string             `json:"currency"`
	AmountTotal          string             `json:"amount_total"`
	AmountHeld           string             `json:"amount_held"`
	AmountReleased       string             `json:"amount_released"`
	AmountRefunded       string             `json:"amount_refunded"`
	HoldBlockedByDispute bool               `json:"hold_blocked_by_dispute"`
	NeedsReconciliation  bool               `json:"needs_reconciliation"`
	Version              int                `json:"version"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

func toOrderResponse(o escrow.Order) orderResponse {
	return orderResponse{
		ID:                   o.ID,
		EngagementID:         o.EngagementID,
		Title:                o.Title,
		Status:               o.Status,
		Currency:             o.Currency,
		AmountTotal:          o.AmountTotal.String(),
		AmountHeld:           o.AmountHeld.String(),
		AmountReleased:       o.AmountReleased.String(),
		AmountRefunded:       o.AmountRefunded.String(),
		HoldBlockedByDispute: o.HoldBlockedByDispute,
		NeedsReconciliation:  o.NeedsReconciliation,
		Version:              o.Version,
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
	}
}

type milestoneResponse struct {
	ID                  string                 `json:"id"`
	OrderID             string                 `json:"order_id"`
	SortOrder           int                    `json:"sort_order"`
	Title               string                 `json:"title"`
	Deliverable         string                 `json:"deliverable,omitempty"`
	Amount              string                 `json:"amount"`
	TargetDate          *time.Time             `json:"target_date,omitempty"`
	Status              escrow.MilestoneStatus `json:"status"`
	ReleaseRequestedAt  *time.Time             `json:"release_requested_at,omitempty"`
	ReleaseReviewStatus string                 `json:"release_review_status,omitempty"`
	ReleasedAt          *time.Time             `json:"released_at,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
}

func toMilestoneResponse(m escrow.Milestone) milestoneResponse {
	return milestoneResponse{
		ID:                  m.ID,
		OrderID:             m.OrderID,
		SortOrder:           m.SortOrder,
		Title:               m.Title,
		Deliverable:         m.Deliverable,
		Amount:              m.Amount.String(),
		TargetDate:          m.TargetDate,
		Status:              m.Status,
		ReleaseRequestedAt:  m.ReleaseRequestedAt,
		ReleaseReviewStatus: m.ReleaseReviewStatus,
		ReleasedAt:          m.ReleasedAt,
		CreatedAt:           m.CreatedAt,
	}
}

type eventResponse struct {
	Seq         int              `json:"seq"`
	Type        escrow.EventType `json:"type"`
	MilestoneID *string          `json:"milestone_id,omitempty"`
	Amount      *string          `json:"amount,omitempty"`
	Note        string           `json:"note,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

func toEventResponses(events []escrow.Event) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			Seq:         ev.Seq,
			Type:        ev.Type,
			MilestoneID: ev.MilestoneID,
			Amount:      nullDecimalString(ev.Amount),
			Note:        ev.Note,
			CreatedAt:   ev.CreatedAt,
		})
	}
	return out
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Decimal{}, fault.Validation("%s is required", field)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fault.Validation("%s: %v", field, err)
	}
	return d, nil
}

func (s *Server) handleOpenOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Currency    string `json:"currency"`
		AmountTotal string `json:"amount_total"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	total, err := parseAmount("amount_total", req.AmountTotal)
	if err != nil {
		writeError(w, err)
		return
	}

	o, err := s.orders.OpenOrder(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Title, req.Currency, total)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(o))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Party check rides on Detail's access rule.
	if _, _, err := s.engagements.Detail(r.Context(), s.pool, actorFrom(r), id); err != nil {
		writeError(w, err)
		return
	}

	orders, err := s.orders.ListOrders(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOrderDetail(w http.ResponseWriter, r *http.Request) {
	o, milestones, events, err := s.orders.OrderDetail(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	milestoneViews := make([]milestoneResponse, 0, len(milestones))
	for _, m := range milestones {
		milestoneViews = append(milestoneViews, toMilestoneResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":      toOrderResponse(o),
		"milestones": milestoneViews,
		"events":     toEventResponses(events),
	})
}

func (s *Server) handleAddMilestone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string     `json:"title"`
		Deliverable string     `json:"deliverable"`
		Amount      string     `json:"amount"`
		TargetDate  *time.Time `json:"target_date"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	m, err := s.orders.AddMilestone(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Title, req.Deliverable, amount, req.TargetDate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMilestoneResponse(m))
}

func (s *Server) handleStartMilestone(w http.ResponseWriter, r *http.Request) {
	m, err := s.orders.StartMilestone(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneResponse(m))
}

func (s *Server) handleRequestRelease(w http.ResponseWriter, r *http.Request) {
	m, err := s.orders.RequestRelease(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneResponse(m))
}

func (s *Server) handleConfirmRelease(w http.ResponseWriter, r *http.Request) {
	m, err := s.orders.ConfirmRelease(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneResponse(m))
}

func (s *Server) handleDisputeMilestone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	m, err := s.orders.DisputeMilestone(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneResponse(m))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome string `json:"outcome"`
		Note    string `json:"note"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	m, err := s.orders.ResolveDispute(r.Context(), actorFrom(r), chi.URLParam(r, "id"), escrow.DisputeOutcome(req.Outcome), req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneResponse(m))
}

func (s *Server) handleRequestRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount string `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	o, err := s.orders.RequestRefund(r.Context(), actorFrom(r), chi.URLParam(r, "id"), amount, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (s *Server) handleVerifyOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.orders.VerifyProjection(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consistent": true})
}

// handleSettlementWebhook receives payment rail callbacks for funding
// and refund settlements. Delivery is at-least-once; the external_ref
// dedupes replays inside the service transaction.
func (s *Server) handleSettlementWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind        string `json:"kind"`
		OrderID     string `json:"order_id"`
		Amount      string `json:"amount"`
		ExternalRef string `json:"external_ref"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	var o escrow.Order
	switch req.Kind {
	case "funding":
		o, err = s.orders.ConfirmFunding(r.Context(), req.OrderID, amount, req.ExternalRef)
	case "refund":
		o, err = s.orders.ConfirmRefundSettlement(r.Context(), req.OrderID, amount, req.ExternalRef)
	default:
		err = fault.Validation("unknown settlement kind %q", req.Kind)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}
