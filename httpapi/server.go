// Package httpapi exposes the marketplace over HTTP.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"lexflow/auth"
	"lexflow/dispute"
	"lexflow/engagement"
	"lexflow/escrow"
	"lexflow/review"
)

// Server holds the wired services behind the HTTP handlers.
type Server struct {
	pool        *pgxpool.Pool
	auth        *auth.Service
	engagements *engagement.Service
	orders      *escrow.Service
	disputes    *dispute.Service
	reviews     review.Checker
}

func NewServer(
	pool *pgxpool.Pool,
	authSvc *auth.Service,
	engagements *engagement.Service,
	orders *escrow.Service,
	disputes *dispute.Service,
	reviews review.Checker,
) *Server {
	return &Server{
		pool:        pool,
		auth:        authSvc,
		engagements: engagements,
		orders:      orders,
		disputes:    disputes,
		reviews:     reviews,
	}
}

// Router assembles the route table. The settlement webhook sits outside
// the bearer-token wall; everything else requires a verified actor.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Post("/v1/auth/register", s.handleRegister)
	r.Post("/v1/auth/login", s.handleLogin)

	r.Post("/v1/webhooks/payment-rail", s.handleSettlementWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/v1/engagements", s.handleCreateEngagement)
		r.Get("/v1/engagements", s.handleListEngagements)
		r.Get("/v1/engagements/{id}", s.handleEngagementDetail)
		r.Patch("/v1/engagements/{id}", s.handleUpdateEngagement)
		r.Post("/v1/engagements/{id}/confirm", s.handleConfirmEngagement)
		r.Post("/v1/engagements/{id}/decline", s.handleDeclineEngagement)
		r.Post("/v1/engagements/{id}/cancel", s.handleCancelEngagement)
		r.Post("/v1/engagements/{id}/completion/request", s.handleRequestCompletion)
		r.Post("/v1/engagements/{id}/completion/confirm", s.handleConfirmCompletion)
		r.Post("/v1/engagements/{id}/completion/dispute", s.handleDisputeCompletion)
		r.Get("/v1/engagements/{id}/disputes", s.handleEngagementDisputes)
		r.Get("/v1/engagements/{id}/review-eligibility", s.handleReviewEligibility)

		r.Post("/v1/engagements/{id}/orders", s.handleOpenOrder)
		r.Get("/v1/engagements/{id}/orders", s.handleListOrders)
		r.Get("/v1/orders/{id}", s.handleOrderDetail)
		r.Post("/v1/orders/{id}/milestones", s.handleAddMilestone)
		r.Post("/v1/orders/{id}/refund", s.handleRequestRefund)
		r.Post("/v1/orders/{id}/verify", s.handleVerifyOrder)

		r.Post("/v1/milestones/{id}/start", s.handleStartMilestone)
		r.Post("/v1/milestones/{id}/release/request", s.handleRequestRelease)
		r.Post("/v1/milestones/{id}/release/confirm", s.handleConfirmRelease)
		r.Post("/v1/milestones/{id}/dispute", s.handleDisputeMilestone)
		r.Post("/v1/milestones/{id}/resolve", s.handleResolveDispute)

		r.Get("/v1/disputes", s.handleDisputeQueue)
		r.Post("/v1/disputes/{id}/resolve", s.handleResolveCompletionDispute)
	})

	return r
}
