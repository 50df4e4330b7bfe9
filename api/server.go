/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator console

ROUTE GROUPS:
  /api/shifts/*         Posting, applications, locking, verification
  /api/assignments/*    Acceptance, clocking, cancellation, disputes
  /api/disputes/*       Review and resolution
  /api/payments/*       Ledger views
  /api/payouts/*        Manual payout retry
  /api/workers/*        Verification results, eligibility, violations
  /api/exemptions/*     Compliance exemptions
  /api/webhooks/*       Payment provider callbacks
  /api/admin/*          Operator actions
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. The X-Actor header is trusted as-is and
  must be set by an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. An empty
// origins list disables cross-origin access.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
			ExposedHeaders:   []string{middleware.RequestIDHeader},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Route("/shifts", func(r chi.Router) {
			r.Get("/", h.ListShifts)
			r.Post("/", h.CreateShift)
			r.Post("/quote", h.QuoteShift)
			r.Get("/{id}", h.GetShift)
			r.Post("/{id}/publish", h.shiftAction("publish_shift", h.Shifts.Publish))
			r.Post("/{id}/applications", h.Apply)
			r.Get("/{id}/assignments", h.ListAssignments)
			r.Post("/{id}/lock", h.shiftAction("lock_slots", h.Shifts.LockSlots))
			r.Post("/{id}/verify", h.shiftAction("verify_hours", h.Shifts.VerifyHours))
			r.Post("/{id}/cancel", h.CancelShift)
			r.Post("/{id}/archive", h.shiftAction("archive_shift", h.Shifts.Archive))
			r.Post("/{id}/resume", h.shiftAction("resume_shift", h.Shifts.Resume))
		})

		r.Route("/assignments", func(r chi.Router) {
			r.Get("/{id}", h.GetAssignment)
			r.Post("/{id}/accept", h.assignmentAction("accept_application", h.Shifts.AcceptApplication))
			r.Post("/{id}/acknowledge", h.assignmentAction("acknowledge", h.Shifts.Acknowledge))
			r.Post("/{id}/clock-in", h.clockAction("clock_in", h.Shifts.ClockIn))
			r.Post("/{id}/clock-out", h.clockAction("clock_out", h.Shifts.ClockOut))
			r.Post("/{id}/cancel", h.CancelAssignment)
			r.Post("/{id}/no-show", h.assignmentAction("mark_no_show", h.Shifts.MarkNoShow))
			r.Post("/{id}/disputes", h.OpenDispute)
		})

		r.Route("/disputes", func(r chi.Router) {
			r.Get("/", h.ListDisputes)
			r.Get("/{id}", h.GetDispute)
			r.Post("/{id}/review", h.ReviewDispute)
			r.Post("/{id}/evidence", h.SubmitEvidence)
			r.Post("/{id}/resolve", h.ResolveDispute)
			r.Post("/{id}/withdraw", h.disputeAction("withdraw_dispute", h.Disputes.Withdraw))
			r.Post("/{id}/close", h.disputeAction("close_dispute", h.Disputes.Close))
		})

		r.Get("/payments/{id}/ledger", h.GetLedger)
		r.Post("/payouts/{id}/retry", h.RetryPayout)

		r.Route("/workers", func(r chi.Router) {
			r.Post("/{id}/verifications", h.RecordVerification)
			r.Get("/{id}/eligibility", h.GetEligibility)
			r.Get("/{id}/violations", h.ListViolations)
		})

		r.Post("/exemptions", h.RequestExemption)
		r.Post("/exemptions/{id}/approve", h.ApproveExemption)
		r.Post("/violations/{id}/resolve", h.ResolveViolation)

		r.Post("/webhooks/payments", h.PaymentWebhook)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
		})
	})

	return r
}
