package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmw "github.com/mihaimyh/gomembership/middleware/http"
)

// Router builds the complete route tree
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.NotFound(h.notFound)
	r.MethodNotAllowed(h.methodNotAllowed)

	r.Get("/healthz", h.Health)
	if h.config.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.config.MetricsHandler)
	}
	r.Get("/membership/tiers", h.ListTiers)

	// The webhook authenticates by signature and needs the raw body
	if h.config.Billing != nil {
		r.Method(http.MethodPost, "/billing/webhook", h.config.Billing.WebhookHandler())
	}

	gates := httpmw.New(h.config.Gate, h.translator)
	r.Group(func(r chi.Router) {
		r.Use(gates.Authenticate(h.config.Auth))
		r.Use(h.provision)

		r.Get("/membership", h.GetMembership)
		r.Get("/membership/payments", h.ListPayments)
		r.Get("/membership/trial/status", h.TrialStatus)
		r.Post("/membership/trial/start", h.StartTrial)
		r.Post("/membership/trial/convert", h.ConvertTrial)
		r.Get("/membership/usage", h.GetAllUsage)
		r.Get("/membership/usage/{featureKey}", h.GetUsage)

		if h.config.Billing != nil {
			r.Post("/billing/checkout", h.Checkout)
			r.Post("/billing/portal", h.Portal)
			r.Post("/billing/sync", h.SyncBilling)
		}
		if h.config.Sessions != nil {
			r.Post("/auth/signout", h.SignOut)
		}
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)

		r.Post("/cron/expire-trials", h.ExpireTrials)
		r.Post("/cron/reset-usage", h.ResetPeriodicUsage)
		r.Post("/memberships/{userID}", h.OverrideMembership)
		r.Post("/usage/{userID}/{featureKey}/reset", h.ResetUserUsage)

		r.Post("/tiers", h.CreateTier)
		r.Patch("/tiers/{tierID}", h.UpdateTier)
		r.Delete("/tiers/{tierID}", h.DeactivateTier)
		r.Put("/tiers/{tierID}/features/{featureKey}", h.BindFeature)
		r.Put("/features/{featureKey}", h.UpsertFeature)
	})

	return r
}
