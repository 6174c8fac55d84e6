// Package api exposes the membership, usage, trial, billing and admin HTTP surface.
// Every response uses the envelope of pkg/envelope.
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gomembership/pkg/envelope"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Handler provides the HTTP endpoints
type Handler struct {
	config      Config
	translator  *envelope.Translator
	adminEmails map[string]struct{}
	validate    *validator.Validate
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.translator.WriteError(w, r, err)
}

// Health pings the store
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.config.Health != nil {
		if err := h.config.Health(r.Context()); err != nil {
			h.config.Logger.Error("health check failed", membership.F("error", err))
			envelope.JSON(w, http.StatusServiceUnavailable, envelope.Response{Success: false, Error: "store unreachable"})
			return
		}
	}
	envelope.OK(w, HealthResponse{Status: "ok"})
}

// GetMembership returns the caller's membership and tier, creating a free membership
// on first contact
func (h *Handler) GetMembership(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m, err := h.config.Directory.EnsureMembership(ctx, userID(r), h.config.Usage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tier, err := h.config.Directory.TierWithFeatures(ctx, m.TierID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.OK(w, MembershipResponse{Membership: m, Tier: tier})
}

// ListTiers returns the active tiers with their features
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.config.Directory.ListTiers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.OK(w, tiers)
}

// ListPayments returns the caller's recent payment history; ?limit= caps it at 100
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			h.fail(w, r, membership.NewValidationError("invalid limit", map[string]string{"limit": "min=1,max=100"}))
			return
		}
		limit = n
	}
	payments, err := h.config.Directory.Payments(r.Context(), userID(r), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.OK(w, payments)
}

// TrialStatus returns the read-only trial snapshot
func (h *Handler) TrialStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.config.Trials.GetTrialStatus(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.OK(w, st)
}

// StartTrial moves an eligible caller onto the trial tier
func (h *Handler) StartTrial(w http.ResponseWriter, r *http.Request) {
	m, err := h.config.Trials.StartTrial(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.Message(w, m, "trial started")
}

// ConvertTrial moves a trialing caller onto a paid tier
func (h *Handler) ConvertTrial(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := h.bind(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.config.Trials.ConvertTrialToPaid(r.Context(), userID(r), req.TierID,
		membership.BillingCycle(req.BillingCycle), nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.Message(w, m, "trial converted")
}

// GetAllUsage returns every tracked counter of the caller
func (h *Handler) GetAllUsage(w http.ResponseWriter, r *http.Request) {
	summary, err := h.config.Usage.GetAllUsage(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.OK(w, summary)
}

// GetUsage returns one counter; 404 when the feature is not tracked for the caller
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "featureKey")
	snap, err := h.config.Usage.GetUsage(r.Context(), userID(r), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if snap == nil {
		h.fail(w, r, &membership.NotFoundError{Entity: "usage", Key: key})
		return
	}
	envelope.OK(w, snap)
}

// SignOut ends the caller's session at the auth provider
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	id := membership.IdentityFromContext(r.Context())
	if err := h.config.Sessions.SignOut(r.Context(), id.Token); err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.Message(w, nil, "signed out")
}

func userID(r *http.Request) string {
	return membership.UserIDFromContext(r.Context())
}

// provision creates the caller's membership on first contact so every user route
// can assume one exists
func (h *Handler) provision(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.config.Directory.EnsureMembership(r.Context(), userID(r), h.config.Usage); err != nil {
			h.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	h.fail(w, r, &membership.NotFoundError{Entity: "route", Key: r.URL.Path})
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	envelope.JSON(w, http.StatusMethodNotAllowed, envelope.Response{Success: false, Error: "method not allowed"})
}
