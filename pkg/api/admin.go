package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gomembership/pkg/envelope"
	"github.com/mihaimyh/gomembership/pkg/gate"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

// requireAdmin accepts the static admin key, or an authenticated identity whose email
// is listed in AdminEmails
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := gate.BearerToken(header)
		if token == "" {
			h.fail(w, r, &membership.AuthError{Message: "missing bearer token"})
			return
		}
		if key := h.config.AdminAPIKey; key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		if len(h.adminEmails) == 0 {
			h.fail(w, r, &membership.AuthError{Message: "invalid admin credentials"})
			return
		}

		id, err := h.config.Gate.Identify(r.Context(), h.config.Auth, header)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if _, ok := h.adminEmails[strings.ToLower(id.Email)]; !ok {
			h.fail(w, r, &membership.AccessDeniedError{Reason: membership.DeniedTier, Message: "admin access required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(membership.WithIdentity(r.Context(), id)))
	})
}

// ExpireTrials runs the trial sweep; meant for an external cron
func (h *Handler) ExpireTrials(w http.ResponseWriter, r *http.Request) {
	n, err := h.config.Admin.ExpireTrials(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.OK(w, ExpireTrialsResponse{Expired: n})
}

// ResetPeriodicUsage runs the periodic counter reset; meant for an external cron
func (h *Handler) ResetPeriodicUsage(w http.ResponseWriter, r *http.Request) {
	n, err := h.config.Admin.ResetPeriodicUsage(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.OK(w, ResetUsageResponse{Reset: n})
}

// OverrideMembership sets a user's tier, status or billing cycle directly
func (h *Handler) OverrideMembership(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := h.bind(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.config.Admin.OverrideMembership(r.Context(), chi.URLParam(r, "userID"), membership.Override{
		TierID:       req.TierID,
		Status:       membership.Status(req.Status),
		BillingCycle: membership.BillingCycle(req.BillingCycle),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.Message(w, m, "membership updated")
}

// ResetUserUsage zeroes one counter of one user
func (h *Handler) ResetUserUsage(w http.ResponseWriter, r *http.Request) {
	userID, key := chi.URLParam(r, "userID"), chi.URLParam(r, "featureKey")
	if err := h.config.Admin.ResetUsage(r.Context(), userID, key); err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.Message(w, nil, "usage reset")
}

// CreateTier adds a tier
func (h *Handler) CreateTier(w http.ResponseWriter, r *http.Request) {
	var req createTierRequest
	if err := h.bind(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t := &membership.Tier{
		Name:               req.Name,
		DisplayName:        req.DisplayName,
		PriceMonthly:       req.PriceMonthly,
		PriceYearly:        req.PriceYearly,
		StripePriceMonthly: req.StripePriceMonthly,
		StripePriceYearly:  req.StripePriceYearly,
		SortOrder:          req.SortOrder,
	}
	if err := h.config.Directory.CreateTier(r.Context(), t); err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.JSON(w, http.StatusCreated, envelope.Response{Success: true, Data: t})
}

// UpdateTier patches display, pricing and ordering attributes of a tier
func (h *Handler) UpdateTier(w http.ResponseWriter, r *http.Request) {
	var req updateTierRequest
	if err := h.bind(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := r.Context()
	t, err := h.config.Directory.Tier(ctx, chi.URLParam(r, "tierID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.DisplayName != nil {
		t.DisplayName = *req.DisplayName
	}
	if req.PriceMonthly != nil {
		t.PriceMonthly = *req.PriceMonthly
	}
	if req.PriceYearly != nil {
		t.PriceYearly = *req.PriceYearly
	}
	if req.StripePriceMonthly != nil {
		t.StripePriceMonthly = *req.StripePriceMonthly
	}
	if req.StripePriceYearly != nil {
		t.StripePriceYearly = *req.StripePriceYearly
	}
	if req.SortOrder != nil {
		t.SortOrder = *req.SortOrder
	}
	if err := h.config.Directory.UpdateTier(ctx, t); err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.OK(w, t)
}

// DeactivateTier soft-deactivates a tier
func (h *Handler) DeactivateTier(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Directory.DeactivateTier(r.Context(), chi.URLParam(r, "tierID")); err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.Message(w, nil, "tier deactivated")
}

// UpsertFeature creates or replaces a feature definition
func (h *Handler) UpsertFeature(w http.ResponseWriter, r *http.Request) {
	var req featureRequest
	if err := h.bind(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	f := &membership.Feature{
		Key:          chi.URLParam(r, "featureKey"),
		DisplayName:  req.DisplayName,
		Type:         membership.FeatureType(req.Type),
		DefaultValue: req.DefaultValue,
		IsActive:     req.IsActive == nil || *req.IsActive,
	}
	if err := h.config.Directory.UpsertFeature(r.Context(), f); err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.OK(w, f)
}

// BindFeature sets the value of a feature on a tier
func (h *Handler) BindFeature(w http.ResponseWriter, r *http.Request) {
	var req bindingRequest
	if err := h.bind(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := r.Context()
	tierID := chi.URLParam(r, "tierID")
	if err := h.config.Directory.BindFeature(ctx, tierID, chi.URLParam(r, "featureKey"),
		req.Value, req.UsageLimit, membership.PeriodType(req.PeriodType)); err != nil {
		h.fail(w, r, err)
		return
	}
	tier, err := h.config.Directory.TierWithFeatures(ctx, tierID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.OK(w, tier)
}
