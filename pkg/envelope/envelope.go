// Package envelope renders every HTTP response as {success, data, message, error, details}
// and maps membership errors onto status codes at the boundary.
package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Response is the JSON envelope shared by every endpoint
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// JSON writes resp with the given status code
func JSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		// Response already started
		_ = err
	}
}

// OK writes a 200 success envelope
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// Message writes a 200 success envelope carrying a human readable message
func Message(w http.ResponseWriter, data interface{}, msg string) {
	JSON(w, http.StatusOK, Response{Success: true, Data: data, Message: msg})
}

// Denial is the details object of an access gate denial
type Denial struct {
	Reason     membership.DenialReason   `json:"reason"`
	FeatureKey string                    `json:"feature_key,omitempty"`
	UpgradeURL string                    `json:"upgrade_url,omitempty"`
	Usage      *membership.UsageSnapshot `json:"usage,omitempty"`
}

const internalMessage = "internal server error"

// Translator is the single boundary that turns errors into envelopes.
// In production validation details and upstream messages are withheld.
type Translator struct {
	Logger     membership.Logger
	Production bool
}

// NewTranslator creates a Translator; a nil logger discards output
func NewTranslator(logger membership.Logger, production bool) *Translator {
	if logger == nil {
		logger = &membership.NoopLogger{}
	}
	return &Translator{Logger: logger, Production: production}
}

// Status maps err to its HTTP status code
func Status(err error) int {
	var (
		ve *membership.ValidationError
		ae *membership.AuthError
		de *membership.AccessDeniedError
		ne *membership.NotFoundError
		se *membership.StateConflictError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ae):
		return http.StatusUnauthorized
	case errors.As(err, &de):
		if de.Reason == membership.DeniedLimit {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	case errors.As(err, &ne):
		return http.StatusNotFound
	case errors.As(err, &se):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Translate builds the status code and envelope for err
func (t *Translator) Translate(err error) (int, Response) {
	status := Status(err)
	resp := Response{Success: false, Error: err.Error()}

	var (
		ve *membership.ValidationError
		de *membership.AccessDeniedError
	)
	switch {
	case errors.As(err, &ve):
		if !t.Production && len(ve.Fields) > 0 {
			resp.Details = ve.Fields
		}
	case errors.As(err, &de):
		// The upgrade hint is part of the denial signal and always sent.
		resp.Details = Denial{
			Reason:     de.Reason,
			FeatureKey: de.FeatureKey,
			UpgradeURL: de.UpgradeHint,
			Usage:      de.Usage,
		}
	case status == http.StatusInternalServerError:
		resp.Error = internalMessage
		if !t.Production {
			resp.Details = map[string]string{"cause": err.Error()}
		}
	}
	return status, resp
}

// Report logs err server-side; 5xx at error level, everything else at warn
func (t *Translator) Report(ctx context.Context, method, path string, status int, err error) {
	fields := []membership.Field{
		membership.F("method", method),
		membership.F("path", path),
		membership.F("status", status),
		membership.F("error", err),
	}
	if userID := membership.UserIDFromContext(ctx); userID != "" {
		fields = append(fields, membership.F("user_id", userID))
	}
	if status >= http.StatusInternalServerError {
		t.Logger.Error("request failed", fields...)
		return
	}
	t.Logger.Warn("request rejected", fields...)
}

// WriteError logs err and writes its envelope
func (t *Translator) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := t.Translate(err)
	t.Report(r.Context(), r.Method, r.URL.Path, status, err)
	JSON(w, status, resp)
}
