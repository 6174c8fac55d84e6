// Package http provides net/http Access Gate middleware.
//
// Authenticate must wrap every other gate; the feature, limit and tier gates read the
// identity it stores on the request context and are composable in any order.
package http

import (
	"net/http"

	"github.com/mihaimyh/gomembership/pkg/envelope"
	"github.com/mihaimyh/gomembership/pkg/gate"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Middleware wraps gate decisions as func(http.Handler) http.Handler, usable with
// chi, gorilla/mux or a plain ServeMux
type Middleware struct {
	gate       *gate.Gate
	translator *envelope.Translator
}

// New creates the middleware set; a nil translator uses a development translator
func New(g *gate.Gate, translator *envelope.Translator) *Middleware {
	if translator == nil {
		translator = envelope.NewTranslator(nil, false)
	}
	return &Middleware{gate: g, translator: translator}
}

// Authenticate resolves the bearer token and stores the identity on the context.
// Requests without a valid identity are rejected with 401.
func (m *Middleware) Authenticate(auth gate.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := m.gate.Identify(r.Context(), auth, r.Header.Get("Authorization"))
			if err != nil {
				m.translator.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(membership.WithIdentity(r.Context(), id)))
		})
	}
}

// RequireFeature rejects with 403 and an upgrade hint unless the user's tier grants key
func (m *Middleware) RequireFeature(key string) func(http.Handler) http.Handler {
	return m.check(func(r *http.Request, userID string) error {
		return m.gate.CheckFeature(r.Context(), userID, key)
	})
}

// RequireTier rejects with 403 unless the user is on one of names and entitled
func (m *Middleware) RequireTier(names ...string) func(http.Handler) http.Handler {
	return m.check(func(r *http.Request, userID string) error {
		return m.gate.CheckTier(r.Context(), userID, names...)
	})
}

// EnforceLimit rejects with 429 and the usage snapshot once the quota of key is used up.
// With autoIncrement a 2xx response schedules an increment of 1; the increment never
// changes the response.
func (m *Middleware) EnforceLimit(key string, autoIncrement bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := membership.UserIDFromContext(r.Context())
			if userID == "" {
				m.translator.WriteError(w, r, &membership.AuthError{})
				return
			}
			if err := m.gate.CheckLimit(r.Context(), userID, key); err != nil {
				m.translator.WriteError(w, r, err)
				return
			}
			if !autoIncrement {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			if sw.succeeded() {
				m.gate.ScheduleIncrement(r.Context(), userID, key, 1)
			}
		})
	}
}

func (m *Middleware) check(fn func(r *http.Request, userID string) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := membership.UserIDFromContext(r.Context())
			if userID == "" {
				m.translator.WriteError(w, r, &membership.AuthError{})
				return
			}
			if err := fn(r, userID); err != nil {
				m.translator.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter remembers the status code written by the wrapped handler
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) succeeded() bool {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	return status >= 200 && status < 300
}
