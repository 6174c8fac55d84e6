// Package echo provides Echo Access Gate middleware
package echo

import (
	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gomembership/pkg/envelope"
	"github.com/mihaimyh/gomembership/pkg/gate"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

// IdentityKey is the echo context key holding the resolved *membership.Identity
const IdentityKey = "membership:identity"

// Middleware adapts gate decisions to echo middleware
type Middleware struct {
	gate       *gate.Gate
	translator *envelope.Translator
}

// New creates the middleware set; a nil translator uses a development translator
func New(g *gate.Gate, translator *envelope.Translator) *Middleware {
	if g == nil {
		panic("gomembership/echo: gate is required")
	}
	if translator == nil {
		translator = envelope.NewTranslator(nil, false)
	}
	return &Middleware{gate: g, translator: translator}
}

// Authenticate resolves the bearer token and stores the identity on the echo and request contexts
func (m *Middleware) Authenticate(auth gate.Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id, err := m.gate.Identify(req.Context(), auth, req.Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return m.reject(c, err)
			}
			c.Set(IdentityKey, id)
			c.SetRequest(req.WithContext(membership.WithIdentity(req.Context(), id)))
			return next(c)
		}
	}
}

// RequireFeature rejects with 403 unless the user's tier grants key
func (m *Middleware) RequireFeature(key string) echo.MiddlewareFunc {
	return m.check(func(c echo.Context, userID string) error {
		return m.gate.CheckFeature(c.Request().Context(), userID, key)
	})
}

// RequireTier rejects with 403 unless the user is on one of names and entitled
func (m *Middleware) RequireTier(names ...string) echo.MiddlewareFunc {
	return m.check(func(c echo.Context, userID string) error {
		return m.gate.CheckTier(c.Request().Context(), userID, names...)
	})
}

// EnforceLimit rejects with 429 once the quota of key is used up. With autoIncrement a
// handler that returns no error and commits a 2xx status schedules an increment of 1.
func (m *Middleware) EnforceLimit(key string, autoIncrement bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := Identity(c)
			if id == nil {
				return m.reject(c, &membership.AuthError{})
			}
			ctx := c.Request().Context()
			if err := m.gate.CheckLimit(ctx, id.ID, key); err != nil {
				return m.reject(c, err)
			}

			err := next(c)
			if status := c.Response().Status; autoIncrement && err == nil && status >= 200 && status < 300 {
				m.gate.ScheduleIncrement(ctx, id.ID, key, 1)
			}
			return err
		}
	}
}

// Identity returns the identity stored by Authenticate, or nil
func Identity(c echo.Context) *membership.Identity {
	id, _ := c.Get(IdentityKey).(*membership.Identity)
	return id
}

func (m *Middleware) check(fn func(c echo.Context, userID string) error) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := Identity(c)
			if id == nil {
				return m.reject(c, &membership.AuthError{})
			}
			if err := fn(c, id.ID); err != nil {
				return m.reject(c, err)
			}
			return next(c)
		}
	}
}

func (m *Middleware) reject(c echo.Context, err error) error {
	req := c.Request()
	status, resp := m.translator.Translate(err)
	m.translator.Report(req.Context(), req.Method, req.URL.Path, status, err)
	return c.JSON(status, resp)
}
