// Package gin provides Gin Access Gate middleware
package gin

import (
	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gomembership/pkg/envelope"
	"github.com/mihaimyh/gomembership/pkg/gate"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

// IdentityKey is the gin context key holding the resolved *membership.Identity
const IdentityKey = "membership:identity"

// Middleware adapts gate decisions to gin handlers
type Middleware struct {
	gate       *gate.Gate
	translator *envelope.Translator
}

// New creates the middleware set; a nil translator uses a development translator
func New(g *gate.Gate, translator *envelope.Translator) *Middleware {
	if g == nil {
		panic("gomembership/gin: gate is required")
	}
	if translator == nil {
		translator = envelope.NewTranslator(nil, false)
	}
	return &Middleware{gate: g, translator: translator}
}

// Authenticate resolves the bearer token, stores the identity on both the gin and the
// request context, and aborts with 401 otherwise
func (m *Middleware) Authenticate(auth gate.Authenticator) gongin.HandlerFunc {
	return func(c *gongin.Context) {
		id, err := m.gate.Identify(c.Request.Context(), auth, c.GetHeader("Authorization"))
		if err != nil {
			m.abort(c, err)
			return
		}
		c.Set(IdentityKey, id)
		c.Request = c.Request.WithContext(membership.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// RequireFeature aborts with 403 unless the user's tier grants key
func (m *Middleware) RequireFeature(key string) gongin.HandlerFunc {
	return func(c *gongin.Context) {
		userID, ok := m.userID(c)
		if !ok {
			return
		}
		if err := m.gate.CheckFeature(c.Request.Context(), userID, key); err != nil {
			m.abort(c, err)
			return
		}
		c.Next()
	}
}

// RequireTier aborts with 403 unless the user is on one of names and entitled
func (m *Middleware) RequireTier(names ...string) gongin.HandlerFunc {
	return func(c *gongin.Context) {
		userID, ok := m.userID(c)
		if !ok {
			return
		}
		if err := m.gate.CheckTier(c.Request.Context(), userID, names...); err != nil {
			m.abort(c, err)
			return
		}
		c.Next()
	}
}

// EnforceLimit aborts with 429 once the quota of key is used up. With autoIncrement a
// 2xx response schedules an increment of 1 after the handler chain returns.
func (m *Middleware) EnforceLimit(key string, autoIncrement bool) gongin.HandlerFunc {
	return func(c *gongin.Context) {
		userID, ok := m.userID(c)
		if !ok {
			return
		}
		if err := m.gate.CheckLimit(c.Request.Context(), userID, key); err != nil {
			m.abort(c, err)
			return
		}
		c.Next()

		if status := c.Writer.Status(); autoIncrement && status >= 200 && status < 300 {
			m.gate.ScheduleIncrement(c.Request.Context(), userID, key, 1)
		}
	}
}

// Identity returns the identity stored by Authenticate, or nil
func Identity(c *gongin.Context) *membership.Identity {
	if v, ok := c.Get(IdentityKey); ok {
		if id, ok := v.(*membership.Identity); ok {
			return id
		}
	}
	return nil
}

func (m *Middleware) userID(c *gongin.Context) (string, bool) {
	id := Identity(c)
	if id == nil {
		m.abort(c, &membership.AuthError{})
		return "", false
	}
	return id.ID, true
}

func (m *Middleware) abort(c *gongin.Context, err error) {
	status, resp := m.translator.Translate(err)
	m.translator.Report(c.Request.Context(), c.Request.Method, c.Request.URL.Path, status, err)
	c.AbortWithStatusJSON(status, resp)
}
