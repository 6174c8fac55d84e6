// Package fiber provides Fiber Access Gate middleware
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gomembership/pkg/envelope"
	"github.com/mihaimyh/gomembership/pkg/gate"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

// IdentityKey is the fiber locals key holding the resolved *membership.Identity
const IdentityKey = "membership:identity"

// Middleware adapts gate decisions to fiber handlers
type Middleware struct {
	gate       *gate.Gate
	translator *envelope.Translator
}

// New creates the middleware set; a nil translator uses a development translator
func New(g *gate.Gate, translator *envelope.Translator) *Middleware {
	if g == nil {
		panic("gomembership/fiber: gate is required")
	}
	if translator == nil {
		translator = envelope.NewTranslator(nil, false)
	}
	return &Middleware{gate: g, translator: translator}
}

// Authenticate resolves the bearer token and stores the identity in locals and on the
// user context
func (m *Middleware) Authenticate(auth gate.Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Fiber runs on fasthttp; the request-scoped context.Context is UserContext.
		ctx := c.UserContext()
		id, err := m.gate.Identify(ctx, auth, c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return m.reject(c, err)
		}
		c.Locals(IdentityKey, id)
		c.SetUserContext(membership.WithIdentity(ctx, id))
		return c.Next()
	}
}

// RequireFeature rejects with 403 unless the user's tier grants key
func (m *Middleware) RequireFeature(key string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := Identity(c)
		if id == nil {
			return m.reject(c, &membership.AuthError{})
		}
		if err := m.gate.CheckFeature(c.UserContext(), id.ID, key); err != nil {
			return m.reject(c, err)
		}
		return c.Next()
	}
}

// RequireTier rejects with 403 unless the user is on one of names and entitled
func (m *Middleware) RequireTier(names ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := Identity(c)
		if id == nil {
			return m.reject(c, &membership.AuthError{})
		}
		if err := m.gate.CheckTier(c.UserContext(), id.ID, names...); err != nil {
			return m.reject(c, err)
		}
		return c.Next()
	}
}

// EnforceLimit rejects with 429 once the quota of key is used up. With autoIncrement a
// handler chain that returns no error with a 2xx status schedules an increment of 1.
func (m *Middleware) EnforceLimit(key string, autoIncrement bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := Identity(c)
		if id == nil {
			return m.reject(c, &membership.AuthError{})
		}
		ctx := c.UserContext()
		if err := m.gate.CheckLimit(ctx, id.ID, key); err != nil {
			return m.reject(c, err)
		}

		err := c.Next()
		if status := c.Response().StatusCode(); autoIncrement && err == nil && status >= 200 && status < 300 {
			m.gate.ScheduleIncrement(ctx, id.ID, key, 1)
		}
		return err
	}
}

// Identity returns the identity stored by Authenticate, or nil
func Identity(c *fiber.Ctx) *membership.Identity {
	id, _ := c.Locals(IdentityKey).(*membership.Identity)
	return id
}

func (m *Middleware) reject(c *fiber.Ctx, err error) error {
	status, resp := m.translator.Translate(err)
	m.translator.Report(c.UserContext(), c.Method(), c.Path(), status, err)
	return c.Status(status).JSON(resp)
}
