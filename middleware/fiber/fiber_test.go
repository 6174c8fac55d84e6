package fiber

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gomembership/pkg/envelope"
	"github.com/mihaimyh/gomembership/pkg/gate/gatetest"
	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/pkg/outbox"
)

type testResponse struct {
	Success bool            `json:"success"`
	Details envelope.Denial `json:"details"`
}

func setupApp(t *testing.T, handler fiber.Handler, gates ...func(*Middleware) fiber.Handler) (*fiber.App, *gatetest.Env) {
	t.Helper()
	env := gatetest.New(t)
	mw := New(env.Gate, env.Translator)

	handlers := []fiber.Handler{mw.Authenticate(env.Auth)}
	for _, g := range gates {
		handlers = append(handlers, g(mw))
	}
	handlers = append(handlers, handler)

	app := fiber.New()
	app.Get("/reports", handlers...)
	return app, env
}

func respond(status int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(status).SendString(membership.UserIDFromContext(c.UserContext()))
	}
}

func do(t *testing.T, app *fiber.App, token string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func decode(t *testing.T, b []byte) testResponse {
	t.Helper()
	var resp testResponse
	require.NoError(t, json.Unmarshal(b, &resp))
	return resp
}

func TestAuthenticate(t *testing.T) {
	app, _ := setupApp(t, respond(fiber.StatusOK))

	status, b := do(t, app, gatetest.ProToken)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, gatetest.ProUser, string(b))

	status, b = do(t, app, "")
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.False(t, decode(t, b).Success)
}

func TestRequireFeature(t *testing.T) {
	app, _ := setupApp(t, respond(fiber.StatusOK), func(m *Middleware) fiber.Handler {
		return m.RequireFeature("priority_support")
	})

	status, _ := do(t, app, gatetest.ProToken)
	assert.Equal(t, fiber.StatusOK, status)

	status, b := do(t, app, gatetest.FreeToken)
	require.Equal(t, fiber.StatusForbidden, status)
	resp := decode(t, b)
	assert.Equal(t, membership.DeniedFeature, resp.Details.Reason)
	assert.Equal(t, gatetest.UpgradeURL, resp.Details.UpgradeURL)
}

func TestRequireTier(t *testing.T) {
	app, _ := setupApp(t, respond(fiber.StatusOK), func(m *Middleware) fiber.Handler {
		return m.RequireTier("premium", "pro")
	})

	status, _ := do(t, app, gatetest.ProToken)
	assert.Equal(t, fiber.StatusOK, status)
	status, b := do(t, app, gatetest.FreeToken)
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, membership.DeniedTier, decode(t, b).Details.Reason)
}

func TestEnforceLimit(t *testing.T) {
	app, env := setupApp(t, respond(fiber.StatusOK), func(m *Middleware) fiber.Handler {
		return m.EnforceLimit("exports", true)
	})

	status, _ := do(t, app, gatetest.FreeToken)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []outbox.UsageIncrement{{UserID: gatetest.FreeUser, FeatureKey: "exports", Amount: 1}},
		env.Queue.Increments(t))

	env.Exhaust(t, gatetest.FreeUser, "exports")
	status, b := do(t, app, gatetest.FreeToken)
	require.Equal(t, fiber.StatusTooManyRequests, status)
	resp := decode(t, b)
	assert.Equal(t, membership.DeniedLimit, resp.Details.Reason)
	require.NotNil(t, resp.Details.Usage)
	assert.Equal(t, int64(1), resp.Details.Usage.CurrentUsage)
	assert.Len(t, env.Queue.Increments(t), 1)
}

func TestEnforceLimit_HandlerErrorSkipsIncrement(t *testing.T) {
	app, env := setupApp(t, func(*fiber.Ctx) error {
		return errors.New("boom")
	}, func(m *Middleware) fiber.Handler {
		return m.EnforceLimit("api_calls", true)
	})

	status, _ := do(t, app, gatetest.FreeToken)
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Empty(t, env.Queue.Increments(t))
}

func TestEnforceLimit_QueueFailureKeepsResponse(t *testing.T) {
	app, env := setupApp(t, respond(fiber.StatusCreated), func(m *Middleware) fiber.Handler {
		return m.EnforceLimit("api_calls", true)
	})
	env.Queue.Err = outbox.ErrQueueFull

	status, b := do(t, app, gatetest.FreeToken)
	assert.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, gatetest.FreeUser, string(b))
}
