package gin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gomembership/pkg/envelope"
	"github.com/mihaimyh/gomembership/pkg/gate/gatetest"
	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/pkg/outbox"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

type testResponse struct {
	Success bool            `json:"success"`
	Details envelope.Denial `json:"details"`
}

func setupRouter(t *testing.T, status int, gates ...func(*Middleware) gongin.HandlerFunc) (*gongin.Engine, *gatetest.Env) {
	t.Helper()
	env := gatetest.New(t)
	mw := New(env.Gate, env.Translator)

	handlers := []gongin.HandlerFunc{mw.Authenticate(env.Auth)}
	for _, g := range gates {
		handlers = append(handlers, g(mw))
	}
	handlers = append(handlers, func(c *gongin.Context) {
		c.String(status, Identity(c).ID)
	})

	r := gongin.New()
	r.GET("/reports", handlers...)
	return r, env
}

func do(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func body(t *testing.T, w *httptest.ResponseRecorder) testResponse {
	t.Helper()
	var resp testResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestAuthenticate(t *testing.T) {
	r, _ := setupRouter(t, http.StatusOK)

	w := do(r, gatetest.ProToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, gatetest.ProUser, w.Body.String())

	w = do(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, body(t, w).Success)
}

func TestRequireFeature(t *testing.T) {
	r, _ := setupRouter(t, http.StatusOK, func(m *Middleware) gongin.HandlerFunc {
		return m.RequireFeature("priority_support")
	})

	assert.Equal(t, http.StatusOK, do(r, gatetest.ProToken).Code)

	w := do(r, gatetest.FreeToken)
	require.Equal(t, http.StatusForbidden, w.Code)
	resp := body(t, w)
	assert.Equal(t, membership.DeniedFeature, resp.Details.Reason)
	assert.Equal(t, gatetest.UpgradeURL, resp.Details.UpgradeURL)
}

func TestRequireTier(t *testing.T) {
	r, _ := setupRouter(t, http.StatusOK, func(m *Middleware) gongin.HandlerFunc {
		return m.RequireTier("pro")
	})

	assert.Equal(t, http.StatusOK, do(r, gatetest.ProToken).Code)
	assert.Equal(t, http.StatusForbidden, do(r, gatetest.FreeToken).Code)
}

func TestEnforceLimit(t *testing.T) {
	r, env := setupRouter(t, http.StatusOK, func(m *Middleware) gongin.HandlerFunc {
		return m.EnforceLimit("exports", true)
	})

	assert.Equal(t, http.StatusOK, do(r, gatetest.FreeToken).Code)
	assert.Equal(t, []outbox.UsageIncrement{{UserID: gatetest.FreeUser, FeatureKey: "exports", Amount: 1}},
		env.Queue.Increments(t))

	env.Exhaust(t, gatetest.FreeUser, "exports")
	w := do(r, gatetest.FreeToken)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	resp := body(t, w)
	assert.Equal(t, membership.DeniedLimit, resp.Details.Reason)
	require.NotNil(t, resp.Details.Usage)
	assert.True(t, resp.Details.Usage.IsExceeded)
	assert.Len(t, env.Queue.Increments(t), 1)
}

func TestEnforceLimit_NoIncrementOnHandlerError(t *testing.T) {
	r, env := setupRouter(t, http.StatusInternalServerError, func(m *Middleware) gongin.HandlerFunc {
		return m.EnforceLimit("api_calls", true)
	})

	assert.Equal(t, http.StatusInternalServerError, do(r, gatetest.FreeToken).Code)
	assert.Empty(t, env.Queue.Increments(t))
}

func TestGateWithoutAuthenticate(t *testing.T) {
	env := gatetest.New(t)
	mw := New(env.Gate, nil)
	r := gongin.New()
	r.GET("/reports", mw.RequireTier("pro"), func(c *gongin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusUnauthorized, do(r, gatetest.ProToken).Code)
}

func TestNew_PanicsWithoutGate(t *testing.T) {
	assert.Panics(t, func() { New(nil, nil) })
}
