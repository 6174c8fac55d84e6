package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gomembership/pkg/billing"
	"github.com/mihaimyh/gomembership/pkg/config"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = oldVersion, oldCommit })

	Version = "1.2.3"
	GitCommit = "abcdef"
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "gomembership 1.2.3")
	assert.Contains(t, out, "Commit: abcdef")
}

func TestDatabaseCommandsRequireDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	for _, args := range [][]string{
		{"migrate", "up"},
		{"migrate", "version"},
		{"cron", "expire-trials"},
		{"cron", "reset-usage"},
	} {
		_, err := execute(t, args...)
		assert.ErrorIs(t, err, errNoDatabase, "%v", args)
	}
}

func TestInvalidConfigFailsFast(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	_, err := execute(t, "serve")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestAppInMemory(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("AUTH_URL", "")
	t.Setenv("DEV_TOKENS", "tok-alice:Alice@Example.com")
	t.Setenv("ADMIN_API_KEY", "admin-key")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "none.env"))
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	assert.Nil(t, a.billing)
	assert.Nil(t, a.sessions)

	h, err := a.handler()
	require.NoError(t, err)

	get := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/healthz", ""))
	assert.Equal(t, http.StatusOK, get("/membership/tiers", ""))
	assert.Equal(t, http.StatusOK, get("/metrics", ""))
	assert.Equal(t, http.StatusOK, get("/membership", "tok-alice"))
	assert.Equal(t, http.StatusUnauthorized, get("/membership", "tok-bob"))
	assert.Equal(t, http.StatusNotFound, get("/billing/portal", "tok-alice"))
}

type auditLog struct {
	membership.NoopLogger
	info, debug []string
}

func (l *auditLog) Info(msg string, _ ...membership.Field)  { l.info = append(l.info, msg) }
func (l *auditLog) Debug(msg string, _ ...membership.Field) { l.debug = append(l.debug, msg) }

func TestBillingAudit(t *testing.T) {
	log := &auditLog{}
	audit := billingAudit(log)

	err := audit(context.Background(), billing.WebhookEvent{
		UserID: "u1", EventID: "evt_1", EventType: "customer.subscription.updated",
		PreviousTier: "free", NewTier: "pro", Status: membership.StatusActive,
	})
	require.NoError(t, err)
	assert.Len(t, log.info, 1)
	assert.Empty(t, log.debug)

	err = audit(context.Background(), billing.WebhookEvent{
		UserID: "u1", EventID: "evt_2", EventType: "invoice.paid",
		PreviousTier: "pro", NewTier: "pro", Status: membership.StatusActive,
	})
	require.NoError(t, err)
	assert.Len(t, log.info, 1)
	assert.Len(t, log.debug, 1)
}
