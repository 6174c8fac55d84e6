// Package auth resolves bearer tokens against the external auth provider.
// Token issuance and verification stay with the provider; this client only asks it who
// the token belongs to.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// ErrNotConfigured is returned by New when the provider URL is missing
var ErrNotConfigured = errors.New("auth provider not configured")

// Config configures a Client
type Config struct {
	// URL is the provider base URL, e.g. https://project.supabase.co
	URL string
	// APIKey is sent as the apikey header on every call
	APIKey     string
	HTTPClient *http.Client
	Logger     membership.Logger
}

// Client talks to the auth provider's user endpoints
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     membership.Logger
}

// New creates a Client
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, ErrNotConfigured
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &membership.NoopLogger{}
	}
	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Authenticate resolves token to an identity. A rejected token is an AuthError; a
// provider that cannot answer is an UpstreamError.
func (c *Client) Authenticate(ctx context.Context, token string) (*membership.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &membership.AuthError{Message: "missing bearer token"}
	}

	res, body, err := c.do(ctx, http.MethodGet, "/auth/v1/user", token)
	if err != nil {
		return nil, &membership.UpstreamError{Op: "resolve identity", Err: err}
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, &membership.AuthError{Message: "invalid or expired token"}
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return nil, &membership.UpstreamError{
			Op:  "resolve identity",
			Err: fmt.Errorf("auth provider error: status %d", res.StatusCode),
		}
	}

	var user userResponse
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, &membership.UpstreamError{Op: "resolve identity", Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if user.ID == "" {
		return nil, &membership.AuthError{Message: "invalid or expired token"}
	}
	return &membership.Identity{ID: user.ID, Email: user.Email, Token: token}, nil
}

// SignOut revokes the sessions of token's user at the provider
func (c *Client) SignOut(ctx context.Context, token string) error {
	res, _, err := c.do(ctx, http.MethodPost, "/auth/v1/logout", token)
	if err != nil {
		return &membership.UpstreamError{Op: "sign out", Err: err}
	}
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return &membership.AuthError{Message: "invalid or expired token"}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &membership.UpstreamError{Op: "sign out", Err: fmt.Errorf("auth provider error: status %d", res.StatusCode)}
	}
	c.logger.Info("user signed out")
	return nil
}

func (c *Client) do(ctx context.Context, method, path, token string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to call auth provider: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return res, body, nil
}

// Static resolves a fixed token table. Meant for local development and tests.
type Static map[string]membership.Identity

// Authenticate implements the same contract as Client.Authenticate
func (s Static) Authenticate(_ context.Context, token string) (*membership.Identity, error) {
	id, ok := s[token]
	if !ok {
		return nil, &membership.AuthError{Message: "invalid or expired token"}
	}
	id.Token = token
	return &id, nil
}
