// Package credentials acquires, caches and selects bearer credentials for
// inference and data-store calls.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/j-veylop/agent-dashboard/internal/logger"
)

const (
	// tokenPath is the workspace OIDC token endpoint.
	tokenPath = "/oidc/v1/token"

	// tokenScope grants access to all workspace APIs, including serving endpoints.
	tokenScope = "all-apis"

	// refreshTimeout bounds a single exchange round-trip.
	refreshTimeout = 10 * time.Second
)

// TokenResponse represents the OAuth token response from the workspace.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope,omitempty"`
	ExpiresIn   int    `json:"expires_in"`
}

// ExchangeClientCredentials performs a client-credentials grant against host.
// A nil client uses a default client with the refresh timeout.
func ExchangeClientCredentials(ctx context.Context, client *http.Client, host, clientID, clientSecret string) (*TokenResponse, error) {
	if host == "" || clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("client credentials are not configured")
	}
	if client == nil {
		client = &http.Client{Timeout: refreshTimeout}
	}

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", clientID)
	data.Set("client_secret", clientSecret)
	data.Set("scope", tokenScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(host, "/")+tokenPath, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token exchange failed (status %d): %s", resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token response carried no access_token")
	}

	return &tokenResp, nil
}
