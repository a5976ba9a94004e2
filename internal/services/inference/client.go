// Package inference calls model serving endpoints and normalizes their responses.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/j-veylop/agent-dashboard/internal/logger"
)

// Payload kinds accepted by serving endpoints.
const (
	KindChat  = "chat"
	KindAgent = "agent"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 2048

// Message is one role/content pair sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-neutral input of an invocation.
type Request struct {
	UserID   string
	Messages []Message
}

// Config holds the serving endpoint settings.
type Config struct {
	HTTPClient  *http.Client
	EndpointURL string
	Kind        string
	MaxTokens   int
	Temperature float64
}

// UpstreamError is returned when the endpoint answers with a non-2xx status.
type UpstreamError struct {
	Body       string
	StatusCode int
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("serving endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("serving endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Unauthorized reports whether the endpoint rejected the credential.
func (e *UpstreamError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// ErrNotConfigured is returned when no endpoint URL is set.
var ErrNotConfigured = errors.New("serving endpoint URL is not configured")

// Client invokes one serving endpoint.
type Client struct {
	http *http.Client
	cfg  Config
}

// NewClient creates a serving endpoint client. The request timeout comes from
// the caller's context; the HTTP client carries none of its own.
func NewClient(cfg Config) *Client {
	if cfg.Kind == "" {
		cfg.Kind = KindChat
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	cfg.EndpointURL = strings.TrimRight(cfg.EndpointURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{http: httpClient, cfg: cfg}
}

// BuildPayload shapes req for the configured endpoint kind.
func (c *Client) BuildPayload(req Request) map[string]any {
	if c.cfg.Kind == KindAgent {
		payload := map[string]any{
			"input":             req.Messages,
			"max_output_tokens": c.cfg.MaxTokens,
			"temperature":       c.cfg.Temperature,
		}
		if req.UserID != "" {
			payload["context"] = map[string]any{"user_id": req.UserID}
		}
		return payload
	}
	return map[string]any{
		"messages":    req.Messages,
		"max_tokens":  c.cfg.MaxTokens,
		"temperature": c.cfg.Temperature,
	}
}

// Invoke posts req to <endpoint>/invocations with token as bearer credential
// and returns the decoded JSON body. Non-JSON bodies are returned as a string.
func (c *Client) Invoke(ctx context.Context, token string, req Request) (any, error) {
	if c.cfg.EndpointURL == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(c.BuildPayload(req))
	if err != nil {
		return nil, fmt.Errorf("failed to encode invocation: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EndpointURL+"/invocations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create invocation request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invocation request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read invocation response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := truncateText(ValidText(strings.TrimSpace(string(respBody))), maxErrorBody)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: text}
	}

	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		logger.Debug("invocation response is not JSON", "bytes", len(respBody))
		return ValidText(string(respBody)), nil
	}
	return decoded, nil
}

// ValidText replaces invalid UTF-8 sequences and strips NUL bytes, neither of
// which a Postgres text column accepts.
func ValidText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

// truncateText cuts s to at most n bytes without splitting a character.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

type userIDKey struct{}

// WithUserID returns a context carrying the end user's identifier, which agent
// endpoints receive as context.user_id.
func WithUserID(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the identifier stored by WithUserID.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}
