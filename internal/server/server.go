// Package server exposes the chat core over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/j-veylop/agent-dashboard/internal/db"
	"github.com/j-veylop/agent-dashboard/internal/logger"
	"github.com/j-veylop/agent-dashboard/internal/models"
	"github.com/j-veylop/agent-dashboard/internal/services/chat"
	"github.com/j-veylop/agent-dashboard/internal/services/credentials"
	"github.com/j-veylop/agent-dashboard/internal/services/inference"
)

// Headers set by the workspace app proxy.
const (
	ForwardedEmailHeader = "X-Forwarded-Email"
	ForwardedUserHeader  = "X-Forwarded-User"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

const credentialHint = "Open the app through the workspace so your access token is forwarded, " +
	"or configure DATABRICKS_CLIENT_ID/DATABRICKS_CLIENT_SECRET or DATABRICKS_TOKEN."

// Processor is the chat surface served over HTTP. *chat.Processor implements it.
type Processor interface {
	CreateSession(ctx context.Context, title string) (*models.Session, error)
	Session(ctx context.Context, id string) (*models.SessionWithTurns, error)
	ListSessions(ctx context.Context, limit int) ([]models.Session, error)
	RecentSessions(ctx context.Context, days int) ([]models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	Submit(ctx context.Context, sessionID, content string) (*chat.SubmitResult, error)
	GetStatus(ctx context.Context, turnID string) (*models.Turn, error)
	Ask(ctx context.Context, messages []inference.Message) (string, error)
}

// Selector reports which credential a request would use.
type Selector interface {
	SelectForInference(ctx context.Context, delegated *models.Credential) credentials.Selection
}

// Config holds server settings.
type Config struct {
	// Fallback returns the static token used when a request carries none.
	Fallback        func() string
	Addr            string
	Version         string
	StatusPollRPS   float64
	StatusPollBurst int
}

// Server is the HTTP API.
type Server struct {
	proc       Processor
	selector   Selector
	limiter    *RateLimiter
	httpServer *http.Server
	cfg        Config
}

// New creates a server.
func New(cfg Config, proc Processor, selector Selector) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.StatusPollRPS <= 0 {
		cfg.StatusPollRPS = 5
	}
	if cfg.StatusPollBurst <= 0 {
		cfg.StatusPollBurst = 10
	}
	if cfg.Fallback == nil {
		cfg.Fallback = func() string { return "" }
	}
	return &Server{
		proc:     proc,
		selector: selector,
		limiter:  NewRateLimiter(cfg.StatusPollRPS, cfg.StatusPollBurst),
		cfg:      cfg,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /api/chat", s.handleAsk)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/sessions/{id}/chat", s.handleSubmit)
	mux.HandleFunc("GET /api/messages/{id}/status", s.limiter.Middleware(s.handleStatus))
	return s.withRequestContext(mux)
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Synchronous /api/chat calls can run as long as the inference timeout.
		WriteTimeout: 0,
	}
	defer s.Close()

	errChan := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Close releases the rate limiter's cleanup goroutine. Start calls it on
// return; callers that only use Handler must call it themselves.
func (s *Server) Close() {
	s.limiter.Stop()
}

// withRequestContext attaches the delegated credential and the proxied user
// identity to every request context.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := credentials.WithDelegated(r.Context(), credentials.DelegatedFromRequest(r, s.cfg.Fallback()))
		user := r.Header.Get(ForwardedEmailHeader)
		if user == "" {
			user = r.Header.Get(ForwardedUserHeader)
		}
		ctx = inference.WithUserID(ctx, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type authStatusResponse struct {
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Source        string     `json:"source"`
	User          string     `json:"user,omitempty"`
	Authenticated bool       `json:"authenticated"`
}

type createSessionRequest struct {
	Title string `json:"title"`
}

type submitRequest struct {
	Content string `json:"content"`
}

type askRequest struct {
	Message  string              `json:"message"`
	Messages []inference.Message `json:"messages"`
}

type askResponse struct {
	Content string `json:"content"`
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: s.cfg.Version})
}

// GET /api/auth/status
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sel := s.selector.SelectForInference(ctx, credentials.DelegatedFromContext(ctx))

	resp := authStatusResponse{
		Source:        string(sel.Source),
		Authenticated: sel.Source != credentials.SourceNone,
		User:          inference.UserIDFromContext(ctx),
	}
	if sel.Credential != nil && !sel.Credential.ExpiresAt.IsZero() {
		exp := sel.Credential.ExpiresAt
		resp.ExpiresAt = &exp
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /api/chat
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !decodeBody(w, r, &req) {
		return
	}
	messages := req.Messages
	if len(messages) == 0 && req.Message != "" {
		messages = []inference.Message{{Role: string(models.RoleUser), Content: req.Message}}
	}

	text, err := s.proc.Ask(r.Context(), messages)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, askResponse{Content: text})
}

// POST /api/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	sess, err := s.proc.CreateSession(r.Context(), req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GET /api/sessions?limit=N or ?days=N
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []models.Session
		err      error
	)
	if days := r.URL.Query().Get("days"); days != "" {
		n, convErr := strconv.Atoi(days)
		if convErr != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "days must be an integer"})
			return
		}
		sessions, err = s.proc.RecentSessions(r.Context(), n)
	} else {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		sessions, err = s.proc.ListSessions(r.Context(), limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GET /api/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.proc.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// DELETE /api/sessions/{id}
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.proc.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/sessions/{id}/messages
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.proc.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Turns)
}

// POST /api/sessions/{id}/chat
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.proc.Submit(r.Context(), r.PathValue("id"), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// GET /api/messages/{id}/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	turn, err := s.proc.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, turn)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

// writeError maps core errors to HTTP responses.
func writeError(w http.ResponseWriter, err error) {
	var (
		upErr   *inference.UpstreamError
		connErr *db.ConnectionError
	)
	switch {
	case errors.Is(err, chat.ErrCredentialUnavailable), errors.Is(err, db.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error(), Hint: credentialHint})
	case errors.Is(err, chat.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, chat.ErrEmptyContent):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &upErr):
		writeJSON(w, upErr.StatusCode, errorResponse{Error: upErr.Error()})
	case errors.As(err, &connErr):
		logger.Error("database connection failed", "host", connErr.Host, "error", connErr.Err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: connErr.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "the serving endpoint did not respond in time"})
	default:
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", "error", err)
	}
}
