// Package chat accepts conversation turns, runs the upstream inference call in
// the background and records each assistant turn's terminal status.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/j-veylop/agent-dashboard/internal/db"
	"github.com/j-veylop/agent-dashboard/internal/logger"
	"github.com/j-veylop/agent-dashboard/internal/models"
	"github.com/j-veylop/agent-dashboard/internal/services/credentials"
	"github.com/j-veylop/agent-dashboard/internal/services/inference"
	"github.com/j-veylop/agent-dashboard/internal/services/notify"
)

// Defaults.
const (
	DefaultInferenceTimeout = 120 * time.Second
	DefaultMaxConcurrent    = 16
	DefaultSessionTitle     = "New chat"

	finishTimeout = 15 * time.Second
)

// Content written to assistant turns that could not complete normally.
const (
	msgNoCredential = "No credential was available to call the serving endpoint."
	msgPanicked     = "The request failed unexpectedly."
	msgShutdown     = "The server shut down before the request could run."
	msgInterrupted  = "The request was interrupted before it completed."
	msgUnrecorded   = "The response could not be saved."
)

var (
	// ErrCredentialUnavailable means neither a machine nor a delegated
	// credential is available.
	ErrCredentialUnavailable = errors.New("no credential available")

	// ErrEmptyContent is returned when a submitted turn has no text.
	ErrEmptyContent = errors.New("content must not be empty")

	// ErrNotFound is returned for unknown sessions and turns.
	ErrNotFound = db.ErrNotFound
)

// Store persists sessions and turns. *db.DB and *db.PGStore implement it.
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, limit int) ([]models.Session, error)
	RecentSessions(ctx context.Context, days int) ([]models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	AppendTurns(ctx context.Context, sessionID string, turns ...*models.Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error)
	GetTurn(ctx context.Context, id string) (*models.Turn, error)
	FinishTurn(ctx context.Context, id string, status models.TurnStatus, content string) error
	FailStaleTurns(ctx context.Context, cutoff time.Time, content string) (int64, error)
}

// CredentialSelector chooses the credential for an inference call.
type CredentialSelector interface {
	SelectForInference(ctx context.Context, delegated *models.Credential) credentials.Selection
	ReportRejected(sel credentials.Selection)
}

// Invoker calls the serving endpoint.
type Invoker interface {
	Invoke(ctx context.Context, token string, req inference.Request) (any, error)
}

// Config wires a Processor.
type Config struct {
	Store            Store
	Selector         CredentialSelector
	Invoker          Invoker
	Publisher        notify.Publisher
	Now              func() time.Time
	NewID            func() string
	InferenceTimeout time.Duration
	MaxConcurrent    int
}

// SubmitResult holds the two turns created by Submit.
type SubmitResult struct {
	UserTurn      *models.Turn `json:"userMessage"`
	AssistantTurn *models.Turn `json:"assistantMessage"`
}

// Processor drives the asynchronous turn lifecycle.
type Processor struct {
	store     Store
	selector  CredentialSelector
	invoker   Invoker
	publisher notify.Publisher
	executor  *Executor
	sessions  *keyedMutex
	now       func() time.Time
	newID     func() string
	timeout   time.Duration
}

// NewProcessor creates a processor.
func NewProcessor(cfg Config) *Processor {
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = DefaultInferenceTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notify.Multi{}
	}

	return &Processor{
		store:     cfg.Store,
		selector:  cfg.Selector,
		invoker:   cfg.Invoker,
		publisher: cfg.Publisher,
		executor:  NewExecutor(cfg.MaxConcurrent),
		sessions:  newKeyedMutex(),
		now:       cfg.Now,
		newID:     cfg.NewID,
		timeout:   cfg.InferenceTimeout,
	}
}

// CreateSession starts a new session.
func (p *Processor) CreateSession(ctx context.Context, title string) (*models.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultSessionTitle
	}
	now := p.now().UTC()
	s := &models.Session{ID: p.newID(), Title: title, CreatedAt: now, UpdatedAt: now}
	if err := p.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Session returns a session with its turns in conversation order.
func (p *Processor) Session(ctx context.Context, id string) (*models.SessionWithTurns, error) {
	s, err := p.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	turns, err := p.store.ListTurns(ctx, id)
	if err != nil {
		return nil, err
	}
	if turns == nil {
		turns = []models.Turn{}
	}
	return &models.SessionWithTurns{Session: *s, Turns: turns}, nil
}

// ListSessions returns up to limit sessions, most recently updated first.
func (p *Processor) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return p.store.ListSessions(ctx, limit)
}

// RecentSessions returns sessions updated within the last days days.
func (p *Processor) RecentSessions(ctx context.Context, days int) ([]models.Session, error) {
	return p.store.RecentSessions(ctx, days)
}

// DeleteSession removes a session and its turns.
func (p *Processor) DeleteSession(ctx context.Context, id string) error {
	return p.store.DeleteSession(ctx, id)
}

// Submit records a user turn as completed and an empty assistant turn as
// processing, then schedules the upstream call and returns without waiting
// for it. The delegated credential and user id are read from ctx.
//
// When no credential of any kind is available Submit fails with
// ErrCredentialUnavailable and writes nothing.
func (p *Processor) Submit(ctx context.Context, sessionID, content string) (*SubmitResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	sel := p.selector.SelectForInference(ctx, credentials.DelegatedFromContext(ctx))
	if sel.Source == credentials.SourceNone {
		return nil, ErrCredentialUnavailable
	}

	unlock := p.sessions.Lock(sessionID)
	defer unlock()

	prior, err := p.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	user := &models.Turn{
		ID:        p.newID(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   content,
		Status:    models.StatusCompleted,
		CreatedAt: now,
	}
	assistant := &models.Turn{
		ID:        p.newID(),
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Status:    models.StatusProcessing,
		CreatedAt: now,
	}

	if err := p.store.AppendTurns(ctx, sessionID, user, assistant); err != nil {
		return nil, err
	}

	logger.Info("turn submitted", "session_id", sessionID, "turn_id", assistant.ID, "source", sel.Source)
	p.publish(ctx, notify.EventTurnSubmitted, assistant)

	history := append(buildHistory(prior), inference.Message{Role: string(models.RoleUser), Content: content})
	bg := context.WithoutCancel(ctx)
	placeholder := *assistant

	err = p.executor.Go("turn "+assistant.ID,
		func() { p.run(bg, &placeholder, history) },
		func(any) { p.finish(bg, &placeholder, models.StatusFailed, msgPanicked) },
	)
	if err != nil {
		p.finish(bg, &placeholder, models.StatusFailed, msgShutdown)
	}

	return &SubmitResult{UserTurn: user, AssistantTurn: assistant}, nil
}

// GetStatus returns the current persisted state of a turn.
func (p *Processor) GetStatus(ctx context.Context, turnID string) (*models.Turn, error) {
	return p.store.GetTurn(ctx, turnID)
}

// Ask performs a synchronous inference call outside any session. Upstream
// failures are returned as *inference.UpstreamError.
func (p *Processor) Ask(ctx context.Context, messages []inference.Message) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyContent
	}

	sel := p.selector.SelectForInference(ctx, credentials.DelegatedFromContext(ctx))
	if sel.Source == credentials.SourceNone {
		return "", ErrCredentialUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	payload, err := p.invoker.Invoke(callCtx, sel.Credential.Value, inference.Request{
		UserID:   inference.UserIDFromContext(ctx),
		Messages: messages,
	})
	if err != nil {
		p.reportRejected(sel, err)
		return "", err
	}
	return inference.ExtractText(payload), nil
}

// RecoverStale fails turns left processing for longer than olderThan, such as
// those interrupted by a restart.
func (p *Processor) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := p.store.FailStaleTurns(ctx, p.now().Add(-olderThan), msgInterrupted)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Warn("failed stale turns", "count", n)
	}
	return n, nil
}

// Wait blocks until in-flight turns have finished or ctx is done.
func (p *Processor) Wait(ctx context.Context) error {
	return p.executor.Wait(ctx)
}

// Close stops accepting background work and waits for in-flight turns.
func (p *Processor) Close(ctx context.Context) error {
	return p.executor.Close(ctx)
}

// run performs the upstream call for one assistant turn. Every path ends in
// a terminal write.
func (p *Processor) run(ctx context.Context, turn *models.Turn, history []inference.Message) {
	sel := p.selector.SelectForInference(ctx, credentials.DelegatedFromContext(ctx))
	if sel.Source == credentials.SourceNone {
		p.finish(ctx, turn, models.StatusFailed, msgNoCredential)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()
	payload, err := p.invoker.Invoke(callCtx, sel.Credential.Value, inference.Request{
		UserID:   inference.UserIDFromContext(ctx),
		Messages: history,
	})
	if err != nil {
		p.reportRejected(sel, err)
		logger.Warn("inference failed", "turn_id", turn.ID, "source", sel.Source, "error", err)
		p.finish(ctx, turn, models.StatusFailed, p.describeError(err))
		return
	}

	text := inference.ExtractText(payload)
	if text == inference.NoResponseText {
		logger.Debug("no recognized response shape", "turn_id", turn.ID)
	}
	logger.Info("inference completed", "turn_id", turn.ID, "duration", p.now().Sub(start))
	p.finish(ctx, turn, models.StatusCompleted, text)
}

// finish writes the terminal status. A failed write is retried once; if the
// store still refuses, the turn is failed with msgUnrecorded so it never stays
// processing. A turn that is already terminal is left untouched.
func (p *Processor) finish(ctx context.Context, turn *models.Turn, status models.TurnStatus, content string) {
	content = inference.ValidText(content)

	err := p.writeTerminal(ctx, turn.ID, status, content, 2)
	if err != nil && !errors.Is(err, db.ErrTurnTerminal) && !errors.Is(err, db.ErrNotFound) {
		logger.Error("failed to record turn result", "turn_id", turn.ID, "status", status, "error", err)
		status, content = models.StatusFailed, msgUnrecorded
		err = p.writeTerminal(ctx, turn.ID, status, content, 1)
	}

	switch {
	case err == nil:
		turn.Status = status
		turn.Content = content
		eventType := notify.EventTurnCompleted
		if status == models.StatusFailed {
			eventType = notify.EventTurnFailed
		}
		p.publish(ctx, eventType, turn)
	case errors.Is(err, db.ErrTurnTerminal):
		logger.Debug("turn already terminal", "turn_id", turn.ID)
	default:
		logger.Error("turn left processing", "turn_id", turn.ID, "error", err)
	}
}

func (p *Processor) writeTerminal(ctx context.Context, id string, status models.TurnStatus, content string, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		writeCtx, cancel := context.WithTimeout(ctx, finishTimeout)
		err = p.store.FinishTurn(writeCtx, id, status, content)
		cancel()

		if err == nil || errors.Is(err, db.ErrTurnTerminal) || errors.Is(err, db.ErrNotFound) {
			return err
		}
	}
	return err
}

func (p *Processor) publish(ctx context.Context, eventType string, turn *models.Turn) {
	if err := p.publisher.Publish(ctx, notify.NewTurnEvent(eventType, turn)); err != nil {
		logger.Warn("failed to publish turn event", "turn_id", turn.ID, "type", eventType, "error", err)
	}
}

func (p *Processor) reportRejected(sel credentials.Selection, err error) {
	var upErr *inference.UpstreamError
	if errors.As(err, &upErr) && upErr.Unauthorized() {
		p.selector.ReportRejected(sel)
	}
}

func (p *Processor) describeError(err error) string {
	var upErr *inference.UpstreamError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("The serving endpoint did not respond within %s. The request timed out; please try again.", p.timeout)
	case errors.Is(err, inference.ErrNotConfigured):
		return "No serving endpoint is configured."
	case errors.As(err, &upErr):
		if upErr.Unauthorized() {
			return fmt.Sprintf("The serving endpoint rejected the credential (status %d). %s", upErr.StatusCode, upErr.Body)
		}
		return fmt.Sprintf("The serving endpoint returned status %d. %s", upErr.StatusCode, upErr.Body)
	default:
		return "Error calling the serving endpoint: " + err.Error()
	}
}

// buildHistory keeps completed turns with content, in order.
func buildHistory(turns []models.Turn) []inference.Message {
	history := make([]inference.Message, 0, len(turns)+1)
	for _, t := range turns {
		if t.Status != models.StatusCompleted || strings.TrimSpace(t.Content) == "" {
			continue
		}
		history = append(history, inference.Message{Role: string(t.Role), Content: t.Content})
	}
	return history
}
