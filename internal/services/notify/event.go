// Package notify fans out turn lifecycle events to in-process subscribers and
// Redis Pub/Sub.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/j-veylop/agent-dashboard/internal/models"
)

// EventVersion is the envelope version carried by every TurnEvent.
const EventVersion = "1.0"

// Event types.
const (
	EventTurnSubmitted = "turn.submitted"
	EventTurnCompleted = "turn.completed"
	EventTurnFailed    = "turn.failed"
)

// TurnEvent is published when a turn is submitted and when it reaches a
// terminal status.
type TurnEvent struct {
	Version   string            `json:"version"`
	Type      string            `json:"type"`
	TurnID    string            `json:"turnId"`
	SessionID string            `json:"sessionId"`
	Status    models.TurnStatus `json:"status"`
	Timestamp string            `json:"timestamp"`
}

// NewTurnEvent builds an event for turn t.
func NewTurnEvent(eventType string, t *models.Turn) TurnEvent {
	return TurnEvent{
		Version:   EventVersion,
		Type:      eventType,
		TurnID:    t.ID,
		SessionID: t.SessionID,
		Status:    t.Status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Publisher delivers turn events.
type Publisher interface {
	Publish(ctx context.Context, event TurnEvent) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, event TurnEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
