// Package models defines data structures and domain types.
package models

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnStatus is the processing state of a turn.
type TurnStatus string

const (
	// StatusPending is part of the vocabulary but never assigned: turns start
	// in processing or completed.
	StatusPending    TurnStatus = "pending"
	StatusProcessing TurnStatus = "processing"
	StatusCompleted  TurnStatus = "completed"
	StatusFailed     TurnStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TurnStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s TurnStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Session is a conversation. Its turns are ordered by insertion.
type Session struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	Title     string    `json:"title"`
}

// Turn is one message within a session.
type Turn struct {
	CreatedAt time.Time  `json:"created_at"`
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Status    TurnStatus `json:"status"`
}

// SessionWithTurns is a session together with its ordered turns.
type SessionWithTurns struct {
	Turns []Turn `json:"messages"`
	Session
}
