package db

import (
	"errors"
	"time"
)

// Time layout used for SQLite TEXT timestamps. It sorts lexically and compares
// correctly against datetime('now', ...).
const timeLayout = "2006-01-02 15:04:05.000000"

// Bounds for the "days" window of RecentSessions. The value is the only one
// ever interpolated into SQL text, so it is always clamped first.
const (
	MinWindowDays = 1
	MaxWindowDays = 365
)

// Store errors shared by the SQLite and Postgres implementations.
var (
	// ErrNotFound is returned when a session or turn does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTurnTerminal is returned when a terminal turn would be written again.
	ErrTurnTerminal = errors.New("turn already reached a terminal status")
)

// ClampDays bounds a window size to [MinWindowDays, MaxWindowDays].
func ClampDays(days int) int {
	if days < MinWindowDays {
		return MinWindowDays
	}
	if days > MaxWindowDays {
		return MaxWindowDays
	}
	return days
}

var timeFormats = []string{
	timeLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05 -0700 MST",
}

func parseTimeString(s string) (time.Time, bool) {
	for _, format := range timeFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
