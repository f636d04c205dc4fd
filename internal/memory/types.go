// Package memory keeps an append-only transcript of relay sessions.
//
// The transcript is a redacted write-behind copy of session history.
// Sessions never read it back; /messages serves live history, and the
// transcript is read only through /v1/transcripts/{key}.
package memory

import (
	"context"
	"time"
)

// TurnRecord is one history entry of a session.
type TurnRecord struct {
	ID          string    `json:"id"`
	SessionKey  string    `json:"session_key"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves transcript entries.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// Transcript returns the newest limit entries of a session in
	// chronological order. limit <= 0 returns everything.
	Transcript(ctx context.Context, sessionKey string, limit int) ([]TurnRecord, error)
	Close() error
}
