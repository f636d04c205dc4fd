package session

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/voxrelay/internal/memory"
)

type State string

const (
	StateIdle         State = "idle"
	StateBuffering    State = "buffering"
	StateTranscribing State = "transcribing"
	StateCompleting   State = "completing"
	StateClosed       State = "closed"
)

const (
	AudioModeBuffered = "buffered"
	AudioModeChunked  = "chunked"

	ChatModeSingle      = "single"
	ChatModeIncremental = "incremental"
)

var (
	ErrAlreadyJoined = errors.New("connection already joined")
	ErrClosed        = errors.New("session closed")
)

// Conn is a live socket owned by one Session. Send must be safe for
// concurrent use; it receives an already serialized JSON frame.
type Conn interface {
	ID() string
	Send(frame []byte) error
}

// Sink receives a copy of every history entry.
type Sink interface {
	SaveTurn(ctx context.Context, record memory.TurnRecord) error
}

// Observer is notified after each upstream call.
type Observer interface {
	ObserveUpstream(op string, took time.Duration, err error)
}

// Info is a point-in-time summary of a Session.
type Info struct {
	Key           string    `json:"key"`
	State         State     `json:"state"`
	Sockets       int       `json:"sockets"`
	HistoryLen    int       `json:"history_len"`
	BufferedBytes int       `json:"buffered_bytes"`
	LastActiveAt  time.Time `json:"last_active_at"`
}
