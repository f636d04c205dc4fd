package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies outbound websocket payload variants.
type MessageType string

const (
	TypeWelcome              MessageType = "welcome"
	TypeStatus               MessageType = "status"
	TypeTranscriptionPartial MessageType = "transcription_partial"
	TypeTranscription        MessageType = "transcription"
	TypeChunk                MessageType = "chunk"
	TypeAIResponse           MessageType = "ai_response"
	TypeComplete             MessageType = "complete"
	TypeError                MessageType = "error"
)

const (
	StatusProcessing = "processing"
	StatusSuccess    = "success"
)

var (
	ErrEmptyMessage = errors.New("message carries no text, audio or commit")
	ErrInvalidAudio = errors.New("audio must be a base64 string")
)

// ClientMessage is the JSON shape of inbound text frames. Unknown fields are
// ignored and Search defaults to false.
type ClientMessage struct {
	Text   string          `json:"text,omitempty"`
	Audio  json.RawMessage `json:"audio,omitempty"`
	Search bool            `json:"search,omitempty"`
	Commit bool            `json:"commit,omitempty"`

	// PCM holds the decoded Audio payload.
	PCM []byte `json:"-"`
}

type Welcome struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type Status struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Status  string      `json:"status"`
}

type TranscriptionPartial struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"isFinal"`
}

type Transcription struct {
	Type   MessageType `json:"type"`
	Text   string      `json:"text"`
	Status string      `json:"status"`
}

type Chunk struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
}

type AIResponse struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
}

type Complete struct {
	Type MessageType `json:"type"`
	// TotalTime is the wall time of the completion in milliseconds.
	TotalTime int64 `json:"totalTime"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Status  string      `json:"status"`
}

func NewWelcome(message string) Welcome {
	return Welcome{Type: TypeWelcome, Message: message}
}

func NewStatus(message, status string) Status {
	return Status{Type: TypeStatus, Message: message, Status: status}
}

func NewError(message, status string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message, Status: status}
}

// ParseClientMessage decodes an inbound text frame. The audio field, when
// present, must be a base64 string of PCM16LE samples.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid message: %w", err)
	}
	if len(msg.Audio) > 0 && !bytes.Equal(msg.Audio, []byte("null")) {
		var encoded string
		if err := json.Unmarshal(msg.Audio, &encoded); err != nil {
			return ClientMessage{}, ErrInvalidAudio
		}
		pcm, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidAudio, err)
		}
		msg.PCM = pcm
	}
	if msg.Text == "" && len(msg.PCM) == 0 && !msg.Commit {
		return ClientMessage{}, ErrEmptyMessage
	}
	return msg, nil
}
