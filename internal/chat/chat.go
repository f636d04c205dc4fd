// Package chat abstracts chat-completion backends used by relay sessions.
//
// A Client supports two delivery modes. Complete returns the whole assistant
// reply at once. Stream hands each text fragment to onDelta in arrival order
// and returns the concatenation; when it fails midway the fragments already
// delivered stay delivered and the error is still returned.
//
// Failures are *reliability.Error values tagged upstream_unavailable,
// upstream_rejected or timeout.
package chat

import (
	"context"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request carries the full ordered history, system prompt first.
type Request struct {
	History []Message `json:"messages"`
	// Search asks the backend to ground the answer with web search when it can.
	Search bool `json:"search,omitempty"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request, onDelta DeltaHandler) (string, error)
}

// Config controls client construction.
type Config struct {
	Provider string
	Fallback string

	HTTPURL string

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	OpenAISearchModel string
}

// NewClient builds the configured provider, wrapped in a Fallback when a
// secondary provider is named.
func NewClient(cfg Config) (Client, error) {
	primary, err := newProvider(cfg, cfg.Provider)
	if err != nil {
		return nil, err
	}
	fb := strings.ToLower(strings.TrimSpace(cfg.Fallback))
	if fb == "" || fb == "none" {
		return primary, nil
	}
	secondary, err := newProvider(cfg, fb)
	if err != nil {
		return nil, fmt.Errorf("chat fallback: %w", err)
	}
	return NewFallback(primary, secondary), nil
}

func newProvider(cfg Config, name string) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(name))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel,
				WithBaseURL(cfg.OpenAIBaseURL),
				WithSearchModel(cfg.OpenAISearchModel))
		}
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTP(cfg.HTTPURL), nil
		}
		return NewMock(), nil
	case "openai":
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel,
			WithBaseURL(cfg.OpenAIBaseURL),
			WithSearchModel(cfg.OpenAISearchModel))
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, fmt.Errorf("chat http url is required for http mode")
		}
		return NewHTTP(cfg.HTTPURL), nil
	case "mock":
		return NewMock(), nil
	case "echo":
		return NewEcho(), nil
	default:
		return nil, fmt.Errorf("unsupported chat provider %q", name)
	}
}

// LastUserText returns the content of the most recent user entry.
func LastUserText(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i].Content
		}
	}
	return ""
}
