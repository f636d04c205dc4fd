package chat

import (
	"context"
	"fmt"
	"strings"
)

// Mock provides deterministic local replies when no backend is configured.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return buildMockReply(req), nil
}

// Stream emits the mock reply word by word.
func (m *Mock) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	text := buildMockReply(req)
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if onDelta != nil && w != "" {
			if err := onDelta(w); err != nil {
				return "", err
			}
		}
	}
	return text, nil
}

func buildMockReply(req Request) string {
	base := strings.TrimSpace(LastUserText(req.History))
	if base == "" {
		base = "I am listening."
	}
	return fmt.Sprintf("I heard you: %s", base)
}
