package chat

import (
	"context"
	"errors"
	"fmt"
)

// Fallback attempts a primary client first and falls back on error. A stream
// that already delivered fragments is never replayed on the secondary.
type Fallback struct {
	primary  Client
	fallback Client
}

func NewFallback(primary, fallback Client) *Fallback {
	return &Fallback{primary: primary, fallback: fallback}
}

func (f *Fallback) Complete(ctx context.Context, req Request) (string, error) {
	text, err := f.primary.Complete(ctx, req)
	if err == nil || !f.canFallback(ctx, err) {
		return text, err
	}
	fbText, fbErr := f.fallback.Complete(ctx, req)
	if fbErr != nil {
		return "", fmt.Errorf("primary chat error: %w; fallback chat error: %v", err, fbErr)
	}
	return fbText, nil
}

func (f *Fallback) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	delivered := false
	text, err := f.primary.Stream(ctx, req, func(delta string) error {
		delivered = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil || delivered || !f.canFallback(ctx, err) {
		return text, err
	}
	fbText, fbErr := f.fallback.Stream(ctx, req, onDelta)
	if fbErr != nil {
		return fbText, fmt.Errorf("primary chat error: %w; fallback chat error: %v", err, fbErr)
	}
	return fbText, nil
}

func (f *Fallback) canFallback(ctx context.Context, err error) bool {
	if f.fallback == nil || ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
