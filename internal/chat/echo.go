package chat

import "context"

// Echo answers every turn with the last user text prefixed by "Echo: ".
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

func (Echo) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "Echo: " + LastUserText(req.History), nil
}

// Stream delivers the whole reply as a single fragment.
func (e Echo) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	text, err := e.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if onDelta != nil {
		if err := onDelta(text); err != nil {
			return "", err
		}
	}
	return text, nil
}
