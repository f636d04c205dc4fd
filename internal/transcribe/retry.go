package transcribe

import (
	"context"
	"time"

	"github.com/ent0n29/voxrelay/internal/reliability"
)

const (
	defaultRetryBase = 200 * time.Millisecond
	defaultRetryCap  = 2 * time.Second
)

// Retrying re-attempts retryable failures with capped exponential backoff.
type Retrying struct {
	next    Client
	retries int
	base    time.Duration
	cap     time.Duration
}

func NewRetrying(next Client, retries int) *Retrying {
	return &Retrying{next: next, retries: retries, base: defaultRetryBase, cap: defaultRetryCap}
}

// WithBackoff overrides the backoff bounds.
func (r *Retrying) WithBackoff(base, cap time.Duration) *Retrying {
	r.base = base
	r.cap = cap
	return r
}

func (r *Retrying) Transcribe(ctx context.Context, wav []byte) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(reliability.ExponentialBackoff(attempt-1, r.base, r.cap))
			select {
			case <-ctx.Done():
				timer.Stop()
				return Result{}, reliability.Upstream("transcribe retry", ctx.Err())
			case <-timer.C:
			}
		}
		res, err := r.next.Transcribe(ctx, wav)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !reliability.IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return Result{}, lastErr
}
