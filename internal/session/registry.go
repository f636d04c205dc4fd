package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Factory builds a fresh Session for key.
type Factory func(key string) (*Session, error)

// Registry holds at most one live Session per key and creates them lazily.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	factory     Factory
	idleTimeout time.Duration
	onCreate    func(*Session)
	onExpire    func(*Session)
	log         *slog.Logger
}

func NewRegistry(factory Factory, idleTimeout time.Duration, logger *slog.Logger) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		factory:     factory,
		idleTimeout: idleTimeout,
		log:         logger,
	}
}

// SetHooks installs callbacks run after a session is created or expired.
func (r *Registry) SetHooks(onCreate, onExpire func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCreate = onCreate
	r.onExpire = onExpire
}

// Get returns the live Session for key, creating it when absent.
func (r *Registry) Get(key string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if ok {
		s.touch()
		return s, nil
	}

	r.mu.Lock()
	if s, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		s.touch()
		return s, nil
	}
	s, err := r.factory(key)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.sessions[key] = s
	hook := r.onCreate
	r.mu.Unlock()

	r.log.Info("session created", "session", key)
	if hook != nil {
		hook(s)
	}
	return s, nil
}

// Lookup returns the live Session for key without creating one.
func (r *Registry) Lookup(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Keys returns the live session keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireIdle(time.Now())
			}
		}
	}()
}

func (r *Registry) expireIdle(now time.Time) {
	cutoff := now.Add(-r.idleTimeout)
	var expired []*Session

	r.mu.Lock()
	for key, s := range r.sessions {
		if !s.retireIfIdle(cutoff) {
			continue
		}
		delete(r.sessions, key)
		expired = append(expired, s)
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, s := range expired {
		r.log.Info("session expired", "session", s.Key())
		if hook != nil {
			hook(s)
		}
	}
}

// Close retires every session.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
