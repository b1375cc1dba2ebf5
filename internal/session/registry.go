package session

import (
	"context"
	"sync"
	"time"

	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/obs"
)

const defaultIdleTTL = 30 * time.Minute

type entry struct {
	store    *Store
	lastSeen time.Time
}

// Registry keeps one Store per client session token.
type Registry struct {
	provider auth.IdentityProvider
	profiles auth.ProfileStore
	opts     []Option
	idleTTL  time.Duration
	now      func() time.Time

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	stores map[string]*entry
}

// RegistryOption configures Registry.
type RegistryOption func(*Registry)

// WithIdleTTL evicts stores not touched for ttl.
func WithIdleTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.idleTTL = ttl
		}
	}
}

// WithRegistryClock overrides time source (useful for tests).
func WithRegistryClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithStoreOptions applies opts to every store the registry creates.
func WithStoreOptions(opts ...Option) RegistryOption {
	return func(r *Registry) {
		r.opts = append(r.opts, opts...)
	}
}

func NewRegistry(provider auth.IdentityProvider, profiles auth.ProfileStore, opts ...RegistryOption) *Registry {
	base, cancel := context.WithCancel(context.Background())
	r := &Registry{
		provider: provider,
		profiles: profiles,
		idleTTL:  defaultIdleTTL,
		now:      time.Now,
		base:     base,
		cancel:   cancel,
		stores:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open returns the store bound to token, starting one if needed. An empty
// token yields a fresh anonymous store that is not registered.
func (r *Registry) Open(token string) *Store {
	if token == "" {
		return r.NewStore()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.stores[token]; ok {
		e.lastSeen = r.now()
		return e.store
	}
	s := NewStore(r.provider, r.profiles, r.opts...)
	_ = s.Start(r.base, token)
	r.stores[token] = &entry{store: s, lastSeen: r.now()}
	obs.SetSessionsActive(len(r.stores))
	return s
}

// NewStore starts an unregistered anonymous store, typically for a sign-in.
func (r *Registry) NewStore() *Store {
	s := NewStore(r.provider, r.profiles, r.opts...)
	_ = s.Start(r.base, "")
	return s
}

// Attach registers s under its current token, replacing any previous holder.
func (r *Registry) Attach(s *Store) bool {
	token := s.Snapshot().Token()
	if token == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.stores[token]; ok && prev.store != s {
		prev.store.Close()
	}
	r.stores[token] = &entry{store: s, lastSeen: r.now()}
	obs.SetSessionsActive(len(r.stores))
	return true
}

// Drop closes and forgets the store bound to token.
func (r *Registry) Drop(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.stores[token]; ok {
		e.store.Close()
		delete(r.stores, token)
	}
	obs.SetSessionsActive(len(r.stores))
}

// Len returns the number of registered stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}

// Sweep evicts stores that settled anonymous or sat idle past the TTL.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for token, e := range r.stores {
		snap := e.store.Snapshot()
		idle := now.Sub(e.lastSeen) > r.idleTTL
		if idle || snap.State == StateAnonymous {
			e.store.Close()
			delete(r.stores, token)
			evicted++
		}
	}
	obs.SetSessionsActive(len(r.stores))
	return evicted
}

// Run sweeps every interval until ctx ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				obs.Info("session_sweep", map[string]any{"evicted": n})
			}
		}
	}
}

// Close drops every store.
func (r *Registry) Close() {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, e := range r.stores {
		e.store.Close()
		delete(r.stores, token)
	}
	obs.SetSessionsActive(0)
}
