// Package session holds the per-client identity session state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/obs"
)

// ErrStarted is returned when Start is called twice.
var ErrStarted = errors.New("session: store already started")

// LoginRecorder stamps a successful sign-in on the profile.
type LoginRecorder interface {
	RecordLogin(ctx context.Context, identityID string) error
}

// Store is the single writer of one client's identity state. Readers take
// snapshots; writers are serialized.
type Store struct {
	provider auth.IdentityProvider
	profiles auth.ProfileStore
	logins   LoginRecorder

	writeMu sync.Mutex

	mu       sync.RWMutex
	snap     Snapshot
	watchers map[int]chan Snapshot
	nextID   int

	ready     chan struct{}
	readyOnce sync.Once
	started   bool
	closed    bool
	cancel    context.CancelFunc
}

// Option configures Store.
type Option func(*Store)

// WithLoginRecorder stamps last-login on each successful sign-in.
func WithLoginRecorder(r LoginRecorder) Option {
	return func(s *Store) {
		s.logins = r
	}
}

// NewStore returns an uninitialized store.
func NewStore(provider auth.IdentityProvider, profiles auth.ProfileStore, opts ...Option) *Store {
	s := &Store{
		provider: provider,
		profiles: profiles,
		watchers: make(map[int]chan Snapshot),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Watch delivers the current snapshot and then every later one. Delivery
// coalesces: a reader that falls behind receives only the newest snapshot.
// The channel closes when ctx ends or the store is closed.
func (s *Store) Watch(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	if s.closed {
		ch <- s.snap
		close(ch)
		s.mu.Unlock()
		return ch
	}
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	ch <- s.snap
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if w, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(w)
		}
		s.mu.Unlock()
	}()
	return ch
}

// Start resolves the provider session behind token in the background and
// then follows provider events until ctx ends or Close is called. An empty
// token settles the store as anonymous.
func (s *Store) Start(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	events := s.provider.Events(ctx)

	s.writeMu.Lock()
	s.publish(func(next *Snapshot) { next.State = StateLoading })

	go func() {
		s.resolve(ctx, token)
		s.writeMu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
		s.follow(ctx, events)
	}()
	return nil
}

// Ready blocks until the store leaves the loading state or ctx ends.
func (s *Store) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops event handling and ends every watch.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
}

// SignIn authenticates with the provider. On rejection the state is left
// unchanged and auth.ErrAuthentication is returned; no retry is attempted.
// Other provider failures are returned as they are so callers can tell an
// outage from bad credentials.
func (s *Store) SignIn(ctx context.Context, creds auth.Credentials) (Snapshot, error) {
	if err := s.Ready(ctx); err != nil {
		return Snapshot{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sess, err := s.provider.SignIn(ctx, creds)
	if err != nil {
		if errors.Is(err, auth.ErrAuthentication) {
			return s.Snapshot(), err
		}
		return s.Snapshot(), fmt.Errorf("provider sign-in: %w", err)
	}
	snap := s.authenticate(ctx, sess)
	if _, ok := snap.Authorized(); ok && s.logins != nil {
		if err := s.logins.RecordLogin(ctx, sess.UserID); err != nil {
			obs.Warn("record_login_failed", map[string]any{"user_id": sess.UserID, "error": err})
		}
	}
	return snap, nil
}

// SignOut revokes the session at the provider and always settles the store
// as anonymous. A revocation failure is returned after the transition.
func (s *Store) SignOut(ctx context.Context) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	token := s.Snapshot().token
	var err error
	if token != "" {
		if err = s.provider.SignOut(ctx, token); errors.Is(err, auth.ErrNoSession) {
			err = nil
		}
	}
	s.publish(anonymous)
	if err != nil {
		return fmt.Errorf("provider sign-out: %w", err)
	}
	return nil
}

// RefreshProfile re-reads the shared profile of the signed-in identity.
func (s *Store) RefreshProfile(ctx context.Context) (Snapshot, error) {
	if err := s.Ready(ctx); err != nil {
		return Snapshot{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.refresh(ctx)
}

func (s *Store) refresh(ctx context.Context) (Snapshot, error) {
	current := s.Snapshot()
	if current.State != StateAuthenticated || current.UserID == "" {
		return current, auth.ErrNoSession
	}
	identity, err := s.profiles.Find(ctx, current.UserID)
	if err != nil {
		obs.Warn("profile_refresh_failed", map[string]any{"user_id": current.UserID, "error": err})
		return s.publish(func(next *Snapshot) {
			next.identity = nil
			next.ProfileUnavailable = true
		}), err
	}
	return s.publish(func(next *Snapshot) {
		next.identity = &identity
		next.ProfileUnavailable = false
	}), nil
}

// resolve settles the loading state. Caller holds writeMu.
func (s *Store) resolve(ctx context.Context, token string) {
	if token == "" {
		s.publish(anonymous)
		return
	}
	sess, err := s.provider.Lookup(ctx, token)
	if err != nil {
		if !errors.Is(err, auth.ErrNoSession) {
			obs.Warn("session_lookup_failed", map[string]any{"error": err})
		}
		s.publish(anonymous)
		return
	}
	s.authenticate(ctx, sess)
}

// authenticate loads the profile behind sess. A fetch failure is logged and
// leaves the snapshot authenticated with the profile unavailable. Caller holds writeMu.
func (s *Store) authenticate(ctx context.Context, sess auth.ProviderSession) Snapshot {
	identity, err := s.profiles.Find(ctx, sess.UserID)
	if err != nil {
		obs.Warn("profile_fetch_failed", map[string]any{"user_id": sess.UserID, "error": err})
		return s.publish(func(next *Snapshot) {
			next.State = StateAuthenticated
			next.UserID = sess.UserID
			next.token = sess.Token
			next.identity = nil
			next.ProfileUnavailable = true
		})
	}
	return s.publish(func(next *Snapshot) {
		next.State = StateAuthenticated
		next.UserID = sess.UserID
		next.token = sess.Token
		next.identity = &identity
		next.ProfileUnavailable = false
	})
}

func (s *Store) follow(ctx context.Context, events <-chan auth.ProviderEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.handle(ctx, evt)
		}
	}
}

func (s *Store) handle(ctx context.Context, evt auth.ProviderEvent) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	current := s.Snapshot()
	if current.State != StateAuthenticated {
		return
	}
	switch evt.Kind {
	case auth.EventSignedOut, auth.EventInvalidated:
		if evt.Token != "" && evt.Token == current.token {
			s.publish(anonymous)
		}
	case auth.EventProfileChanged:
		if evt.UserID == current.UserID {
			_, _ = s.refresh(ctx)
		}
	}
}

func anonymous(next *Snapshot) {
	*next = Snapshot{Version: next.Version, State: StateAnonymous}
}

// publish applies mutate to a copy of the current snapshot, bumps the
// version and notifies watchers.
func (s *Store) publish(mutate func(*Snapshot)) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap
	mutate(&next)
	if next.identity != nil {
		clone := next.identity.Clone()
		next.identity = &clone
	}
	next.Version = s.snap.Version + 1
	s.snap = next
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return next
}
