package session

import (
	"fmt"

	"ngoportal.org/internal/auth"
)

// State is the lifecycle state of a session store.
type State uint8

const (
	StateUninitialized State = iota
	StateLoading
	StateAuthenticated
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	default:
		return "invalid"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateUninitialized, StateLoading, StateAuthenticated, StateAnonymous} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", text)
}

// Snapshot is an immutable view of a session store. Later versions supersede earlier ones.
type Snapshot struct {
	Version uint64
	State   State
	UserID  string
	// ProfileUnavailable is set when the provider session is valid but the
	// shared profile could not be read. No role is assumed in that case.
	ProfileUnavailable bool

	token    string
	identity *auth.Identity
}

// NewSnapshot builds a snapshot outside a store, for callers that evaluate
// decisions against a fixed state. An authenticated snapshot without an
// identity is profile-unavailable.
func NewSnapshot(state State, identity *auth.Identity) Snapshot {
	snap := Snapshot{State: state}
	if state != StateAuthenticated {
		return snap
	}
	if identity == nil {
		snap.ProfileUnavailable = true
		return snap
	}
	clone := identity.Clone()
	snap.identity = &clone
	snap.UserID = clone.ID
	return snap
}

// Loading reports whether the store has not settled yet.
func (s Snapshot) Loading() bool {
	return s.State == StateUninitialized || s.State == StateLoading
}

// Token returns the provider session token, empty when anonymous.
func (s Snapshot) Token() string {
	return s.token
}

// Identity returns a copy of the loaded profile.
func (s Snapshot) Identity() (auth.Identity, bool) {
	if s.identity == nil {
		return auth.Identity{}, false
	}
	return s.identity.Clone(), true
}

// Authorized returns the identity only when it may be used for authorization:
// authenticated, profile loaded, valid role and active.
func (s Snapshot) Authorized() (auth.Identity, bool) {
	if s.State != StateAuthenticated || s.identity == nil {
		return auth.Identity{}, false
	}
	if !s.identity.Active || !s.identity.Role.Valid() {
		return auth.Identity{}, false
	}
	return s.identity.Clone(), true
}

// View is the wire shape of a snapshot.
type View struct {
	Version            uint64         `json:"version"`
	State              State          `json:"state"`
	Authenticated      bool           `json:"authenticated"`
	Loading            bool           `json:"loading"`
	ProfileUnavailable bool           `json:"profile_unavailable,omitempty"`
	Identity           *auth.Identity `json:"identity,omitempty"`
	Dashboard          string         `json:"dashboard,omitempty"`
	Capabilities       []string       `json:"capabilities,omitempty"`
}

// View renders the snapshot for clients.
func (s Snapshot) View() View {
	v := View{
		Version:            s.Version,
		State:              s.State,
		Loading:            s.Loading(),
		ProfileUnavailable: s.ProfileUnavailable,
	}
	if identity, ok := s.Identity(); ok {
		v.Identity = &identity
	}
	if identity, ok := s.Authorized(); ok {
		v.Authenticated = true
		v.Dashboard = identity.Role.DashboardRoute()
		v.Capabilities = auth.Capabilities(identity.Role)
	}
	return v
}
