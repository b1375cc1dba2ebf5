package auth

import (
	"context"
	"time"
)

// ProfileStore persists shared profiles keyed by identity id.
type ProfileStore interface {
	Create(ctx context.Context, identity Identity) (Identity, error)
	Find(ctx context.Context, id string) (Identity, error)
	List(ctx context.Context) ([]Identity, error)
	// Update writes every mutable field of identity, role included.
	Update(ctx context.Context, identity Identity) (Identity, error)
}

// PartitionStore is one role's partition.
type PartitionStore interface {
	Insert(ctx context.Context, rec PartitionRecord) error
	Find(ctx context.Context, identityID string) (PartitionRecord, error)
	Update(ctx context.Context, identityID string, upd PartitionUpdate) error
	Delete(ctx context.Context, identityID string) error
}

// Partitions resolves the partition store of a role.
type Partitions interface {
	Partition(role Role) PartitionStore
}

// ProviderSession is an external session as reported by the identity provider.
type ProviderSession struct {
	Token     string
	UserID    string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ProviderEventKind enumerates session notifications.
type ProviderEventKind string

const (
	EventSignedIn       ProviderEventKind = "signed_in"
	EventSignedOut      ProviderEventKind = "signed_out"
	EventInvalidated    ProviderEventKind = "invalidated"
	EventProfileChanged ProviderEventKind = "profile_changed"
)

// ProviderEvent is one entry of the provider's session event stream.
type ProviderEvent struct {
	Kind   ProviderEventKind `json:"kind"`
	Token  string            `json:"-"`
	UserID string            `json:"user_id"`
	At     time.Time         `json:"at"`
}

// IdentityProvider is the external authority for credentials and sessions.
type IdentityProvider interface {
	SignIn(ctx context.Context, creds Credentials) (ProviderSession, error)
	SignOut(ctx context.Context, token string) error
	// Lookup resolves a token; ErrNoSession when absent, expired or revoked.
	Lookup(ctx context.Context, token string) (ProviderSession, error)
	SignUp(ctx context.Context, creds Credentials) (string, error)
	// Events streams notifications until ctx ends.
	Events(ctx context.Context) <-chan ProviderEvent
}
