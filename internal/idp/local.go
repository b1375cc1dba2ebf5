// Package idp contains the in-process identity provider used by the development server.
package idp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/stream"
)

const (
	issuer     = "ngo-portal"
	defaultTTL = 12 * time.Hour
)

var _ auth.IdentityProvider = (*Local)(nil)

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type account struct {
	id    string
	email string
	hash  []byte
}

type session struct {
	userID    string
	token     string
	expiresAt time.Time
}

// Local keeps credentials and sessions in memory and signs HS256 session tokens.
type Local struct {
	mu       sync.RWMutex
	accounts map[string]account
	sessions map[string]session
	secret   []byte
	ttl      time.Duration
	cost     int
	now      func() time.Time
	events   *stream.Stream[auth.ProviderEvent]
}

// Option configures Local.
type Option func(*Local) error

// WithTTL sets the session token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(l *Local) error {
		if ttl <= 0 {
			return errors.New("idp: ttl must be positive")
		}
		l.ttl = ttl
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Local) error {
		if fn != nil {
			l.now = fn
		}
		return nil
	}
}

// WithBcryptCost overrides the hashing cost.
func WithBcryptCost(cost int) Option {
	return func(l *Local) error {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("idp: bcrypt cost %d out of range", cost)
		}
		l.cost = cost
		return nil
	}
}

// NewLocal constructs a provider signing tokens with secret.
func NewLocal(secret string, opts ...Option) (*Local, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("idp: secret is required")
	}
	l := &Local{
		accounts: make(map[string]account),
		sessions: make(map[string]session),
		secret:   []byte(secret),
		ttl:      defaultTTL,
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
		events:   stream.New[auth.ProviderEvent](32),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignUp registers credentials and returns the new identity id.
func (l *Local) SignUp(_ context.Context, creds auth.Credentials) (string, error) {
	email := normalizeEmail(creds.Email)
	if email == "" || creds.Password == "" {
		return "", fmt.Errorf("%w: email and password are required", auth.ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), l.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[email]; ok {
		return "", auth.ErrConflict
	}
	id := uuid.NewString()
	l.accounts[email] = account{id: id, email: email, hash: hash}
	return id, nil
}

// Register stores credentials under a caller-chosen id. Used to seed the bootstrap administrator.
func (l *Local) Register(id string, creds auth.Credentials) error {
	email := normalizeEmail(creds.Email)
	if strings.TrimSpace(id) == "" || email == "" || creds.Password == "" {
		return fmt.Errorf("%w: id, email and password are required", auth.ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), l.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[email]; ok {
		return auth.ErrConflict
	}
	l.accounts[email] = account{id: id, email: email, hash: hash}
	return nil
}

// SignIn verifies credentials and issues a session token.
func (l *Local) SignIn(_ context.Context, creds auth.Credentials) (auth.ProviderSession, error) {
	email := normalizeEmail(creds.Email)
	l.mu.RLock()
	acct, ok := l.accounts[email]
	l.mu.RUnlock()
	if !ok {
		return auth.ProviderSession{}, auth.ErrAuthentication
	}
	if err := bcrypt.CompareHashAndPassword(acct.hash, []byte(creds.Password)); err != nil {
		return auth.ProviderSession{}, auth.ErrAuthentication
	}

	now := l.now().UTC()
	c := claims{
		Email: acct.email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   acct.id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(l.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(l.secret)
	if err != nil {
		return auth.ProviderSession{}, fmt.Errorf("sign token: %w", err)
	}

	l.mu.Lock()
	l.prune(now)
	l.sessions[c.ID] = session{userID: acct.id, token: signed, expiresAt: c.ExpiresAt.Time}
	l.mu.Unlock()

	l.events.Publish(auth.ProviderEvent{Kind: auth.EventSignedIn, Token: signed, UserID: acct.id, At: now})
	return auth.ProviderSession{
		Token:     signed,
		UserID:    acct.id,
		Email:     acct.email,
		IssuedAt:  now,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

// SignOut revokes the token's session.
func (l *Local) SignOut(_ context.Context, token string) error {
	c, err := l.parse(token)
	if err != nil {
		return auth.ErrNoSession
	}
	l.mu.Lock()
	_, ok := l.sessions[c.ID]
	delete(l.sessions, c.ID)
	l.mu.Unlock()
	if !ok {
		return auth.ErrNoSession
	}
	l.events.Publish(auth.ProviderEvent{Kind: auth.EventSignedOut, Token: token, UserID: c.Subject, At: l.now().UTC()})
	return nil
}

// Lookup resolves a live session token.
func (l *Local) Lookup(_ context.Context, token string) (auth.ProviderSession, error) {
	c, err := l.parse(token)
	if err != nil {
		return auth.ProviderSession{}, auth.ErrNoSession
	}
	l.mu.RLock()
	_, ok := l.sessions[c.ID]
	l.mu.RUnlock()
	if !ok {
		return auth.ProviderSession{}, auth.ErrNoSession
	}
	return auth.ProviderSession{
		Token:     token,
		UserID:    c.Subject,
		Email:     c.Email,
		IssuedAt:  c.IssuedAt.Time,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

// InvalidateUser revokes every session of userID and notifies subscribers.
func (l *Local) InvalidateUser(userID string) int {
	l.mu.Lock()
	var tokens []string
	for jti, s := range l.sessions {
		if s.userID == userID {
			tokens = append(tokens, s.token)
			delete(l.sessions, jti)
		}
	}
	l.mu.Unlock()
	now := l.now().UTC()
	for _, token := range tokens {
		l.events.Publish(auth.ProviderEvent{Kind: auth.EventInvalidated, Token: token, UserID: userID, At: now})
	}
	return len(tokens)
}

// ProfileChanged tells subscribers that userID's shared profile was rewritten.
func (l *Local) ProfileChanged(userID string) {
	l.events.Publish(auth.ProviderEvent{Kind: auth.EventProfileChanged, UserID: userID, At: l.now().UTC()})
}

// Events streams provider notifications until ctx ends.
func (l *Local) Events(ctx context.Context) <-chan auth.ProviderEvent {
	return l.events.Subscribe(ctx)
}

// Close ends all event subscriptions.
func (l *Local) Close() {
	l.events.Close()
}

func (l *Local) parse(token string) (*claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("empty token")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(*jwt.Token) (any, error) {
		return l.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.now),
	)
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Subject == "" || c.ID == "" {
		return nil, errors.New("invalid claims")
	}
	return c, nil
}

// prune drops expired sessions. Caller holds the write lock.
func (l *Local) prune(now time.Time) {
	for jti, s := range l.sessions {
		if !now.Before(s.expiresAt) {
			delete(l.sessions, jti)
		}
	}
}
