package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReconcileScheduler queues an identity for partition reconciliation.
type ReconcileScheduler interface {
	ScheduleReconcile(ctx context.Context, identityID, reason string)
}

// NewUser is the input of an administrator-driven sign-up.
type NewUser struct {
	Email      string
	Password   string
	FullName   string
	Role       Role
	Contact    string
	Attributes map[string]any
}

// Directory serves identity lookups and administrator-driven lifecycle operations.
type Directory struct {
	provider   IdentityProvider
	profiles   ProfileStore
	partitions Partitions
	reconcile  ReconcileScheduler
	now        func() time.Time
}

// DirectoryOption configures Directory.
type DirectoryOption func(*Directory)

// WithDirectoryClock overrides the time source.
func WithDirectoryClock(fn func() time.Time) DirectoryOption {
	return func(d *Directory) {
		if fn != nil {
			d.now = fn
		}
	}
}

// WithDirectoryReconciler routes partition write failures to reconciliation.
func WithDirectoryReconciler(s ReconcileScheduler) DirectoryOption {
	return func(d *Directory) {
		d.reconcile = s
	}
}

func NewDirectory(provider IdentityProvider, profiles ProfileStore, partitions Partitions, opts ...DirectoryOption) (*Directory, error) {
	if provider == nil {
		return nil, errors.New("identity provider is required")
	}
	if profiles == nil || partitions == nil {
		return nil, errors.New("profile and partition stores are required")
	}
	d := &Directory{
		provider:   provider,
		profiles:   profiles,
		partitions: partitions,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// CreateUser signs the user up at the provider and writes the profile and its partition row.
func (d *Directory) CreateUser(ctx context.Context, actor Identity, in NewUser) (Identity, error) {
	if !actor.Can(CapManageUsers) {
		return Identity{}, ErrForbidden
	}
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return Identity{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Password) == "" {
		return Identity{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	name := strings.TrimSpace(in.FullName)
	if name == "" {
		return Identity{}, fmt.Errorf("%w: full name is required", ErrInvalidInput)
	}
	if !in.Role.Valid() {
		return Identity{}, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}

	in.Email, in.FullName = email, name
	return d.create(ctx, in)
}

// create signs the user up at the provider and writes the profile and partition row.
func (d *Directory) create(ctx context.Context, in NewUser) (Identity, error) {
	id, err := d.provider.SignUp(ctx, Credentials{Email: in.Email, Password: in.Password})
	if err != nil {
		return Identity{}, fmt.Errorf("provider sign-up: %w", err)
	}
	now := d.now().UTC()
	identity, err := d.profiles.Create(ctx, Identity{
		ID:        id,
		Email:     in.Email,
		FullName:  in.FullName,
		Role:      in.Role,
		Active:    true,
		Contact:   strings.TrimSpace(in.Contact),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Identity{}, fmt.Errorf("create profile: %w", err)
	}
	if err := d.partitions.Partition(identity.Role).Insert(ctx, NewPartitionRecord(identity, in.Attributes, now)); err != nil {
		if d.reconcile != nil {
			d.reconcile.ScheduleReconcile(ctx, identity.ID, "create_user_partition_insert_failed")
		}
		return identity, fmt.Errorf("create %s row: %w", identity.Role.Partition(), err)
	}
	return identity, nil
}

// CredentialRegistrar stores credentials under a known identity id.
type CredentialRegistrar interface {
	Register(id string, creds Credentials) error
}

// Bootstrap makes sure an active administrator with in.Email exists. It is
// idempotent: a stored profile keeps its id, gets its credentials registered
// again at the provider and has a missing admin row restored.
func (d *Directory) Bootstrap(ctx context.Context, in NewUser) (Identity, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || in.Password == "" {
		return Identity{}, fmt.Errorf("%w: bootstrap email and password are required", ErrInvalidInput)
	}
	in.Email = email
	in.Role = RoleAdmin
	if strings.TrimSpace(in.FullName) == "" {
		in.FullName = "Administrator"
	}

	profiles, err := d.profiles.List(ctx)
	if err != nil {
		return Identity{}, err
	}
	for _, p := range profiles {
		if p.Email != email {
			continue
		}
		if p.Role != RoleAdmin || !p.Active {
			return Identity{}, fmt.Errorf("%w: %s is not an active administrator", ErrConflict, email)
		}
		reg, ok := d.provider.(CredentialRegistrar)
		if !ok {
			return Identity{}, errors.New("identity provider cannot register existing identities")
		}
		if err := reg.Register(p.ID, Credentials{Email: email, Password: in.Password}); err != nil && !errors.Is(err, ErrConflict) {
			return Identity{}, fmt.Errorf("register bootstrap credentials: %w", err)
		}
		admins := d.partitions.Partition(RoleAdmin)
		if _, err := admins.Find(ctx, p.ID); errors.Is(err, ErrNotFound) {
			if err := admins.Insert(ctx, NewPartitionRecord(p, in.Attributes, d.now().UTC())); err != nil {
				return p, fmt.Errorf("restore admin row: %w", err)
			}
		} else if err != nil {
			return p, err
		}
		return p, nil
	}
	return d.create(ctx, in)
}

// ListUsers returns every profile. Requires the manage-users capability.
func (d *Directory) ListUsers(ctx context.Context, actor Identity) ([]Identity, error) {
	if !actor.Can(CapManageUsers) {
		return nil, ErrForbidden
	}
	return d.profiles.List(ctx)
}

// GetUser returns a profile to an administrator or to the identity itself.
func (d *Directory) GetUser(ctx context.Context, actor Identity, id string) (Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Identity{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if !actor.Can(CapManageUsers) && (!actor.Active || actor.ID != id) {
		return Identity{}, ErrForbidden
	}
	return d.profiles.Find(ctx, id)
}

// Deactivate marks the identity inactive in its profile and partition row.
func (d *Directory) Deactivate(ctx context.Context, actor Identity, id string) (Identity, error) {
	if !actor.Can(CapManageUsers) {
		return Identity{}, ErrForbidden
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Identity{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	current, err := d.profiles.Find(ctx, id)
	if err != nil {
		return Identity{}, err
	}
	if !current.Active {
		return current, nil
	}
	current.Active = false
	current.UpdatedAt = d.now().UTC()
	updated, err := d.profiles.Update(ctx, current)
	if err != nil {
		return Identity{}, err
	}
	inactive := false
	if err := d.partitions.Partition(updated.Role).Update(ctx, id, PartitionUpdate{Active: &inactive}); err != nil && d.reconcile != nil {
		d.reconcile.ScheduleReconcile(ctx, id, "deactivate_partition_update_failed")
	}
	return updated, nil
}

// RecordLogin stamps last_login_at after a successful sign-in.
func (d *Directory) RecordLogin(ctx context.Context, id string) error {
	current, err := d.profiles.Find(ctx, id)
	if err != nil {
		return err
	}
	now := d.now().UTC()
	current.LastLoginAt = &now
	_, err = d.profiles.Update(ctx, current)
	return err
}
