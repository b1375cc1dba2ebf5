package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"ngoportal.org/internal/auth"
)

var (
	_ auth.ProfileStore = (*Store)(nil)
	_ auth.Partitions   = (*Store)(nil)
)

// Store is an in-memory adapter implementing the profile and partition ports.
// It backs the development server and tests.
type Store struct {
	mu         sync.RWMutex
	profiles   map[string]auth.Identity
	partitions map[auth.Role]map[string]auth.PartitionRecord
	now        func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{
		profiles:   make(map[string]auth.Identity),
		partitions: make(map[auth.Role]map[string]auth.PartitionRecord, len(auth.Roles)),
		now:        time.Now,
	}
	for _, r := range auth.Roles {
		s.partitions[r] = make(map[string]auth.PartitionRecord)
	}
	return s
}

func (s *Store) Create(_ context.Context, identity auth.Identity) (auth.Identity, error) {
	if identity.ID == "" {
		return auth.Identity{}, fmt.Errorf("%w: id is required", auth.ErrInvalidInput)
	}
	if !identity.Role.Valid() {
		return auth.Identity{}, fmt.Errorf("%w: invalid role", auth.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[identity.ID]; ok {
		return auth.Identity{}, auth.ErrConflict
	}
	for _, existing := range s.profiles {
		if identity.Email != "" && existing.Email == identity.Email {
			return auth.Identity{}, auth.ErrConflict
		}
	}
	now := s.now().UTC()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	identity.UpdatedAt = now
	s.profiles[identity.ID] = identity.Clone()
	return identity.Clone(), nil
}

func (s *Store) Find(_ context.Context, id string) (auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.profiles[id]
	if !ok {
		return auth.Identity{}, auth.ErrNotFound
	}
	return identity.Clone(), nil
}

func (s *Store) List(_ context.Context) ([]auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Identity, 0, len(s.profiles))
	for _, identity := range s.profiles {
		out = append(out, identity.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Update(_ context.Context, identity auth.Identity) (auth.Identity, error) {
	if !identity.Role.Valid() {
		return auth.Identity{}, fmt.Errorf("%w: invalid role", auth.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.profiles[identity.ID]
	if !ok {
		return auth.Identity{}, auth.ErrNotFound
	}
	current.FullName = identity.FullName
	current.Role = identity.Role
	current.Active = identity.Active
	current.Contact = identity.Contact
	current.AdditionalInfo = maps.Clone(identity.AdditionalInfo)
	current.LastLoginAt = identity.LastLoginAt
	current.UpdatedAt = s.now().UTC()
	s.profiles[identity.ID] = current.Clone()
	return current.Clone(), nil
}

// Partition returns the partition store of role.
func (s *Store) Partition(role auth.Role) auth.PartitionStore {
	return &partition{store: s, role: role}
}

// Locate lists partitions holding a row for id. Used by tests to assert the partition invariant.
func (s *Store) Locate(id string) []auth.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var roles []auth.Role
	for _, r := range auth.Roles {
		if _, ok := s.partitions[r][id]; ok {
			roles = append(roles, r)
		}
	}
	return roles
}

type partition struct {
	store *Store
	role  auth.Role
}

func (p *partition) rows() (map[string]auth.PartitionRecord, error) {
	rows, ok := p.store.partitions[p.role]
	if !ok {
		return nil, fmt.Errorf("%w: invalid partition role", auth.ErrInvalidInput)
	}
	return rows, nil
}

func (p *partition) Insert(_ context.Context, rec auth.PartitionRecord) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	rows, err := p.rows()
	if err != nil {
		return err
	}
	if _, ok := rows[rec.IdentityID]; ok {
		return auth.ErrConflict
	}
	rec.Role = p.role
	rec.Attributes = maps.Clone(rec.Attributes)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = p.store.now().UTC()
	}
	rows[rec.IdentityID] = rec
	return nil
}

func (p *partition) Find(_ context.Context, id string) (auth.PartitionRecord, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	rows, err := p.rows()
	if err != nil {
		return auth.PartitionRecord{}, err
	}
	rec, ok := rows[id]
	if !ok {
		return auth.PartitionRecord{}, auth.ErrNotFound
	}
	rec.Attributes = maps.Clone(rec.Attributes)
	return rec, nil
}

func (p *partition) Update(_ context.Context, id string, upd auth.PartitionUpdate) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	rows, err := p.rows()
	if err != nil {
		return err
	}
	rec, ok := rows[id]
	if !ok {
		return auth.ErrNotFound
	}
	if upd.FullName != nil {
		rec.FullName = *upd.FullName
	}
	if upd.Contact != nil {
		rec.Contact = *upd.Contact
	}
	if upd.Active != nil {
		rec.Active = *upd.Active
	}
	if upd.Attributes != nil {
		rec.Attributes = maps.Clone(upd.Attributes)
	}
	rec.UpdatedAt = p.store.now().UTC()
	rows[id] = rec
	return nil
}

func (p *partition) Delete(_ context.Context, id string) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	rows, err := p.rows()
	if err != nil {
		return err
	}
	if _, ok := rows[id]; !ok {
		return auth.ErrNotFound
	}
	delete(rows, id)
	return nil
}
