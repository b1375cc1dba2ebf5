package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ngoportal.org/internal/auth"
)

const profileColumns = `id, email, full_name, role, active, contact, additional_info, created_at, last_login_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (auth.Identity, error) {
	var (
		identity auth.Identity
		role     string
		contact  sql.NullString
		info     []byte
		lastSeen sql.NullTime
	)
	if err := row.Scan(&identity.ID, &identity.Email, &identity.FullName, &role, &identity.Active,
		&contact, &info, &identity.CreatedAt, &lastSeen, &identity.UpdatedAt); err != nil {
		return auth.Identity{}, err
	}
	parsed, err := auth.ParseRole(role)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("profile %s: %w", identity.ID, err)
	}
	identity.Role = parsed
	identity.Contact = contact.String
	if lastSeen.Valid {
		ts := lastSeen.Time.UTC()
		identity.LastLoginAt = &ts
	}
	if len(info) > 0 {
		if err := json.Unmarshal(info, &identity.AdditionalInfo); err != nil {
			return auth.Identity{}, fmt.Errorf("decode additional_info: %w", err)
		}
	}
	return identity, nil
}

func encodeInfo(info map[string]any) ([]byte, error) {
	if info == nil {
		info = map[string]any{}
	}
	return json.Marshal(info)
}

func (s *Store) Create(ctx context.Context, identity auth.Identity) (auth.Identity, error) {
	if s.db == nil {
		return auth.Identity{}, errNoDB
	}
	if !identity.Role.Valid() {
		return auth.Identity{}, fmt.Errorf("%w: invalid role", auth.ErrInvalidInput)
	}
	info, err := encodeInfo(identity.AdditionalInfo)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("encode additional_info: %w", err)
	}
	now := s.now().UTC()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	row := s.db.QueryRowContext(ctx, `
		insert into profiles(id, email, full_name, role, active, contact, additional_info, created_at, last_login_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning `+profileColumns,
		identity.ID, identity.Email, identity.FullName, identity.Role.String(), identity.Active,
		nullIfEmpty(identity.Contact), info, identity.CreatedAt, nullTime(identity.LastLoginAt), now)
	created, err := scanProfile(row)
	if err != nil {
		return auth.Identity{}, mapError(err)
	}
	return created, nil
}

func (s *Store) Find(ctx context.Context, id string) (auth.Identity, error) {
	if s.db == nil {
		return auth.Identity{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+profileColumns+` from profiles where id = $1`, id)
	identity, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Identity{}, auth.ErrNotFound
	}
	return identity, err
}

func (s *Store) List(ctx context.Context) ([]auth.Identity, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+profileColumns+` from profiles order by created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Identity
	for rows.Next() {
		identity, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, identity)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, identity auth.Identity) (auth.Identity, error) {
	if s.db == nil {
		return auth.Identity{}, errNoDB
	}
	if !identity.Role.Valid() {
		return auth.Identity{}, fmt.Errorf("%w: invalid role", auth.ErrInvalidInput)
	}
	info, err := encodeInfo(identity.AdditionalInfo)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("encode additional_info: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		update profiles
		set full_name = $2, role = $3, active = $4, contact = $5, additional_info = $6, last_login_at = $7, updated_at = $8
		where id = $1
		returning `+profileColumns,
		identity.ID, identity.FullName, identity.Role.String(), identity.Active,
		nullIfEmpty(identity.Contact), info, nullTime(identity.LastLoginAt), s.now().UTC())
	updated, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Identity{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Identity{}, mapError(err)
	}
	return updated, nil
}
