package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"ngoportal.org/internal/auth"
)

type columnKind uint8

const (
	kindText columnKind = iota
	kindJSON
	kindInt
)

type column struct {
	name string
	kind columnKind
}

// partitionColumns are the role-specific columns of each partition table.
// Attribute keys equal column names.
func partitionColumns(role auth.Role) []column {
	switch role {
	case auth.RoleAdmin:
		return []column{{auth.AttrAccessLevel, kindText}}
	case auth.RoleStaff:
		return []column{{auth.AttrDepartment, kindText}, {auth.AttrPosition, kindText}}
	case auth.RoleVolunteer:
		return []column{{auth.AttrSkills, kindJSON}, {auth.AttrAvailability, kindText}}
	case auth.RoleBeneficiary:
		return []column{{auth.AttrNeedsSummary, kindText}, {auth.AttrHouseholdSize, kindInt}}
	default:
		return nil
	}
}

const commonColumns = `identity_id, full_name, contact, active, created_at, updated_at`

// Partition returns the partition store of role.
func (s *Store) Partition(role auth.Role) auth.PartitionStore {
	return &partition{store: s, role: role}
}

type partition struct {
	store *Store
	role  auth.Role
}

func (p *partition) table() (string, []column, error) {
	if p.store.db == nil {
		return "", nil, errNoDB
	}
	if !p.role.Valid() {
		return "", nil, fmt.Errorf("%w: invalid partition role", auth.ErrInvalidInput)
	}
	return p.role.Partition(), partitionColumns(p.role), nil
}

func (p *partition) Insert(ctx context.Context, rec auth.PartitionRecord) error {
	table, cols, err := p.table()
	if err != nil {
		return err
	}
	now := p.store.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	names := []string{commonColumns}
	args := []any{rec.IdentityID, rec.FullName, nullIfEmpty(rec.Contact), rec.Active, rec.CreatedAt, rec.UpdatedAt}
	for _, c := range cols {
		v, err := encodeAttr(c, rec.Attributes[c.name])
		if err != nil {
			return err
		}
		names = append(names, c.name)
		args = append(args, v)
	}
	query := fmt.Sprintf(`insert into %s(%s) values (%s)`, table, strings.Join(names, ", "), placeholders(len(args)))
	if _, err := p.store.db.ExecContext(ctx, query, args...); err != nil {
		return mapError(err)
	}
	return nil
}

func (p *partition) Find(ctx context.Context, identityID string) (auth.PartitionRecord, error) {
	table, cols, err := p.table()
	if err != nil {
		return auth.PartitionRecord{}, err
	}
	names := []string{commonColumns}
	for _, c := range cols {
		names = append(names, c.name)
	}
	query := fmt.Sprintf(`select %s from %s where identity_id = $1`, strings.Join(names, ", "), table)

	var (
		rec     = auth.PartitionRecord{Role: p.role}
		contact sql.NullString
		raw     = make([]any, len(cols))
	)
	dest := []any{&rec.IdentityID, &rec.FullName, &contact, &rec.Active, &rec.CreatedAt, &rec.UpdatedAt}
	for i, c := range cols {
		switch c.kind {
		case kindJSON:
			raw[i] = new([]byte)
		case kindInt:
			raw[i] = new(sql.NullInt64)
		default:
			raw[i] = new(sql.NullString)
		}
		dest = append(dest, raw[i])
	}
	err = p.store.db.QueryRowContext(ctx, query, identityID).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.PartitionRecord{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.PartitionRecord{}, err
	}
	rec.Contact = contact.String
	for i, c := range cols {
		v, ok, err := decodeAttr(c, raw[i])
		if err != nil {
			return auth.PartitionRecord{}, err
		}
		if !ok {
			continue
		}
		if rec.Attributes == nil {
			rec.Attributes = make(map[string]any, len(cols))
		}
		rec.Attributes[c.name] = v
	}
	return rec, nil
}

func (p *partition) Update(ctx context.Context, identityID string, upd auth.PartitionUpdate) error {
	table, cols, err := p.table()
	if err != nil {
		return err
	}
	var (
		sets []string
		args = []any{identityID}
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.FullName != nil {
		add("full_name", *upd.FullName)
	}
	if upd.Contact != nil {
		add("contact", nullIfEmpty(*upd.Contact))
	}
	if upd.Active != nil {
		add("active", *upd.Active)
	}
	for _, c := range cols {
		v, ok := upd.Attributes[c.name]
		if !ok {
			continue
		}
		encoded, err := encodeAttr(c, v)
		if err != nil {
			return err
		}
		add(c.name, encoded)
	}
	add("updated_at", p.store.now().UTC())

	query := fmt.Sprintf(`update %s set %s where identity_id = $1`, table, strings.Join(sets, ", "))
	res, err := p.store.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	return expectOne(res)
}

func (p *partition) Delete(ctx context.Context, identityID string) error {
	table, _, err := p.table()
	if err != nil {
		return err
	}
	res, err := p.store.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where identity_id = $1`, table), identityID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(i+1)
	}
	return strings.Join(parts, ", ")
}

func encodeAttr(c column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.kind {
	case kindJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", auth.ErrInvalidInput, c.name, err)
		}
		return data, nil
	case kindInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("%w: %s must be a whole number", auth.ErrInvalidInput, c.name)
			}
			return int64(n), nil
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("%w: %s must be a whole number", auth.ErrInvalidInput, c.name)
			}
			return i, nil
		default:
			return nil, fmt.Errorf("%w: %s must be a number", auth.ErrInvalidInput, c.name)
		}
	default:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a string", auth.ErrInvalidInput, c.name)
		}
		return nullIfEmpty(s), nil
	}
}

func decodeAttr(c column, raw any) (any, bool, error) {
	switch v := raw.(type) {
	case *[]byte:
		if len(*v) == 0 {
			return nil, false, nil
		}
		var out any
		if err := json.Unmarshal(*v, &out); err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", c.name, err)
		}
		return out, true, nil
	case *sql.NullInt64:
		return v.Int64, v.Valid, nil
	case *sql.NullString:
		return v.String, v.Valid, nil
	}
	return nil, false, nil
}
