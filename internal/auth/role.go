package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of portal roles. The zero value is not a role.
type Role uint8

const (
	roleUnknown Role = iota
	RoleAdmin
	RoleStaff
	RoleVolunteer
	RoleBeneficiary
)

// Roles lists every valid role in a stable order.
var Roles = []Role{RoleAdmin, RoleStaff, RoleVolunteer, RoleBeneficiary}

// ParseRole maps a wire name to a Role. Unknown names fail closed.
func ParseRole(raw string) (Role, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "admin":
		return RoleAdmin, nil
	case "staff":
		return RoleStaff, nil
	case "volunteer":
		return RoleVolunteer, nil
	case "beneficiary":
		return RoleBeneficiary, nil
	default:
		return roleUnknown, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
}

// Valid reports whether r is one of the four roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleStaff, RoleVolunteer, RoleBeneficiary:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleStaff:
		return "staff"
	case RoleVolunteer:
		return "volunteer"
	case RoleBeneficiary:
		return "beneficiary"
	default:
		return "unknown"
	}
}

// Partition names the storage partition holding role-specific rows.
func (r Role) Partition() string {
	switch r {
	case RoleAdmin:
		return "admin_users"
	case RoleStaff:
		return "staff_users"
	case RoleVolunteer:
		return "volunteer_users"
	case RoleBeneficiary:
		return "beneficiary_users"
	default:
		panic(fmt.Sprintf("auth: partition requested for invalid role %d", r))
	}
}

// DashboardRoute is the landing section of the role.
func (r Role) DashboardRoute() string {
	switch r {
	case RoleAdmin:
		return "/admin"
	case RoleStaff:
		return "/staff"
	case RoleVolunteer:
		return "/volunteer"
	case RoleBeneficiary:
		return "/beneficiary"
	default:
		return LoginPath
	}
}

// MarshalText encodes the wire name; invalid roles do not encode.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: invalid role", ErrInvalidInput)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
