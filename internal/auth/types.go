package auth

import (
	"maps"
	"slices"
	"time"
)

// Identity is the shared profile of an authenticated actor.
type Identity struct {
	ID             string         `json:"id"`
	Email          string         `json:"email"`
	FullName       string         `json:"full_name"`
	Role           Role           `json:"role"`
	Active         bool           `json:"active"`
	Contact        string         `json:"contact,omitempty"`
	AdditionalInfo map[string]any `json:"additional_info,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastLoginAt    *time.Time     `json:"last_login_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (i Identity) Clone() Identity {
	out := i
	if i.AdditionalInfo != nil {
		out.AdditionalInfo = maps.Clone(i.AdditionalInfo)
	}
	if i.LastLoginAt != nil {
		ts := *i.LastLoginAt
		out.LastLoginAt = &ts
	}
	return out
}

// Can reports whether the identity holds capability. Inactive identities hold nothing.
func (i Identity) Can(capability string) bool {
	if !i.Active {
		return false
	}
	return HasCapability(i.Role, capability)
}

// IsAdmin reports an active administrator.
func (i Identity) IsAdmin() bool {
	return i.Active && i.Role == RoleAdmin
}

// PartitionRecord is the role-specific projection of an identity.
type PartitionRecord struct {
	IdentityID string         `json:"identity_id"`
	Role       Role           `json:"role"`
	FullName   string         `json:"full_name"`
	Contact    string         `json:"contact,omitempty"`
	Active     bool           `json:"active"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Role-specific partition attributes.
const (
	AttrAccessLevel   = "access_level"
	AttrDepartment    = "department"
	AttrPosition      = "position"
	AttrSkills        = "skills"
	AttrAvailability  = "availability"
	AttrNeedsSummary  = "needs_summary"
	AttrHouseholdSize = "household_size"
)

// PartitionAttributes lists the attribute columns each partition carries.
func PartitionAttributes(role Role) []string {
	switch role {
	case RoleAdmin:
		return []string{AttrAccessLevel}
	case RoleStaff:
		return []string{AttrDepartment, AttrPosition}
	case RoleVolunteer:
		return []string{AttrSkills, AttrAvailability}
	case RoleBeneficiary:
		return []string{AttrNeedsSummary, AttrHouseholdSize}
	default:
		return nil
	}
}

// NewPartitionRecord projects identity into its current role's partition,
// keeping only the attributes that partition defines.
func NewPartitionRecord(identity Identity, attrs map[string]any, now time.Time) PartitionRecord {
	rec := PartitionRecord{
		IdentityID: identity.ID,
		Role:       identity.Role,
		FullName:   identity.FullName,
		Contact:    identity.Contact,
		Active:     identity.Active,
		CreatedAt:  identity.CreatedAt,
		UpdatedAt:  now,
	}
	allowed := PartitionAttributes(identity.Role)
	for k, v := range attrs {
		if slices.Contains(allowed, k) {
			if rec.Attributes == nil {
				rec.Attributes = make(map[string]any, len(allowed))
			}
			rec.Attributes[k] = v
		}
	}
	return rec
}

// ProfileUpdate carries non-role profile edits. Nil fields are left unchanged.
type ProfileUpdate struct {
	FullName       *string
	Contact        *string
	Active         *bool
	AdditionalInfo map[string]any
	LastLoginAt    *time.Time
}

// Empty reports whether the update changes nothing.
func (u ProfileUpdate) Empty() bool {
	return u.FullName == nil && u.Contact == nil && u.Active == nil && u.AdditionalInfo == nil && u.LastLoginAt == nil
}

// Apply returns identity with the update merged in.
func (u ProfileUpdate) Apply(identity Identity) Identity {
	out := identity.Clone()
	if u.FullName != nil {
		out.FullName = *u.FullName
	}
	if u.Contact != nil {
		out.Contact = *u.Contact
	}
	if u.Active != nil {
		out.Active = *u.Active
	}
	if u.AdditionalInfo != nil {
		out.AdditionalInfo = maps.Clone(u.AdditionalInfo)
	}
	if u.LastLoginAt != nil {
		ts := *u.LastLoginAt
		out.LastLoginAt = &ts
	}
	return out
}

// PartitionUpdate carries partition row edits. Nil fields are left unchanged.
type PartitionUpdate struct {
	FullName   *string
	Contact    *string
	Active     *bool
	Attributes map[string]any
}

// Credentials are passed through to the identity provider.
type Credentials struct {
	Email    string
	Password string
}
