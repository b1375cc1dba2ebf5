package auth

import (
	"path"
	"strings"
)

// Well-known portal paths.
const (
	RootPath     = "/"
	LoginPath    = "/login"
	RegisterPath = "/register"
	ForgotPath   = "/forgot-password"
	DeniedPath   = "/unauthorized"
)

// Section is a role-owned subtree of the portal.
type Section struct {
	Prefix     string
	Role       Role
	Capability string
}

var sections = []Section{
	{Prefix: "/admin", Role: RoleAdmin, Capability: CapAccessAdminDashboard},
	{Prefix: "/staff", Role: RoleStaff, Capability: CapAccessStaffDashboard},
	{Prefix: "/volunteer", Role: RoleVolunteer, Capability: CapAccessVolunteerDashboard},
	{Prefix: "/beneficiary", Role: RoleBeneficiary, Capability: CapAccessBeneficiaryDashboard},
}

var publicPaths = map[string]struct{}{
	RootPath:     {},
	LoginPath:    {},
	RegisterPath: {},
	ForgotPath:   {},
	DeniedPath:   {},
}

// Sections returns the role sections in declaration order.
func Sections() []Section {
	out := make([]Section, len(sections))
	copy(out, sections)
	return out
}

// CleanPath normalizes a request path; query strings and fragments are dropped.
func CleanPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimSpace(p)
	if p == "" {
		return RootPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// IsPublicPath reports whether p is reachable in any identity state.
func IsPublicPath(p string) bool {
	_, ok := publicPaths[CleanPath(p)]
	return ok
}

// IsAuthEntryPath reports public paths a signed-in user should be bounced from.
func IsAuthEntryPath(p string) bool {
	p = CleanPath(p)
	return p != RootPath && IsPublicPath(p)
}

// ClassifyPath finds the section owning p. Matching is by whole path segment.
func ClassifyPath(p string) (Section, bool) {
	p = CleanPath(p)
	for _, s := range sections {
		if p == s.Prefix || strings.HasPrefix(p, s.Prefix+"/") {
			return s, true
		}
	}
	return Section{}, false
}

// CanAccessPath decides whether role may reach p. Pure; unknown paths deny.
func CanAccessPath(role Role, p string) bool {
	if IsPublicPath(p) {
		return true
	}
	s, ok := ClassifyPath(p)
	if !ok {
		return false
	}
	return HasCapability(role, s.Capability)
}

// DashboardRouteForRole is the redirect target for a signed-in role.
func DashboardRouteForRole(role Role) string {
	return role.DashboardRoute()
}
