package auth

import "sort"

// Capability tokens.
const (
	CapAccessAdminDashboard       = "dashboard.admin.access"
	CapAccessStaffDashboard       = "dashboard.staff.access"
	CapAccessVolunteerDashboard   = "dashboard.volunteer.access"
	CapAccessBeneficiaryDashboard = "dashboard.beneficiary.access"

	CapManageUsers         = "users.manage"
	CapManageRoles         = "roles.manage"
	CapManageVolunteers    = "volunteers.manage"
	CapManageOpportunities = "opportunities.manage"
	CapManageResources     = "resources.manage"
	CapManageTraining      = "training.manage"
	CapManageAnnouncements = "announcements.manage"
	CapViewReports         = "reports.view"
	CapHandleRequests      = "service_requests.handle"
	CapManageAppointments  = "appointments.manage"

	CapViewOpportunities   = "opportunities.view"
	CapLogVolunteerHours   = "volunteer_hours.log"
	CapViewTraining        = "training.view"
	CapRequestServices     = "service_requests.create"
	CapViewOwnAppointments = "appointments.view_own"
	CapViewResources       = "resources.view"
	CapReconcilePartitions = "partitions.reconcile"
)

// dashboardCapabilities are granted only to the role owning the section.
var dashboardCapabilities = map[string]struct{}{
	CapAccessAdminDashboard:       {},
	CapAccessStaffDashboard:       {},
	CapAccessVolunteerDashboard:   {},
	CapAccessBeneficiaryDashboard: {},
}

var (
	staffCapabilities = []string{
		CapAccessStaffDashboard,
		CapManageVolunteers,
		CapManageOpportunities,
		CapManageResources,
		CapManageTraining,
		CapHandleRequests,
		CapManageAppointments,
		CapViewReports,
		CapViewResources,
		CapViewTraining,
		CapViewOpportunities,
	}
	volunteerCapabilities = []string{
		CapAccessVolunteerDashboard,
		CapViewOpportunities,
		CapLogVolunteerHours,
		CapViewTraining,
		CapViewResources,
	}
	beneficiaryCapabilities = []string{
		CapAccessBeneficiaryDashboard,
		CapRequestServices,
		CapViewOwnAppointments,
		CapViewResources,
	}
	adminOnlyCapabilities = []string{
		CapAccessAdminDashboard,
		CapManageUsers,
		CapManageRoles,
		CapManageAnnouncements,
		CapReconcilePartitions,
	}
)

// permissionTable is built once and never mutated.
var permissionTable = buildPermissionTable()

func buildPermissionTable() map[Role]map[string]struct{} {
	table := map[Role]map[string]struct{}{
		RoleStaff:       toSet(staffCapabilities),
		RoleVolunteer:   toSet(volunteerCapabilities),
		RoleBeneficiary: toSet(beneficiaryCapabilities),
	}
	admin := toSet(adminOnlyCapabilities)
	for _, role := range []Role{RoleStaff, RoleVolunteer, RoleBeneficiary} {
		for c := range table[role] {
			if _, ok := dashboardCapabilities[c]; ok {
				continue
			}
			admin[c] = struct{}{}
		}
	}
	table[RoleAdmin] = admin
	return table
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// HasCapability reports whether role's permission set contains token.
func HasCapability(role Role, token string) bool {
	set, ok := permissionTable[role]
	if !ok {
		return false
	}
	_, ok = set[token]
	return ok
}

// Capabilities returns a sorted copy of the role's permission set.
func Capabilities(role Role) []string {
	set := permissionTable[role]
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// IsDashboardCapability reports whether token gates a dashboard section.
func IsDashboardCapability(token string) bool {
	_, ok := dashboardCapabilities[token]
	return ok
}
