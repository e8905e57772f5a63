package routes

import (
	"farmtrack/internal/domain"
	"farmtrack/internal/rbac"
)

const (
	Root             = "/"
	Login            = "/login"
	Logout           = "/logout"
	Dashboard        = "/dashboard"
	DashboardOwner   = "/dashboard/owner"
	DashboardManager = "/dashboard/manager"
	DashboardFarmer  = "/dashboard/farmer"
	Activities       = "/activities"
	Tasks            = "/tasks"
	Users            = "/users"
)

var dashboardPaths = map[domain.Role]string{
	domain.RoleOwner:   DashboardOwner,
	domain.RoleManager: DashboardManager,
	domain.RoleFarmer:  DashboardFarmer,
}

// ResolvePath maps a role to its dashboard. Unrecognized roles fall back to
// the generic dashboard entry.
func ResolvePath(role domain.Role) string {
	if p, ok := dashboardPaths[role]; ok {
		return p
	}
	return Dashboard
}

// View names a page the router can render.
type View string

const (
	ViewRoleRedirect View = "role-redirect"
	ViewDashboard    View = "dashboard"
	ViewActivities   View = "activities"
	ViewTasks        View = "tasks"
	ViewUsers        View = "users"
)

// Route is one protected entry of the route table. Empty Roles admits any
// authenticated role.
type Route struct {
	Path  string
	View  View
	Roles []domain.Role
}

// Table lists every protected route.
var Table = []Route{
	{Path: Dashboard, View: ViewRoleRedirect},
	{Path: DashboardOwner, View: ViewDashboard, Roles: []domain.Role{domain.RoleOwner}},
	{Path: DashboardManager, View: ViewDashboard, Roles: []domain.Role{domain.RoleManager}},
	{Path: DashboardFarmer, View: ViewDashboard, Roles: []domain.Role{domain.RoleFarmer}},
	{Path: Activities, View: ViewActivities},
	{Path: Tasks, View: ViewTasks},
	{Path: Users, View: ViewUsers, Roles: []domain.Role{domain.RoleOwner, domain.RoleManager}},
}

// Lookup returns the route registered for path.
func Lookup(path string) (Route, bool) {
	for _, r := range Table {
		if r.Path == path {
			return r, true
		}
	}
	return Route{}, false
}

// Link is a navigation bar entry.
type Link struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

// NavLinks returns the navigation entries for an identity; nil identity gets
// no navigation at all.
func NavLinks(id *domain.Identity) []Link {
	if id == nil {
		return nil
	}
	links := []Link{
		{Label: "Dashboard", Path: ResolvePath(id.Role)},
		{Label: "Activities", Path: Activities},
		{Label: "Tasks", Path: Tasks},
	}
	if rbac.CanSeeUsers(id.Role) {
		links = append(links, Link{Label: "Users", Path: Users})
	}
	return links
}
