package rbac

import (
	"fmt"

	"farmtrack/internal/domain"
)

// ForbiddenError indicates the current role lacks a capability.
type ForbiddenError struct {
	Role   domain.Role
	Action string
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("%s requires an authenticated user", e.Action)
	}
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

// Capabilities is one row of the role table.
type Capabilities struct {
	// SeeAll means visibility across every manager and farmer.
	SeeAll bool `json:"see_all"`
	// SeeUsers gates the users list and its navigation entry.
	SeeUsers bool `json:"see_users"`
	// Reassign allows choosing a performer/assignee other than self, filtering
	// by person, and loading the assignable-user roster.
	Reassign bool `json:"reassign"`
	// AssignTasks allows creating tasks and editing them in full.
	AssignTasks bool `json:"assign_tasks"`
	// Delete allows deleting activities and tasks.
	Delete bool `json:"delete"`
	// CreateRoles lists the account roles this role may create.
	CreateRoles []domain.Role `json:"create_roles"`
	// ListManagers allows loading the manager roster when creating farmers.
	ListManagers bool `json:"list_managers"`
}

var table = map[domain.Role]Capabilities{
	domain.RoleOwner: {
		SeeAll:       true,
		SeeUsers:     true,
		Reassign:     true,
		AssignTasks:  true,
		Delete:       true,
		CreateRoles:  []domain.Role{domain.RoleManager, domain.RoleFarmer},
		ListManagers: true,
	},
	domain.RoleManager: {
		SeeUsers:    true,
		Reassign:    true,
		AssignTasks: true,
		Delete:      true,
		CreateRoles: []domain.Role{domain.RoleFarmer},
	},
	domain.RoleFarmer: {},
}

// For returns the capabilities of a role. Unknown roles get none.
func For(role domain.Role) Capabilities {
	c := table[role]
	c.CreateRoles = append([]domain.Role(nil), c.CreateRoles...)
	return c
}

func CanDelete(role domain.Role) bool      { return table[role].Delete }
func CanSeeUsers(role domain.Role) bool    { return table[role].SeeUsers }
func CanReassign(role domain.Role) bool    { return table[role].Reassign }
func CanAssignTasks(role domain.Role) bool { return table[role].AssignTasks }
func CanListManagers(role domain.Role) bool {
	return table[role].ListManagers
}

// CanCreateUser reports whether actor may create an account with target role.
func CanCreateUser(actor, target domain.Role) bool {
	for _, r := range table[actor].CreateRoles {
		if r == target {
			return true
		}
	}
	return false
}

// CanEditActivity is open to every authenticated role; no ownership rule is
// applied on activity edits.
func CanEditActivity(id domain.Identity, _ domain.Activity) bool {
	return id.Role.Valid()
}

// CanEditTask gates the full task edit form.
func CanEditTask(id domain.Identity, _ domain.Task) bool {
	return CanAssignTasks(id.Role)
}

// CanQuickUpdateStatus is true only for a Farmer who is the task's assignee.
func CanQuickUpdateStatus(id domain.Identity, t domain.Task) bool {
	return id.Role == domain.RoleFarmer && id.ID != 0 && t.AssignedToID == id.ID
}

// Require returns a ForbiddenError when ok is false.
func Require(ok bool, role domain.Role, action string) error {
	if ok {
		return nil
	}
	return ForbiddenError{Role: role, Action: action}
}
