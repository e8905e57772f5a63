package views

import (
	"context"

	"farmtrack/internal/api"
	"farmtrack/internal/domain"
	"farmtrack/internal/listview"
	"farmtrack/internal/rbac"
)

const FilterAssignedTo = "assigned_to"

// Tasks are assignments from Owners and Managers to Farmers. The assignee is
// fixed once the task exists; a Farmer may only move the status of their own
// tasks.
func Tasks(c *api.Client) listview.Resource[domain.Task] {
	return listview.Resource[domain.Task]{
		Name:         "tasks",
		Noun:         "task",
		Source:       taskSource{c: c},
		FilterKeys:   []string{FilterStatus, FilterAssignedTo},
		PersonFilter: FilterAssignedTo,
		Fields: []listview.Field{
			{Name: "title", Label: "Title", Kind: listview.KindText, Rules: "required"},
			{Name: "description", Label: "Description", Kind: listview.KindTextArea},
			{Name: "assigned_to_id", Label: "Assign To", Kind: listview.KindPerson, Rules: "required,numeric", CreateOnly: true, Staff: true},
			{Name: "due_date", Label: "Due Date", Kind: listview.KindDate, Rules: "omitempty,datetime=" + listview.DateLayout},
			{Name: "status", Label: "Status", Kind: listview.KindSelect, Rules: statusRules, Options: statusOptions},
		},
		ID: func(t domain.Task) string { return domain.FormatID(t.ID) },
		Blank: func(domain.Identity) listview.Draft {
			return listview.NewDraft(map[string]string{"status": domain.StatusPending})
		},
		Seed: func(t domain.Task) listview.Draft {
			return listview.NewDraft(map[string]string{
				"title":          t.Title,
				"description":    t.Description,
				"assigned_to_id": domain.FormatID(t.AssignedToID),
				"due_date":       listview.SeedDate(t.DueDate),
				"status":         t.Status,
			})
		},
		Roster: func(ctx context.Context, _ domain.Identity) ([]domain.User, error) {
			users, err := c.ListUsers(ctx)
			if err != nil {
				return nil, err
			}
			return farmersOnly(users), nil
		},
		CanCreate: func(me domain.Identity) bool { return rbac.CanAssignTasks(me.Role) },
		CanEdit:   rbac.CanEditTask,
		CanDelete: func(me domain.Identity) bool {
			return rbac.CanDelete(me.Role)
		},
		CanQuickStatus: rbac.CanQuickUpdateStatus,
	}
}
