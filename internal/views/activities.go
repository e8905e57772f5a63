package views

import (
	"context"

	"farmtrack/internal/api"
	"farmtrack/internal/domain"
	"farmtrack/internal/listview"
	"farmtrack/internal/rbac"
)

// Activity filter keys.
const (
	FilterStatus      = "status"
	FilterPerformedBy = "performed_by"
	FilterStartDate   = "start_date"
	FilterEndDate     = "end_date"
)

// Activities is the field work log. Any role may record and edit entries;
// only Owner and Manager may delete them.
func Activities(c *api.Client) listview.Resource[domain.Activity] {
	return listview.Resource[domain.Activity]{
		Name:         "activities",
		Noun:         "activity",
		Source:       activitySource{c: c},
		FilterKeys:   []string{FilterStatus, FilterPerformedBy, FilterStartDate, FilterEndDate},
		PersonFilter: FilterPerformedBy,
		Fields: []listview.Field{
			{Name: "name", Label: "Name", Kind: listview.KindText, Rules: "required"},
			{Name: "description", Label: "Description", Kind: listview.KindTextArea},
			{Name: "date_time", Label: "Date & Time", Kind: listview.KindDateTime, Rules: "required,datetime=" + listview.DateTimeLayout},
			{Name: "performed_by_id", Label: "Performed By", Kind: listview.KindPerson, Rules: "omitempty,numeric", Staff: true},
			{Name: "status", Label: "Status", Kind: listview.KindSelect, Rules: statusRules, Options: statusOptions},
			{Name: "photo", Label: "Photo", Kind: listview.KindFile},
		},
		ID: func(a domain.Activity) string { return domain.FormatID(a.ID) },
		Blank: func(me domain.Identity) listview.Draft {
			return listview.NewDraft(map[string]string{
				"performed_by_id": me.IDString(),
				"status":          domain.StatusPending,
			})
		},
		Seed: func(a domain.Activity) listview.Draft {
			return listview.NewDraft(map[string]string{
				"name":            a.Name,
				"description":     a.Description,
				"date_time":       listview.SeedDateTime(a.DateTime),
				"performed_by_id": domain.FormatID(a.PerformedByID),
				"status":          a.Status,
			})
		},
		Roster: func(ctx context.Context, _ domain.Identity) ([]domain.User, error) {
			return c.ListUsers(ctx)
		},
		CanEdit: rbac.CanEditActivity,
		CanDelete: func(me domain.Identity) bool {
			return rbac.CanDelete(me.Role)
		},
	}
}
