package views

import (
	"context"

	"farmtrack/internal/api"
	"farmtrack/internal/domain"
	"farmtrack/internal/listview"
	"farmtrack/internal/rbac"
)

// Users lists accounts visible to Owners and Managers and registers new ones.
// Owners create Managers (reporting to themselves) or Farmers (reporting to a
// chosen Manager); Managers create Farmers reporting to themselves.
func Users(c *api.Client) listview.Resource[domain.User] {
	return listview.Resource[domain.User]{
		Name:   "users",
		Noun:   "user",
		Source: userSource{c: c},
		Fields: []listview.Field{
			{Name: "username", Label: "Username", Kind: listview.KindText, Rules: "required"},
			{Name: "email", Label: "Email", Kind: listview.KindEmail, Rules: "required,email"},
			{Name: "password", Label: "Password", Kind: listview.KindPassword, Rules: "required"},
			{Name: "role", Label: "Role", Kind: listview.KindSelect, Rules: "required,oneof=Manager Farmer", Options: []listview.Option{
				{Value: string(domain.RoleManager), Label: "Manager"},
				{Value: string(domain.RoleFarmer), Label: "Farmer"},
			}},
			{Name: "manager_id", Label: "Manager", Kind: listview.KindPerson, Rules: "omitempty,numeric", Staff: true},
			{Name: "owner_id", Kind: listview.KindHidden},
		},
		ID: func(u domain.User) string { return domain.FormatID(u.ID) },
		Blank: func(me domain.Identity) listview.Draft {
			d := listview.NewDraft(map[string]string{"role": string(domain.RoleFarmer)})
			deriveReporting(me, &d)
			return d
		},
		Roster: func(ctx context.Context, me domain.Identity) ([]domain.User, error) {
			if !rbac.CanListManagers(me.Role) {
				return nil, nil
			}
			return c.ListManagers(ctx)
		},
		CanCreate: func(me domain.Identity) bool {
			return len(rbac.For(me.Role).CreateRoles) > 0
		},
		FieldOptions: func(me domain.Identity, f listview.Field) []listview.Option {
			if f.Name != "role" {
				return f.Options
			}
			var out []listview.Option
			for _, o := range f.Options {
				if rbac.CanCreateUser(me.Role, domain.Role(o.Value)) {
					out = append(out, o)
				}
			}
			return out
		},
		OnFieldChange: func(me domain.Identity, d *listview.Draft, field string) {
			if field == "role" {
				deriveReporting(me, d)
			}
		},
		Check: checkNewUser,
	}
}

// deriveReporting sets owner_id and manager_id from the actor and the chosen
// role. An Owner creating a Farmer must still pick the Manager.
func deriveReporting(me domain.Identity, d *listview.Draft) {
	role := domain.Role(d.Get("role"))
	switch {
	case me.Role == domain.RoleManager:
		d.Set("role", string(domain.RoleFarmer))
		d.Set("manager_id", me.IDString())
		d.Set("owner_id", "")
	case me.Role == domain.RoleOwner && role == domain.RoleManager:
		d.Set("owner_id", me.IDString())
		d.Set("manager_id", "")
	case me.Role == domain.RoleOwner:
		d.Set("owner_id", "")
		d.Set("manager_id", "")
	}
}

func checkNewUser(me domain.Identity, d listview.Draft, creating bool) error {
	if !creating {
		return ErrImmutable
	}
	role := domain.Role(d.Get("role"))
	if !rbac.CanCreateUser(me.Role, role) {
		return rbac.ForbiddenError{Role: me.Role, Action: "create a " + string(role) + " account"}
	}
	switch role {
	case domain.RoleFarmer:
		if d.Get("manager_id") == "" {
			return &listview.ValidationError{Fields: []listview.FieldError{{Field: "manager_id", Rule: "required", Message: "Manager is required"}}}
		}
		if me.Role == domain.RoleManager && d.Get("manager_id") != me.IDString() {
			return rbac.ForbiddenError{Role: me.Role, Action: "create a Farmer for another manager"}
		}
	case domain.RoleManager:
		if d.Get("owner_id") != me.IDString() {
			return &listview.ValidationError{Fields: []listview.FieldError{{Field: "owner_id", Rule: "eqfield", Message: "Managers report to the creating owner"}}}
		}
	}
	return nil
}
