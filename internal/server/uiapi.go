package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/danielgtaylor/huma/v2"

	"farmtrack/internal/app"
	"farmtrack/internal/domain"
	"farmtrack/internal/listview"
	"farmtrack/internal/routes"
	"farmtrack/internal/session"
)

// listViewDef binds a list view of the bundle to its API routes.
type listViewDef[T any] struct {
	name   string
	noun   string
	get    func(*app.Bundle) *listview.Controller[T]
	update bool
	delete bool
}

var (
	activitiesView = listViewDef[domain.Activity]{name: "activities", noun: "activity", get: (*app.Bundle).Activities, update: true, delete: true}
	tasksView      = listViewDef[domain.Task]{name: "tasks", noun: "task", get: (*app.Bundle).Tasks, update: true, delete: true}
	usersView      = listViewDef[domain.User]{name: "users", noun: "user", get: (*app.Bundle).Users}
)

type listInput struct {
	Status      string `query:"status" enum:"pending,in-progress,completed"`
	PerformedBy string `query:"performed_by"`
	AssignedTo  string `query:"assigned_to"`
	StartDate   string `query:"start_date" doc:"YYYY-MM-DD"`
	EndDate     string `query:"end_date" doc:"YYYY-MM-DD"`
}

func (in listInput) filter() map[string]string {
	out := map[string]string{}
	for k, v := range map[string]string{
		"status":       in.Status,
		"performed_by": in.PerformedBy,
		"assigned_to":  in.AssignedTo,
		"start_date":   in.StartDate,
		"end_date":     in.EndDate,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func registerSession(hapi huma.API) {
	huma.Register(hapi, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Current identity and navigation",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		b, herr := requireBundle(ctx)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(b.Session.State())}, nil
	})

	huma.Register(hapi, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/session/login",
		Summary:     "Log in with username or email",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		b, herr := requireBundle(ctx)
		if herr != nil {
			return nil, herr
		}
		res := b.Login(ctx, input.Body.Username, input.Body.Password)
		if !res.Success {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", res.Error, nil)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{User: *res.User, Home: routes.ResolvePath(res.User.Role)}}, nil
	})

	huma.Register(hapi, huma.Operation{
		OperationID:   "logout",
		Method:        http.MethodPost,
		Path:          "/session/logout",
		Summary:       "Log out",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		b, herr := requireBundle(ctx)
		if herr != nil {
			return nil, herr
		}
		if err := b.Logout(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerGuard(hapi huma.API) {
	huma.Register(hapi, huma.Operation{
		OperationID: "guard",
		Method:      http.MethodGet,
		Path:        "/guard",
		Summary:     "Route guard decision for a client path",
		Errors: []int{
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Path string `query:"path" required:"true" example:"/users"`
	}) (*struct {
		Body GuardResponse `json:"body"`
	}, error) {
		b, herr := requireBundle(ctx)
		if herr != nil {
			return nil, herr
		}
		r, ok := routes.Lookup(input.Path)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no route "+input.Path, nil)
		}
		st := b.Session.State()
		d := routes.Guard(r.Roles, st.User, st.Loading)
		out := GuardResponse{Path: r.Path, Outcome: d.Outcome.String(), Location: d.Location}
		switch d.Outcome {
		case routes.OutcomeDenied:
			out.Message = routes.DeniedMessage
		case routes.OutcomeAdmit:
			if r.View == routes.ViewRoleRedirect {
				out.Location, _ = routes.Redirect(st.User, st.Loading)
			}
		}
		return &struct {
			Body GuardResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerDashboard(hapi huma.API) {
	huma.Register(hapi, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Dashboard widgets of the viewer's role",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DashboardResponse `json:"body"`
	}, error) {
		b, _, herr := requireIdentity(ctx)
		if herr != nil {
			return nil, herr
		}
		v, err := b.Dashboard().Load(ctx)
		if errors.Is(err, session.ErrExpired) {
			return nil, handleError(err)
		}
		return &struct {
			Body DashboardResponse `json:"body"`
		}{Body: v}, nil
	})
}

// guardView admits the request to a list view with the route guard of its
// page.
func guardView(ctx context.Context, name string) (*app.Bundle, huma.StatusError) {
	b, id, herr := requireIdentity(ctx)
	if herr != nil {
		return nil, herr
	}
	r, _ := routes.Lookup("/" + name)
	if d := routes.Guard(r.Roles, &id, false); d.Outcome == routes.OutcomeDenied {
		return nil, newAPIError(http.StatusForbidden, "forbidden", routes.DeniedMessage, nil)
	}
	return b, nil
}

func ensureMounted[T any](ctx context.Context, c *listview.Controller[T]) error {
	if c.Snapshot().Phase != listview.PhaseIdle {
		return nil
	}
	return c.Mount(ctx)
}

// applyValues writes draft values in field order, so a view can derive
// dependent fields before they are set.
func applyValues[T any](c *listview.Controller[T], values map[string]string) error {
	known := map[string]bool{}
	for _, f := range c.Resource().Fields {
		known[f.Name] = true
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		if err := c.SetField(f.Name, v); err != nil {
			return err
		}
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !known[k] {
			return fmt.Errorf("unknown field %q for %s", k, c.Resource().Name)
		}
	}
	return nil
}

// viewResult renders the view after a list operation. Upstream failures are
// already part of the view state (empty list, message), so only client
// errors are returned as such.
func viewResult[T any](c *listview.Controller[T], err error) (*struct {
	Body ListViewResponse[T] `json:"body"`
}, error) {
	if err != nil {
		if herr := handleError(err); herr.GetStatus() < http.StatusInternalServerError {
			return nil, herr
		}
	}
	return &struct {
		Body ListViewResponse[T] `json:"body"`
	}{Body: listViewResponse(c)}, nil
}

func registerListView[T any](hapi huma.API, def listViewDef[T]) {
	huma.Register(hapi, huma.Operation{
		OperationID: "list-" + def.name,
		Method:      http.MethodGet,
		Path:        "/" + def.name,
		Summary:     "Mount the " + def.name + " view with a filter",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *listInput) (*struct {
		Body ListViewResponse[T] `json:"body"`
	}, error) {
		b, herr := guardView(ctx, def.name)
		if herr != nil {
			return nil, herr
		}
		c := def.get(b)
		return viewResult(c, c.Navigate(ctx, input.filter()))
	})

	huma.Register(hapi, huma.Operation{
		OperationID:   "create-" + def.noun,
		Method:        http.MethodPost,
		Path:          "/" + def.name,
		Summary:       "Create a " + def.noun,
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body SaveRequest `json:"body"`
	}) (*struct {
		Body ListViewResponse[T] `json:"body"`
	}, error) {
		b, herr := guardView(ctx, def.name)
		if herr != nil {
			return nil, herr
		}
		c := def.get(b)
		if err := submitDraft(ctx, c, "", input.Body.Values); err != nil {
			return nil, handleError(err)
		}
		return viewResult(c, nil)
	})

	if def.update {
		huma.Register(hapi, huma.Operation{
			OperationID: "update-" + def.noun,
			Method:      http.MethodPut,
			Path:        "/" + def.name + "/{id}",
			Summary:     "Edit a " + def.noun + " of the current list",
			Errors: []int{
				http.StatusBadRequest,
				http.StatusUnauthorized,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
				http.StatusBadGateway,
			},
		}, func(ctx context.Context, input *struct {
			ID   string      `path:"id"`
			Body SaveRequest `json:"body"`
		}) (*struct {
			Body ListViewResponse[T] `json:"body"`
		}, error) {
			b, herr := guardView(ctx, def.name)
			if herr != nil {
				return nil, herr
			}
			c := def.get(b)
			if err := submitDraft(ctx, c, input.ID, input.Body.Values); err != nil {
				return nil, handleError(err)
			}
			return viewResult(c, nil)
		})
	}

	if def.delete {
		huma.Register(hapi, huma.Operation{
			OperationID: "delete-" + def.noun,
			Method:      http.MethodDelete,
			Path:        "/" + def.name + "/{id}",
			Summary:     "Delete a " + def.noun + "; nothing is sent unless confirm is true",
			Errors: []int{
				http.StatusUnauthorized,
				http.StatusForbidden,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *struct {
			ID      string `path:"id"`
			Confirm bool   `query:"confirm"`
		}) (*struct {
			Body ListViewResponse[T] `json:"body"`
		}, error) {
			b, herr := guardView(ctx, def.name)
			if herr != nil {
				return nil, herr
			}
			c := def.get(b)
			err := c.Delete(ctx, input.ID, func() bool { return input.Confirm })
			return viewResult(c, err)
		})
	}
}

// submitDraft opens a create draft (id == "") or an edit draft, fills it and
// submits. Any failure closes the draft.
func submitDraft[T any](ctx context.Context, c *listview.Controller[T], id string, values map[string]string) error {
	err := func() error {
		if id == "" {
			if err := c.OpenCreate(); err != nil {
				return err
			}
		} else {
			if err := ensureMounted(ctx, c); err != nil {
				return err
			}
			if err := c.OpenEdit(id); err != nil {
				return err
			}
		}
		if err := applyValues(c, values); err != nil {
			return err
		}
		return c.Submit(ctx)
	}()
	if err != nil {
		c.Close()
	}
	return err
}

func registerTaskStatus(hapi huma.API) {
	huma.Register(hapi, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/status",
		Summary:     "Inline status change by the assignee",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body StatusRequest `json:"body"`
	}) (*struct {
		Body ListViewResponse[domain.Task] `json:"body"`
	}, error) {
		b, herr := guardView(ctx, tasksView.name)
		if herr != nil {
			return nil, herr
		}
		c := b.Tasks()
		if err := ensureMounted(ctx, c); err != nil {
			return nil, handleError(err)
		}
		return viewResult(c, c.UpdateStatus(ctx, input.ID, input.Body.Status))
	})
}
