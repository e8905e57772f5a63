package server

import (
	"farmtrack/internal/dashboard"
	"farmtrack/internal/domain"
	"farmtrack/internal/listview"
	"farmtrack/internal/routes"
	"farmtrack/internal/session"
)

// Request payloads

type LoginRequest struct {
	Username string `json:"username" minLength:"1" doc:"Username or email"`
	Password string `json:"password" minLength:"1"`
}

type SaveRequest struct {
	Values map[string]string `json:"values" doc:"Draft values keyed by field name"`
}

type StatusRequest struct {
	Status string `json:"status" enum:"pending,in-progress,completed"`
}

// Response payloads

type SessionResponse struct {
	User    *domain.Identity `json:"user"`
	Loading bool             `json:"loading"`
	Home    string           `json:"home,omitempty" doc:"Dashboard path of the role"`
	Nav     []routes.Link    `json:"nav"`
}

type LoginResponse struct {
	User domain.Identity `json:"user"`
	Home string          `json:"home"`
}

type GuardResponse struct {
	Path     string `json:"path"`
	Outcome  string `json:"outcome" enum:"loading,redirect_login,denied,admit"`
	Location string `json:"location,omitempty"`
	Message  string `json:"message,omitempty"`
}

type DashboardResponse = dashboard.View

// Row is one list record plus the actions the viewer may take on it.
type Row[T any] struct {
	Item           T    `json:"item"`
	CanEdit        bool `json:"can_edit"`
	CanQuickStatus bool `json:"can_quick_status"`
}

type ListViewResponse[T any] struct {
	Phase     listview.Phase    `json:"phase"`
	Rows      []Row[T]          `json:"rows"`
	Filter    map[string]string `json:"filter"`
	Roster    []domain.User     `json:"roster,omitempty"`
	Message   string            `json:"message,omitempty"`
	Busy      bool              `json:"busy"`
	CanCreate bool              `json:"can_create"`
	CanDelete bool              `json:"can_delete"`
	Fields    []listview.Field  `json:"fields"`
}

func sessionResponse(st session.State) SessionResponse {
	out := SessionResponse{User: st.User, Loading: st.Loading, Nav: nonNilSlice(routes.NavLinks(st.User))}
	if home, ok := routes.Redirect(st.User, st.Loading); ok {
		out.Home = home
	}
	return out
}

func listViewResponse[T any](c *listview.Controller[T]) ListViewResponse[T] {
	snap := c.Snapshot()
	rows := make([]Row[T], 0, len(snap.Items))
	for _, it := range snap.Items {
		rows = append(rows, Row[T]{Item: it, CanEdit: c.CanEdit(it), CanQuickStatus: c.CanQuickStatus(it)})
	}
	return ListViewResponse[T]{
		Phase:     snap.Phase,
		Rows:      rows,
		Filter:    snap.Filter,
		Roster:    snap.Roster,
		Message:   snap.Message,
		Busy:      snap.Busy,
		CanCreate: c.CanCreate(),
		CanDelete: c.CanDelete(),
		Fields:    nonNilSlice(c.FormFields(true)),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
