// Package dashboard fetches the role-shaped summary and selects the widgets of
// the viewer's role. Counts are rendered exactly as the server sent them.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"farmtrack/internal/api"
	"farmtrack/internal/domain"
)

// ErrorMessage is shown when the summary cannot be fetched.
const ErrorMessage = "Failed to load dashboard data"

var ErrNoIdentity = errors.New("not authenticated")

type Phase int

const (
	PhaseLoading Phase = iota
	PhaseReady
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Stat is a single counter widget.
type Stat struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// View is everything one dashboard branch renders.
type View struct {
	Phase Phase       `json:"phase"`
	Role  domain.Role `json:"role,omitempty"`
	Error string      `json:"error,omitempty"`
	Stats []Stat      `json:"stats,omitempty"`

	Activities []domain.Activity `json:"activities,omitempty"`
	Tasks      []domain.Task     `json:"tasks,omitempty"`

	ActivitiesTitle string `json:"activities_title,omitempty"`
	TasksTitle      string `json:"tasks_title,omitempty"`
}

// Session is the identity the dashboard is rendered for.
type Session interface {
	Identity() (domain.Identity, bool)
	Check(ctx context.Context, err error) error
}

// Fetcher is the single summary endpoint.
type Fetcher interface {
	Dashboard(ctx context.Context) (domain.Dashboard, error)
}

// Aggregator holds the state of one dashboard mount.
type Aggregator struct {
	src  Fetcher
	sess Session
	log  *zap.Logger

	mu   sync.Mutex
	view View
}

func New(src Fetcher, sess Session, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{src: src, sess: sess, log: log.With(zap.String("view", "dashboard"))}
}

// View returns the current state.
func (a *Aggregator) View() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view
}

// Load issues exactly one summary request and builds the branch of the
// viewer's role. A failure is terminal for this mount.
func (a *Aggregator) Load(ctx context.Context) (View, error) {
	me, ok := a.sess.Identity()
	if !ok {
		return View{}, ErrNoIdentity
	}
	a.mu.Lock()
	a.view = View{Phase: PhaseLoading, Role: me.Role}
	a.mu.Unlock()

	d, err := a.src.Dashboard(ctx)
	if err != nil {
		a.log.Error("dashboard fetch failed", zap.String("role", string(me.Role)), zap.Error(err))
		v := View{Phase: PhaseFailed, Role: me.Role, Error: ErrorMessage}
		a.mu.Lock()
		a.view = v
		a.mu.Unlock()
		return v, a.sess.Check(ctx, err)
	}
	v := Build(me.Role, d)
	a.mu.Lock()
	a.view = v
	a.mu.Unlock()
	return v, nil
}

// Build selects the widgets of role from the payload. Unknown roles get an
// empty ready view.
func Build(role domain.Role, d domain.Dashboard) View {
	v := View{Phase: PhaseReady, Role: role}
	switch role {
	case domain.RoleOwner:
		act, tasks := counts(d.Activities), counts(d.Tasks)
		v.Stats = []Stat{
			{Label: "Managers", Value: verbatim(d.ManagersCount)},
			{Label: "Farmers", Value: verbatim(d.FarmersCount)},
			{Label: "Total Activities", Value: verbatim(act.Total)},
			{Label: "Total Tasks", Value: verbatim(tasks.Total)},
			{Label: "Pending Activities", Value: verbatim(act.Pending)},
			{Label: "In Progress Activities", Value: verbatim(act.InProgress)},
			{Label: "Completed Activities", Value: verbatim(act.Completed)},
		}
		v.ActivitiesTitle = "Recent Activities"
		v.Activities = d.RecentActivities
	case domain.RoleManager:
		tasks := counts(d.Tasks)
		v.Stats = []Stat{
			{Label: "My Farmers", Value: verbatim(d.FarmersCount)},
			{Label: "Total Tasks", Value: verbatim(tasks.Total)},
			{Label: "Pending Tasks", Value: verbatim(tasks.Pending)},
			{Label: "Completed Tasks", Value: verbatim(tasks.Completed)},
		}
		v.TasksTitle = "Recent Tasks"
		v.Tasks = d.TasksList
		v.ActivitiesTitle = "Farmer Activities"
		v.Activities = d.FarmerActivities
	case domain.RoleFarmer:
		stats := counts(d.TaskStats)
		v.Stats = []Stat{
			{Label: "Total Tasks", Value: verbatim(stats.Total)},
			{Label: "Pending", Value: verbatim(stats.Pending)},
			{Label: "In Progress", Value: verbatim(stats.InProgress)},
			{Label: "Completed", Value: verbatim(stats.Completed)},
		}
		v.TasksTitle = "My Tasks"
		v.Tasks = d.AssignedTasks
		v.ActivitiesTitle = "My Activity History"
		v.Activities = d.ActivityHistory
	}
	return v
}

func counts(c *domain.StatusCounts) domain.StatusCounts {
	if c == nil {
		return domain.StatusCounts{}
	}
	return *c
}

// verbatim renders a server count as sent; absent counts show as 0.
func verbatim(n json.Number) string {
	if n == "" {
		return "0"
	}
	return n.String()
}

var _ Fetcher = (*api.Client)(nil)
