package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmtrack/internal/api"
	"farmtrack/internal/domain"
	"farmtrack/internal/fakeapi"
	"farmtrack/internal/routes"
	"farmtrack/internal/session"
)

func login(t *testing.T, fake *fakeapi.Server, username, password string) *session.Provider {
	t.Helper()
	p := session.NewProvider(session.Options{SessionID: "s", API: api.New(api.Options{BaseURL: fake.URL})})
	require.True(t, p.Login(context.Background(), username, password).Success)
	fake.Reset()
	return p
}

func stat(v View, label string) string {
	for _, s := range v.Stats {
		if s.Label == label {
			return s.Value
		}
	}
	return "<missing>"
}

func TestOwnerScenario(t *testing.T) {
	ctx := context.Background()
	fake := fakeapi.New()
	defer fake.Close()
	fake.Dashboards = map[domain.Role]json.RawMessage{
		domain.RoleOwner: json.RawMessage(`{"managersCount": 12, "farmersCount": 40,
			"activities": {"total": 7, "pending": 2, "in_progress": 1, "completed": 4},
			"tasks": {"total": 3}, "recentActivities": [{"id": 5, "name": "Plough"}]}`),
	}
	p := login(t, fake, "owner1", "owner123")

	id, _ := p.Identity()
	assert.Equal(t, routes.OutcomeAdmit, routes.Guard(nil, &id, false).Outcome)
	dest, ok := routes.Redirect(&id, false)
	require.True(t, ok)
	assert.Equal(t, routes.DashboardOwner, dest)
	r, _ := routes.Lookup(dest)
	assert.Equal(t, routes.OutcomeAdmit, routes.Guard(r.Roles, &id, false).Outcome)

	agg := New(p.Client(), p, nil)
	v, err := agg.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseReady, v.Phase)
	assert.Equal(t, "12", stat(v, "Managers"))
	assert.Equal(t, "40", stat(v, "Farmers"))
	assert.Equal(t, "7", stat(v, "Total Activities"))
	assert.Equal(t, "3", stat(v, "Total Tasks"))
	assert.Equal(t, "1", stat(v, "In Progress Activities"))
	require.Len(t, v.Activities, 1)
	assert.Equal(t, "Plough", v.Activities[0].Name)

	require.Len(t, fake.Requests(), 1)
	assert.Len(t, fake.RequestsTo(http.MethodGet, "/api/dashboard"), 1)
}

func TestManagerAndFarmerBranches(t *testing.T) {
	ctx := context.Background()
	fake := fakeapi.New()
	defer fake.Close()
	fake.AddTask(domain.Task{Title: "Weed", AssignedToID: 3, AssignedByID: 2, Status: domain.StatusPending})
	fake.AddActivity(domain.Activity{Name: "Plough", PerformedByID: 3, Status: domain.StatusCompleted})

	m := login(t, fake, "manager1", "manager123")
	v, err := New(m.Client(), m, nil).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleManager, v.Role)
	assert.Equal(t, "1", stat(v, "My Farmers"))
	assert.Equal(t, "1", stat(v, "Pending Tasks"))
	assert.Equal(t, "<missing>", stat(v, "Managers"))
	assert.Len(t, v.Tasks, 1)
	assert.Len(t, v.Activities, 1)

	f := login(t, fake, "farmer1", "farmer123")
	v, err = New(f.Client(), f, nil).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", stat(v, "Total Tasks"))
	assert.Equal(t, "0", stat(v, "In Progress"))
	assert.Equal(t, "My Tasks", v.TasksTitle)
	assert.Len(t, v.Activities, 1)
}

func TestFailureIsTerminal(t *testing.T) {
	fake := fakeapi.New()
	defer fake.Close()
	p := login(t, fake, "farmer1", "farmer123")
	fake.FailNext(http.MethodGet, "/api/dashboard", http.StatusInternalServerError, "boom")

	agg := New(p.Client(), p, nil)
	v, err := agg.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, v.Phase)
	assert.Equal(t, ErrorMessage, v.Error)
	assert.Empty(t, v.Stats)
	assert.Equal(t, v, agg.View())
	assert.NotNil(t, p.State().User)
}

func TestUnauthorizedExpiresSession(t *testing.T) {
	fake := fakeapi.New()
	defer fake.Close()
	p := login(t, fake, "owner1", "owner123")
	fake.Revoke(p.Token())
	_, err := New(p.Client(), p, nil).Load(context.Background())
	require.ErrorIs(t, err, session.ErrExpired)
	assert.Nil(t, p.State().User)
}

func TestBuildUnknownRole(t *testing.T) {
	v := Build(domain.Role("Auditor"), domain.Dashboard{ManagersCount: "3"})
	assert.Equal(t, PhaseReady, v.Phase)
	assert.Empty(t, v.Stats)
}
