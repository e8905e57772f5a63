package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmtrack/internal/api"
	"farmtrack/internal/domain"
	"farmtrack/internal/fakeapi"
)

func newClient(t *testing.T) (*api.Client, *fakeapi.Server) {
	t.Helper()
	fake := fakeapi.New()
	t.Cleanup(fake.Close)
	return api.New(api.Options{BaseURL: fake.URL}), fake
}

func TestLoginAndBearerToken(t *testing.T) {
	c, fake := newClient(t)
	ctx := context.Background()

	res, err := c.Login(ctx, "owner1", "owner123")
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{ID: 1, Username: "owner1", Role: domain.RoleOwner}, res.User)
	require.NotEmpty(t, res.Token)

	authed := c.WithToken(func() string { return res.Token })
	_, err = authed.ListTasks(ctx, nil)
	require.NoError(t, err)

	reqs := fake.RequestsTo(http.MethodGet, "/api/tasks")
	require.Len(t, reqs, 1)
	assert.Equal(t, res.Token, reqs[0].Token)
}

func TestLoginFailureCarriesServerMessage(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.Login(context.Background(), "owner1", "wrong")
	require.Error(t, err)
	assert.True(t, api.IsUnauthorized(err))
	assert.Equal(t, "Invalid credentials", api.Message(err, "Login failed"))
}

func TestMessageFallback(t *testing.T) {
	assert.Equal(t, "Unknown error", api.Message(errors.New("dial tcp: refused"), "Unknown error"))
	assert.Equal(t, "Unknown error", api.Message(&api.APIError{StatusCode: 500}, "Unknown error"))
	assert.Equal(t, "boom", api.Message(&api.APIError{StatusCode: 500, Message: "boom"}, "Unknown error"))
}

func TestQueryIsPassedThrough(t *testing.T) {
	c, fake := newClient(t)
	authed := c.WithToken(func() string { return fake.Token(1) })
	_, err := authed.ListActivities(context.Background(), url.Values{"performed_by": {"3"}})
	require.NoError(t, err)
	reqs := fake.RequestsTo(http.MethodGet, "/api/activities")
	require.Len(t, reqs, 1)
	assert.Equal(t, url.Values{"performed_by": {"3"}}, reqs[0].Query)
}

func TestActivityPayloadEncoding(t *testing.T) {
	c, fake := newClient(t)
	authed := c.WithToken(func() string { return fake.Token(1) })
	ctx := context.Background()

	_, err := authed.CreateActivity(ctx, api.Payload{Fields: map[string]string{"name": "Plough", "date_time": "2024-03-05T14:32"}})
	require.NoError(t, err)
	_, err = authed.CreateActivity(ctx, api.Payload{
		Fields: map[string]string{"name": "Harvest", "date_time": "2024-03-06T08:00"},
		Files:  map[string]api.File{"photo": {Name: "field.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8}}},
	})
	require.NoError(t, err)

	reqs := fake.RequestsTo(http.MethodPost, "/api/activities")
	require.Len(t, reqs, 2)
	assert.Equal(t, "application/json", reqs[0].ContentType)
	assert.Equal(t, map[string]string{"name": "Plough", "date_time": "2024-03-05T14:32"}, reqs[0].Fields)
	assert.Contains(t, reqs[1].ContentType, "multipart/form-data")
	assert.Equal(t, "Harvest", reqs[1].Fields["name"])
	assert.Equal(t, []string{"photo"}, reqs[1].Files)

	acts := fake.Activities()
	require.Len(t, acts, 2)
	assert.Empty(t, acts[0].PhotoURL)
	assert.NotEmpty(t, acts[1].PhotoURL)
}

func TestTasksNeverMultipart(t *testing.T) {
	c, fake := newClient(t)
	authed := c.WithToken(func() string { return fake.Token(2) })
	_, err := authed.CreateTask(context.Background(), api.Payload{
		Fields: map[string]string{"title": "Irrigate", "assigned_to_id": "3"},
		Files:  map[string]api.File{"photo": {Name: "x.jpg", Data: []byte{1}}},
	})
	require.NoError(t, err)
	reqs := fake.RequestsTo(http.MethodPost, "/api/tasks")
	require.Len(t, reqs, 1)
	assert.Equal(t, "application/json", reqs[0].ContentType)
}

func TestDashboardKeepsCountsVerbatim(t *testing.T) {
	c, fake := newClient(t)
	fake.Dashboards = map[domain.Role]json.RawMessage{
		domain.RoleOwner: json.RawMessage(`{"managersCount": 12, "farmersCount": 0, "activities": {"total": 5}, "tasks": {"total": 2}}`),
	}
	d, err := c.WithToken(func() string { return fake.Token(1) }).Dashboard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12", d.ManagersCount.String())
	assert.Equal(t, "0", d.FarmersCount.String())
	assert.Equal(t, "5", d.Activities.Total.String())
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.ListUsers(context.Background())
	require.Error(t, err)
	assert.True(t, api.IsUnauthorized(err))
	var ae *api.APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusUnauthorized, ae.StatusCode)
}

func TestPayloadKeys(t *testing.T) {
	p := api.Payload{
		Fields: map[string]string{"status": "pending", "name": "x"},
		Files:  map[string]api.File{"photo": {Data: []byte{1}}},
	}
	assert.Equal(t, []string{"name", "photo", "status"}, p.Keys())
	assert.True(t, p.Multipart())
	assert.False(t, api.Payload{Files: map[string]api.File{"photo": {}}}.Multipart())
}
