package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmtrack/internal/api"
	"farmtrack/internal/app"
	"farmtrack/internal/domain"
	"farmtrack/internal/fakeapi"
	"farmtrack/internal/session"
)

type testServer struct {
	URL  string
	Fake *fakeapi.Server
	Reg  *app.Registry
}

// newClient returns a browser-like client: it keeps cookies and does not
// follow redirects, so tests can assert on them.
func (s *testServer) newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fake := fakeapi.New()
	t.Cleanup(fake.Close)
	metrics := NewMetrics()
	reg := app.NewRegistry(app.Deps{
		API:      api.New(api.Options{BaseURL: fake.URL}),
		Store:    session.NewMemoryStore(),
		Recorder: metrics,
	})
	handler, err := New(Config{Registry: reg, Metrics: metrics})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Fake: fake, Reg: reg}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	res, err := client.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(data)
}

func postForm(t *testing.T, client *http.Client, target string, form url.Values) (*http.Response, string) {
	t.Helper()
	res, err := client.PostForm(target, form)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(data)
}

func apiLogin(t *testing.T, srv *testServer, client *http.Client, username, password string) LoginResponse {
	t.Helper()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/ui/v0/session/login", LoginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out LoginResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHealthNeedsNoSession(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.newClient(t), http.MethodGet, srv.URL+"/ui/v0/health", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
	assert.Empty(t, res.Cookies(), "no session cookie for health checks")
	assert.Equal(t, 0, srv.Reg.Len())
}

func TestSessionLoginAndLogout(t *testing.T) {
	srv := newTestServer(t)
	client := srv.newClient(t)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/ui/v0/session", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st SessionResponse
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Nil(t, st.User)
	assert.False(t, st.Loading)
	assert.Empty(t, st.Nav)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/ui/v0/session/login", LoginRequest{Username: "owner1", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, string(data), "invalid_credentials")

	login := apiLogin(t, srv, client, "owner1", "owner123")
	assert.Equal(t, domain.RoleOwner, login.User.Role)
	assert.Equal(t, "/dashboard/owner", login.Home)

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/ui/v0/session", nil)
	require.NoError(t, json.Unmarshal(data, &st))
	require.NotNil(t, st.User)
	assert.Equal(t, "owner1", st.User.Username)
	assert.Equal(t, "/dashboard/owner", st.Home)
	assert.Len(t, st.Nav, 4)

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/ui/v0/session/logout", nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/ui/v0/session", nil)
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Nil(t, st.User)
}

func TestGuardDecisions(t *testing.T) {
	srv := newTestServer(t)
	client := srv.newClient(t)

	var g GuardResponse
	_, data := doJSON(t, client, http.MethodGet, srv.URL+"/ui/v0/guard?path=/users", nil)
	require.NoError(t, json.Unmarshal(data, &g))
	assert.Equal(t, "redirect_login", g.Outcome)
	assert.Equal(t, "/login", g.Location)

	apiLogin(t, srv, client, "farmer1", "farmer123")
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/ui/v0/guard?path=/users", nil)
	require.NoError(t, json.Unmarshal(data, &g))
	assert.Equal(t, "denied", g.Outcome)
	assert.Equal(t, "Access Denied: You don't have permission to view this page.", g.Message)

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/ui/v0/guard?path=/dashboard", nil)
	g = GuardResponse{}
	require.NoError(t, json.Unmarshal(data, &g))
	assert.Equal(t, "admit", g.Outcome)
	assert.Equal(t, "/dashboard/farmer", g.Location)

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/ui/v0/guard?path=/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestPagesRedirectToLoginWhenLoggedOut(t *testing.T) {
	srv := newTestServer(t)
	client := srv.newClient(t)
	for _, p := range []string{"/dashboard", "/dashboard/owner", "/activities", "/tasks", "/users"} {
		res, _ := get(t, client, srv.URL+p)
		assert.Equal(t, http.StatusFound, res.StatusCode, p)
		assert.Equal(t, "/login", res.Header.Get("Location"), p)
	}
	res, body := get(t, client, srv.URL+"/login")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "Farm Management Login")
	assert.NotContains(t, body, "Logout", "no navigation without a user")
}

func TestLoginFormRedirectsToRoleDashboard(t *testing.T) {
	srv := newTestServer(t)
	client := srv.newClient(t)

	res, body := postForm(t, client, srv.URL+"/login", url.Values{"username": {"owner1"}, "password": {"nope"}})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, `role="alert"`)
	assert.Contains(t, body, `value="owner1"`)

	res, _ = postForm(t, client, srv.URL+"/login", url.Values{"username": {"owner1"}, "password": {"owner123"}})
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, "/dashboard/owner", res.Header.Get("Location"))

	res, _ = get(t, client, srv.URL+"/dashboard")
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/dashboard/owner", res.Header.Get("Location"))

	res, body = get(t, client, srv.URL+"/dashboard/owner")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "Owner Dashboard")
	assert.Contains(t, body, "Managers")
	assert.Contains(t, body, "Recent Activities")
	assert.Contains(t, body, `href="/users"`)

	res, _ = postForm(t, client, srv.URL+"/logout", nil)
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, "/login", res.Header.Get("Location"))
	res, _ = get(t, client, srv.URL+"/dashboard/owner")
	assert.Equal(t, "/login", res.Header.Get("Location"))
}

func TestFarmerIsDeniedUsersAndOtherDashboards(t *testing.T) {
	srv := newTestServer(t)
	client := srv.newClient(t)
	res, _ := postForm(t, client, srv.URL+"/login", url.Values{"username": {"farmer1"}, "password": {"farmer123"}})
	require.Equal(t, "/dashboard/farmer", res.Header.Get("Location"))

	for _, p := range []string{"/users", "/dashboard/owner", "/dashboard/manager"} {
		res, body := get(t, client, srv.URL+p)
		assert.Equal(t, http.StatusForbidden, res.StatusCode, p)
		assert.Contains(t, body, "Access Denied", p)
	}
	_, body := get(t, client, srv.URL+"/dashboard/farmer")
	assert.NotContains(t, body, `href="/users"`)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/ui/v0/users", nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Contains(t, string(data), "forbidden")
}

func TestListViewAPIUnauthenticated(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.newClient(t), http.MethodGet, srv.URL+"/ui/v0/tasks", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Empty(t, srv.Fake.RequestsTo(http.MethodGet, "/api/tasks"))
}

func TestTaskLifecycleThroughAPI(t *testing.T) {
	srv := newTestServer(t)
	manager := srv.newClient(t)
	apiLogin(t, srv, manager, "manager1", "manager123")

	res, data := doJSON(t, manager, http.MethodPost, srv.URL+"/ui/v0/tasks", SaveRequest{Values: map[string]string{"title": ""}})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Empty(t, srv.Fake.RequestsTo(http.MethodPost, "/api/tasks"), "invalid drafts are never sent")

	res, data = doJSON(t, manager, http.MethodPost, srv.URL+"/ui/v0/tasks", SaveRequest{Values: map[string]string{
		"title":          "Water greenhouse",
		"assigned_to_id": "3",
		"due_date":       "2024-06-01",
		"status":         "pending",
	}})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var view ListViewResponse[domain.Task]
	require.NoError(t, json.Unmarshal(data, &view))
	require.Len(t, view.Rows, 1)
	task := view.Rows[0].Item
	assert.Equal(t, "Water greenhouse", task.Title)
	assert.True(t, view.CanCreate)
	assert.True(t, view.CanDelete)
	assert.False(t, view.Rows[0].CanQuickStatus, "only the assignee changes status inline")

	farmer := srv.newClient(t)
	apiLogin(t, srv, farmer, "farmer1", "farmer123")
	res, data = doJSON(t, farmer, http.MethodGet, srv.URL+"/ui/v0/tasks", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &view))
	require.Len(t, view.Rows, 1)
	assert.True(t, view.Rows[0].CanQuickStatus)
	assert.False(t, view.CanCreate)

	id := domain.FormatID(task.ID)
	res, data = doJSON(t, farmer, http.MethodPut, srv.URL+"/ui/v0/tasks/"+id+"/status", StatusRequest{Status: "completed"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, "completed", view.Rows[0].Item.Status)

	res, _ = doJSON(t, farmer, http.MethodDelete, srv.URL+"/ui/v0/tasks/"+id+"?confirm=true", nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = doJSON(t, manager, http.MethodDelete, srv.URL+"/ui/v0/tasks/"+id+"?confirm=false", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, srv.Fake.RequestsTo(http.MethodDelete, "/api/tasks/"+id), "declined confirmation sends nothing")

	res, data = doJSON(t, manager, http.MethodDelete, srv.URL+"/ui/v0/tasks/"+id+"?confirm=true", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Empty(t, view.Rows)
	assert.Len(t, srv.Fake.RequestsTo(http.MethodDelete, "/api/tasks/"+id), 1)
}

func TestListFilterRejectsUnknownStatus(t *testing.T) {
	srv := newTestServer(t)
	client := srv.newClient(t)
	apiLogin(t, srv, client, "owner1", "owner123")
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/ui/v0/activities?status=done", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestActivitiesPageCreateThroughForm(t *testing.T) {
	srv := newTestServer(t)
	client := srv.newClient(t)
	postForm(t, client, srv.URL+"/login", url.Values{"username": {"farmer1"}, "password": {"farmer123"}})

	res, body := get(t, client, srv.URL+"/activities?new=1")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, `name="name"`)
	assert.NotContains(t, body, `name="performed_by_id"`, "farmers cannot pick a performer")
	assert.Contains(t, body, `enctype="multipart/form-data"`)

	res, body = postForm(t, client, srv.URL+"/activities", url.Values{"name": {""}, "date_time": {"2024-03-05T14:32"}, "status": {"pending"}})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Contains(t, body, `class="error"`)

	res, _ = postForm(t, client, srv.URL+"/activities", url.Values{"name": {"Plough north field"}, "date_time": {"2024-03-05T14:32"}, "status": {"pending"}})
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.True(t, strings.HasPrefix(res.Header.Get("Location"), "/activities"))

	_, body = get(t, client, srv.URL+"/activities")
	assert.Contains(t, body, "Plough north field")
	sent := srv.Fake.RequestsTo(http.MethodPost, "/api/activities")
	require.Len(t, sent, 1)
	assert.Equal(t, "3", sent[0].Fields["performed_by_id"])
}

func TestDeletePageAsksForConfirmation(t *testing.T) {
	srv := newTestServer(t)
	a := srv.Fake.AddActivity(domain.Activity{Name: "Spray orchard", DateTime: "2024-03-05T14:32:00Z", PerformedByID: 3, Status: domain.StatusPending})
	id := domain.FormatID(a.ID)
	client := srv.newClient(t)
	postForm(t, client, srv.URL+"/login", url.Values{"username": {"owner1"}, "password": {"owner123"}})

	res, body := get(t, client, srv.URL+"/activities/"+id+"/delete")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "Spray orchard")

	res, _ = postForm(t, client, srv.URL+"/activities/"+id+"/delete", url.Values{})
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Empty(t, srv.Fake.RequestsTo(http.MethodDelete, "/api/activities/"+id))

	postForm(t, client, srv.URL+"/activities/"+id+"/delete", url.Values{"confirm": {"yes"}})
	assert.Len(t, srv.Fake.RequestsTo(http.MethodDelete, "/api/activities/"+id), 1)
	assert.Empty(t, srv.Fake.Activities())
}

func TestFailedDeleteShowsMessageOnce(t *testing.T) {
	srv := newTestServer(t)
	a := srv.Fake.AddActivity(domain.Activity{Name: "Spray orchard", DateTime: "2024-03-05T14:32:00Z", PerformedByID: 3, Status: domain.StatusPending})
	id := domain.FormatID(a.ID)
	client := srv.newClient(t)
	postForm(t, client, srv.URL+"/login", url.Values{"username": {"manager1"}, "password": {"manager123"}})
	get(t, client, srv.URL+"/activities")

	srv.Fake.FailNext(http.MethodDelete, "/api/activities/"+id, http.StatusInternalServerError, "db down")
	res, body := postForm(t, client, srv.URL+"/activities/"+id+"/delete", url.Values{"confirm": {"yes"}})
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Contains(t, body, "Error deleting activity")
	assert.Contains(t, body, "Spray orchard")

	_, body = get(t, client, srv.URL+"/activities?status=pending")
	assert.NotContains(t, body, "Error deleting activity")
	assert.Len(t, srv.Fake.Activities(), 1)
}

func TestOpenAPIAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	client := srv.newClient(t)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/ui/v0/openapi.json", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/ui/v0/tasks/{id}/status")
	assert.Contains(t, string(data), "sessionCookie")
	components, ok := doc["components"].(map[string]any)
	require.True(t, ok)
	schemas, ok := components["schemas"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, schemas, "ApiError", "default responses reference a registered schema")
	assert.Contains(t, string(data), `"$ref":"#/components/schemas/ApiError"`)

	_, again := doJSON(t, client, http.MethodGet, srv.URL+"/ui/v0/openapi.json", nil)
	assert.Equal(t, data, again)

	get(t, client, srv.URL+"/users")
	get(t, client, srv.URL+"/wp-login.php")
	get(t, client, srv.URL+"/.env")
	res, body := get(t, client, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, `farmtrack_guard_decisions_total{outcome="redirect_login",path="/users"} 1`)
	assert.Contains(t, body, `farmtrack_http_requests_total{method="GET",route="unmatched",status="404"} 2`)
	assert.NotContains(t, body, "wp-login")
}
