// Package fakeapi is an in-memory stand-in for the farm operations REST API,
// used by tests to observe exactly which requests the clients issue.
package fakeapi

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"farmtrack/internal/domain"
)

// Secret signs the tokens the fake issues.
const Secret = "fakeapi-secret"

// Request is one recorded call.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	ContentType string
	Fields      map[string]string
	Files       []string
	Token       string
}

type account struct {
	domain.User
	Password string
}

type failure struct {
	status  int
	message string
}

// Server is a running fake API.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	users      map[int64]*account
	activities []domain.Activity
	tasks      []domain.Task
	tokens     map[string]int64
	requests   []Request
	failures   map[string]failure
	nextID     int64
	TokenTTL   time.Duration
	Dashboards map[domain.Role]json.RawMessage
}

// New starts a fake API seeded with owner1, manager1 and farmer1.
func New() *Server {
	s := &Server{
		users:    map[int64]*account{},
		tokens:   map[string]int64{},
		failures: map[string]failure{},
		nextID:   100,
		TokenTTL: time.Hour,
	}
	ownerID, managerID := int64(1), int64(2)
	s.users[1] = &account{User: domain.User{ID: 1, Username: "owner1", Email: "owner1@farm.test", Role: domain.RoleOwner, CreatedAt: "2024-01-01T00:00:00Z"}, Password: "owner123"}
	s.users[2] = &account{User: domain.User{ID: 2, Username: "manager1", Email: "manager1@farm.test", Role: domain.RoleManager, OwnerID: &ownerID, CreatedAt: "2024-01-02T00:00:00Z"}, Password: "manager123"}
	s.users[3] = &account{User: domain.User{ID: 3, Username: "farmer1", Email: "farmer1@farm.test", Role: domain.RoleFarmer, ManagerID: &managerID, CreatedAt: "2024-01-03T00:00:00Z"}, Password: "farmer123"}

	r := chi.NewRouter()
	r.Use(s.record)
	r.Post("/api/auth/login", s.login)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/api/auth/register", s.register)
		r.Get("/api/dashboard", s.dashboard)
		r.Get("/api/activities", s.listActivities)
		r.Post("/api/activities", s.saveActivity)
		r.Put("/api/activities/{id}", s.saveActivity)
		r.Delete("/api/activities/{id}", s.deleteActivity)
		r.Get("/api/tasks", s.listTasks)
		r.Post("/api/tasks", s.saveTask)
		r.Put("/api/tasks/{id}", s.saveTask)
		r.Delete("/api/tasks/{id}", s.deleteTask)
		r.Get("/api/users", s.listUsers)
		r.Get("/api/users/role/manager", s.listManagers)
	})
	s.Server = httptest.NewServer(r)
	return s
}

// Requests returns a copy of the recorded calls.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestsTo returns recorded calls matching method and path.
func (s *Server) RequestsTo(method, path string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (s *Server) Reset() {
	s.mu.Lock()
	s.requests = nil
	s.mu.Unlock()
}

// FailNext makes the next call to method+path answer with status and an
// {"error": message} body; an empty message sends an empty body.
func (s *Server) FailNext(method, path string, status int, message string) {
	s.mu.Lock()
	s.failures[method+" "+path] = failure{status: status, message: message}
	s.mu.Unlock()
}

// Revoke invalidates a token so further calls with it get 401.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// AddActivity seeds an activity and returns it with its id.
func (s *Server) AddActivity(a domain.Activity) domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.id()
	}
	if u, ok := s.users[a.PerformedByID]; ok {
		a.PerformedByName = u.Username
	}
	s.activities = append(s.activities, a)
	return a
}

// AddTask seeds a task and returns it with its id.
func (s *Server) AddTask(t domain.Task) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.id()
	}
	s.resolveTask(&t)
	s.tasks = append(s.tasks, t)
	return t
}

func (s *Server) Activities() []domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Activity(nil), s.activities...)
}

func (s *Server) Tasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Task(nil), s.tasks...)
}

// Token mints a valid token for a seeded user id.
func (s *Server) Token(userID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issue(userID)
}

func (s *Server) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Server) issue(userID int64) string {
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.TokenTTL)),
		ID:        strconv.FormatInt(s.id(), 10),
	}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(Secret))
	s.tokens[tok] = userID
	return tok
}

type ctxUser struct{}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := Request{
			Method:      r.Method,
			Path:        r.URL.Path,
			Query:       r.URL.Query(),
			ContentType: r.Header.Get("Content-Type"),
			Fields:      map[string]string{},
			Token:       strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		}
		mt, _, _ := mime.ParseMediaType(rec.ContentType)
		switch mt {
		case "multipart/form-data":
			if err := r.ParseMultipartForm(8 << 20); err == nil {
				for k, v := range r.MultipartForm.Value {
					rec.Fields[k] = v[0]
				}
				for k := range r.MultipartForm.File {
					rec.Files = append(rec.Files, k)
				}
				sort.Strings(rec.Files)
			}
		case "application/json":
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &rec.Fields)
		}
		s.mu.Lock()
		s.requests = append(s.requests, rec)
		f, failing := s.failures[r.Method+" "+r.URL.Path]
		delete(s.failures, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		if failing {
			if f.message == "" {
				w.WriteHeader(f.status)
				return
			}
			writeJSON(w, f.status, map[string]string{"error": f.message})
			return
		}
		r = r.WithContext(contextWith(r, rec))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded(r)
		s.mu.Lock()
		uid, ok := s.tokens[rec.Token]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r, uid)))
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	rec := recorded(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if (u.Username == rec.Fields["username"] || u.Email == rec.Fields["username"]) && u.Password == rec.Fields["password"] {
			tok := s.issue(u.ID)
			writeJSON(w, http.StatusOK, map[string]any{
				"token": tok,
				"user":  domain.Identity{ID: u.ID, Username: u.Username, Role: u.Role},
			})
			return
		}
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	rec := recorded(r)
	role, err := domain.ParseRole(rec.Fields["role"])
	if err != nil || rec.Fields["username"] == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username and role are required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == rec.Fields["username"] {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Username already exists"})
			return
		}
	}
	u := &account{User: domain.User{
		ID:        s.id(),
		Username:  rec.Fields["username"],
		Email:     rec.Fields["email"],
		Role:      role,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, Password: rec.Fields["password"]}
	if id, err := domain.ParseID(rec.Fields["owner_id"]); err == nil {
		u.OwnerID = &id
	}
	if id, err := domain.ParseID(rec.Fields["manager_id"]); err == nil {
		u.ManagerID = &id
	}
	s.users[u.ID] = u
	writeJSON(w, http.StatusCreated, u.User)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID(r)]
	if raw, ok := s.Dashboards[u.Role]; ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
		return
	}
	var d domain.Dashboard
	switch u.Role {
	case domain.RoleOwner:
		d.ManagersCount = count(s.countRole(domain.RoleManager))
		d.FarmersCount = count(s.countRole(domain.RoleFarmer))
		d.Activities = activityCounts(s.activities)
		d.Tasks = taskCounts(s.tasks)
		d.RecentActivities = s.activities
	case domain.RoleManager:
		d.FarmersCount = count(s.countRole(domain.RoleFarmer))
		d.Tasks = taskCounts(s.tasks)
		d.TasksList = s.tasks
		d.FarmerActivities = s.activities
	default:
		mine := s.tasksFor(u.ID)
		d.TaskStats = taskCounts(mine)
		d.AssignedTasks = mine
		for _, a := range s.activities {
			if a.PerformedByID == u.ID {
				d.ActivityHistory = append(d.ActivityHistory, a)
			}
		}
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) listActivities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID(r)]
	out := []domain.Activity{}
	for _, a := range s.activities {
		if u.Role == domain.RoleFarmer && a.PerformedByID != u.ID {
			continue
		}
		if v := q.Get("status"); v != "" && a.Status != v {
			continue
		}
		if v := q.Get("performed_by"); v != "" && domain.FormatID(a.PerformedByID) != v {
			continue
		}
		if v := q.Get("start_date"); v != "" && a.DateTime[:min(10, len(a.DateTime))] < v {
			continue
		}
		if v := q.Get("end_date"); v != "" && a.DateTime[:min(10, len(a.DateTime))] > v {
			continue
		}
		out = append(out, a)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) saveActivity(w http.ResponseWriter, r *http.Request) {
	rec := recorded(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var a *domain.Activity
	if raw := chi.URLParam(r, "id"); raw != "" {
		for i := range s.activities {
			if domain.FormatID(s.activities[i].ID) == raw {
				a = &s.activities[i]
			}
		}
		if a == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Activity not found"})
			return
		}
	} else {
		if rec.Fields["name"] == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Name is required"})
			return
		}
		s.activities = append(s.activities, domain.Activity{ID: s.id(), Status: domain.StatusPending, PerformedByID: userID(r)})
		a = &s.activities[len(s.activities)-1]
	}
	setString(&a.Name, rec.Fields, "name")
	setString(&a.Description, rec.Fields, "description")
	setString(&a.DateTime, rec.Fields, "date_time")
	setString(&a.Status, rec.Fields, "status")
	if id, err := domain.ParseID(rec.Fields["performed_by_id"]); err == nil {
		a.PerformedByID = id
	}
	if len(rec.Files) > 0 {
		a.PhotoURL = "/uploads/" + domain.FormatID(a.ID) + ".jpg"
	}
	if u, ok := s.users[a.PerformedByID]; ok {
		a.PerformedByName = u.Username
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) deleteActivity(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.activities {
		if domain.FormatID(a.ID) == raw {
			s.activities = append(s.activities[:i], s.activities[i+1:]...)
			writeJSON(w, http.StatusOK, map[string]string{"message": "Activity deleted"})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Activity not found"})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID(r)]
	out := []domain.Task{}
	for _, t := range s.tasks {
		if u.Role == domain.RoleFarmer && t.AssignedToID != u.ID {
			continue
		}
		if v := q.Get("status"); v != "" && t.Status != v {
			continue
		}
		if v := q.Get("assigned_to"); v != "" && domain.FormatID(t.AssignedToID) != v {
			continue
		}
		out = append(out, t)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) saveTask(w http.ResponseWriter, r *http.Request) {
	rec := recorded(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var t *domain.Task
	if raw := chi.URLParam(r, "id"); raw != "" {
		for i := range s.tasks {
			if domain.FormatID(s.tasks[i].ID) == raw {
				t = &s.tasks[i]
			}
		}
		if t == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Task not found"})
			return
		}
	} else {
		if rec.Fields["title"] == "" || rec.Fields["assigned_to_id"] == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Title and assigned_to_id are required"})
			return
		}
		s.tasks = append(s.tasks, domain.Task{ID: s.id(), Status: domain.StatusPending, AssignedByID: userID(r)})
		t = &s.tasks[len(s.tasks)-1]
	}
	setString(&t.Title, rec.Fields, "title")
	setString(&t.Description, rec.Fields, "description")
	setString(&t.DueDate, rec.Fields, "due_date")
	setString(&t.Status, rec.Fields, "status")
	if id, err := domain.ParseID(rec.Fields["assigned_to_id"]); err == nil {
		t.AssignedToID = id
	}
	s.resolveTask(t)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tasks {
		if domain.FormatID(t.ID) == raw {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			writeJSON(w, http.StatusOK, map[string]string{"message": "Task deleted"})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Task not found"})
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	me := s.users[userID(r)]
	out := []domain.User{}
	for _, id := range s.sortedIDs() {
		u := s.users[id]
		switch me.Role {
		case domain.RoleOwner:
		case domain.RoleManager:
			if u.ManagerID == nil || *u.ManagerID != me.ID {
				continue
			}
		default:
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Access denied"})
			return
		}
		out = append(out, u.User)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listManagers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.User{}
	for _, id := range s.sortedIDs() {
		if u := s.users[id]; u.Role == domain.RoleManager {
			out = append(out, u.User)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Server) countRole(role domain.Role) int {
	n := 0
	for _, u := range s.users {
		if u.Role == role {
			n++
		}
	}
	return n
}

func (s *Server) tasksFor(uid int64) []domain.Task {
	var out []domain.Task
	for _, t := range s.tasks {
		if t.AssignedToID == uid {
			out = append(out, t)
		}
	}
	return out
}

func (s *Server) resolveTask(t *domain.Task) {
	if u, ok := s.users[t.AssignedToID]; ok {
		t.AssignedToName = u.Username
	}
	if u, ok := s.users[t.AssignedByID]; ok {
		t.AssignedByName = u.Username
	}
}

func activityCounts(items []domain.Activity) *domain.StatusCounts {
	statuses := make([]string, len(items))
	for i, a := range items {
		statuses[i] = a.Status
	}
	return counts(statuses)
}

func taskCounts(items []domain.Task) *domain.StatusCounts {
	statuses := make([]string, len(items))
	for i, t := range items {
		statuses[i] = t.Status
	}
	return counts(statuses)
}

func counts(statuses []string) *domain.StatusCounts {
	var p, ip, c int
	for _, st := range statuses {
		switch st {
		case domain.StatusPending:
			p++
		case domain.StatusInProgress:
			ip++
		case domain.StatusCompleted:
			c++
		}
	}
	return &domain.StatusCounts{
		Total:      count(len(statuses)),
		Pending:    count(p),
		InProgress: count(ip),
		Completed:  count(c),
	}
}

func count(n int) json.Number { return json.Number(strconv.Itoa(n)) }

func setString(dst *string, fields map[string]string, key string) {
	if v, ok := fields[key]; ok {
		*dst = v
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type ctxRequest struct{}

func contextWith(r *http.Request, rec Request) context.Context {
	return context.WithValue(r.Context(), ctxRequest{}, rec)
}

func recorded(r *http.Request) Request {
	rec, _ := r.Context().Value(ctxRequest{}).(Request)
	if rec.Fields == nil {
		rec.Fields = map[string]string{}
	}
	return rec
}

func withUser(r *http.Request, uid int64) context.Context {
	return context.WithValue(r.Context(), ctxUser{}, uid)
}

func userID(r *http.Request) int64 {
	uid, _ := r.Context().Value(ctxUser{}).(int64)
	return uid
}
