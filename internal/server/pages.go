package server

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"farmtrack/internal/api"
	"farmtrack/internal/domain"
	"farmtrack/internal/listview"
	"farmtrack/internal/rbac"
	"farmtrack/internal/routes"
	"farmtrack/internal/session"
	"farmtrack/internal/views"
)

//go:embed templates/*.html
var templateFS embed.FS

const maxUpload = 16 << 20

var pageNames = []string{"login", "loading", "denied", "dashboard", "activities", "tasks", "users", "confirm"}

type pages struct {
	sets map[string]*template.Template
}

func loadPages() (*pages, error) {
	funcs := template.FuncMap{
		"humanTime":   humanTime,
		"dateTime":    listview.SeedDateTime,
		"date":        listview.SeedDate,
		"statusLabel": statusLabel,
		"id":          domain.FormatID,
		"optID":       optID,
	}
	p := &pages{sets: map[string]*template.Template{}}
	for _, name := range pageNames {
		t, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFS,
			"templates/layout.html", "templates/form.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		p.sets[name] = t
	}
	return p, nil
}

// pageData is what the layout renders around every page.
type pageData struct {
	Title string
	User  *domain.Identity
	Nav   []routes.Link
	Flash string
	Body  any
}

func (s *server) render(w http.ResponseWriter, r *http.Request, status int, name, title string, body any) {
	data := pageData{Title: title, Body: body}
	if b, ok := bundleFromContext(r.Context()); ok {
		st := b.Session.State()
		data.User = st.User
		data.Nav = routes.NavLinks(st.User)
	}
	s.renderData(w, status, name, data)
}

func (s *server) renderData(w http.ResponseWriter, status int, name string, data pageData) {
	var buf bytes.Buffer
	if err := s.pages.sets[name].ExecuteTemplate(&buf, "layout", data); err != nil {
		s.log.Error("render page", zap.String("page", name), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	io.Copy(w, &buf)
}

func redirect(w http.ResponseWriter, r *http.Request, location string) {
	status := http.StatusFound
	if r.Method != http.MethodGet {
		status = http.StatusSeeOther
	}
	http.Redirect(w, r, location, status)
}

func (s *server) registerPages(r chi.Router) {
	r.Get(routes.Root, func(w http.ResponseWriter, r *http.Request) {
		redirect(w, r, routes.Dashboard)
	})
	r.Get(routes.Login, s.loginPage)
	r.Post(routes.Login, s.loginSubmit)
	r.Post(routes.Logout, s.logout)

	for _, route := range routes.Table {
		guarded := r.With(s.guard(route))
		switch route.View {
		case routes.ViewRoleRedirect:
			guarded.Get(route.Path, s.roleRedirect)
		case routes.ViewDashboard:
			guarded.Get(route.Path, s.dashboardPage)
		case routes.ViewActivities:
			registerListPages(guarded, s, activitiesPage)
		case routes.ViewTasks:
			registerListPages(guarded, s, tasksPage)
			guarded.Post(route.Path+"/{id}/status", s.taskStatus)
		case routes.ViewUsers:
			registerListPages(guarded, s, usersPage)
		}
	}
}

// guard applies the route guard of route to every page under it.
func (s *server) guard(route routes.Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, ok := bundleFromContext(r.Context())
			if !ok {
				http.Error(w, "session unavailable", http.StatusInternalServerError)
				return
			}
			st := b.Session.State()
			d := routes.Guard(route.Roles, st.User, st.Loading)
			s.metrics.guardDecision(route.Path, d)
			switch d.Outcome {
			case routes.OutcomeLoading:
				s.render(w, r, http.StatusOK, "loading", "Loading", nil)
			case routes.OutcomeRedirectLogin:
				redirect(w, r, d.Location)
			case routes.OutcomeDenied:
				s.render(w, r, http.StatusForbidden, "denied", "Access Denied", routes.DeniedMessage)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

type loginView struct {
	Username string
	Error    string
}

func (s *server) loginPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "login", "Login", loginView{})
}

func (s *server) loginSubmit(w http.ResponseWriter, r *http.Request) {
	b, ok := bundleFromContext(r.Context())
	if !ok {
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.render(w, r, http.StatusBadRequest, "login", "Login", loginView{Error: "Login failed"})
		return
	}
	username := strings.TrimSpace(r.PostForm.Get("username"))
	res := b.Login(r.Context(), username, r.PostForm.Get("password"))
	if !res.Success {
		s.render(w, r, http.StatusOK, "login", "Login", loginView{Username: username, Error: res.Error})
		return
	}
	redirect(w, r, routes.ResolvePath(res.User.Role))
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	if b, ok := bundleFromContext(r.Context()); ok {
		if err := b.Logout(r.Context()); err != nil {
			s.log.Warn("logout", zap.Error(err))
		}
	}
	redirect(w, r, routes.Login)
}

func (s *server) roleRedirect(w http.ResponseWriter, r *http.Request) {
	b, _ := bundleFromContext(r.Context())
	st := b.Session.State()
	if loc, ok := routes.Redirect(st.User, st.Loading); ok {
		redirect(w, r, loc)
		return
	}
	s.render(w, r, http.StatusOK, "loading", "Loading", nil)
}

func (s *server) dashboardPage(w http.ResponseWriter, r *http.Request) {
	b, _ := bundleFromContext(r.Context())
	v, err := b.Dashboard().Load(r.Context())
	if errors.Is(err, session.ErrExpired) {
		redirect(w, r, routes.Login)
		return
	}
	s.render(w, r, http.StatusOK, "dashboard", "Dashboard", v)
}

// listPageDef binds a list view to its HTML pages.
type listPageDef[T any] struct {
	listViewDef[T]
	title    string
	template string
	describe func(T) string
}

var (
	activitiesPage = listPageDef[domain.Activity]{
		listViewDef: activitiesView,
		title:       "Activities",
		template:    "activities",
		describe:    func(a domain.Activity) string { return a.Name },
	}
	tasksPage = listPageDef[domain.Task]{
		listViewDef: tasksView,
		title:       "Tasks",
		template:    "tasks",
		describe:    func(t domain.Task) string { return t.Title },
	}
	usersPage = listPageDef[domain.User]{
		listViewDef: usersView,
		title:       "Users",
		template:    "users",
		describe:    func(u domain.User) string { return u.Username },
	}
)

// listPage is the body of a list page.
type listPage[T any] struct {
	Path        string
	View        ListViewResponse[T]
	Form        *formView
	Query       string
	PersonLabel string
	People      []listview.Option
	Statuses    []listview.Option
}

type formView struct {
	Action    string
	Creating  bool
	EditID    string
	Multipart bool
	Error     string
	Fields    []formField
}

type formField struct {
	listview.Field
	Value string
	Error string
}

type confirmView struct {
	Action string
	Back   string
	Noun   string
	Label  string
}

func registerListPages[T any](r chi.Router, s *server, def listPageDef[T]) {
	base := "/" + def.name
	r.Get(base, func(w http.ResponseWriter, r *http.Request) {
		listGet(s, w, r, def)
	})
	r.Post(base, func(w http.ResponseWriter, r *http.Request) {
		listSubmit(s, w, r, def)
	})
	if def.delete {
		r.Get(base+"/{id}/delete", func(w http.ResponseWriter, r *http.Request) {
			listConfirmDelete(s, w, r, def)
		})
		r.Post(base+"/{id}/delete", func(w http.ResponseWriter, r *http.Request) {
			listDelete(s, w, r, def)
		})
	}
}

func pageFilter(q url.Values, keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			out[k] = v
		}
	}
	return out
}

func listGet[T any](s *server, w http.ResponseWriter, r *http.Request, def listPageDef[T]) {
	b, _ := bundleFromContext(r.Context())
	c := def.get(b)
	c.Close()
	q := r.URL.Query()
	status, flash := http.StatusOK, ""
	if err := c.Navigate(r.Context(), pageFilter(q, c.Resource().FilterKeys)); err != nil {
		if errors.Is(err, session.ErrExpired) {
			redirect(w, r, routes.Login)
			return
		}
		status, flash = pageStatus(err)
	}
	switch {
	case q.Get("new") != "":
		if err := c.OpenCreate(); err != nil {
			status, flash = pageStatus(err)
		}
	case q.Get("edit") != "":
		if err := c.OpenEdit(q.Get("edit")); err != nil {
			status, flash = pageStatus(err)
		}
	}
	renderList(s, w, r, def, c, status, flash, nil)
}

func listSubmit[T any](s *server, w http.ResponseWriter, r *http.Request, def listPageDef[T]) {
	b, _ := bundleFromContext(r.Context())
	c := def.get(b)
	ctx := r.Context()
	if err := r.ParseMultipartForm(maxUpload); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		renderList(s, w, r, def, c, http.StatusBadRequest, "Invalid form", nil)
		return
	}
	id := r.PostForm.Get("_id")
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
		values := map[string]string{}
		for _, f := range c.FormFields(id == "") {
			switch f.Kind {
			case listview.KindFile:
				if err := attachUpload(c, r, f.Name); err != nil {
					return err
				}
			case listview.KindHidden:
			default:
				if _, ok := r.PostForm[f.Name]; ok {
					values[f.Name] = r.PostForm.Get(f.Name)
				}
			}
		}
		if err := applyValues(c, values); err != nil {
			return err
		}
		return c.Submit(ctx)
	}()
	if err == nil {
		redirect(w, r, "/"+def.name+queryString(c.Snapshot().Filter))
		return
	}
	if errors.Is(err, session.ErrExpired) {
		redirect(w, r, routes.Login)
		return
	}
	var ve *listview.ValidationError
	errors.As(err, &ve)
	status, flash := pageStatus(err)
	if c.Snapshot().Modal != nil {
		flash = ""
	}
	renderList(s, w, r, def, c, status, flash, ve)
}

func attachUpload[T any](c *listview.Controller[T], r *http.Request, name string) error {
	if r.MultipartForm == nil {
		return nil
	}
	file, header, err := r.FormFile(name)
	if errors.Is(err, http.ErrMissingFile) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return c.Attach(name, api.File{Name: header.Filename, ContentType: header.Header.Get("Content-Type"), Data: data})
}

func listConfirmDelete[T any](s *server, w http.ResponseWriter, r *http.Request, def listPageDef[T]) {
	b, _ := bundleFromContext(r.Context())
	c := def.get(b)
	if !c.CanDelete() {
		me, _ := b.Session.Identity()
		status, flash := pageStatus(rbac.ForbiddenError{Role: me.Role, Action: "delete " + def.noun})
		renderList(s, w, r, def, c, status, flash, nil)
		return
	}
	id := chi.URLParam(r, "id")
	label := "#" + id
	if err := ensureMounted(r.Context(), c); err == nil {
		if item, ok := c.Item(id); ok {
			label = def.describe(item)
		}
	}
	back := "/" + def.name + queryString(c.Snapshot().Filter)
	s.render(w, r, http.StatusOK, "confirm", "Confirm", confirmView{
		Action: "/" + def.name + "/" + url.PathEscape(id) + "/delete",
		Back:   back,
		Noun:   def.noun,
		Label:  label,
	})
}

func listDelete[T any](s *server, w http.ResponseWriter, r *http.Request, def listPageDef[T]) {
	b, _ := bundleFromContext(r.Context())
	c := def.get(b)
	if err := r.ParseForm(); err != nil {
		renderList(s, w, r, def, c, http.StatusBadRequest, "Invalid form", nil)
		return
	}
	confirmed := r.PostForm.Get("confirm") == "yes"
	err := c.Delete(r.Context(), chi.URLParam(r, "id"), func() bool { return confirmed })
	if errors.Is(err, session.ErrExpired) {
		redirect(w, r, routes.Login)
		return
	}
	if err != nil {
		renderFailure(s, w, r, def, c, err)
		return
	}
	redirect(w, r, "/"+def.name+queryString(c.Snapshot().Filter))
}

func (s *server) taskStatus(w http.ResponseWriter, r *http.Request) {
	b, _ := bundleFromContext(r.Context())
	c := b.Tasks()
	if err := r.ParseForm(); err != nil {
		renderList(s, w, r, tasksPage, c, http.StatusBadRequest, "Invalid form", nil)
		return
	}
	err := ensureMounted(r.Context(), c)
	if err == nil {
		err = c.UpdateStatus(r.Context(), chi.URLParam(r, "id"), r.PostForm.Get("status"))
	}
	if errors.Is(err, session.ErrExpired) {
		redirect(w, r, routes.Login)
		return
	}
	if err != nil {
		renderFailure(s, w, r, tasksPage, c, err)
		return
	}
	redirect(w, r, routes.Tasks+queryString(c.Snapshot().Filter))
}

// renderFailure shows the list with the outcome of a failed mutation. The
// message a failed call leaves on the view is rendered here rather than after
// a redirect, since remounting clears it.
func renderFailure[T any](s *server, w http.ResponseWriter, r *http.Request, def listPageDef[T], c *listview.Controller[T], err error) {
	status, flash := pageStatus(err)
	if c.Snapshot().Message != "" {
		status, flash = http.StatusBadGateway, ""
	}
	renderList(s, w, r, def, c, status, flash, nil)
}

// pageStatus maps an operation error to the status and message of the
// re-rendered page. Upstream failures are already in the view state.
func pageStatus(err error) (int, string) {
	var ve *listview.ValidationError
	var fe rbac.ForbiddenError
	switch {
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity, ""
	case errors.As(err, &fe):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, listview.ErrNotFound):
		return http.StatusNotFound, "That record is no longer in the list."
	case errors.Is(err, listview.ErrBusy):
		return http.StatusConflict, "Another change is still being saved."
	case errors.Is(err, views.ErrImmutable):
		return http.StatusConflict, err.Error()
	}
	var ae *api.APIError
	if errors.As(err, &ae) {
		return http.StatusOK, ""
	}
	return http.StatusBadRequest, err.Error()
}

func renderList[T any](s *server, w http.ResponseWriter, r *http.Request, def listPageDef[T], c *listview.Controller[T], status int, flash string, ve *listview.ValidationError) {
	view := listViewResponse(c)
	body := listPage[T]{
		Path:     "/" + def.name,
		View:     view,
		Query:    queryString(view.Filter),
		Statuses: views.StatusOptions(),
	}
	data := pageData{Title: def.title, Flash: flash}
	var me domain.Identity
	if b, ok := bundleFromContext(r.Context()); ok {
		st := b.Session.State()
		data.User = st.User
		data.Nav = routes.NavLinks(st.User)
		if st.User != nil {
			me = *st.User
		}
	}
	if rbac.CanReassign(me.Role) {
		body.PersonLabel = personFilterLabel(c.Resource().PersonFilter)
	}
	body.People = people(view.Roster)
	if m := c.Snapshot().Modal; m != nil {
		body.Form = buildForm(c, me, "/"+def.name, *m, view.Roster, ve)
	}
	data.Body = body
	s.renderData(w, status, def.template, data)
}

func buildForm[T any](c *listview.Controller[T], me domain.Identity, action string, m listview.Modal, roster []domain.User, ve *listview.ValidationError) *formView {
	fv := &formView{Action: action, Creating: m.Creating, EditID: m.EditID, Error: m.Error}
	for _, f := range c.FormFields(m.Creating) {
		if f.Kind == listview.KindHidden {
			continue
		}
		ff := formField{Field: f, Value: m.Draft.Get(f.Name)}
		if f.Kind == listview.KindFile {
			fv.Multipart = true
		}
		if f.Kind == listview.KindPerson {
			ff.Options = personOptions(me, roster, ff.Value)
		}
		if ve != nil {
			ff.Error = ve.For(f.Name)
		}
		fv.Fields = append(fv.Fields, ff)
	}
	if ve != nil {
		fv.Error = ""
	}
	return fv
}

// personOptions lists the roster, keeping the current value selectable when
// it is not part of it (e.g. the viewer themselves).
func personOptions(me domain.Identity, roster []domain.User, current string) []listview.Option {
	opts := people(roster)
	if current == "" {
		return opts
	}
	for _, o := range opts {
		if o.Value == current {
			return opts
		}
	}
	label := "#" + current
	if current == me.IDString() {
		label = me.Username + " (me)"
	}
	return append([]listview.Option{{Value: current, Label: label}}, opts...)
}

func people(roster []domain.User) []listview.Option {
	out := make([]listview.Option, 0, len(roster))
	for _, u := range roster {
		out = append(out, listview.Option{Value: domain.FormatID(u.ID), Label: u.Username})
	}
	return out
}

func personFilterLabel(key string) string {
	switch key {
	case views.FilterPerformedBy:
		return "Performed By"
	case views.FilterAssignedTo:
		return "Assigned To"
	}
	return ""
}

func queryString(filter map[string]string) string {
	q := listview.Query(filter)
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func statusLabel(s string) string {
	for _, o := range views.StatusOptions() {
		if o.Value == s {
			return o.Label
		}
	}
	return s
}

func optID(p *int64) string {
	if p == nil {
		return ""
	}
	return domain.FormatID(*p)
}

// humanTime renders a server timestamp relative to now; unparseable values
// are shown as sent.
func humanTime(s string) string {
	if t, ok := listview.ParseTimestamp(s); ok {
		return humanize.Time(t)
	}
	return s
}
