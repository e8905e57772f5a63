// Package listview implements the fetch/filter/mutate workflow shared by the
// Activities, Tasks and Users views.
//
// Every mutation is followed by a full refetch of the collection; the server
// is the only source of derived fields such as resolved display names, so the
// controller never patches its list in place.
package listview

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"farmtrack/internal/api"
	"farmtrack/internal/domain"
	"farmtrack/internal/rbac"
)

// Phase is the state of the collection.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseLoaded
	PhaseLoadError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseLoaded:
		return "loaded"
	case PhaseLoadError:
		return "load_error"
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Source is the collection endpoint of one resource.
type Source[T any] interface {
	List(ctx context.Context, q url.Values) ([]T, error)
	Create(ctx context.Context, p api.Payload) error
	Update(ctx context.Context, id string, p api.Payload) error
	Delete(ctx context.Context, id string) error
}

// Session is the identity the controller acts for. Check converts a 401 into
// an expired session.
type Session interface {
	Identity() (domain.Identity, bool)
	Check(ctx context.Context, err error) error
}

// Recorder observes upstream failures, e.g. for metrics.
type Recorder interface {
	UpstreamFailure(view, op string)
}

// Resource binds a collection to its fields and role rules.
type Resource[T any] struct {
	// Name is the collection name, e.g. "activities".
	Name string
	// Noun is used in user-facing messages, e.g. "activity".
	Noun   string
	Source Source[T]
	Fields []Field
	// FilterKeys are the query parameters the view may set.
	FilterKeys []string
	// PersonFilter is the filter key naming another user; Farmers may not
	// set it.
	PersonFilter string

	ID    func(T) string
	Blank func(me domain.Identity) Draft
	Seed  func(item T) Draft

	// Roster fetches assignable users; nil means the view has no selector.
	Roster func(ctx context.Context, me domain.Identity) ([]domain.User, error)

	CanCreate      func(me domain.Identity) bool
	CanEdit        func(me domain.Identity, item T) bool
	CanDelete      func(me domain.Identity) bool
	CanQuickStatus func(me domain.Identity, item T) bool

	// OnFieldChange lets a view derive dependent fields, e.g. clearing the
	// manager when the role changes.
	OnFieldChange func(me domain.Identity, d *Draft, field string)
	// FieldOptions narrows the choices of a select field for an identity.
	FieldOptions func(me domain.Identity, f Field) []Option
	// Check enforces rules the per-field tags cannot express.
	Check func(me domain.Identity, d Draft, creating bool) error
}

// Modal is the open create/edit workflow.
type Modal struct {
	Creating bool   `json:"creating"`
	EditID   string `json:"edit_id,omitempty"`
	Draft    Draft  `json:"draft"`
	Error    string `json:"error,omitempty"`
}

// Snapshot is a copy of the view state safe to render.
type Snapshot[T any] struct {
	Phase   Phase             `json:"phase"`
	Items   []T               `json:"items"`
	Filter  map[string]string `json:"filter"`
	Roster  []domain.User     `json:"roster,omitempty"`
	Modal   *Modal            `json:"modal,omitempty"`
	Message string            `json:"message,omitempty"`
	Busy    bool              `json:"busy"`
}

type Options struct {
	Logger   *zap.Logger
	Recorder Recorder
}

// Controller is one live instance of a list view. It is safe for concurrent
// use; the lock is never held across API calls.
type Controller[T any] struct {
	res      Resource[T]
	sess     Session
	log      *zap.Logger
	rec      Recorder
	validate *validator.Validate

	mu      sync.Mutex
	phase   Phase
	items   []T
	filter  map[string]string
	roster  []domain.User
	modal   *Modal
	message string
	seq     uint64
	busy    bool
}

func New[T any](res Resource[T], sess Session, opts Options) *Controller[T] {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	filter := make(map[string]string, len(res.FilterKeys))
	for _, k := range res.FilterKeys {
		filter[k] = ""
	}
	return &Controller[T]{
		res:      res,
		sess:     sess,
		log:      log.With(zap.String("view", res.Name)),
		rec:      opts.Recorder,
		validate: validator.New(),
		filter:   filter,
	}
}

func (c *Controller[T]) Resource() Resource[T] { return c.res }

// Snapshot returns a copy of the current state.
func (c *Controller[T]) Snapshot() Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot[T]{
		Phase:   c.phase,
		Items:   append([]T(nil), c.items...),
		Filter:  make(map[string]string, len(c.filter)),
		Roster:  append([]domain.User(nil), c.roster...),
		Message: c.message,
		Busy:    c.busy,
	}
	for k, v := range c.filter {
		s.Filter[k] = v
	}
	if c.modal != nil {
		m := *c.modal
		m.Draft = c.modal.Draft.clone()
		s.Modal = &m
	}
	return s
}

// Query builds the request query from the non-empty filter fields only.
func Query(filter map[string]string) url.Values {
	q := url.Values{}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := filter[k]; v != "" {
			q.Set(k, v)
		}
	}
	return q
}

// Mount loads the roster, when the role may use it, and the collection. A
// roster failure only aborts the mount when it ended the session.
func (c *Controller[T]) Mount(ctx context.Context) error {
	if err := c.LoadRoster(ctx); err != nil {
		if _, ok := c.sess.Identity(); !ok {
			return err
		}
	}
	return c.Fetch(ctx)
}

// Navigate mounts the view with filter as its filter state. Keys the view
// does not declare are rejected; missing keys are cleared, as is the message
// of an earlier failed mutation.
func (c *Controller[T]) Navigate(ctx context.Context, filter map[string]string) error {
	me, ok := c.sess.Identity()
	if !ok {
		return ErrNoIdentity
	}
	for k := range filter {
		if !c.hasFilter(k) {
			return fmt.Errorf("unknown filter %q for %s", k, c.res.Name)
		}
	}
	if k := c.res.PersonFilter; k != "" && filter[k] != "" && !rbac.CanReassign(me.Role) {
		return rbac.ForbiddenError{Role: me.Role, Action: "filter " + c.res.Name + " by " + k}
	}
	c.mu.Lock()
	for _, k := range c.res.FilterKeys {
		c.filter[k] = filter[k]
	}
	c.message = ""
	c.mu.Unlock()
	return c.Mount(ctx)
}

func (c *Controller[T]) hasFilter(key string) bool {
	for _, k := range c.res.FilterKeys {
		if k == key {
			return true
		}
	}
	return false
}

// SetFilter changes one filter field and refetches when the value changed.
func (c *Controller[T]) SetFilter(ctx context.Context, key, value string) error {
	me, ok := c.sess.Identity()
	if !ok {
		return ErrNoIdentity
	}
	c.mu.Lock()
	old, known := c.filter[key]
	if !known {
		c.mu.Unlock()
		return fmt.Errorf("unknown filter %q for %s", key, c.res.Name)
	}
	if key == c.res.PersonFilter && value != "" && !rbac.CanReassign(me.Role) {
		c.mu.Unlock()
		return rbac.ForbiddenError{Role: me.Role, Action: "filter " + c.res.Name + " by " + key}
	}
	if old == value {
		c.mu.Unlock()
		return nil
	}
	c.filter[key] = value
	c.message = ""
	c.mu.Unlock()
	return c.Fetch(ctx)
}

// SetFilters replaces several filter fields at once with a single refetch.
func (c *Controller[T]) SetFilters(ctx context.Context, values map[string]string) error {
	me, ok := c.sess.Identity()
	if !ok {
		return ErrNoIdentity
	}
	if k := c.res.PersonFilter; k != "" && values[k] != "" && !rbac.CanReassign(me.Role) {
		return rbac.ForbiddenError{Role: me.Role, Action: "filter " + c.res.Name + " by " + k}
	}
	c.mu.Lock()
	changed := false
	for _, k := range c.res.FilterKeys {
		if v := values[k]; c.filter[k] != v {
			c.filter[k] = v
			changed = true
		}
	}
	if changed {
		c.message = ""
	}
	phase := c.phase
	c.mu.Unlock()
	if !changed && phase != PhaseIdle {
		return nil
	}
	return c.Fetch(ctx)
}

// Fetch requests the collection. A response that arrives after a newer Fetch
// was issued is discarded. Failures leave an empty list in PhaseLoadError and
// are not retried.
func (c *Controller[T]) Fetch(ctx context.Context) error {
	c.mu.Lock()
	c.seq++
	token := c.seq
	c.phase = PhaseLoading
	q := Query(c.filter)
	c.mu.Unlock()

	items, err := c.res.Source.List(ctx, q)

	c.mu.Lock()
	if token != c.seq {
		latest := c.seq
		c.mu.Unlock()
		c.log.Debug("discarding stale response", zap.Uint64("token", token), zap.Uint64("latest", latest))
		return nil
	}
	if err != nil {
		c.phase = PhaseLoadError
		c.items = nil
		c.mu.Unlock()
		c.log.Error("fetch failed", zap.String("query", q.Encode()), zap.Error(err))
		c.observe("fetch")
		return c.sess.Check(ctx, err)
	}
	c.phase = PhaseLoaded
	c.items = items
	c.mu.Unlock()
	return nil
}

// LoadRoster fetches assignable users for the person selectors. Farmers never
// trigger it.
func (c *Controller[T]) LoadRoster(ctx context.Context) error {
	if c.res.Roster == nil {
		return nil
	}
	me, ok := c.sess.Identity()
	if !ok {
		return ErrNoIdentity
	}
	if !rbac.CanReassign(me.Role) {
		return nil
	}
	users, err := c.res.Roster(ctx, me)
	if err != nil {
		c.log.Warn("roster fetch failed", zap.Error(err))
		c.observe("roster")
		return c.sess.Check(ctx, err)
	}
	c.mu.Lock()
	c.roster = users
	c.mu.Unlock()
	return nil
}

// OpenCreate opens an empty draft.
func (c *Controller[T]) OpenCreate() error {
	me, ok := c.sess.Identity()
	if !ok {
		return ErrNoIdentity
	}
	if c.res.CanCreate != nil && !c.res.CanCreate(me) {
		return rbac.ForbiddenError{Role: me.Role, Action: "create " + c.res.Noun}
	}
	d := NewDraft(nil)
	if c.res.Blank != nil {
		d = c.res.Blank(me)
	}
	c.mu.Lock()
	c.modal = &Modal{Creating: true, Draft: d}
	c.mu.Unlock()
	return nil
}

// OpenEdit opens a draft seeded from a record of the current list.
func (c *Controller[T]) OpenEdit(id string) error {
	me, ok := c.sess.Identity()
	if !ok {
		return ErrNoIdentity
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	item, found := c.find(id)
	if !found {
		return ErrNotFound
	}
	if c.res.CanEdit == nil || !c.res.CanEdit(me, item) {
		return rbac.ForbiddenError{Role: me.Role, Action: "edit " + c.res.Noun}
	}
	c.modal = &Modal{EditID: id, Draft: c.res.Seed(item)}
	return nil
}

// Close discards the open draft.
func (c *Controller[T]) Close() {
	c.mu.Lock()
	c.modal = nil
	c.mu.Unlock()
}

// SetField updates a draft value.
func (c *Controller[T]) SetField(name, value string) error {
	me, ok := c.sess.Identity()
	if !ok {
		return ErrNoIdentity
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modal == nil {
		return ErrNoDraft
	}
	f, ok := c.field(name, c.modal.Creating)
	if !ok || f.Kind == KindFile || f.Kind == KindHidden {
		return fmt.Errorf("unknown field %q for %s", name, c.res.Name)
	}
	if f.Staff && !rbac.CanReassign(me.Role) {
		return rbac.ForbiddenError{Role: me.Role, Action: "set " + name}
	}
	c.modal.Draft.Set(name, value)
	if c.res.OnFieldChange != nil {
		c.res.OnFieldChange(me, &c.modal.Draft, name)
	}
	return nil
}

// Attach sets the attachment of a file field.
func (c *Controller[T]) Attach(name string, file api.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modal == nil {
		return ErrNoDraft
	}
	f, ok := c.field(name, c.modal.Creating)
	if !ok || f.Kind != KindFile {
		return fmt.Errorf("%q is not an attachment field of %s", name, c.res.Name)
	}
	if c.modal.Draft.Files == nil {
		c.modal.Draft.Files = map[string]api.File{}
	}
	c.modal.Draft.Files[name] = file
	return nil
}

// Submit validates the draft and sends it. On success the modal closes and
// the collection is refetched; on failure the draft stays open with the
// server message so the user can retry.
func (c *Controller[T]) Submit(ctx context.Context) error {
	me, ok := c.sess.Identity()
	if !ok {
		return ErrNoIdentity
	}
	c.mu.Lock()
	if c.modal == nil {
		c.mu.Unlock()
		return ErrNoDraft
	}
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	m := *c.modal
	m.Draft = c.modal.Draft.clone()
	if err := c.check(me, m); err != nil {
		c.modal.Error = err.Error()
		c.mu.Unlock()
		return err
	}
	c.busy = true
	c.mu.Unlock()

	payload := m.Draft.Payload(c.res.Fields, m.Creating)
	var err error
	if m.Creating {
		err = c.res.Source.Create(ctx, payload)
	} else {
		err = c.res.Source.Update(ctx, m.EditID, payload)
	}

	c.mu.Lock()
	c.busy = false
	if err != nil {
		if c.modal != nil {
			c.modal.Error = fmt.Sprintf("Error saving %s: %s", c.res.Noun, api.Message(err, "Unknown error"))
		}
		c.mu.Unlock()
		c.log.Error("save failed", zap.Bool("create", m.Creating), zap.String("id", m.EditID), zap.Error(err))
		c.observe("save")
		return c.sess.Check(ctx, err)
	}
	c.modal = nil
	c.message = ""
	c.mu.Unlock()
	return c.Fetch(ctx)
}

// UpdateStatus changes only the status of a record through the inline
// control, bypassing the modal.
func (c *Controller[T]) UpdateStatus(ctx context.Context, id, status string) error {
	me, ok := c.sess.Identity()
	if !ok {
		return ErrNoIdentity
	}
	if err := c.validate.Var(status, "required,oneof=pending in-progress completed"); err != nil {
		return &ValidationError{Fields: []FieldError{{Field: "status", Rule: "oneof", Message: "Status must be pending, in-progress or completed"}}}
	}
	c.mu.Lock()
	item, found := c.find(id)
	if !found {
		c.mu.Unlock()
		return ErrNotFound
	}
	if c.res.CanQuickStatus == nil || !c.res.CanQuickStatus(me, item) {
		c.mu.Unlock()
		return rbac.ForbiddenError{Role: me.Role, Action: "update status of " + c.res.Noun}
	}
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.busy = true
	c.mu.Unlock()

	err := c.res.Source.Update(ctx, id, api.Payload{Fields: map[string]string{"status": status}})

	c.mu.Lock()
	c.busy = false
	if err != nil {
		c.message = "Error updating status: " + api.Message(err, "Unknown error")
		c.mu.Unlock()
		c.log.Error("status update failed", zap.String("id", id), zap.Error(err))
		c.observe("status")
		return c.sess.Check(ctx, err)
	}
	c.message = ""
	c.mu.Unlock()
	return c.Fetch(ctx)
}

// Delete removes a record after confirm returns true. Declining, or a nil
// confirm, issues no request. A failed delete leaves the list unchanged.
func (c *Controller[T]) Delete(ctx context.Context, id string, confirm func() bool) error {
	me, ok := c.sess.Identity()
	if !ok {
		return ErrNoIdentity
	}
	if c.res.CanDelete == nil || !c.res.CanDelete(me) {
		return rbac.ForbiddenError{Role: me.Role, Action: "delete " + c.res.Noun}
	}
	if confirm == nil || !confirm() {
		return nil
	}
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.busy = true
	c.mu.Unlock()

	err := c.res.Source.Delete(ctx, id)

	c.mu.Lock()
	c.busy = false
	if err != nil {
		c.message = "Error deleting " + c.res.Noun
		c.mu.Unlock()
		c.log.Error("delete failed", zap.String("id", id), zap.Error(err))
		c.observe("delete")
		return c.sess.Check(ctx, err)
	}
	c.message = ""
	c.mu.Unlock()
	return c.Fetch(ctx)
}

// Item returns a record of the current list.
func (c *Controller[T]) Item(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.find(id)
}

// CanCreate reports whether the current identity may open a create draft.
func (c *Controller[T]) CanCreate() bool {
	me, ok := c.sess.Identity()
	return ok && (c.res.CanCreate == nil || c.res.CanCreate(me))
}

func (c *Controller[T]) CanEdit(item T) bool {
	me, ok := c.sess.Identity()
	return ok && c.res.CanEdit != nil && c.res.CanEdit(me, item)
}

func (c *Controller[T]) CanDelete() bool {
	me, ok := c.sess.Identity()
	return ok && c.res.CanDelete != nil && c.res.CanDelete(me)
}

// CanQuickStatus reports whether the inline status control is offered for
// item.
func (c *Controller[T]) CanQuickStatus(item T) bool {
	me, ok := c.sess.Identity()
	return ok && c.res.CanQuickStatus != nil && c.res.CanQuickStatus(me, item)
}

// FormFields returns the fields shown to the current identity.
func (c *Controller[T]) FormFields(creating bool) []Field {
	me, ok := c.sess.Identity()
	if !ok {
		return nil
	}
	var out []Field
	for _, f := range c.visibleFields(me) {
		if f.CreateOnly && !creating {
			continue
		}
		if c.res.FieldOptions != nil && f.Kind == KindSelect {
			f.Options = c.res.FieldOptions(me, f)
		}
		out = append(out, f)
	}
	return out
}

func (c *Controller[T]) visibleFields(me domain.Identity) []Field {
	out := make([]Field, 0, len(c.res.Fields))
	for _, f := range c.res.Fields {
		if f.Staff && !rbac.CanReassign(me.Role) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (c *Controller[T]) check(me domain.Identity, m Modal) error {
	var ve ValidationError
	for _, f := range c.visibleFields(me) {
		if f.CreateOnly && !m.Creating {
			continue
		}
		if f.Rules == "" || f.Kind == KindFile {
			continue
		}
		v := m.Draft.Values[f.Name]
		if err := c.validate.Var(v, f.Rules); err != nil {
			ve.Fields = append(ve.Fields, fieldError(f, err))
		}
	}
	if len(ve.Fields) > 0 {
		return &ve
	}
	if c.res.Check != nil {
		return c.res.Check(me, m.Draft, m.Creating)
	}
	return nil
}

func fieldError(f Field, err error) FieldError {
	rule := "invalid"
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		rule = verrs[0].Tag()
	}
	label := f.Label
	if label == "" {
		label = f.Name
	}
	msg := label + " is invalid"
	switch rule {
	case "required":
		msg = label + " is required"
	case "email":
		msg = label + " must be a valid email address"
	case "datetime":
		msg = label + " must be a date and time"
	case "oneof":
		msg = label + " has an unsupported value"
	case "min":
		msg = label + " is too short"
	case "numeric":
		msg = label + " must be selected"
	}
	return FieldError{Field: f.Name, Rule: rule, Message: msg}
}

func (c *Controller[T]) field(name string, creating bool) (Field, bool) {
	for _, f := range c.res.Fields {
		if f.Name == name {
			if f.CreateOnly && !creating {
				return Field{}, false
			}
			return f, true
		}
	}
	return Field{}, false
}

func (c *Controller[T]) find(id string) (T, bool) {
	for _, it := range c.items {
		if c.res.ID(it) == id {
			return it, true
		}
	}
	var zero T
	return zero, false
}

func (c *Controller[T]) observe(op string) {
	if c.rec != nil {
		c.rec.UpstreamFailure(c.res.Name, op)
	}
}
