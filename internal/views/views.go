// Package views defines the Activities, Tasks and Users list views on top of
// the shared list-view controller.
package views

import (
	"context"
	"errors"
	"net/url"

	"farmtrack/internal/api"
	"farmtrack/internal/domain"
	"farmtrack/internal/listview"
)

// ErrImmutable is returned for edits or deletes of user accounts.
var ErrImmutable = errors.New("user accounts cannot be changed here")

var statusOptions = []listview.Option{
	{Value: domain.StatusPending, Label: "Pending"},
	{Value: domain.StatusInProgress, Label: "In Progress"},
	{Value: domain.StatusCompleted, Label: "Completed"},
}

// StatusOptions returns the status choices in display order.
func StatusOptions() []listview.Option {
	return append([]listview.Option(nil), statusOptions...)
}

const statusRules = "required,oneof=pending in-progress completed"

type activitySource struct{ c *api.Client }

func (s activitySource) List(ctx context.Context, q url.Values) ([]domain.Activity, error) {
	return s.c.ListActivities(ctx, q)
}

func (s activitySource) Create(ctx context.Context, p api.Payload) error {
	_, err := s.c.CreateActivity(ctx, p)
	return err
}

func (s activitySource) Update(ctx context.Context, id string, p api.Payload) error {
	_, err := s.c.UpdateActivity(ctx, id, p)
	return err
}

func (s activitySource) Delete(ctx context.Context, id string) error {
	return s.c.DeleteActivity(ctx, id)
}

type taskSource struct{ c *api.Client }

func (s taskSource) List(ctx context.Context, q url.Values) ([]domain.Task, error) {
	return s.c.ListTasks(ctx, q)
}

func (s taskSource) Create(ctx context.Context, p api.Payload) error {
	_, err := s.c.CreateTask(ctx, p)
	return err
}

func (s taskSource) Update(ctx context.Context, id string, p api.Payload) error {
	_, err := s.c.UpdateTask(ctx, id, p)
	return err
}

func (s taskSource) Delete(ctx context.Context, id string) error {
	return s.c.DeleteTask(ctx, id)
}

// userSource lists accounts and registers new ones; accounts are immutable
// after creation.
type userSource struct{ c *api.Client }

func (s userSource) List(ctx context.Context, _ url.Values) ([]domain.User, error) {
	return s.c.ListUsers(ctx)
}

func (s userSource) Create(ctx context.Context, p api.Payload) error {
	_, err := s.c.Register(ctx, p)
	return err
}

func (userSource) Update(context.Context, string, api.Payload) error { return ErrImmutable }
func (userSource) Delete(context.Context, string) error              { return ErrImmutable }

func farmersOnly(users []domain.User) []domain.User {
	out := make([]domain.User, 0, len(users))
	for _, u := range users {
		if u.Role == domain.RoleFarmer {
			out = append(out, u)
		}
	}
	return out
}
