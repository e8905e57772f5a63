package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role is one of the three fixed capability tiers.
type Role string

const (
	RoleOwner   Role = "Owner"
	RoleManager Role = "Manager"
	RoleFarmer  Role = "Farmer"
)

// Roles lists every role, highest tier first.
var Roles = []Role{RoleOwner, RoleManager, RoleFarmer}

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleManager, RoleFarmer:
		return true
	}
	return false
}

// ParseRole accepts any casing of a role name.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if strings.EqualFold(string(r), strings.TrimSpace(s)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// Work item statuses shared by activities and tasks.
const (
	StatusPending    = "pending"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
)

var Statuses = []string{StatusPending, StatusInProgress, StatusCompleted}

// Identity is the authenticated user for the lifetime of a session.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

func (i Identity) IDString() string { return FormatID(i.ID) }

type Activity struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	DateTime        string `json:"date_time" format:"date-time"`
	PerformedByID   int64  `json:"performed_by_id"`
	PerformedByName string `json:"performed_by_name,omitempty"`
	Status          string `json:"status" enum:"pending,in-progress,completed"`
	PhotoURL        string `json:"photo_url,omitempty"`
}

type Task struct {
	ID             int64  `json:"id"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	AssignedToID   int64  `json:"assigned_to_id"`
	AssignedToName string `json:"assigned_to_name,omitempty"`
	AssignedByID   int64  `json:"assigned_by_id"`
	AssignedByName string `json:"assigned_by_name,omitempty"`
	DueDate        string `json:"due_date,omitempty"`
	Status         string `json:"status" enum:"pending,in-progress,completed"`
}

// User is an account as listed by the users collection.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	Role      Role   `json:"role"`
	OwnerID   *int64 `json:"owner_id,omitempty"`
	ManagerID *int64 `json:"manager_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty" format:"date-time"`
}

// FormatID renders an id the way form fields and URLs carry it.
func FormatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// Credential is a persisted login: the API token and the identity it was
// issued for, keyed by the client session that owns it.
type Credential struct {
	SessionID string
	Token     string
	User      Identity
	CreatedAt time.Time
	// ExpiresAt is zero when the token carries no expiry.
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}
