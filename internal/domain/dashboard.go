package domain

import "encoding/json"

// StatusCounts is a server-computed breakdown. Counts are kept as json.Number
// so they render exactly as the server sent them.
type StatusCounts struct {
	Total      json.Number `json:"total,omitempty"`
	Pending    json.Number `json:"pending,omitempty"`
	InProgress json.Number `json:"in_progress,omitempty"`
	Completed  json.Number `json:"completed,omitempty"`
}

// Dashboard is the role-shaped payload of GET /api/dashboard. Only the fields
// of the caller's role are populated by the server.
type Dashboard struct {
	// Owner
	ManagersCount    json.Number   `json:"managersCount,omitempty"`
	FarmersCount     json.Number   `json:"farmersCount,omitempty"`
	Activities       *StatusCounts `json:"activities,omitempty"`
	Tasks            *StatusCounts `json:"tasks,omitempty"`
	RecentActivities []Activity    `json:"recentActivities,omitempty"`

	// Manager (also uses FarmersCount and Tasks)
	TasksList        []Task     `json:"tasksList,omitempty"`
	FarmerActivities []Activity `json:"farmerActivities,omitempty"`

	// Farmer
	TaskStats       *StatusCounts `json:"taskStats,omitempty"`
	AssignedTasks   []Task        `json:"assignedTasks,omitempty"`
	ActivityHistory []Activity    `json:"activityHistory,omitempty"`
}
