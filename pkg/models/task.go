package models

import (
	"slices"
	"time"
)

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "pending"
	CompletedTaskStatus TaskStatus = "completed"
	TriagedTaskStatus   TaskStatus = "triaged"
	DismissedTaskStatus TaskStatus = "dismissed"
)

var TaskStatuses = []TaskStatus{
	PendingTaskStatus,
	CompletedTaskStatus,
	TriagedTaskStatus,
	DismissedTaskStatus,
}

func (s TaskStatus) Valid() bool {
	return slices.Contains(TaskStatuses, s)
}

// Done reports whether the task no longer blocks its cadence step.
func (s TaskStatus) Done() bool {
	return s == CompletedTaskStatus || s == DismissedTaskStatus
}

// Task is a to-do item for a contact, optionally generated by an applied cadence step.
type Task struct {
	ID               string     `json:"id" db:"id"`
	AppliedCadenceID *string    `json:"applied_cadence_id,omitempty" db:"applied_cadence_id"` // Originating cadence, nil for manual tasks
	StepIndex        *int       `json:"step_index,omitempty" db:"step_index"`                 // Index into the template steps
	StepNumber       *int       `json:"step_number,omitempty" db:"step_number"`
	ContactID        string     `json:"contact_id" db:"contact_id"`
	OrganizationID   *string    `json:"organization_id,omitempty" db:"organization_id"`
	Assignee         string     `json:"assignee,omitempty" db:"assignee"`
	Title            string     `json:"title" db:"title"`
	Description      string     `json:"description,omitempty" db:"description"`
	TaskType         TaskType   `json:"task_type" db:"task_type"`
	DueDate          time.Time  `json:"due_date" db:"due_date"`
	Status           TaskStatus `json:"status" db:"status"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// TaskDraft is the generator output for one cadence step, not yet persisted.
type TaskDraft struct {
	AppliedCadenceID string
	StepIndex        int
	StepNumber       int
	ContactID        string
	OrganizationID   *string
	Assignee         string
	Title            string
	Description      string
	TaskType         TaskType
	DueDate          time.Time
}

// TaskPage is one page of a task search.
type TaskPage struct {
	Tasks    []Task `json:"tasks"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}
