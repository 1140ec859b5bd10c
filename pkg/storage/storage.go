package storage

import (
	"context"
	"time"

	"github.com/ignatij/gocadence/pkg/models"
)

// TaskFilter narrows a task query. Zero-valued fields do not filter.
type TaskFilter struct {
	Text             string
	Statuses         []models.TaskStatus
	TaskTypes        []models.TaskType
	Assignee         string
	DueFrom          *time.Time
	DueTo            *time.Time
	ContactID        string
	OrganizationID   string
	AppliedCadenceID string
	Limit            int // 0 means no limit
	Offset           int
}

// Store defines the storage operations for gocadence.
type Store interface {
	// Transaction operations
	Begin(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Template operations
	SaveTemplate(ctx context.Context, t models.CadenceTemplate) error
	ReplaceTemplate(ctx context.Context, t models.CadenceTemplate) error
	GetCadenceTemplate(ctx context.Context, id string) (models.CadenceTemplate, error)
	ListCadenceTemplates(ctx context.Context) ([]models.CadenceTemplate, error)
	ListActiveCadenceTemplates(ctx context.Context) ([]models.CadenceTemplate, error)
	SetTemplateActive(ctx context.Context, id string, active bool) error

	// Relationship operations
	SaveRelationship(ctx context.Context, r models.Relationship) error
	GetRelationship(ctx context.Context, id string) (models.Relationship, error)

	// Applied cadence operations
	CreateAppliedCadence(ctx context.Context, ac models.AppliedCadence) error
	GetAppliedCadence(ctx context.Context, id string) (models.AppliedCadence, error)
	UpdateAppliedCadence(ctx context.Context, id string, patch models.AppliedCadencePatch) (models.AppliedCadence, error)
	ListAppliedCadencesByContact(ctx context.Context, contactID string) ([]models.AppliedCadence, error)
	AppendCadenceEvent(ctx context.Context, e models.CadenceEvent) error
	ListCadenceEvents(ctx context.Context, appliedCadenceID string) ([]models.CadenceEvent, error)

	// Task operations
	CreateTask(ctx context.Context, t models.Task) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	GetCadenceTask(ctx context.Context, appliedCadenceID string, stepIndex int) (models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	QueryTasks(ctx context.Context, filter TaskFilter) ([]models.Task, int, error)
}
