package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/gocadence/pkg/models"
	"github.com/ignatij/gocadence/pkg/storage"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// TaskQuery is the task search contract. Page and PageSize default to 1 and 20 when zero.
type TaskQuery struct {
	Query            string              `json:"q,omitempty" yaml:"q,omitempty"`
	Page             int                 `json:"page,omitempty" yaml:"page,omitempty"`
	PageSize         int                 `json:"page_size,omitempty" yaml:"page_size,omitempty"`
	Statuses         []models.TaskStatus `json:"statuses,omitempty" yaml:"statuses,omitempty"`
	TaskTypes        []models.TaskType   `json:"task_types,omitempty" yaml:"task_types,omitempty"`
	Assignee         string              `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	DueFrom          *time.Time          `json:"due_from,omitempty" yaml:"due_from,omitempty"`
	DueTo            *time.Time          `json:"due_to,omitempty" yaml:"due_to,omitempty"`
	ContactID        string              `json:"contact_id,omitempty" yaml:"contact_id,omitempty"`
	OrganizationID   string              `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	AppliedCadenceID string              `json:"applied_cadence_id,omitempty" yaml:"applied_cadence_id,omitempty"`
}

// Normalize fills defaults and validates the query.
func (q TaskQuery) Normalize(defaultPageSize int) (TaskQuery, error) {
	var errs ValidationErrors
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PageSize == 0 {
		q.PageSize = defaultPageSize
	}
	if q.Page < 1 {
		errs = append(errs, &ValidationError{Field: "page", Reason: "must be at least 1"})
	}
	if q.PageSize < 1 || q.PageSize > MaxPageSize {
		errs = append(errs, &ValidationError{Field: "page_size", Reason: fmt.Sprintf("must be between 1 and %d", MaxPageSize)})
	}
	for _, st := range q.Statuses {
		if !st.Valid() {
			errs = append(errs, &ValidationError{Field: "statuses", Reason: fmt.Sprintf("unknown task status %q", st)})
		}
	}
	for _, tt := range q.TaskTypes {
		if !tt.Valid() {
			errs = append(errs, &ValidationError{Field: "task_types", Reason: fmt.Sprintf("unknown task type %q", tt)})
		}
	}
	if q.DueFrom != nil && q.DueTo != nil && q.DueFrom.After(*q.DueTo) {
		errs = append(errs, &ValidationError{Field: "due_from", Reason: "must not be after due_to"})
	}
	return q, errs.orNil()
}

// TaskService manages tasks and feeds cadence step completion back into the lifecycle.
type TaskService struct {
	store           storage.Store
	logger          Logger
	cadences        *CadenceService
	pool            *WorkerPool
	defaultPageSize int
}

func NewTaskService(store storage.Store, logger Logger, cadences *CadenceService) *TaskService {
	return &TaskService{
		store:           store,
		logger:          logger,
		cadences:        cadences,
		pool:            cadences.pool,
		defaultPageSize: DefaultPageSize,
	}
}

// SetDefaultPageSize changes the page size used when a query leaves it unset.
func (ts *TaskService) SetDefaultPageSize(size int) {
	if size >= 1 && size <= MaxPageSize {
		ts.defaultPageSize = size
	}
}

func (ts *TaskService) GetTask(ctx context.Context, id string) (models.Task, error) {
	task, err := ts.store.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, storeError("get task", "", err)
	}
	return task, nil
}

// UpdateTaskStatus sets a task's status. Finishing a cadence task advances its cadence in the
// same transaction; on a paused cadence the advance waits for resume.
func (ts *TaskService) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) (models.Task, error) {
	if !status.Valid() {
		return models.Task{}, &ValidationError{Field: "status", Reason: fmt.Sprintf("must be one of %v", models.TaskStatuses)}
	}
	task, err := ts.store.GetTask(ctx, taskID)
	if err != nil {
		return models.Task{}, storeError("get task", "", err)
	}
	cadenceTask := task.AppliedCadenceID != nil && task.StepIndex != nil
	if task.Status == status && !(cadenceTask && status.Done()) {
		return task, nil
	}

	if cadenceTask {
		_, err = ts.cadences.finishStepTask(ctx, task, status)
	} else {
		err = ts.store.UpdateTaskStatus(ctx, taskID, status)
	}
	if err != nil {
		ts.logger.Errorf("Failed to update task %s status to %s: %v", taskID, status, err)
		return models.Task{}, storeError("update task status", "", err)
	}
	if task.Status != status {
		ts.logger.Infof("Task %s: %s -> %s", taskID, task.Status, status)
	}
	task.Status = status
	return task, nil
}

// BulkUpdateTaskStatus updates many tasks on the worker pool. Tasks of one cadence run one
// after another. Errors are in id order.
func (ts *TaskService) BulkUpdateTaskStatus(ctx context.Context, ids []string, status models.TaskStatus) []error {
	jobs := make([]Job, len(ids))
	for i, id := range ids {
		key := id
		if task, err := ts.store.GetTask(ctx, id); err == nil && task.AppliedCadenceID != nil {
			key = "cadence:" + *task.AppliedCadenceID
		}
		jobs[i] = Job{Key: key, Run: func(ctx context.Context) error {
			_, err := ts.UpdateTaskStatus(ctx, id, status)
			return err
		}}
	}
	return ts.pool.Execute(ctx, jobs)
}

// SearchTasks returns one page of tasks matching q, ordered by due date.
func (ts *TaskService) SearchTasks(ctx context.Context, q TaskQuery) (models.TaskPage, error) {
	q, err := q.Normalize(ts.defaultPageSize)
	if err != nil {
		return models.TaskPage{}, err
	}
	tasks, total, err := ts.store.QueryTasks(ctx, storage.TaskFilter{
		Text:             q.Query,
		Statuses:         q.Statuses,
		TaskTypes:        q.TaskTypes,
		Assignee:         q.Assignee,
		DueFrom:          q.DueFrom,
		DueTo:            q.DueTo,
		ContactID:        q.ContactID,
		OrganizationID:   q.OrganizationID,
		AppliedCadenceID: q.AppliedCadenceID,
		Limit:            q.PageSize,
		Offset:           (q.Page - 1) * q.PageSize,
	})
	if err != nil {
		return models.TaskPage{}, storeError("query tasks", "", err)
	}
	return models.TaskPage{Tasks: tasks, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}
