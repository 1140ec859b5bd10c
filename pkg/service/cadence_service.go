package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ignatij/gocadence/pkg/lock"
	"github.com/ignatij/gocadence/pkg/models"
	"github.com/ignatij/gocadence/pkg/storage"
	"github.com/pkg/errors"
)

const maxClearReasonLen = 500

// Logger defines the logging interface for the services
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TimelinePolicy decides how step offsets are measured after a pause.
type TimelinePolicy string

const (
	// AbsoluteTimeline keeps the original start date; time spent paused is not given back.
	AbsoluteTimeline TimelinePolicy = "absolute"
	// ShiftTimeline moves the start date forward by the whole days spent paused.
	ShiftTimeline TimelinePolicy = "shift"
)

func (p TimelinePolicy) Valid() bool {
	return p == AbsoluteTimeline || p == ShiftTimeline
}

type Option func(*CadenceService)

// WithLocker replaces the default in-process locker, e.g. with a Redis locker shared by replicas.
func WithLocker(l lock.Locker) Option {
	return func(s *CadenceService) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *CadenceService) { s.now = now }
}

func WithTimeline(p TimelinePolicy) Option {
	return func(s *CadenceService) { s.timeline = p }
}

func WithWorkerPool(wp *WorkerPool) Option {
	return func(s *CadenceService) { s.pool = wp }
}

// CadenceService runs the applied cadence lifecycle: apply, pause, resume, clear and step advance.
// Transitions on one cadence id never overlap: a second caller fails with
// ConcurrentModificationError instead of waiting, and every write is a compare-and-set on the
// status and revision read at the start of the transition.
type CadenceService struct {
	store    storage.Store
	logger   Logger
	locker   lock.Locker
	now      func() time.Time
	timeline TimelinePolicy
	pool     *WorkerPool
}

func NewCadenceService(store storage.Store, logger Logger, opts ...Option) *CadenceService {
	s := &CadenceService{
		store:    store,
		logger:   logger,
		locker:   lock.NewMemoryLocker(),
		now:      time.Now,
		timeline: AbsoluteTimeline,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		s.pool = NewWorkerPool(0, logger)
	}
	return s
}

// ApplyCadenceInput starts a template against a contact. StartDate is YYYY-MM-DD.
type ApplyCadenceInput struct {
	TemplateID     string `json:"template_id"`
	ContactID      string `json:"contact_id"`
	RelationshipID string `json:"relationship_id,omitempty"`
	StartDate      string `json:"start_date"`
	Assignee       string `json:"assignee,omitempty"`
}

func (in ApplyCadenceInput) validate() (time.Time, error) {
	var errs ValidationErrors
	if strings.TrimSpace(in.TemplateID) == "" {
		errs = append(errs, &ValidationError{Field: "template_id", Reason: "is required"})
	}
	if strings.TrimSpace(in.ContactID) == "" {
		errs = append(errs, &ValidationError{Field: "contact_id", Reason: "is required"})
	}
	startDate, err := models.ParseDate(in.StartDate)
	if err != nil {
		errs = append(errs, &ValidationError{Field: "start_date", Reason: "must be a real date in YYYY-MM-DD format"})
	}
	return startDate, errs.orNil()
}

// ApplyCadence creates an active cadence at step 0 and generates the first task.
func (s *CadenceService) ApplyCadence(ctx context.Context, in ApplyCadenceInput) (models.AppliedCadence, error) {
	startDate, err := in.validate()
	if err != nil {
		return models.AppliedCadence{}, err
	}

	tmpl, err := s.store.GetCadenceTemplate(ctx, in.TemplateID)
	if err != nil {
		return models.AppliedCadence{}, storeError("get template", "", err)
	}
	if !tmpl.IsActive {
		return models.AppliedCadence{}, &EligibilityError{TemplateID: tmpl.ID, Reason: "template is inactive"}
	}
	if len(tmpl.Steps) == 0 {
		return models.AppliedCadence{}, &EligibilityError{TemplateID: tmpl.ID, Reason: "template has no steps"}
	}

	now := s.now()
	ac := models.AppliedCadence{
		ID:                uuid.NewString(),
		CadenceTemplateID: tmpl.ID,
		TemplateVersion:   tmpl.Version,
		ContactID:         in.ContactID,
		Assignee:          in.Assignee,
		StartDate:         startDate,
		Status:            models.ActiveCadenceStatus,
		CurrentStepIndex:  0,
		Revision:          1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if in.RelationshipID != "" {
		rel, err := s.store.GetRelationship(ctx, in.RelationshipID)
		if err != nil {
			return models.AppliedCadence{}, storeError("get relationship", "", err)
		}
		if rel.ContactID != in.ContactID {
			return models.AppliedCadence{}, &EligibilityError{
				TemplateID: tmpl.ID,
				Reason:     fmt.Sprintf("relationship %s does not belong to contact %s", rel.ID, in.ContactID),
			}
		}
		if !tmpl.Eligible(rel.Type) {
			return models.AppliedCadence{}, &EligibilityError{
				TemplateID: tmpl.ID,
				Reason:     fmt.Sprintf("relationship type %s is not one of %v", rel.Type, tmpl.RelationshipTypes),
			}
		}
		relID, orgID := rel.ID, rel.OrganizationID
		ac.RelationshipID = &relID
		if orgID != "" {
			ac.OrganizationID = &orgID
		}
	}

	err = s.inTx(ctx, func(tx storage.Store) error {
		if err := tx.CreateAppliedCadence(ctx, ac); err != nil {
			return storeError("create applied cadence", ac.ID, err)
		}
		if err := s.createStepTask(ctx, tx, ac, tmpl.Steps, 0); err != nil {
			return err
		}
		return s.record(ctx, tx, ac, ApplyAction, "", fmt.Sprintf("applied template %s v%d", tmpl.ID, tmpl.Version))
	})
	if err != nil {
		return models.AppliedCadence{}, err
	}
	s.logger.Infof("Applied cadence template %s to contact %s as cadence %s starting %s",
		tmpl.ID, in.ContactID, ac.ID, startDate.Format(models.DateLayout))
	return ac, nil
}

// PauseCadence stops task generation. Pending tasks stay pending.
func (s *CadenceService) PauseCadence(ctx context.Context, id string) (models.AppliedCadence, error) {
	return s.transition(ctx, id, PauseAction, func(tx storage.Store, ac models.AppliedCadence, to models.CadenceStatus) (models.AppliedCadence, error) {
		now := s.now()
		updated, err := s.update(ctx, tx, ac, models.AppliedCadencePatch{Status: &to, PausedAt: &now})
		if err != nil {
			return models.AppliedCadence{}, err
		}
		return updated, s.record(ctx, tx, updated, PauseAction, ac.Status, "")
	})
}

// ResumeCadence reactivates a paused cadence and makes sure the task for the current step
// exists. A current-step task finished while paused advances the cadence now.
func (s *CadenceService) ResumeCadence(ctx context.Context, id string) (models.AppliedCadence, error) {
	return s.transition(ctx, id, ResumeAction, func(tx storage.Store, ac models.AppliedCadence, to models.CadenceStatus) (models.AppliedCadence, error) {
		patch := models.AppliedCadencePatch{Status: &to, ResetPausedAt: true}
		msg := ""
		if s.timeline == ShiftTimeline && ac.PausedAt != nil {
			if days := models.DaysBetween(*ac.PausedAt, s.now()); days > 0 {
				start := models.AddDays(ac.StartDate, days)
				patch.StartDate = &start
				msg = fmt.Sprintf("start date shifted by %d days", days)
			}
		}
		updated, err := s.update(ctx, tx, ac, patch)
		if err != nil {
			return models.AppliedCadence{}, err
		}
		if err := s.record(ctx, tx, updated, ResumeAction, ac.Status, msg); err != nil {
			return models.AppliedCadence{}, err
		}
		return s.reconcile(ctx, tx, updated)
	})
}

// ClearCadence ends the cadence for good and dismisses its outstanding tasks.
func (s *CadenceService) ClearCadence(ctx context.Context, id, reason string) (models.AppliedCadence, error) {
	reason = strings.TrimSpace(reason)
	switch {
	case reason == "":
		return models.AppliedCadence{}, &ValidationError{Field: "clear_reason", Reason: "is required"}
	case utf8.RuneCountInString(reason) > maxClearReasonLen:
		return models.AppliedCadence{}, &ValidationError{Field: "clear_reason", Reason: fmt.Sprintf("must be at most %d characters", maxClearReasonLen)}
	}

	return s.transition(ctx, id, ClearAction, func(tx storage.Store, ac models.AppliedCadence, to models.CadenceStatus) (models.AppliedCadence, error) {
		updated, err := s.update(ctx, tx, ac, models.AppliedCadencePatch{Status: &to, ClearReason: &reason})
		if err != nil {
			return models.AppliedCadence{}, err
		}
		outstanding, _, err := tx.QueryTasks(ctx, storage.TaskFilter{
			AppliedCadenceID: ac.ID,
			Statuses:         []models.TaskStatus{models.PendingTaskStatus, models.TriagedTaskStatus},
		})
		if err != nil {
			return models.AppliedCadence{}, storeError("query outstanding tasks", ac.ID, err)
		}
		for _, t := range outstanding {
			if err := tx.UpdateTaskStatus(ctx, t.ID, models.DismissedTaskStatus); err != nil {
				return models.AppliedCadence{}, storeError("dismiss task", ac.ID, err)
			}
		}
		msg := fmt.Sprintf("%s (dismissed %d tasks)", reason, len(outstanding))
		return updated, s.record(ctx, tx, updated, ClearAction, ac.Status, msg)
	})
}

// AdvanceStep moves an active cadence past stepIndex once that step's task is done. It generates
// the next step's task or completes the cadence after the last step. An event for any other step
// than the current one is stale and leaves the cadence unchanged.
func (s *CadenceService) AdvanceStep(ctx context.Context, id string, stepIndex int) (models.AppliedCadence, error) {
	return s.transition(ctx, id, AdvanceAction, func(tx storage.Store, ac models.AppliedCadence, _ models.CadenceStatus) (models.AppliedCadence, error) {
		if stepIndex != ac.CurrentStepIndex {
			s.logger.Debugf("Ignoring advance of cadence %s from step %d: current step is %d", id, stepIndex, ac.CurrentStepIndex)
			return ac, nil
		}
		tmpl, err := tx.GetCadenceTemplate(ctx, ac.CadenceTemplateID)
		if err != nil {
			return models.AppliedCadence{}, storeError("get template", ac.ID, err)
		}
		return s.advanceFrom(ctx, tx, ac, tmpl.Steps)
	})
}

// finishStepTask stores the status of a cadence task and, when the status is done and the task
// belongs to the current step of an active cadence, advances the cadence in the same transaction.
// A done status that is already stored still advances, so retrying after a failed advance recovers.
func (s *CadenceService) finishStepTask(ctx context.Context, task models.Task, status models.TaskStatus) (models.AppliedCadence, error) {
	id, stepIndex := *task.AppliedCadenceID, *task.StepIndex
	unlock, err := s.acquire(ctx, id)
	if err != nil {
		return models.AppliedCadence{}, err
	}
	defer unlock()

	ac, err := s.store.GetAppliedCadence(ctx, id)
	if err != nil {
		return models.AppliedCadence{}, storeError("get applied cadence", id, err)
	}

	result := ac
	err = s.inTx(ctx, func(tx storage.Store) error {
		if task.Status != status {
			if err := tx.UpdateTaskStatus(ctx, task.ID, status); err != nil {
				return storeError("update task status", id, err)
			}
		}
		if !status.Done() {
			return nil
		}
		switch {
		case ac.Status == models.PausedCadenceStatus:
			s.logger.Infof("Cadence %s is paused, step %d advance deferred until resume", id, stepIndex)
			return nil
		case ac.Status != models.ActiveCadenceStatus:
			s.logger.Debugf("Cadence %s is %s, task %s does not advance it", id, ac.Status, task.ID)
			return nil
		case stepIndex != ac.CurrentStepIndex:
			s.logger.Debugf("Ignoring advance of cadence %s from step %d: current step is %d", id, stepIndex, ac.CurrentStepIndex)
			return nil
		}
		tmpl, err := tx.GetCadenceTemplate(ctx, ac.CadenceTemplateID)
		if err != nil {
			return storeError("get template", id, err)
		}
		result, err = s.advanceFrom(ctx, tx, ac, tmpl.Steps)
		return err
	})
	if err != nil {
		s.logger.Errorf("Failed to finish task %s of cadence %s: %v", task.ID, id, err)
		return models.AppliedCadence{}, err
	}
	if result.Revision != ac.Revision {
		s.logger.Infof("Cadence %s %s: %s -> %s (step %d)", id, AdvanceAction, ac.Status, result.Status, result.CurrentStepIndex)
	}
	return result, nil
}

func (s *CadenceService) GetCadence(ctx context.Context, id string) (models.AppliedCadence, error) {
	ac, err := s.store.GetAppliedCadence(ctx, id)
	if err != nil {
		return models.AppliedCadence{}, storeError("get applied cadence", id, err)
	}
	return ac, nil
}

func (s *CadenceService) ListCadencesForContact(ctx context.Context, contactID string) ([]models.AppliedCadence, error) {
	if contactID == "" {
		return nil, &ValidationError{Field: "contact_id", Reason: "is required"}
	}
	cadences, err := s.store.ListAppliedCadencesByContact(ctx, contactID)
	if err != nil {
		return nil, storeError("list applied cadences", "", err)
	}
	return cadences, nil
}

// ListCadenceEvents returns the audit trail of a cadence, oldest first.
func (s *CadenceService) ListCadenceEvents(ctx context.Context, id string) ([]models.CadenceEvent, error) {
	events, err := s.store.ListCadenceEvents(ctx, id)
	if err != nil {
		return nil, storeError("list cadence events", id, err)
	}
	return events, nil
}

// CadenceTarget is one contact of a bulk apply.
type CadenceTarget struct {
	ContactID      string `json:"contact_id"`
	RelationshipID string `json:"relationship_id,omitempty"`
}

type BulkApplyResult struct {
	ContactID string                 `json:"contact_id"`
	Cadence   *models.AppliedCadence `json:"cadence,omitempty"`
	Err       error                  `json:"-"`
}

// BulkApplyCadence applies one template to many contacts on the worker pool. A failing
// contact does not stop the others; results are in target order.
func (s *CadenceService) BulkApplyCadence(ctx context.Context, in ApplyCadenceInput, targets []CadenceTarget) []BulkApplyResult {
	results := make([]BulkApplyResult, len(targets))
	jobs := make([]Job, len(targets))
	for i, target := range targets {
		results[i].ContactID = target.ContactID
		jobs[i] = Job{
			Key: target.ContactID,
			Run: func(ctx context.Context) error {
				input := in
				input.ContactID = target.ContactID
				input.RelationshipID = target.RelationshipID
				ac, err := s.ApplyCadence(ctx, input)
				if err != nil {
					return err
				}
				results[i].Cadence = &ac
				return nil
			},
		}
	}
	for i, err := range s.pool.Execute(ctx, jobs) {
		results[i].Err = err
	}
	return results
}

type transitionFunc func(tx storage.Store, ac models.AppliedCadence, to models.CadenceStatus) (models.AppliedCadence, error)

// transition locks the cadence, checks the state machine and runs fn in one transaction.
func (s *CadenceService) transition(ctx context.Context, id string, action Action, fn transitionFunc) (models.AppliedCadence, error) {
	if strings.TrimSpace(id) == "" {
		return models.AppliedCadence{}, &ValidationError{Field: "id", Reason: "is required"}
	}
	unlock, err := s.acquire(ctx, id)
	if err != nil {
		return models.AppliedCadence{}, err
	}
	defer unlock()

	ac, err := s.store.GetAppliedCadence(ctx, id)
	if err != nil {
		return models.AppliedCadence{}, storeError("get applied cadence", id, err)
	}
	to, err := nextStatus(id, ac.Status, action)
	if err != nil {
		return models.AppliedCadence{}, err
	}

	var result models.AppliedCadence
	err = s.inTx(ctx, func(tx storage.Store) error {
		var fnErr error
		result, fnErr = fn(tx, ac, to)
		return fnErr
	})
	if err != nil {
		s.logger.Errorf("Failed to %s cadence %s: %v", action, id, err)
		return models.AppliedCadence{}, err
	}
	if result.Revision != ac.Revision {
		s.logger.Infof("Cadence %s %s: %s -> %s (step %d)", id, action, ac.Status, result.Status, result.CurrentStepIndex)
	}
	return result, nil
}

// acquire takes the cadence lock without waiting.
func (s *CadenceService) acquire(ctx context.Context, id string) (func(), error) {
	unlock, err := s.locker.TryLock(ctx, "cadence:"+id)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, &ConcurrentModificationError{CadenceID: id}
		}
		return nil, storeError("lock cadence", id, err)
	}
	return unlock, nil
}

func (s *CadenceService) inTx(ctx context.Context, fn func(tx storage.Store) error) (err error) {
	txStore, err := s.store.Begin(ctx)
	if err != nil {
		return storeError("begin transaction", "", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = storeError("commit", "", commitErr)
		}
	}()
	return fn(txStore)
}

// update applies patch guarded by the status and revision of ac.
func (s *CadenceService) update(ctx context.Context, tx storage.Store, ac models.AppliedCadence, patch models.AppliedCadencePatch) (models.AppliedCadence, error) {
	patch.ExpectedStatus = ac.Status
	patch.ExpectedRevision = ac.Revision
	updated, err := tx.UpdateAppliedCadence(ctx, ac.ID, patch)
	if err != nil {
		return models.AppliedCadence{}, storeError("update applied cadence", ac.ID, err)
	}
	return updated, nil
}

// reconcile brings an active cadence in line with the task of its current step.
func (s *CadenceService) reconcile(ctx context.Context, tx storage.Store, ac models.AppliedCadence) (models.AppliedCadence, error) {
	tmpl, err := tx.GetCadenceTemplate(ctx, ac.CadenceTemplateID)
	if err != nil {
		return models.AppliedCadence{}, storeError("get template", ac.ID, err)
	}
	if ac.CurrentStepIndex >= len(tmpl.Steps) {
		// The template was replaced with fewer steps.
		return s.complete(ctx, tx, ac)
	}
	task, err := tx.GetCadenceTask(ctx, ac.ID, ac.CurrentStepIndex)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ac, s.createStepTask(ctx, tx, ac, tmpl.Steps, ac.CurrentStepIndex)
	case err != nil:
		return models.AppliedCadence{}, storeError("get cadence task", ac.ID, err)
	case task.Status.Done():
		return s.advanceFrom(ctx, tx, ac, tmpl.Steps)
	}
	return ac, nil
}

func (s *CadenceService) advanceFrom(ctx context.Context, tx storage.Store, ac models.AppliedCadence, steps []models.CadenceStep) (models.AppliedCadence, error) {
	next := ac.CurrentStepIndex + 1
	if next >= len(steps) {
		return s.complete(ctx, tx, ac)
	}
	updated, err := s.update(ctx, tx, ac, models.AppliedCadencePatch{CurrentStepIndex: &next})
	if err != nil {
		return models.AppliedCadence{}, err
	}
	if err := s.createStepTask(ctx, tx, updated, steps, next); err != nil {
		return models.AppliedCadence{}, err
	}
	return updated, s.record(ctx, tx, updated, AdvanceAction, ac.Status, fmt.Sprintf("advanced to step %d", steps[next].StepNumber))
}

func (s *CadenceService) complete(ctx context.Context, tx storage.Store, ac models.AppliedCadence) (models.AppliedCadence, error) {
	completed := models.CompletedCadenceStatus
	updated, err := s.update(ctx, tx, ac, models.AppliedCadencePatch{Status: &completed})
	if err != nil {
		return models.AppliedCadence{}, err
	}
	return updated, s.record(ctx, tx, updated, AdvanceAction, ac.Status, "all steps done")
}

// createStepTask persists the task of one step. A task that already exists for the
// (cadence, step) pair counts as generated.
func (s *CadenceService) createStepTask(ctx context.Context, tx storage.Store, ac models.AppliedCadence, steps []models.CadenceStep, stepIndex int) error {
	draft, err := GenerateTask(steps, ac.StartDate, stepIndex)
	if err != nil {
		return err
	}
	draft.AppliedCadenceID = ac.ID
	draft.ContactID = ac.ContactID
	draft.OrganizationID = ac.OrganizationID
	draft.Assignee = ac.Assignee

	task := taskFromDraft(draft, s.now())
	if err := tx.CreateTask(ctx, task); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			s.logger.Debugf("Task for cadence %s step %d already exists", ac.ID, stepIndex)
			return nil
		}
		return storeError("create task", ac.ID, err)
	}
	s.logger.Debugf("Generated %s task %s for cadence %s step %d due %s",
		task.TaskType, task.ID, ac.ID, stepIndex, task.DueDate.Format(models.DateLayout))
	return nil
}

func (s *CadenceService) record(ctx context.Context, tx storage.Store, ac models.AppliedCadence, action Action, from models.CadenceStatus, msg string) error {
	err := tx.AppendCadenceEvent(ctx, models.CadenceEvent{
		AppliedCadenceID: ac.ID,
		Action:           string(action),
		FromStatus:       from,
		ToStatus:         ac.Status,
		StepIndex:        ac.CurrentStepIndex,
		Message:          msg,
		LoggedAt:         s.now(),
	})
	if err != nil {
		return storeError("append cadence event", ac.ID, err)
	}
	return nil
}

func taskFromDraft(d models.TaskDraft, now time.Time) models.Task {
	cadenceID, stepIndex, stepNumber := d.AppliedCadenceID, d.StepIndex, d.StepNumber
	return models.Task{
		ID:               uuid.NewString(),
		AppliedCadenceID: &cadenceID,
		StepIndex:        &stepIndex,
		StepNumber:       &stepNumber,
		ContactID:        d.ContactID,
		OrganizationID:   d.OrganizationID,
		Assignee:         d.Assignee,
		Title:            d.Title,
		Description:      d.Description,
		TaskType:         d.TaskType,
		DueDate:          d.DueDate,
		Status:           models.PendingTaskStatus,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
