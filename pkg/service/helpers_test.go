package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/gocadence/pkg/models"
	"github.com/ignatij/gocadence/pkg/service"
	"github.com/ignatij/gocadence/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Debugf(format string, args ...interface{}) {
	// no-op
}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(year int, month time.Month, day int) *clock {
	return &clock{now: time.Date(year, month, day, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(year int, month time.Month, day int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Date(year, month, day, 9, 0, 0, 0, time.UTC)
}

// hookStore runs onGetCadence after every non-transactional cadence read, before the
// caller sees the result.
type hookStore struct {
	storage.Store
	onGetCadence func()
}

func (h *hookStore) GetAppliedCadence(ctx context.Context, id string) (models.AppliedCadence, error) {
	ac, err := h.Store.GetAppliedCadence(ctx, id)
	if h.onGetCadence != nil {
		h.onGetCadence()
	}
	return ac, err
}

// flakyStore fails the next failBegins calls to Begin like a dropped connection.
type flakyStore struct {
	storage.Store
	failBegins int
}

func (f *flakyStore) Begin(ctx context.Context) (storage.Store, error) {
	if f.failBegins > 0 {
		f.failBegins--
		return nil, errors.New("connection reset by peer")
	}
	return f.Store.Begin(ctx)
}

type env struct {
	store     storage.Store
	clock     *clock
	templates *service.TemplateService
	cadences  *service.CadenceService
	tasks     *service.TaskService
}

func newEnv(t *testing.T, opts ...service.Option) *env {
	t.Helper()
	return newEnvWithStore(t, storage.NewMemoryStore(), opts...)
}

func newEnvWithStore(t *testing.T, store storage.Store, opts ...service.Option) *env {
	t.Helper()
	c := newClock(2024, time.January, 1)
	opts = append([]service.Option{service.WithClock(c.Now)}, opts...)
	cadences := service.NewCadenceService(store, logger{}, opts...)
	return &env{
		store:     store,
		clock:     c,
		templates: service.NewTemplateService(store, logger{}),
		cadences:  cadences,
		tasks:     service.NewTaskService(store, logger{}, cadences),
	}
}

func steps(specs ...interface{}) []service.StepInput {
	var out []service.StepInput
	for i := 0; i+2 < len(specs); i += 3 {
		out = append(out, service.StepInput{
			Name:      specs[i].(string),
			TaskType:  specs[i+1].(string),
			DayOffset: specs[i+2].(int),
		})
	}
	return out
}

func (e *env) template(t *testing.T, in service.TemplateInput) models.CadenceTemplate {
	t.Helper()
	if in.Name == "" {
		in.Name = "Follow-up"
	}
	tmpl, err := e.templates.CreateTemplate(context.Background(), in)
	require.NoError(t, err)
	return tmpl
}

// followUp is the two step call-then-email template.
func (e *env) followUp(t *testing.T) models.CadenceTemplate {
	return e.template(t, service.TemplateInput{Steps: steps("Intro call", "call", 0, "Recap email", "email", 3)})
}

func (e *env) apply(t *testing.T, templateID, contactID, start string) models.AppliedCadence {
	t.Helper()
	ac, err := e.cadences.ApplyCadence(context.Background(), service.ApplyCadenceInput{
		TemplateID: templateID,
		ContactID:  contactID,
		StartDate:  start,
	})
	require.NoError(t, err)
	return ac
}

func (e *env) cadenceTasks(t *testing.T, cadenceID string, statuses ...models.TaskStatus) []models.Task {
	t.Helper()
	tasks, _, err := e.store.QueryTasks(context.Background(), storage.TaskFilter{AppliedCadenceID: cadenceID, Statuses: statuses})
	require.NoError(t, err)
	return tasks
}

// pendingTask returns the single pending task of a cadence.
func (e *env) pendingTask(t *testing.T, cadenceID string) models.Task {
	t.Helper()
	tasks := e.cadenceTasks(t, cadenceID, models.PendingTaskStatus)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func (e *env) complete(t *testing.T, taskID string) {
	t.Helper()
	_, err := e.tasks.UpdateTaskStatus(context.Background(), taskID, models.CompletedTaskStatus)
	require.NoError(t, err)
}

func (e *env) reload(t *testing.T, id string) models.AppliedCadence {
	t.Helper()
	ac, err := e.cadences.GetCadence(context.Background(), id)
	require.NoError(t, err)
	return ac
}

func date(s string) time.Time {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}
