package service_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/gocadence/pkg/lock"
	"github.com/ignatij/gocadence/pkg/models"
	"github.com/ignatij/gocadence/pkg/service"
	"github.com/ignatij/gocadence/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCadenceLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tmpl := e.followUp(t)

	ac := e.apply(t, tmpl.ID, "contact-1", "2024-01-01")
	assert.Equal(t, models.ActiveCadenceStatus, ac.Status)
	assert.Equal(t, 0, ac.CurrentStepIndex)
	assert.Equal(t, tmpl.Version, ac.TemplateVersion)

	first := e.pendingTask(t, ac.ID)
	assert.Equal(t, models.CallTaskType, first.TaskType)
	assert.Equal(t, "Intro call", first.Title)
	assert.Equal(t, date("2024-01-01"), first.DueDate)
	assert.Equal(t, 0, *first.StepIndex)
	assert.Equal(t, 1, *first.StepNumber)

	e.complete(t, first.ID)
	ac = e.reload(t, ac.ID)
	assert.Equal(t, models.ActiveCadenceStatus, ac.Status)
	assert.Equal(t, 1, ac.CurrentStepIndex)

	second := e.pendingTask(t, ac.ID)
	assert.Equal(t, models.EmailTaskType, second.TaskType)
	assert.Equal(t, date("2024-01-04"), second.DueDate)

	e.complete(t, second.ID)
	ac = e.reload(t, ac.ID)
	assert.Equal(t, models.CompletedCadenceStatus, ac.Status)
	assert.Len(t, e.cadenceTasks(t, ac.ID), 2, "no task is generated past the last step")

	events, err := e.cadences.ListCadenceEvents(ctx, ac.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "apply", events[0].Action)
	assert.Equal(t, models.CompletedCadenceStatus, events[2].ToStatus)

	_, err = e.cadences.PauseCadence(ctx, ac.ID)
	var invalid *service.InvalidStateTransitionError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.CompletedCadenceStatus, invalid.From)
}

func TestApplyCadenceValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tmpl := e.followUp(t)

	cases := map[string]service.ApplyCadenceInput{
		"missing contact":   {TemplateID: tmpl.ID, StartDate: "2024-01-01"},
		"impossible date":   {TemplateID: tmpl.ID, ContactID: "c-1", StartDate: "2024-02-30"},
		"wrong date format": {TemplateID: tmpl.ID, ContactID: "c-1", StartDate: "01/02/2024"},
		"missing template":  {ContactID: "c-1", StartDate: "2024-01-01"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.cadences.ApplyCadence(ctx, in)
			var verr *service.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	cadences, err := e.cadences.ListCadencesForContact(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, cadences, "validation failures must not write anything")
}

func TestApplyCadenceEligibility(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tmpl := e.template(t, service.TemplateInput{
		RelationshipTypes: []string{"client", "past_client"},
		Steps:             steps("Call", "call", 0),
	})
	relationships := service.NewRelationshipService(e.store, logger{})

	vendor, err := relationships.SaveRelationship(ctx, service.RelationshipInput{ContactID: "c-1", Type: "vendor"})
	require.NoError(t, err)
	client, err := relationships.SaveRelationship(ctx, service.RelationshipInput{ContactID: "c-1", OrganizationID: "org-1", Type: "client"})
	require.NoError(t, err)

	_, err = e.cadences.ApplyCadence(ctx, service.ApplyCadenceInput{TemplateID: tmpl.ID, ContactID: "c-1", RelationshipID: vendor.ID, StartDate: "2024-01-01"})
	var eligibility *service.EligibilityError
	assert.ErrorAs(t, err, &eligibility)

	_, err = e.cadences.ApplyCadence(ctx, service.ApplyCadenceInput{TemplateID: tmpl.ID, ContactID: "c-2", RelationshipID: client.ID, StartDate: "2024-01-01"})
	assert.ErrorAs(t, err, &eligibility, "relationship of another contact")

	ac, err := e.cadences.ApplyCadence(ctx, service.ApplyCadenceInput{TemplateID: tmpl.ID, ContactID: "c-1", RelationshipID: client.ID, StartDate: "2024-01-01"})
	require.NoError(t, err)
	assert.Equal(t, client.ID, *ac.RelationshipID)
	assert.Equal(t, "org-1", *e.pendingTask(t, ac.ID).OrganizationID)
}

func TestInactiveTemplateIsNeverApplied(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		store := storage.NewMemoryStore()
		templates := service.NewTemplateService(store, logger{})
		cadences := service.NewCadenceService(store, logger{})
		relationships := service.NewRelationshipService(store, logger{})

		eligible := rapid.SliceOfDistinct(rapid.SampledFrom(models.RelationshipTypes), func(r models.RelationshipType) models.RelationshipType { return r }).Draw(rt, "eligible")
		relType := rapid.SampledFrom(models.RelationshipTypes).Draw(rt, "relType")
		active := rapid.Bool().Draw(rt, "active")

		types := make([]string, len(eligible))
		for i, r := range eligible {
			types[i] = string(r)
		}
		tmpl, err := templates.CreateTemplate(ctx, service.TemplateInput{
			Name:              "Property",
			RelationshipTypes: types,
			IsActive:          &active,
			Steps:             []service.StepInput{{Name: "Call", TaskType: "call"}},
		})
		if err != nil {
			rt.Fatalf("create template: %v", err)
		}
		rel, err := relationships.SaveRelationship(ctx, service.RelationshipInput{ContactID: "c-1", Type: string(relType)})
		if err != nil {
			rt.Fatalf("save relationship: %v", err)
		}

		_, err = cadences.ApplyCadence(ctx, service.ApplyCadenceInput{TemplateID: tmpl.ID, ContactID: "c-1", RelationshipID: rel.ID, StartDate: "2024-01-01"})
		shouldApply := active && tmpl.Eligible(relType)
		var eligibility *service.EligibilityError
		switch {
		case shouldApply && err != nil:
			rt.Fatalf("expected apply to succeed, got %v", err)
		case !shouldApply && !errors.As(err, &eligibility):
			rt.Fatalf("expected EligibilityError, got %v", err)
		}
		cadenceList, _ := cadences.ListCadencesForContact(ctx, "c-1")
		if !shouldApply && len(cadenceList) != 0 {
			rt.Fatalf("rejected apply created %d cadences", len(cadenceList))
		}
	})
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()

	t.Run("resume keeps the step and does not duplicate its task", func(t *testing.T) {
		e := newEnv(t)
		ac := e.apply(t, e.followUp(t).ID, "c-1", "2024-01-01")

		paused, err := e.cadences.PauseCadence(ctx, ac.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PausedCadenceStatus, paused.Status)
		assert.NotNil(t, paused.PausedAt)
		assert.Equal(t, models.PendingTaskStatus, e.pendingTask(t, ac.ID).Status, "pending tasks stay pending while paused")

		_, err = e.cadences.PauseCadence(ctx, ac.ID)
		var invalid *service.InvalidStateTransitionError
		assert.ErrorAs(t, err, &invalid)

		resumed, err := e.cadences.ResumeCadence(ctx, ac.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ActiveCadenceStatus, resumed.Status)
		assert.Equal(t, 0, resumed.CurrentStepIndex)
		assert.Nil(t, resumed.PausedAt)
		assert.Equal(t, date("2024-01-01"), resumed.StartDate)
		assert.Len(t, e.cadenceTasks(t, ac.ID), 1)

		_, err = e.cadences.ResumeCadence(ctx, ac.ID)
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("a task finished while paused advances on resume", func(t *testing.T) {
		e := newEnv(t)
		ac := e.apply(t, e.followUp(t).ID, "c-1", "2024-01-01")
		_, err := e.cadences.PauseCadence(ctx, ac.ID)
		require.NoError(t, err)

		e.complete(t, e.pendingTask(t, ac.ID).ID)
		paused := e.reload(t, ac.ID)
		assert.Equal(t, models.PausedCadenceStatus, paused.Status)
		assert.Equal(t, 0, paused.CurrentStepIndex, "no advance while paused")
		assert.Empty(t, e.cadenceTasks(t, ac.ID, models.PendingTaskStatus))

		resumed, err := e.cadences.ResumeCadence(ctx, ac.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, resumed.CurrentStepIndex)
		assert.Equal(t, models.EmailTaskType, e.pendingTask(t, ac.ID).TaskType)
	})

	t.Run("resume completes a cadence whose template lost its remaining steps", func(t *testing.T) {
		e := newEnv(t)
		tmpl := e.followUp(t)
		ac := e.apply(t, tmpl.ID, "c-1", "2024-01-01")
		e.complete(t, e.pendingTask(t, ac.ID).ID)
		_, err := e.cadences.PauseCadence(ctx, ac.ID)
		require.NoError(t, err)

		_, err = e.templates.ReplaceTemplate(ctx, tmpl.ID, service.TemplateInput{Name: "Shorter", Steps: steps("Call", "call", 0)})
		require.NoError(t, err)

		resumed, err := e.cadences.ResumeCadence(ctx, ac.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedCadenceStatus, resumed.Status)
	})
}

func TestShiftTimeline(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		policy  service.TimelinePolicy
		start   string
		nextDue string
	}{
		{service.AbsoluteTimeline, "2024-01-01", "2024-01-04"},
		{service.ShiftTimeline, "2024-01-06", "2024-01-09"},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			e := newEnv(t, service.WithTimeline(tc.policy))
			ac := e.apply(t, e.followUp(t).ID, "c-1", "2024-01-01")

			e.clock.Set(2024, time.January, 2)
			_, err := e.cadences.PauseCadence(ctx, ac.ID)
			require.NoError(t, err)

			e.clock.Set(2024, time.January, 7)
			resumed, err := e.cadences.ResumeCadence(ctx, ac.ID)
			require.NoError(t, err)
			assert.Equal(t, date(tc.start), resumed.StartDate)

			e.complete(t, e.pendingTask(t, ac.ID).ID)
			assert.Equal(t, date(tc.nextDue), e.pendingTask(t, ac.ID).DueDate)
		})
	}
}

func TestClearCadence(t *testing.T) {
	ctx := context.Background()

	t.Run("dismisses outstanding tasks once", func(t *testing.T) {
		e := newEnv(t)
		ac := e.apply(t, e.followUp(t).ID, "c-1", "2024-01-01")
		task := e.pendingTask(t, ac.ID)
		_, err := e.tasks.UpdateTaskStatus(ctx, task.ID, models.TriagedTaskStatus)
		require.NoError(t, err)

		cleared, err := e.cadences.ClearCadence(ctx, ac.ID, "  Contact unsubscribed  ")
		require.NoError(t, err)
		assert.Equal(t, models.ClearedCadenceStatus, cleared.Status)
		assert.Equal(t, "Contact unsubscribed", *cleared.ClearReason)
		assert.Len(t, e.cadenceTasks(t, ac.ID, models.DismissedTaskStatus), 1)

		_, err = e.cadences.ClearCadence(ctx, ac.ID, "again")
		var invalid *service.InvalidStateTransitionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, models.ClearedCadenceStatus, invalid.From)

		events, err := e.cadences.ListCadenceEvents(ctx, ac.ID)
		require.NoError(t, err)
		clears := 0
		for _, ev := range events {
			if ev.Action == "clear" {
				clears++
			}
		}
		assert.Equal(t, 1, clears)
	})

	t.Run("clears a paused cadence", func(t *testing.T) {
		e := newEnv(t)
		ac := e.apply(t, e.followUp(t).ID, "c-1", "2024-01-01")
		_, err := e.cadences.PauseCadence(ctx, ac.ID)
		require.NoError(t, err)
		cleared, err := e.cadences.ClearCadence(ctx, ac.ID, "Deal lost")
		require.NoError(t, err)
		assert.Equal(t, models.ClearedCadenceStatus, cleared.Status)
	})

	t.Run("rejects an empty or oversized reason before any change", func(t *testing.T) {
		e := newEnv(t)
		ac := e.apply(t, e.followUp(t).ID, "c-1", "2024-01-01")

		for _, reason := range []string{"", "   \t", strings.Repeat("é", 501)} {
			_, err := e.cadences.ClearCadence(ctx, ac.ID, reason)
			var verr *service.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "clear_reason", verr.Field)
		}
		_, err := e.cadences.ClearCadence(ctx, ac.ID, strings.Repeat("é", 500))
		require.NoError(t, err)
	})

	t.Run("completed task does not advance a cleared cadence", func(t *testing.T) {
		e := newEnv(t)
		ac := e.apply(t, e.followUp(t).ID, "c-1", "2024-01-01")
		task := e.pendingTask(t, ac.ID)
		_, err := e.cadences.ClearCadence(ctx, ac.ID, "Stop")
		require.NoError(t, err)

		_, err = e.tasks.UpdateTaskStatus(ctx, task.ID, models.CompletedTaskStatus)
		require.NoError(t, err)
		assert.Equal(t, 0, e.reload(t, ac.ID).CurrentStepIndex)
		assert.Len(t, e.cadenceTasks(t, ac.ID), 1)
	})
}

func TestAdvanceStep(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ac := e.apply(t, e.followUp(t).ID, "c-1", "2024-01-01")

	stale, err := e.cadences.AdvanceStep(ctx, ac.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, ac.Revision, stale.Revision, "an advance for another step is ignored")
	assert.Equal(t, 0, stale.CurrentStepIndex)

	advanced, err := e.cadences.AdvanceStep(ctx, ac.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced.CurrentStepIndex)

	again, err := e.cadences.AdvanceStep(ctx, ac.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, again.CurrentStepIndex, "replayed completion events are no-ops")
	assert.Len(t, e.cadenceTasks(t, ac.ID), 2)

	_, err = e.cadences.PauseCadence(ctx, ac.ID)
	require.NoError(t, err)
	_, err = e.cadences.AdvanceStep(ctx, ac.ID, 1)
	var invalid *service.InvalidStateTransitionError
	assert.ErrorAs(t, err, &invalid)

	_, err = e.cadences.AdvanceStep(ctx, "missing", 0)
	var storeErr *service.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.True(t, storeErr.NotFound())
}

func TestNonMonotonicOffsets(t *testing.T) {
	// Offsets are relative to the start date, not to the previous step, so a later step
	// may be due before an earlier one.
	e := newEnv(t)
	tmpl := e.template(t, service.TemplateInput{Steps: steps("Late call", "call", 5, "Early email", "email", 2)})
	ac := e.apply(t, tmpl.ID, "c-1", "2024-01-01")

	first := e.pendingTask(t, ac.ID)
	assert.Equal(t, date("2024-01-06"), first.DueDate)
	e.complete(t, first.ID)
	assert.Equal(t, date("2024-01-03"), e.pendingTask(t, ac.ID).DueDate)
}

func TestConcurrentTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("second caller fails fast while the first holds the cadence", func(t *testing.T) {
		store := &hookStore{Store: storage.NewMemoryStore()}
		e := newEnvWithStore(t, store)
		ac := e.apply(t, e.followUp(t).ID, "c-1", "2024-01-01")

		entered, release := make(chan struct{}), make(chan struct{})
		var once sync.Once
		store.onGetCadence = func() {
			once.Do(func() {
				close(entered)
				<-release
			})
		}

		type result struct {
			ac  models.AppliedCadence
			err error
		}
		first := make(chan result, 1)
		go func() {
			ac, err := e.cadences.PauseCadence(ctx, ac.ID)
			first <- result{ac, err}
		}()
		<-entered

		_, err := e.cadences.PauseCadence(ctx, ac.ID)
		var concurrent *service.ConcurrentModificationError
		assert.ErrorAs(t, err, &concurrent)

		close(release)
		res := <-first
		require.NoError(t, res.err)
		assert.Equal(t, models.PausedCadenceStatus, res.ac.Status)
	})

	t.Run("compare-and-set rejects the slower of two writers", func(t *testing.T) {
		base := storage.NewMemoryStore()
		store := &hookStore{Store: base}
		e := newEnvWithStore(t, store)
		ac := e.apply(t, e.followUp(t).ID, "c-1", "2024-01-01")

		// separate lockers, as if two replicas ran without a shared lock
		a := service.NewCadenceService(store, logger{}, service.WithLocker(lock.NewMemoryLocker()))
		b := service.NewCadenceService(store, logger{}, service.WithLocker(lock.NewMemoryLocker()))

		var readers sync.WaitGroup
		readers.Add(2)
		var reads atomic.Int32
		store.onGetCadence = func() {
			if reads.Add(1) <= 2 {
				readers.Done()
				readers.Wait()
			}
		}

		errs := make(chan error, 2)
		for _, svc := range []*service.CadenceService{a, b} {
			go func() {
				_, err := svc.PauseCadence(ctx, ac.ID)
				errs <- err
			}()
		}
		var succeeded, conflicted int
		for i := 0; i < 2; i++ {
			err := <-errs
			var concurrent *service.ConcurrentModificationError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &concurrent):
				conflicted++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 1, conflicted)
		assert.Equal(t, models.PausedCadenceStatus, e.reload(t, ac.ID).Status)
	})
}

func TestBulkApplyCadence(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, service.WithWorkerPool(service.NewWorkerPool(3, logger{})))
	tmpl := e.followUp(t)

	targets := []service.CadenceTarget{
		{ContactID: "c-1"}, {ContactID: "c-2"}, {ContactID: "c-3", RelationshipID: "missing"}, {ContactID: "c-4"}, {ContactID: ""},
	}
	results := e.cadences.BulkApplyCadence(ctx, service.ApplyCadenceInput{TemplateID: tmpl.ID, StartDate: "2024-01-01"}, targets)
	require.Len(t, results, len(targets))
	for i, res := range results {
		assert.Equal(t, targets[i].ContactID, res.ContactID)
	}
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Error(t, results[2].Err)
	assert.NoError(t, results[3].Err)
	var verr *service.ValidationError
	assert.ErrorAs(t, results[4].Err, &verr)

	for _, i := range []int{0, 1, 3} {
		require.NotNil(t, results[i].Cadence)
		assert.Len(t, e.cadenceTasks(t, results[i].Cadence.ID), 1)
	}
}

func TestListCadencesForContact(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tmpl := e.followUp(t)
	e.apply(t, tmpl.ID, "c-1", "2024-01-01")
	e.apply(t, tmpl.ID, "c-1", "2024-02-01")
	e.apply(t, tmpl.ID, "c-2", "2024-01-01")

	cadences, err := e.cadences.ListCadencesForContact(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, cadences, 2)

	_, err = e.cadences.ListCadencesForContact(ctx, "")
	var verr *service.ValidationError
	assert.ErrorAs(t, err, &verr)
}
