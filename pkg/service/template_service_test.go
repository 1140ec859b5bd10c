package service_test

import (
	"context"
	"strings"
	"testing"

	"github.com/ignatij/gocadence/pkg/models"
	"github.com/ignatij/gocadence/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestValidateTemplate(t *testing.T) {
	tmpl, err := service.ValidateTemplate(service.TemplateInput{
		Name:              "  Past client nurture ",
		RelationshipTypes: []string{"past_client", "client", "past_client"},
		Steps: []service.StepInput{
			{StepNumber: 7, Name: " Call ", TaskType: "call", DayOffset: 0},
			{StepNumber: 3, Name: "Mailer", TaskType: "send_mailer", DayOffset: 30},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Past client nurture", tmpl.Name)
	assert.Equal(t, []models.RelationshipType{models.PastClientRelationship, models.ClientRelationship}, tmpl.RelationshipTypes)
	assert.True(t, tmpl.IsActive)
	require.Len(t, tmpl.Steps, 2)
	assert.Equal(t, 1, tmpl.Steps[0].StepNumber)
	assert.Equal(t, "Call", tmpl.Steps[0].Name)
	assert.Equal(t, 2, tmpl.Steps[1].StepNumber)
}

func TestValidateTemplateCollectsEveryFieldError(t *testing.T) {
	_, err := service.ValidateTemplate(service.TemplateInput{
		Name:              strings.Repeat("x", 201),
		RelationshipTypes: []string{"client", "friend"},
		Steps: []service.StepInput{
			{Name: "", TaskType: "call"},
			{Name: "Fax", TaskType: "fax", DayOffset: -1},
		},
	})
	var errs service.ValidationErrors
	require.ErrorAs(t, err, &errs)

	fields := make([]string, len(errs))
	for i, e := range errs {
		fields[i] = e.Field
	}
	assert.ElementsMatch(t, []string{
		"name", "relationship_types[1]", "steps[0].name", "steps[1].task_type", "steps[1].day_offset",
	}, fields)

	var first *service.ValidationError
	assert.ErrorAs(t, err, &first)

	_, err = service.ValidateTemplate(service.TemplateInput{Name: "No steps"})
	require.ErrorAs(t, err, &errs)
	assert.Equal(t, "steps", errs[0].Field)
}

func TestValidateTemplateNormalizes(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(rt, "steps")
		in := service.TemplateInput{
			Name: rapid.StringMatching(`[ ]{0,3}[A-Za-z][A-Za-z ]{0,20}`).Draw(rt, "name"),
		}
		for i := 0; i < n; i++ {
			in.Steps = append(in.Steps, service.StepInput{
				StepNumber: rapid.Int().Draw(rt, "step_number"),
				Name:       rapid.StringMatching(`[A-Za-z]{1,10}`).Draw(rt, "step_name"),
				TaskType:   string(rapid.SampledFrom(models.TaskTypes).Draw(rt, "task_type")),
				DayOffset:  rapid.IntRange(0, 365).Draw(rt, "offset"),
			})
		}
		tmpl, err := service.ValidateTemplate(in)
		if err != nil {
			rt.Fatalf("valid input rejected: %v", err)
		}
		if tmpl.Name != strings.TrimSpace(tmpl.Name) {
			rt.Fatalf("name %q not trimmed", tmpl.Name)
		}
		for i, step := range tmpl.Steps {
			if step.StepNumber != i+1 {
				rt.Fatalf("step %d numbered %d", i, step.StepNumber)
			}
			if step.DayOffset != in.Steps[i].DayOffset {
				rt.Fatalf("step %d offset changed", i)
			}
		}
		again, err := service.ValidateTemplate(toInput(tmpl))
		if err != nil {
			rt.Fatalf("normalized template rejected: %v", err)
		}
		if again.Name != tmpl.Name || len(again.Steps) != len(tmpl.Steps) {
			rt.Fatalf("normalization is not idempotent")
		}
	})
}

func toInput(t models.CadenceTemplate) service.TemplateInput {
	in := service.TemplateInput{Name: t.Name, Description: t.Description, IsActive: &t.IsActive}
	for _, rt := range t.RelationshipTypes {
		in.RelationshipTypes = append(in.RelationshipTypes, string(rt))
	}
	for _, s := range t.Steps {
		in.Steps = append(in.Steps, service.StepInput{
			StepNumber: s.StepNumber, Name: s.Name, TaskType: string(s.TaskType), DayOffset: s.DayOffset, Description: s.Description,
		})
	}
	return in
}

func TestTemplateService(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	inactive := false

	tmpl := e.followUp(t)
	assert.NotEmpty(t, tmpl.ID)
	assert.Equal(t, 1, tmpl.Version)

	draft := e.template(t, service.TemplateInput{Name: "Draft", IsActive: &inactive, Steps: steps("Call", "call", 0)})
	assert.False(t, draft.IsActive)

	all, err := e.templates.ListTemplates(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err := e.templates.ListTemplates(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, tmpl.ID, active[0].ID)

	require.NoError(t, e.templates.SetTemplateActive(ctx, draft.ID, true))
	active, err = e.templates.ListTemplates(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	replaced, err := e.templates.ReplaceTemplate(ctx, tmpl.ID, service.TemplateInput{
		Name:  "Follow-up v2",
		Steps: steps("Email", "email", 0, "Call", "call", 2, "Meeting", "meeting", 9),
	})
	require.NoError(t, err)
	assert.Equal(t, tmpl.ID, replaced.ID)
	assert.Equal(t, 2, replaced.Version)
	assert.True(t, replaced.IsActive, "replace keeps the active flag when unset")

	got, err := e.templates.GetTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "Follow-up v2", got.Name)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, models.MeetingTaskType, got.Steps[2].TaskType)

	err = e.templates.SetTemplateActive(ctx, "missing", false)
	var storeErr *service.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.True(t, storeErr.NotFound())

	_, err = e.templates.ReplaceTemplate(ctx, "missing", service.TemplateInput{Name: "x", Steps: steps("Call", "call", 0)})
	require.ErrorAs(t, err, &storeErr)
	assert.True(t, storeErr.NotFound())

	_, err = e.templates.CreateTemplate(ctx, service.TemplateInput{Name: "Bad"})
	var verr *service.ValidationError
	assert.ErrorAs(t, err, &verr)
	all, err = e.templates.ListTemplates(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2, "invalid templates are not stored")
}

func TestAppliedCadenceFollowsReplacedTemplate(t *testing.T) {
	e := newEnv(t)
	tmpl := e.followUp(t)
	ac := e.apply(t, tmpl.ID, "c-1", "2024-01-01")

	_, err := e.templates.ReplaceTemplate(context.Background(), tmpl.ID, service.TemplateInput{
		Name:  "Follow-up v2",
		Steps: steps("Intro call", "call", 0, "Text", "text", 1, "Email", "email", 3),
	})
	require.NoError(t, err)

	e.complete(t, e.pendingTask(t, ac.ID).ID)
	next := e.pendingTask(t, ac.ID)
	assert.Equal(t, models.TextTaskType, next.TaskType)
	assert.Equal(t, date("2024-01-02"), next.DueDate)
	assert.Equal(t, 1, e.reload(t, ac.ID).TemplateVersion, "the applied version is recorded at apply time")
}
