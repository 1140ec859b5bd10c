package service

import (
	"time"

	"github.com/ignatij/gocadence/pkg/models"
)

// GenerateTask builds the task draft for steps[stepIndex] of a cadence started on startDate.
// The due date is startDate plus the step's day offset in calendar days. Callers must check
// for completion first: an index past the last step fails with IndexOutOfRangeError.
func GenerateTask(steps []models.CadenceStep, startDate time.Time, stepIndex int) (models.TaskDraft, error) {
	if stepIndex < 0 || stepIndex >= len(steps) {
		return models.TaskDraft{}, &IndexOutOfRangeError{Index: stepIndex, Count: len(steps)}
	}
	step := steps[stepIndex]
	return models.TaskDraft{
		StepIndex:   stepIndex,
		StepNumber:  step.StepNumber,
		Title:       step.Name,
		Description: step.Description,
		TaskType:    step.TaskType,
		DueDate:     models.AddDays(startDate, step.DayOffset),
	}, nil
}
