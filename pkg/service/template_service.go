package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ignatij/gocadence/pkg/models"
	"github.com/ignatij/gocadence/pkg/storage"
)

const (
	maxTemplateNameLen        = 200
	maxTemplateDescriptionLen = 5000
	maxStepNameLen            = 200
	maxStepDescriptionLen     = 1000
)

// StepInput is a caller-supplied step. StepNumber is accepted but replaced on validation.
type StepInput struct {
	StepNumber  int    `json:"step_number" yaml:"step_number"`
	Name        string `json:"name" yaml:"name"`
	TaskType    string `json:"task_type" yaml:"task_type"`
	DayOffset   int    `json:"day_offset" yaml:"day_offset"`
	Description string `json:"description" yaml:"description"`
}

// TemplateInput is a candidate template payload. IsActive defaults to true.
type TemplateInput struct {
	Name              string      `json:"name" yaml:"name"`
	Description       string      `json:"description" yaml:"description"`
	RelationshipTypes []string    `json:"relationship_types" yaml:"relationship_types"`
	IsActive          *bool       `json:"is_active" yaml:"is_active"`
	Steps             []StepInput `json:"steps" yaml:"steps"`
}

// ValidateTemplate checks a payload and returns the normalized template: trimmed names,
// de-duplicated relationship types and steps renumbered 1..N in list order.
func ValidateTemplate(in TemplateInput) (models.CadenceTemplate, error) {
	var errs ValidationErrors
	fail := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		fail("name", "is required")
	case utf8.RuneCountInString(name) > maxTemplateNameLen:
		fail("name", "must be at most %d characters", maxTemplateNameLen)
	}
	if utf8.RuneCountInString(in.Description) > maxTemplateDescriptionLen {
		fail("description", "must be at most %d characters", maxTemplateDescriptionLen)
	}

	relTypes := make([]models.RelationshipType, 0, len(in.RelationshipTypes))
	for i, raw := range in.RelationshipTypes {
		rt := models.RelationshipType(raw)
		if !rt.Valid() {
			fail(fmt.Sprintf("relationship_types[%d]", i), "unknown relationship type %q", raw)
			continue
		}
		if !slices.Contains(relTypes, rt) {
			relTypes = append(relTypes, rt)
		}
	}

	if len(in.Steps) == 0 {
		fail("steps", "at least one step is required")
	}
	steps := make([]models.CadenceStep, 0, len(in.Steps))
	for i, s := range in.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		stepName := strings.TrimSpace(s.Name)
		switch {
		case stepName == "":
			fail(field+".name", "is required")
		case utf8.RuneCountInString(stepName) > maxStepNameLen:
			fail(field+".name", "must be at most %d characters", maxStepNameLen)
		}
		taskType := models.TaskType(s.TaskType)
		if !taskType.Valid() {
			fail(field+".task_type", "must be one of %v", models.TaskTypes)
		}
		if s.DayOffset < 0 {
			fail(field+".day_offset", "must not be negative")
		}
		if utf8.RuneCountInString(s.Description) > maxStepDescriptionLen {
			fail(field+".description", "must be at most %d characters", maxStepDescriptionLen)
		}
		steps = append(steps, models.CadenceStep{
			StepNumber:  i + 1,
			Name:        stepName,
			TaskType:    taskType,
			DayOffset:   s.DayOffset,
			Description: s.Description,
		})
	}
	if err := errs.orNil(); err != nil {
		return models.CadenceTemplate{}, err
	}

	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	return models.CadenceTemplate{
		Name:              name,
		Description:       in.Description,
		RelationshipTypes: relTypes,
		IsActive:          active,
		Steps:             steps,
	}, nil
}

// TemplateService manages cadence templates.
type TemplateService struct {
	store  storage.Store
	logger Logger
	now    func() time.Time
}

func NewTemplateService(store storage.Store, logger Logger) *TemplateService {
	return &TemplateService{store: store, logger: logger, now: time.Now}
}

func (s *TemplateService) ValidateTemplate(in TemplateInput) (models.CadenceTemplate, error) {
	return ValidateTemplate(in)
}

// CreateTemplate validates and persists a new template with its steps.
func (s *TemplateService) CreateTemplate(ctx context.Context, in TemplateInput) (tmpl models.CadenceTemplate, err error) {
	tmpl, err = ValidateTemplate(in)
	if err != nil {
		return models.CadenceTemplate{}, err
	}
	now := s.now()
	tmpl.ID = uuid.NewString()
	tmpl.Version = 1
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now

	txStore, err := s.store.Begin(ctx)
	if err != nil {
		return models.CadenceTemplate{}, storeError("begin transaction", "", err)
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

	if err = txStore.SaveTemplate(ctx, tmpl); err != nil {
		return models.CadenceTemplate{}, storeError("save template", "", err)
	}
	s.logger.Infof("Created cadence template '%s' with ID %s (%d steps)", tmpl.Name, tmpl.ID, len(tmpl.Steps))
	return tmpl, nil
}

// ReplaceTemplate swaps the template's definition and step set for a new version.
// Applied cadences keep their id reference and continue on the new steps.
func (s *TemplateService) ReplaceTemplate(ctx context.Context, id string, in TemplateInput) (tmpl models.CadenceTemplate, err error) {
	tmpl, err = ValidateTemplate(in)
	if err != nil {
		return models.CadenceTemplate{}, err
	}

	txStore, err := s.store.Begin(ctx)
	if err != nil {
		return models.CadenceTemplate{}, storeError("begin transaction", "", err)
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

	current, err := txStore.GetCadenceTemplate(ctx, id)
	if err != nil {
		return models.CadenceTemplate{}, storeError("get template", "", err)
	}
	tmpl.ID = current.ID
	tmpl.Version = current.Version + 1
	tmpl.CreatedAt = current.CreatedAt
	tmpl.UpdatedAt = s.now()
	if in.IsActive == nil {
		tmpl.IsActive = current.IsActive
	}
	if err = txStore.ReplaceTemplate(ctx, tmpl); err != nil {
		return models.CadenceTemplate{}, storeError("replace template", "", err)
	}
	s.logger.Infof("Replaced cadence template %s with version %d", tmpl.ID, tmpl.Version)
	return tmpl, nil
}

// SetTemplateActive toggles whether the template can be newly applied.
func (s *TemplateService) SetTemplateActive(ctx context.Context, id string, active bool) error {
	if id == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if err := s.store.SetTemplateActive(ctx, id, active); err != nil {
		return storeError("set template active", "", err)
	}
	s.logger.Infof("Set cadence template %s active=%t", id, active)
	return nil
}

func (s *TemplateService) GetTemplate(ctx context.Context, id string) (models.CadenceTemplate, error) {
	tmpl, err := s.store.GetCadenceTemplate(ctx, id)
	if err != nil {
		return models.CadenceTemplate{}, storeError("get template", "", err)
	}
	return tmpl, nil
}

func (s *TemplateService) ListTemplates(ctx context.Context, activeOnly bool) ([]models.CadenceTemplate, error) {
	var (
		templates []models.CadenceTemplate
		err       error
	)
	if activeOnly {
		templates, err = s.store.ListActiveCadenceTemplates(ctx)
	} else {
		templates, err = s.store.ListCadenceTemplates(ctx)
	}
	if err != nil {
		return nil, storeError("list templates", "", err)
	}
	return templates, nil
}
