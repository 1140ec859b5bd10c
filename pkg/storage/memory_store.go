package storage

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignatij/gocadence/pkg/models"
	"github.com/pkg/errors"
)

type memoryState struct {
	mu            sync.RWMutex
	templates     map[string]models.CadenceTemplate
	relationships map[string]models.Relationship
	cadences      map[string]models.AppliedCadence
	events        []models.CadenceEvent
	tasks         map[string]models.Task
	nextEventID   int64
}

// memoryStore implements Store in memory. A transaction records undo actions and
// replays them on Rollback; single operations are atomic, transactions are not isolated.
type memoryStore struct {
	state *memoryState
	tx    bool
	done  bool
	undo  []func()
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{state: &memoryState{
		templates:     make(map[string]models.CadenceTemplate),
		relationships: make(map[string]models.Relationship),
		cadences:      make(map[string]models.AppliedCadence),
		tasks:         make(map[string]models.Task),
	}}
}

func (m *memoryStore) Begin(ctx context.Context) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryStore{state: m.state, tx: true}, nil
}

func (m *memoryStore) Commit() error {
	if !m.tx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	m.undo = nil
	return nil
}

func (m *memoryStore) Rollback() error {
	if !m.tx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	for i := len(m.undo) - 1; i >= 0; i-- {
		m.undo[i]()
	}
	m.undo = nil
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

// write runs fn under the state lock. fn returns the undo action for the change it made.
func (m *memoryStore) write(ctx context.Context, fn func(s *memoryState) (func(), error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	undo, err := fn(m.state)
	if err != nil {
		return err
	}
	if m.tx && undo != nil {
		m.undo = append(m.undo, undo)
	}
	return nil
}

func (m *memoryStore) read(ctx context.Context) (*memoryState, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.state.mu.RLock()
	return m.state, m.state.mu.RUnlock, nil
}

func cloneTemplate(t models.CadenceTemplate) models.CadenceTemplate {
	t.RelationshipTypes = slices.Clone(t.RelationshipTypes)
	t.Steps = slices.Clone(t.Steps)
	return t
}

func (m *memoryStore) SaveTemplate(ctx context.Context, t models.CadenceTemplate) error {
	return m.write(ctx, func(s *memoryState) (func(), error) {
		if _, ok := s.templates[t.ID]; ok {
			return nil, ErrDuplicate
		}
		s.templates[t.ID] = cloneTemplate(t)
		return func() { delete(s.templates, t.ID) }, nil
	})
}

func (m *memoryStore) ReplaceTemplate(ctx context.Context, t models.CadenceTemplate) error {
	return m.write(ctx, func(s *memoryState) (func(), error) {
		prev, ok := s.templates[t.ID]
		if !ok {
			return nil, ErrNotFound
		}
		t.CreatedAt = prev.CreatedAt
		s.templates[t.ID] = cloneTemplate(t)
		return func() { s.templates[t.ID] = prev }, nil
	})
}

func (m *memoryStore) GetCadenceTemplate(ctx context.Context, id string) (models.CadenceTemplate, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return models.CadenceTemplate{}, err
	}
	defer unlock()
	t, ok := s.templates[id]
	if !ok {
		return models.CadenceTemplate{}, ErrNotFound
	}
	return cloneTemplate(t), nil
}

func (m *memoryStore) listTemplates(ctx context.Context, activeOnly bool) ([]models.CadenceTemplate, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	templates := []models.CadenceTemplate{}
	for _, t := range s.templates {
		if activeOnly && !t.IsActive {
			continue
		}
		templates = append(templates, cloneTemplate(t))
	}
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].Name < templates[j].Name
	})
	return templates, nil
}

func (m *memoryStore) ListCadenceTemplates(ctx context.Context) ([]models.CadenceTemplate, error) {
	return m.listTemplates(ctx, false)
}

func (m *memoryStore) ListActiveCadenceTemplates(ctx context.Context) ([]models.CadenceTemplate, error) {
	return m.listTemplates(ctx, true)
}

func (m *memoryStore) SetTemplateActive(ctx context.Context, id string, active bool) error {
	return m.write(ctx, func(s *memoryState) (func(), error) {
		prev, ok := s.templates[id]
		if !ok {
			return nil, ErrNotFound
		}
		t := prev
		t.IsActive = active
		t.UpdatedAt = time.Now()
		s.templates[id] = t
		return func() { s.templates[id] = prev }, nil
	})
}

func (m *memoryStore) SaveRelationship(ctx context.Context, r models.Relationship) error {
	return m.write(ctx, func(s *memoryState) (func(), error) {
		prev, existed := s.relationships[r.ID]
		s.relationships[r.ID] = r
		return func() {
			if existed {
				s.relationships[r.ID] = prev
				return
			}
			delete(s.relationships, r.ID)
		}, nil
	})
}

func (m *memoryStore) GetRelationship(ctx context.Context, id string) (models.Relationship, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return models.Relationship{}, err
	}
	defer unlock()
	r, ok := s.relationships[id]
	if !ok {
		return models.Relationship{}, ErrNotFound
	}
	return r, nil
}

func (m *memoryStore) CreateAppliedCadence(ctx context.Context, ac models.AppliedCadence) error {
	return m.write(ctx, func(s *memoryState) (func(), error) {
		if _, ok := s.cadences[ac.ID]; ok {
			return nil, ErrDuplicate
		}
		s.cadences[ac.ID] = ac
		return func() { delete(s.cadences, ac.ID) }, nil
	})
}

func (m *memoryStore) GetAppliedCadence(ctx context.Context, id string) (models.AppliedCadence, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return models.AppliedCadence{}, err
	}
	defer unlock()
	ac, ok := s.cadences[id]
	if !ok {
		return models.AppliedCadence{}, ErrNotFound
	}
	return ac, nil
}

func (m *memoryStore) UpdateAppliedCadence(ctx context.Context, id string, patch models.AppliedCadencePatch) (models.AppliedCadence, error) {
	var updated models.AppliedCadence
	err := m.write(ctx, func(s *memoryState) (func(), error) {
		prev, ok := s.cadences[id]
		if !ok {
			return nil, ErrNotFound
		}
		if prev.Status != patch.ExpectedStatus || prev.Revision != patch.ExpectedRevision {
			return nil, ErrStaleState
		}
		updated = patch.Apply(prev)
		updated.UpdatedAt = time.Now()
		s.cadences[id] = updated
		return func() { s.cadences[id] = prev }, nil
	})
	return updated, err
}

func (m *memoryStore) ListAppliedCadencesByContact(ctx context.Context, contactID string) ([]models.AppliedCadence, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	cadences := []models.AppliedCadence{}
	for _, ac := range s.cadences {
		if ac.ContactID == contactID {
			cadences = append(cadences, ac)
		}
	}
	sort.Slice(cadences, func(i, j int) bool {
		return cadences[i].CreatedAt.After(cadences[j].CreatedAt)
	})
	return cadences, nil
}

func (m *memoryStore) AppendCadenceEvent(ctx context.Context, e models.CadenceEvent) error {
	return m.write(ctx, func(s *memoryState) (func(), error) {
		s.nextEventID++
		e.ID = s.nextEventID
		s.events = append(s.events, e)
		n := len(s.events)
		return func() { s.events = s.events[:n-1] }, nil
	})
}

func (m *memoryStore) ListCadenceEvents(ctx context.Context, appliedCadenceID string) ([]models.CadenceEvent, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	events := []models.CadenceEvent{}
	for _, e := range s.events {
		if e.AppliedCadenceID == appliedCadenceID {
			events = append(events, e)
		}
	}
	return events, nil
}

func (m *memoryStore) CreateTask(ctx context.Context, t models.Task) error {
	return m.write(ctx, func(s *memoryState) (func(), error) {
		if _, ok := s.tasks[t.ID]; ok {
			return nil, ErrDuplicate
		}
		// Check for a second task on the same cadence step
		if t.AppliedCadenceID != nil && t.StepIndex != nil {
			for _, existing := range s.tasks {
				if existing.AppliedCadenceID != nil && existing.StepIndex != nil &&
					*existing.AppliedCadenceID == *t.AppliedCadenceID && *existing.StepIndex == *t.StepIndex {
					return nil, ErrDuplicate
				}
			}
		}
		s.tasks[t.ID] = t
		return func() { delete(s.tasks, t.ID) }, nil
	})
}

func (m *memoryStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return models.Task{}, err
	}
	defer unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *memoryStore) GetCadenceTask(ctx context.Context, appliedCadenceID string, stepIndex int) (models.Task, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return models.Task{}, err
	}
	defer unlock()
	for _, t := range s.tasks {
		if t.AppliedCadenceID != nil && t.StepIndex != nil &&
			*t.AppliedCadenceID == appliedCadenceID && *t.StepIndex == stepIndex {
			return t, nil
		}
	}
	return models.Task{}, ErrNotFound
}

func (m *memoryStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	return m.write(ctx, func(s *memoryState) (func(), error) {
		prev, ok := s.tasks[id]
		if !ok {
			return nil, ErrNotFound
		}
		t := prev
		now := time.Now()
		t.Status = status
		t.UpdatedAt = now
		if status.Done() {
			t.CompletedAt = &now
		} else {
			t.CompletedAt = nil
		}
		s.tasks[id] = t
		return func() { s.tasks[id] = prev }, nil
	})
}

func (m *memoryStore) QueryTasks(ctx context.Context, filter TaskFilter) ([]models.Task, int, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	matched := []models.Task{}
	for _, t := range s.tasks {
		if matchTask(t, filter) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DueDate.Equal(matched[j].DueDate) {
			return matched[i].DueDate.Before(matched[j].DueDate)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := min(filter.Offset, total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

func matchTask(t models.Task, f TaskFilter) bool {
	if f.Text != "" {
		q := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(t.Title), q) && !strings.Contains(strings.ToLower(t.Description), q) {
			return false
		}
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.TaskTypes) > 0 && !slices.Contains(f.TaskTypes, t.TaskType) {
		return false
	}
	if f.Assignee != "" && t.Assignee != f.Assignee {
		return false
	}
	if f.DueFrom != nil && t.DueDate.Before(*f.DueFrom) {
		return false
	}
	if f.DueTo != nil && t.DueDate.After(*f.DueTo) {
		return false
	}
	if f.ContactID != "" && t.ContactID != f.ContactID {
		return false
	}
	if f.OrganizationID != "" && (t.OrganizationID == nil || *t.OrganizationID != f.OrganizationID) {
		return false
	}
	if f.AppliedCadenceID != "" && (t.AppliedCadenceID == nil || *t.AppliedCadenceID != f.AppliedCadenceID) {
		return false
	}
	return true
}
