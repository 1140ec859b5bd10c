package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ignatij/gocadence/pkg/models"
	"github.com/ignatij/gocadence/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an already opened database handle.
func NewPostgresStoreWithDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin(ctx context.Context) (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// mapError translates driver errors into storage sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return errors.Wrap(storage.ErrDuplicate, pqErr.Message)
		case "22P02": // invalid_text_representation, e.g. a malformed uuid
			return errors.Wrap(storage.ErrNotFound, pqErr.Message)
		}
	}
	return err
}

// templateRow is the cadence_templates row; relationship types are a text[] column.
type templateRow struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	Description       string         `db:"description"`
	RelationshipTypes pq.StringArray `db:"relationship_types"`
	IsActive          bool           `db:"is_active"`
	Version           int            `db:"version"`
	CreatedAt         sql.NullTime   `db:"created_at"`
	UpdatedAt         sql.NullTime   `db:"updated_at"`
}

func (r templateRow) template() models.CadenceTemplate {
	t := models.CadenceTemplate{
		ID:                r.ID,
		Name:              r.Name,
		Description:       r.Description,
		RelationshipTypes: make([]models.RelationshipType, len(r.RelationshipTypes)),
		IsActive:          r.IsActive,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt.Time,
		UpdatedAt:         r.UpdatedAt.Time,
	}
	for i, rt := range r.RelationshipTypes {
		t.RelationshipTypes[i] = models.RelationshipType(rt)
	}
	return t
}

type stepRow struct {
	TemplateID string `db:"template_id"`
	models.CadenceStep
}

func relationshipTypeStrings(types []models.RelationshipType) pq.StringArray {
	out := make(pq.StringArray, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

const templateColumns = "id, name, description, relationship_types, is_active, version, created_at, updated_at"

// SaveTemplate inserts a template and its steps. Call it inside a transaction.
func (s *PostgresStore) SaveTemplate(ctx context.Context, t models.CadenceTemplate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cadence_templates (id, name, description, relationship_types, is_active, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Name, t.Description, relationshipTypeStrings(t.RelationshipTypes), t.IsActive, t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save template: %w", mapError(err))
	}
	return s.insertSteps(ctx, t.ID, t.Steps)
}

func (s *PostgresStore) insertSteps(ctx context.Context, templateID string, steps []models.CadenceStep) error {
	for _, step := range steps {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cadence_steps (template_id, step_number, name, task_type, day_offset, description)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			templateID, step.StepNumber, step.Name, step.TaskType, step.DayOffset, step.Description)
		if err != nil {
			return fmt.Errorf("save step %d of template %s: %w", step.StepNumber, templateID, mapError(err))
		}
	}
	return nil
}

// ReplaceTemplate overwrites the template row and swaps its whole step set. Call it inside a transaction.
func (s *PostgresStore) ReplaceTemplate(ctx context.Context, t models.CadenceTemplate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cadence_templates
		SET name = $1, description = $2, relationship_types = $3, is_active = $4, version = $5, updated_at = $6
		WHERE id = $7`,
		t.Name, t.Description, relationshipTypeStrings(t.RelationshipTypes), t.IsActive, t.Version, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("replace template %s: %w", t.ID, mapError(err))
	}
	if err := expectRow(res); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cadence_steps WHERE template_id = $1", t.ID); err != nil {
		return fmt.Errorf("delete steps of template %s: %w", t.ID, mapError(err))
	}
	return s.insertSteps(ctx, t.ID, t.Steps)
}

// GetCadenceTemplate retrieves a template by ID, including its steps in step order
func (s *PostgresStore) GetCadenceTemplate(ctx context.Context, id string) (models.CadenceTemplate, error) {
	var row templateRow
	err := s.db.GetContext(ctx, &row, "SELECT "+templateColumns+" FROM cadence_templates WHERE id = $1", id)
	if err != nil {
		return models.CadenceTemplate{}, mapError(err)
	}
	tmpl := row.template()
	err = s.db.SelectContext(ctx, &tmpl.Steps,
		"SELECT step_number, name, task_type, day_offset, description FROM cadence_steps WHERE template_id = $1 ORDER BY step_number", id)
	if err != nil {
		return models.CadenceTemplate{}, fmt.Errorf("get steps of template %s: %w", id, err)
	}
	return tmpl, nil
}

func (s *PostgresStore) listTemplates(ctx context.Context, activeOnly bool) ([]models.CadenceTemplate, error) {
	query := "SELECT " + templateColumns + " FROM cadence_templates"
	if activeOnly {
		query += " WHERE is_active"
	}
	query += " ORDER BY name, id"

	rows := []templateRow{}
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	templates := make([]models.CadenceTemplate, len(rows))
	if len(rows) == 0 {
		return templates, nil
	}
	ids := make(pq.StringArray, len(rows))
	index := make(map[string]int, len(rows))
	for i, row := range rows {
		templates[i] = row.template()
		ids[i] = row.ID
		index[row.ID] = i
	}

	var steps []stepRow
	err := s.db.SelectContext(ctx, &steps, `
		SELECT template_id, step_number, name, task_type, day_offset, description
		FROM cadence_steps WHERE template_id = ANY($1) ORDER BY template_id, step_number`, ids)
	if err != nil {
		return nil, fmt.Errorf("list template steps: %w", err)
	}
	for _, step := range steps {
		i := index[step.TemplateID]
		templates[i].Steps = append(templates[i].Steps, step.CadenceStep)
	}
	return templates, nil
}

func (s *PostgresStore) ListCadenceTemplates(ctx context.Context) ([]models.CadenceTemplate, error) {
	return s.listTemplates(ctx, false)
}

func (s *PostgresStore) ListActiveCadenceTemplates(ctx context.Context) ([]models.CadenceTemplate, error) {
	return s.listTemplates(ctx, true)
}

func (s *PostgresStore) SetTemplateActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE cadence_templates SET is_active = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", active, id)
	if err != nil {
		return mapError(err)
	}
	return expectRow(res)
}

func (s *PostgresStore) SaveRelationship(ctx context.Context, r models.Relationship) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationships (id, contact_id, organization_id, type, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET contact_id = EXCLUDED.contact_id, organization_id = EXCLUDED.organization_id, type = EXCLUDED.type`,
		r.ID, r.ContactID, r.OrganizationID, r.Type, r.CreatedAt)
	return mapError(err)
}

func (s *PostgresStore) GetRelationship(ctx context.Context, id string) (models.Relationship, error) {
	var r models.Relationship
	err := s.db.GetContext(ctx, &r, "SELECT id, contact_id, organization_id, type, created_at FROM relationships WHERE id = $1", id)
	if err != nil {
		return models.Relationship{}, mapError(err)
	}
	return r, nil
}

const cadenceColumns = `id, cadence_template_id, template_version, contact_id, relationship_id, organization_id, assignee,
	start_date, status, current_step_index, clear_reason, paused_at, revision, created_at, updated_at`

func (s *PostgresStore) CreateAppliedCadence(ctx context.Context, ac models.AppliedCadence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applied_cadences (`+cadenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ac.ID, ac.CadenceTemplateID, ac.TemplateVersion, ac.ContactID, ac.RelationshipID, ac.OrganizationID, ac.Assignee,
		ac.StartDate, ac.Status, ac.CurrentStepIndex, ac.ClearReason, ac.PausedAt, ac.Revision, ac.CreatedAt, ac.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create applied cadence: %w", mapError(err))
	}
	return nil
}

func (s *PostgresStore) GetAppliedCadence(ctx context.Context, id string) (models.AppliedCadence, error) {
	var ac models.AppliedCadence
	err := s.db.GetContext(ctx, &ac, "SELECT "+cadenceColumns+" FROM applied_cadences WHERE id = $1", id)
	if err != nil {
		return models.AppliedCadence{}, mapError(err)
	}
	return ac, nil
}

// UpdateAppliedCadence applies the patch only while status and revision still match the
// values the caller read. A lost race returns storage.ErrStaleState.
func (s *PostgresStore) UpdateAppliedCadence(ctx context.Context, id string, patch models.AppliedCadencePatch) (models.AppliedCadence, error) {
	var ac models.AppliedCadence
	err := s.db.QueryRowxContext(ctx, `
		UPDATE applied_cadences SET
			status = COALESCE($1, status),
			current_step_index = COALESCE($2, current_step_index),
			start_date = COALESCE($3, start_date),
			paused_at = CASE WHEN $4 THEN NULL ELSE COALESCE($5, paused_at) END,
			clear_reason = COALESCE($6, clear_reason),
			revision = revision + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $7 AND status = $8 AND revision = $9
		RETURNING `+cadenceColumns,
		patch.Status, patch.CurrentStepIndex, patch.StartDate, patch.ResetPausedAt, patch.PausedAt, patch.ClearReason,
		id, patch.ExpectedStatus, patch.ExpectedRevision).StructScan(&ac)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the row is gone or someone else changed it first
		var exists bool
		if err := s.db.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM applied_cadences WHERE id = $1)", id); err != nil {
			return models.AppliedCadence{}, mapError(err)
		}
		if !exists {
			return models.AppliedCadence{}, storage.ErrNotFound
		}
		return models.AppliedCadence{}, storage.ErrStaleState
	}
	if err != nil {
		return models.AppliedCadence{}, fmt.Errorf("update applied cadence %s: %w", id, mapError(err))
	}
	return ac, nil
}

func (s *PostgresStore) ListAppliedCadencesByContact(ctx context.Context, contactID string) ([]models.AppliedCadence, error) {
	cadences := []models.AppliedCadence{}
	err := s.db.SelectContext(ctx, &cadences,
		"SELECT "+cadenceColumns+" FROM applied_cadences WHERE contact_id = $1 ORDER BY created_at DESC", contactID)
	if err != nil {
		return nil, err
	}
	return cadences, nil
}

func (s *PostgresStore) AppendCadenceEvent(ctx context.Context, e models.CadenceEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cadence_events (applied_cadence_id, action, from_status, to_status, step_index, message, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.AppliedCadenceID, e.Action, e.FromStatus, e.ToStatus, e.StepIndex, e.Message, e.LoggedAt)
	return mapError(err)
}

func (s *PostgresStore) ListCadenceEvents(ctx context.Context, appliedCadenceID string) ([]models.CadenceEvent, error) {
	events := []models.CadenceEvent{}
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, applied_cadence_id, action, from_status, to_status, step_index, message, logged_at
		FROM cadence_events WHERE applied_cadence_id = $1 ORDER BY id`, appliedCadenceID)
	if err != nil {
		return nil, mapError(err)
	}
	return events, nil
}

const taskColumns = `id, applied_cadence_id, step_index, step_number, contact_id, organization_id, assignee, title,
	description, task_type, due_date, status, completed_at, created_at, updated_at`

// CreateTask inserts a task. A second task for the same cadence step returns storage.ErrDuplicate
// without aborting the surrounding transaction.
func (s *PostgresStore) CreateTask(ctx context.Context, t models.Task) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (applied_cadence_id, step_index) WHERE applied_cadence_id IS NOT NULL DO NOTHING`,
		t.ID, t.AppliedCadenceID, t.StepIndex, t.StepNumber, t.ContactID, t.OrganizationID, t.Assignee, t.Title,
		t.Description, t.TaskType, t.DueDate, t.Status, t.CompletedAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrDuplicate
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	var t models.Task
	if err := s.db.GetContext(ctx, &t, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id); err != nil {
		return models.Task{}, mapError(err)
	}
	return t, nil
}

func (s *PostgresStore) GetCadenceTask(ctx context.Context, appliedCadenceID string, stepIndex int) (models.Task, error) {
	var t models.Task
	err := s.db.GetContext(ctx, &t,
		"SELECT "+taskColumns+" FROM tasks WHERE applied_cadence_id = $1 AND step_index = $2", appliedCadenceID, stepIndex)
	if err != nil {
		return models.Task{}, mapError(err)
	}
	return t, nil
}

// UpdateTaskStatus updates the status of a task and stamps completed_at for finished tasks
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1,
		completed_at = CASE WHEN $2 IN ('completed', 'dismissed') THEN CURRENT_TIMESTAMP ELSE NULL END,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $3`,
		// PostgreSQL types each placeholder once, so the status used in the CASE is passed separately
		status, string(status), id)
	if err != nil {
		return mapError(err)
	}
	return expectRow(res)
}

// QueryTasks returns the page of tasks selected by filter and the total match count.
func (s *PostgresStore) QueryTasks(ctx context.Context, filter storage.TaskFilter) ([]models.Task, int, error) {
	where, args := taskWhere(filter)

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM tasks"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query := "SELECT " + taskColumns + " FROM tasks" + where + " ORDER BY due_date, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	tasks := []models.Task{}
	if err := s.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	return tasks, total, nil
}

// taskWhere translates a filter into a WHERE clause with positional arguments.
func taskWhere(f storage.TaskFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Text != "" {
		p := arg("%" + escapeLike(f.Text) + "%")
		conds = append(conds, fmt.Sprintf("(title ILIKE %s OR description ILIKE %s)", p, p))
	}
	if len(f.Statuses) > 0 {
		statuses := make(pq.StringArray, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		conds = append(conds, "status = ANY("+arg(statuses)+")")
	}
	if len(f.TaskTypes) > 0 {
		types := make(pq.StringArray, len(f.TaskTypes))
		for i, tt := range f.TaskTypes {
			types[i] = string(tt)
		}
		conds = append(conds, "task_type = ANY("+arg(types)+")")
	}
	if f.Assignee != "" {
		conds = append(conds, "assignee = "+arg(f.Assignee))
	}
	if f.DueFrom != nil {
		conds = append(conds, "due_date >= "+arg(*f.DueFrom))
	}
	if f.DueTo != nil {
		conds = append(conds, "due_date <= "+arg(*f.DueTo))
	}
	if f.ContactID != "" {
		conds = append(conds, "contact_id = "+arg(f.ContactID))
	}
	if f.OrganizationID != "" {
		conds = append(conds, "organization_id = "+arg(f.OrganizationID))
	}
	if f.AppliedCadenceID != "" {
		conds = append(conds, "applied_cadence_id = "+arg(f.AppliedCadenceID))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
