package http_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	internal_http "github.com/ignatij/gocadence/internal/http"
	"github.com/ignatij/gocadence/internal/log"
	"github.com/ignatij/gocadence/pkg/models"
	"github.com/ignatij/gocadence/pkg/service"
	"github.com/ignatij/gocadence/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	store := storage.NewMemoryStore()
	logger := log.GetLogger()
	cadences := service.NewCadenceService(store, logger, service.WithWorkerPool(service.NewWorkerPool(2, logger)))
	srv := httptest.NewServer(internal_http.NewMux(internal_http.Services{
		Templates:     service.NewTemplateService(store, logger),
		Cadences:      cadences,
		Tasks:         service.NewTaskService(store, logger, cadences),
		Relationships: service.NewRelationshipService(store, logger),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, payload interface{}) (int, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

var followUpTemplate = map[string]interface{}{
	"name":               "  New client follow-up ",
	"relationship_types": []string{"client"},
	"steps": []map[string]interface{}{
		{"name": "Intro call", "task_type": "call", "day_offset": 0},
		{"name": "Recap email", "task_type": "email", "day_offset": 3},
	},
}

func createTemplate(t *testing.T, srv *httptest.Server) models.CadenceTemplate {
	status, body := do(t, srv, http.MethodPost, "/templates", followUpTemplate)
	require.Equal(t, http.StatusCreated, status, string(body))
	return decode[models.CadenceTemplate](t, body)
}

func TestHealthCheck(t *testing.T) {
	srv := newServer(t)
	status, body := do(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "GoCadence server is running", string(body))
}

func TestCreateTemplate(t *testing.T) {
	srv := newServer(t)

	t.Run("normalizes the payload", func(t *testing.T) {
		tmpl := createTemplate(t, srv)
		assert.Equal(t, "New client follow-up", tmpl.Name)
		assert.True(t, tmpl.IsActive)
		assert.Equal(t, 1, tmpl.Version)
		require.Len(t, tmpl.Steps, 2)
		assert.Equal(t, 2, tmpl.Steps[1].StepNumber)
	})

	t.Run("reports every invalid field", func(t *testing.T) {
		status, body := do(t, srv, http.MethodPost, "/templates", map[string]interface{}{
			"name":  "",
			"steps": []map[string]interface{}{{"name": "Fax", "task_type": "fax", "day_offset": -1}},
		})
		assert.Equal(t, http.StatusBadRequest, status)
		resp := decode[struct {
			Error  string `json:"error"`
			Fields []struct {
				Field string `json:"field"`
			} `json:"fields"`
		}](t, body)
		assert.Contains(t, resp.Error, "validation failed")
		assert.GreaterOrEqual(t, len(resp.Fields), 3)
	})

	t.Run("rejects unknown JSON fields", func(t *testing.T) {
		status, _ := do(t, srv, http.MethodPost, "/templates/validate", map[string]interface{}{"nme": "typo"})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("replace bumps the version", func(t *testing.T) {
		tmpl := createTemplate(t, srv)
		status, body := do(t, srv, http.MethodPut, "/templates/"+tmpl.ID, map[string]interface{}{
			"name":  "Shorter follow-up",
			"steps": []map[string]interface{}{{"name": "Call", "task_type": "call", "day_offset": 1}},
		})
		require.Equal(t, http.StatusOK, status, string(body))
		replaced := decode[models.CadenceTemplate](t, body)
		assert.Equal(t, 2, replaced.Version)
		assert.Len(t, replaced.Steps, 1)
	})
}

func TestCadenceLifecycle(t *testing.T) {
	srv := newServer(t)
	tmpl := createTemplate(t, srv)

	status, body := do(t, srv, http.MethodPost, "/relationships", map[string]string{
		"contact_id": "contact-1", "organization_id": "org-1", "type": "client",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	rel := decode[models.Relationship](t, body)

	status, body = do(t, srv, http.MethodPost, "/cadences", map[string]string{
		"template_id": tmpl.ID, "contact_id": "contact-1", "relationship_id": rel.ID, "start_date": "2024-01-01",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	ac := decode[models.AppliedCadence](t, body)
	assert.Equal(t, models.ActiveCadenceStatus, ac.Status)
	assert.Equal(t, 0, ac.CurrentStepIndex)

	status, body = do(t, srv, http.MethodGet, "/tasks?applied_cadence_id="+ac.ID, nil)
	require.Equal(t, http.StatusOK, status)
	page := decode[models.TaskPage](t, body)
	require.Len(t, page.Tasks, 1)
	first := page.Tasks[0]
	assert.Equal(t, models.CallTaskType, first.TaskType)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), first.DueDate)
	assert.Equal(t, "org-1", *first.OrganizationID)

	status, body = do(t, srv, http.MethodPost, "/tasks/"+first.ID+"/status", map[string]string{"status": "completed"})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = do(t, srv, http.MethodGet, "/tasks?status=pending&applied_cadence_id="+ac.ID, nil)
	require.Equal(t, http.StatusOK, status)
	page = decode[models.TaskPage](t, body)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, models.EmailTaskType, page.Tasks[0].TaskType)
	assert.Equal(t, time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC), page.Tasks[0].DueDate)

	status, body = do(t, srv, http.MethodPost, "/cadences/"+ac.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, models.PausedCadenceStatus, decode[models.AppliedCadence](t, body).Status)

	status, _ = do(t, srv, http.MethodPost, "/cadences/"+ac.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = do(t, srv, http.MethodPost, "/cadences/"+ac.ID+"/clear", map[string]string{"reason": "   "})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, srv, http.MethodPost, "/cadences/"+ac.ID+"/clear", map[string]string{"reason": "Contact asked to stop"})
	require.Equal(t, http.StatusOK, status, string(body))
	cleared := decode[models.AppliedCadence](t, body)
	assert.Equal(t, models.ClearedCadenceStatus, cleared.Status)
	assert.Equal(t, "Contact asked to stop", *cleared.ClearReason)

	status, body = do(t, srv, http.MethodGet, "/tasks?status=dismissed&applied_cadence_id="+ac.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, decode[models.TaskPage](t, body).Total)

	status, body = do(t, srv, http.MethodGet, "/cadences/"+ac.ID+"/events", nil)
	require.Equal(t, http.StatusOK, status)
	events := decode[[]models.CadenceEvent](t, body)
	actions := make([]string, len(events))
	for i, e := range events {
		actions[i] = e.Action
	}
	assert.Equal(t, []string{"apply", "advance", "pause", "clear"}, actions)

	status, body = do(t, srv, http.MethodGet, "/contacts/contact-1/cadences", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]models.AppliedCadence](t, body), 1)
}

func TestApplyCadenceErrors(t *testing.T) {
	srv := newServer(t)
	tmpl := createTemplate(t, srv)

	t.Run("inactive template", func(t *testing.T) {
		status, _ := do(t, srv, http.MethodPost, "/templates/"+tmpl.ID+"/deactivate", nil)
		require.Equal(t, http.StatusOK, status)
		t.Cleanup(func() { do(t, srv, http.MethodPost, "/templates/"+tmpl.ID+"/activate", nil) })

		status, _ = do(t, srv, http.MethodPost, "/cadences", map[string]string{
			"template_id": tmpl.ID, "contact_id": "contact-1", "start_date": "2024-01-01",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, status)
	})

	t.Run("relationship type not eligible", func(t *testing.T) {
		_, body := do(t, srv, http.MethodPost, "/relationships", map[string]string{"contact_id": "contact-2", "type": "vendor"})
		rel := decode[models.Relationship](t, body)
		status, _ := do(t, srv, http.MethodPost, "/cadences", map[string]string{
			"template_id": tmpl.ID, "contact_id": "contact-2", "relationship_id": rel.ID, "start_date": "2024-01-01",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, status)
	})

	t.Run("impossible start date", func(t *testing.T) {
		status, _ := do(t, srv, http.MethodPost, "/cadences", map[string]string{
			"template_id": tmpl.ID, "contact_id": "contact-1", "start_date": "2024-02-30",
		})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("unknown template", func(t *testing.T) {
		status, _ := do(t, srv, http.MethodPost, "/cadences", map[string]string{
			"template_id": "missing", "contact_id": "contact-1", "start_date": "2024-01-01",
		})
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("unknown cadence", func(t *testing.T) {
		status, _ := do(t, srv, http.MethodGet, "/cadences/missing", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestBulkApplyCadence(t *testing.T) {
	srv := newServer(t)
	tmpl := createTemplate(t, srv)

	status, body := do(t, srv, http.MethodPost, "/cadences/bulk", map[string]interface{}{
		"template_id": tmpl.ID,
		"start_date":  "2024-01-01",
		"targets": []map[string]string{
			{"contact_id": "contact-1"},
			{"contact_id": "contact-2"},
			{"contact_id": "contact-3", "relationship_id": "missing"},
		},
	})
	require.Equal(t, http.StatusOK, status, string(body))
	items := decode[[]struct {
		ContactID string                 `json:"contact_id"`
		Cadence   *models.AppliedCadence `json:"cadence"`
		Error     *struct {
			Error string `json:"error"`
		} `json:"error"`
	}](t, body)
	require.Len(t, items, 3)
	assert.NotNil(t, items[0].Cadence)
	assert.NotNil(t, items[1].Cadence)
	assert.Nil(t, items[2].Cadence)
	assert.NotNil(t, items[2].Error)
}

func TestSearchTasksValidation(t *testing.T) {
	srv := newServer(t)

	status, _ := do(t, srv, http.MethodGet, "/tasks?page_size=500", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, srv, http.MethodGet, "/tasks?due_from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, srv, http.MethodGet, "/tasks?status=pending,unknown", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := do(t, srv, http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusOK, status)
	page := decode[models.TaskPage](t, body)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, service.DefaultPageSize, page.PageSize)
	assert.Empty(t, page.Tasks)
}
