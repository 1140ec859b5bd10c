package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ignatij/gocadence/internal/log"
	"github.com/ignatij/gocadence/pkg/models"
	"github.com/ignatij/gocadence/pkg/service"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Services bundles what the HTTP surface exposes.
type Services struct {
	Templates     *service.TemplateService
	Cadences      *service.CadenceService
	Tasks         *service.TaskService
	Relationships *service.RelationshipService
}

// NewMux registers every route on a fresh mux.
func NewMux(svc Services) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)

	mux.HandleFunc("GET /templates", ListTemplatesHandler(svc.Templates))
	mux.HandleFunc("POST /templates", CreateTemplateHandler(svc.Templates))
	mux.HandleFunc("POST /templates/validate", ValidateTemplateHandler(svc.Templates))
	mux.HandleFunc("GET /templates/{id}", GetTemplateHandler(svc.Templates))
	mux.HandleFunc("PUT /templates/{id}", ReplaceTemplateHandler(svc.Templates))
	mux.HandleFunc("POST /templates/{id}/activate", SetTemplateActiveHandler(svc.Templates, true))
	mux.HandleFunc("POST /templates/{id}/deactivate", SetTemplateActiveHandler(svc.Templates, false))

	mux.HandleFunc("POST /relationships", SaveRelationshipHandler(svc.Relationships))
	mux.HandleFunc("GET /relationships/{id}", GetRelationshipHandler(svc.Relationships))

	mux.HandleFunc("POST /cadences", ApplyCadenceHandler(svc.Cadences))
	mux.HandleFunc("POST /cadences/bulk", BulkApplyCadenceHandler(svc.Cadences))
	mux.HandleFunc("GET /cadences/{id}", GetCadenceHandler(svc.Cadences))
	mux.HandleFunc("GET /cadences/{id}/events", CadenceEventsHandler(svc.Cadences))
	mux.HandleFunc("POST /cadences/{id}/pause", PauseCadenceHandler(svc.Cadences))
	mux.HandleFunc("POST /cadences/{id}/resume", ResumeCadenceHandler(svc.Cadences))
	mux.HandleFunc("POST /cadences/{id}/clear", ClearCadenceHandler(svc.Cadences))
	mux.HandleFunc("GET /contacts/{id}/cadences", ContactCadencesHandler(svc.Cadences))

	mux.HandleFunc("GET /tasks", SearchTasksHandler(svc.Tasks))
	mux.HandleFunc("GET /tasks/{id}", GetTaskHandler(svc.Tasks))
	mux.HandleFunc("POST /tasks/{id}/status", UpdateTaskStatusHandler(svc.Tasks))
	mux.HandleFunc("POST /tasks/status", BulkUpdateTaskStatusHandler(svc.Tasks))
	return mux
}

// StartServer serves until ctx is cancelled, then shuts down gracefully.
func StartServer(ctx context.Context, port int, svc Services) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           LoggingMiddleware(NewMux(svc)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting GoCadence server on :%d", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.GetLogger().Info("Shutting down GoCadence server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.GetLogger().WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("request")
	})
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "GoCadence server is running")
}

type fieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error     string       `json:"error"`
	Fields    []fieldError `json:"fields,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
}

// errorStatus maps the service error taxonomy onto HTTP status codes.
func errorStatus(err error) int {
	var (
		validation   *service.ValidationError
		transition   *service.InvalidStateTransitionError
		eligibility  *service.EligibilityError
		concurrent   *service.ConcurrentModificationError
		outOfRange   *service.IndexOutOfRangeError
		storeFailure *service.StoreError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &eligibility):
		return http.StatusUnprocessableEntity
	case errors.As(err, &transition), errors.As(err, &concurrent):
		return http.StatusConflict
	case errors.As(err, &outOfRange):
		return http.StatusInternalServerError
	case errors.As(err, &storeFailure):
		if storeFailure.NotFound() {
			return http.StatusNotFound
		}
		if storeFailure.Retryable {
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	resp := errorResponse{Error: err.Error()}

	var verrs service.ValidationErrors
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verrs):
		for _, v := range verrs {
			resp.Fields = append(resp.Fields, fieldError{Field: v.Field, Reason: v.Reason})
		}
	case errors.As(err, &verr):
		resp.Fields = []fieldError{{Field: verr.Field, Reason: verr.Reason}}
	}
	var storeFailure *service.StoreError
	if errors.As(err, &storeFailure) {
		resp.Retryable = storeFailure.Retryable
	}
	if status >= http.StatusInternalServerError {
		log.GetLogger().Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &service.ValidationError{Reason: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	return nil
}

func ListTemplatesHandler(svc *service.TemplateService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		activeOnly := r.URL.Query().Get("active") == "true"
		templates, err := svc.ListTemplates(r.Context(), activeOnly)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, templates)
	}
}

func CreateTemplateHandler(svc *service.TemplateService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in service.TemplateInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		tmpl, err := svc.CreateTemplate(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, tmpl)
	}
}

// ValidateTemplateHandler checks a payload without saving it and echoes the normalized template.
func ValidateTemplateHandler(svc *service.TemplateService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in service.TemplateInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		tmpl, err := svc.ValidateTemplate(in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tmpl)
	}
}

func GetTemplateHandler(svc *service.TemplateService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tmpl, err := svc.GetTemplate(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tmpl)
	}
}

func ReplaceTemplateHandler(svc *service.TemplateService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in service.TemplateInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		tmpl, err := svc.ReplaceTemplate(r.Context(), r.PathValue("id"), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tmpl)
	}
}

func SetTemplateActiveHandler(svc *service.TemplateService, active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := svc.SetTemplateActive(r.Context(), id, active); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "is_active": active})
	}
}

func SaveRelationshipHandler(svc *service.RelationshipService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in service.RelationshipInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		rel, err := svc.SaveRelationship(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rel)
	}
}

func GetRelationshipHandler(svc *service.RelationshipService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel, err := svc.GetRelationship(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rel)
	}
}

func ApplyCadenceHandler(svc *service.CadenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in service.ApplyCadenceInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		ac, err := svc.ApplyCadence(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ac)
	}
}

type bulkApplyRequest struct {
	TemplateID string                  `json:"template_id"`
	StartDate  string                  `json:"start_date"`
	Assignee   string                  `json:"assignee,omitempty"`
	Targets    []service.CadenceTarget `json:"targets"`
}

type bulkApplyItem struct {
	ContactID string                 `json:"contact_id"`
	Cadence   *models.AppliedCadence `json:"cadence,omitempty"`
	Error     *errorResponse         `json:"error,omitempty"`
}

// BulkApplyCadenceHandler reports one result per target; a failed contact does not fail the request.
func BulkApplyCadenceHandler(svc *service.CadenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkApplyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if len(req.Targets) == 0 {
			writeError(w, &service.ValidationError{Field: "targets", Reason: "must not be empty"})
			return
		}
		results := svc.BulkApplyCadence(r.Context(), service.ApplyCadenceInput{
			TemplateID: req.TemplateID,
			StartDate:  req.StartDate,
			Assignee:   req.Assignee,
		}, req.Targets)

		items := make([]bulkApplyItem, len(results))
		for i, res := range results {
			items[i] = bulkApplyItem{ContactID: res.ContactID, Cadence: res.Cadence}
			if res.Err != nil {
				items[i].Error = &errorResponse{Error: res.Err.Error()}
			}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func GetCadenceHandler(svc *service.CadenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac, err := svc.GetCadence(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ac)
	}
}

func CadenceEventsHandler(svc *service.CadenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := svc.ListCadenceEvents(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func PauseCadenceHandler(svc *service.CadenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac, err := svc.PauseCadence(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ac)
	}
}

func ResumeCadenceHandler(svc *service.CadenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac, err := svc.ResumeCadence(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ac)
	}
}

func ClearCadenceHandler(svc *service.CadenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		ac, err := svc.ClearCadence(r.Context(), r.PathValue("id"), req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ac)
	}
}

func ContactCadencesHandler(svc *service.CadenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cadences, err := svc.ListCadencesForContact(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cadences)
	}
}

func SearchTasksHandler(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseTaskQuery(r.URL.Query())
		if err != nil {
			writeError(w, err)
			return
		}
		page, err := svc.SearchTasks(r.Context(), q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

// splitList accepts both repeated parameters and comma-separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseTaskQuery(values url.Values) (service.TaskQuery, error) {
	var errs service.ValidationErrors
	q := service.TaskQuery{
		Query:            values.Get("q"),
		Assignee:         values.Get("assignee"),
		ContactID:        values.Get("contact_id"),
		OrganizationID:   values.Get("organization_id"),
		AppliedCadenceID: values.Get("applied_cadence_id"),
	}
	parseInt := func(field string, dst *int) {
		raw := values.Get(field)
		if raw == "" {
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, &service.ValidationError{Field: field, Reason: "must be an integer"})
			return
		}
		*dst = n
	}
	parseDate := func(field string) *time.Time {
		raw := values.Get(field)
		if raw == "" {
			return nil
		}
		d, err := models.ParseDate(raw)
		if err != nil {
			errs = append(errs, &service.ValidationError{Field: field, Reason: "must be a date in YYYY-MM-DD format"})
			return nil
		}
		return &d
	}
	parseInt("page", &q.Page)
	parseInt("page_size", &q.PageSize)
	q.DueFrom = parseDate("due_from")
	q.DueTo = parseDate("due_to")
	for _, st := range splitList(values["status"]) {
		q.Statuses = append(q.Statuses, models.TaskStatus(st))
	}
	for _, tt := range splitList(values["task_type"]) {
		q.TaskTypes = append(q.TaskTypes, models.TaskType(tt))
	}
	if len(errs) > 0 {
		return service.TaskQuery{}, errs
	}
	return q, nil
}

func GetTaskHandler(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := svc.GetTask(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func UpdateTaskStatusHandler(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status models.TaskStatus `json:"status"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := svc.UpdateTaskStatus(r.Context(), r.PathValue("id"), req.Status)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

type bulkStatusItem struct {
	ID    string         `json:"id"`
	Error *errorResponse `json:"error,omitempty"`
}

func BulkUpdateTaskStatusHandler(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs    []string          `json:"ids"`
			Status models.TaskStatus `json:"status"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if len(req.IDs) == 0 {
			writeError(w, &service.ValidationError{Field: "ids", Reason: "must not be empty"})
			return
		}
		errs := svc.BulkUpdateTaskStatus(r.Context(), req.IDs, req.Status)
		items := make([]bulkStatusItem, len(req.IDs))
		for i, id := range req.IDs {
			items[i].ID = id
			if errs[i] != nil {
				items[i].Error = &errorResponse{Error: errs[i].Error()}
			}
		}
		writeJSON(w, http.StatusOK, items)
	}
}
