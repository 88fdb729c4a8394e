// Package api exposes pipeline configuration, triggering, execution reads
// and provider webhooks over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/pipeline"
	"github.com/animus-labs/deploypipe/internal/platform/auditlog"
	"github.com/animus-labs/deploypipe/internal/platform/httpserver"
	"github.com/animus-labs/deploypipe/internal/repo"
	"github.com/animus-labs/deploypipe/internal/service/pipelines"
)

const (
	maxConfigBody  = 1 << 20
	maxWebhookBody = 2 << 20

	// HeaderActor carries the caller identity set by the fronting gateway.
	HeaderActor = "X-Actor"
)

type Pipelines interface {
	TriggerPipeline(ctx context.Context, req pipelines.TriggerRequest) (string, error)
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	ListExecutions(ctx context.Context, applicationRef string, page pipelines.Page) ([]domain.Execution, error)
	GetLogs(ctx context.Context, executionID, stageID string) ([]domain.LogEntry, error)
	CancelExecution(ctx context.Context, id string, audit pipelines.AuditInfo) (domain.Execution, error)
	SaveConfig(ctx context.Context, cfg domain.PipelineConfig, audit pipelines.AuditInfo) (domain.PipelineConfig, error)
	LoadConfig(ctx context.Context, applicationRef string) (domain.PipelineConfig, error)
}

type API struct {
	logger   *slog.Logger
	svc      Pipelines
	webhooks WebhookConfig
}

func New(logger *slog.Logger, svc Pipelines, webhooks WebhookConfig) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{logger: logger, svc: svc, webhooks: webhooks}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /applications/{app}/pipeline", a.handleGetConfig)
	mux.HandleFunc("PUT /applications/{app}/pipeline", a.handlePutConfig)
	mux.HandleFunc("POST /applications/{app}/executions", a.handleTrigger)
	mux.HandleFunc("GET /applications/{app}/executions", a.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}", a.handleGetExecution)
	mux.HandleFunc("GET /executions/{id}/logs", a.handleGetLogs)
	mux.HandleFunc("POST /executions/{id}/cancel", a.handleCancel)
	mux.HandleFunc("POST /webhooks/{app}", a.handleWebhook)
}

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.svc.LoadConfig(r.Context(), r.PathValue("app"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if !cfg.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", cfg.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	httpserver.WriteJSON(w, http.StatusOK, configView(cfg))
}

func (a *API) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	app := strings.TrimSpace(r.PathValue("app"))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	cfg, err := pipeline.Decode(body, formatFromContentType(r.Header.Get("Content-Type")))
	if err != nil {
		a.writeErrorMessage(w, r, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}
	if cfg.ApplicationRef == "" {
		cfg.ApplicationRef = app
	}
	if cfg.ApplicationRef != app {
		a.writeErrorMessage(w, r, http.StatusBadRequest, "application_mismatch", "document application does not match the path")
		return
	}
	saved, err := a.svc.SaveConfig(r.Context(), cfg, auditInfo(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, configView(saved))
}

type triggerRequest struct {
	TriggerKind string `json:"trigger_kind"`
	Branch      string `json:"branch"`
	Tag         string `json:"tag"`
	CommitSHA   string `json:"commit_sha"`
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxConfigBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			a.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}
	kind := domain.TriggerKind(req.TriggerKind)
	if strings.TrimSpace(req.TriggerKind) == "" {
		kind = domain.TriggerKindAPI
	}
	id, err := a.svc.TriggerPipeline(r.Context(), pipelines.TriggerRequest{
		ApplicationRef: r.PathValue("app"),
		Kind:           kind,
		Branch:         req.Branch,
		Tag:            req.Tag,
		CommitSHA:      req.CommitSHA,
		Audit:          auditInfo(r),
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/executions/"+id)
	httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{
		"execution_id": id,
		"status":       domain.ExecutionStatusQueued,
	})
}

func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	page, ok := a.page(w, r)
	if !ok {
		return
	}
	list, err := a.svc.ListExecutions(r.Context(), r.PathValue("app"), page)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	out := make([]executionResponse, 0, len(list))
	for _, exec := range list {
		out = append(out, executionView(exec))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"executions": out,
		"limit":      page.Limit,
		"offset":     page.Offset,
	})
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := a.svc.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, executionView(exec))
}

func (a *API) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := a.svc.GetLogs(r.Context(), r.PathValue("id"), r.URL.Query().Get("stage"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.LogEntry{}
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	exec, err := a.svc.CancelExecution(r.Context(), r.PathValue("id"), auditInfo(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, executionView(exec))
}

func (a *API) page(w http.ResponseWriter, r *http.Request) (pipelines.Page, bool) {
	var page pipelines.Page
	q := r.URL.Query()
	for key, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.writeErrorMessage(w, r, http.StatusBadRequest, "invalid_"+key, key+" must be a non-negative integer")
			return pipelines.Page{}, false
		}
		*dst = n
	}
	if page.Limit == 0 {
		page.Limit = pipelines.DefaultPageLimit
	}
	if page.Limit > pipelines.MaxPageLimit {
		page.Limit = pipelines.MaxPageLimit
	}
	return page, true
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *pipeline.ValidationError
	switch {
	case errors.As(err, &verr):
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_config",
			"request_id": requestID(r),
			"fields":     verr.Fields,
		})
	case errors.Is(err, repo.ErrNotFound):
		a.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, domain.ErrPipelineDisabled):
		a.writeError(w, r, http.StatusConflict, "pipeline_disabled")
	case errors.Is(err, domain.ErrNoMatchingBranch):
		a.writeError(w, r, http.StatusUnprocessableEntity, "no_matching_branch")
	case errors.Is(err, domain.ErrTriggerModeMismatch):
		a.writeError(w, r, http.StatusUnprocessableEntity, "trigger_mode_mismatch")
	case errors.Is(err, domain.ErrNotCancellable):
		a.writeError(w, r, http.StatusConflict, "not_cancellable")
	case errors.Is(err, pipelines.ErrInvalidRequest):
		a.writeErrorMessage(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", requestID(r), "error", err)
		a.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	httpserver.WriteJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID(r),
	})
}

func (a *API) writeErrorMessage(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpserver.WriteJSON(w, status, map[string]any{
		"error":      code,
		"message":    message,
		"request_id": requestID(r),
	})
}

func requestID(r *http.Request) string {
	if id, ok := httpserver.RequestIDFromContext(r.Context()); ok {
		return id
	}
	return r.Header.Get("X-Request-Id")
}

func auditInfo(r *http.Request) pipelines.AuditInfo {
	return pipelines.AuditInfo{
		Actor:     strings.TrimSpace(r.Header.Get(HeaderActor)),
		RequestID: requestID(r),
		UserAgent: r.UserAgent(),
		IP:        auditlog.ParseRemoteIP(r.RemoteAddr),
	}
}

func formatFromContentType(contentType string) pipeline.Format {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return pipeline.FormatJSON
	}
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return pipeline.FormatYAML
	case "application/toml", "text/toml":
		return pipeline.FormatTOML
	default:
		return pipeline.FormatJSON
	}
}
