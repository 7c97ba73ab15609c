package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/alignment"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/service/workflow"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// Workflows is the workflow service used by the HTTP and MCP surfaces.
type Workflows interface {
	StartWorkflow(ctx context.Context, p workflow.StartParams) (workflow.StartResult, error)
	RequestRecalculation(ctx context.Context, req workflow.RecalculationRequest) (workflow.RecalculationResult, error)
	EnqueueQualityMetric(ctx context.Context, p model.WorkflowPayload) (string, error)
}

// Evaluations reads stored evaluation versions.
type Evaluations interface {
	GetEvaluationVersion(ctx context.Context, workspaceID, commitID int64, evaluationUUID uuid.UUID) (model.EvaluationVersion, error)
}

// ActiveEvaluations lists in-flight generation workflows.
type ActiveEvaluations interface {
	List(ctx context.Context, workspaceID, projectID int64) ([]model.ActiveEvaluation, error)
}

// HealthChecker reports database and queue health.
type HealthChecker interface {
	Ping(ctx context.Context) error
	QueueDepth(ctx context.Context) (int, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	workflows           Workflows
	evaluations         Evaluations
	active              ActiveEvaluations
	health              HealthChecker
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, OpenAPISpec.
type HandlersDeps struct {
	Workflows           Workflows
	Evaluations         Evaluations
	Active              ActiveEvaluations
	Health              HealthChecker
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		workflows:           d.Workflows,
		evaluations:         d.Evaluations,
		active:              d.Active,
		health:              d.Health,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleStartGeneration handles POST /v1/workspaces/{workspace_id}/commits/{commit_id}/generations.
func (h *Handlers) HandleStartGeneration(w http.ResponseWriter, r *http.Request) {
	workspaceID, commitID, ok := h.commitPath(w, r)
	if !ok {
		return
	}
	var req model.StartGenerationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	res, err := h.workflows.StartWorkflow(r.Context(), workflow.StartParams{
		WorkspaceID:  workspaceID,
		CommitID:     commitID,
		IssueID:      req.IssueID,
		DocumentUUID: req.DocumentUUID,
		ProviderName: req.ProviderName,
		Model:        req.Model,
	})
	if err != nil {
		h.writeServiceError(w, r, "start generation", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.StartGenerationResponse{
		ActiveEvaluation: res.ActiveEvaluation,
		JobID:            res.JobID,
	})
}

// HandleRecalculate handles
// POST /v1/workspaces/{workspace_id}/commits/{commit_id}/evaluations/{evaluation_uuid}/recalculate.
func (h *Handlers) HandleRecalculate(w http.ResponseWriter, r *http.Request) {
	workspaceID, commitID, evaluationUUID, ok := h.evaluationPath(w, r)
	if !ok {
		return
	}
	res, err := h.workflows.RequestRecalculation(r.Context(), workflow.RecalculationRequest{
		WorkspaceID:    workspaceID,
		CommitID:       commitID,
		EvaluationUUID: evaluationUUID,
	})
	if err != nil {
		h.writeServiceError(w, r, "recalculate", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.RecalculationResponse{
		JobID:          res.JobID,
		EvaluationUUID: evaluationUUID,
		PositiveCount:  res.PositiveCount,
		NegativeCount:  res.NegativeCount,
		AlignmentHash:  res.AlignmentHash,
	})
}

// HandleQualityMetric handles
// POST /v1/workspaces/{workspace_id}/commits/{commit_id}/evaluations/{evaluation_uuid}/quality.
// The body carries the workflow fields of the scoring payload.
func (h *Handlers) HandleQualityMetric(w http.ResponseWriter, r *http.Request) {
	workspaceID, commitID, evaluationUUID, ok := h.evaluationPath(w, r)
	if !ok {
		return
	}
	var p model.WorkflowPayload
	if err := decodeJSON(w, r, &p, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	p.WorkspaceID = workspaceID
	p.CommitID = commitID
	p.EvaluationUUID = evaluationUUID.String()
	// The project is resolved from the commit, never taken from the body.
	p.ProjectID = 0

	id, err := h.workflows.EnqueueQualityMetric(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, r, "quality metric", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.JobResponse{JobID: id})
}

// HandleGetAlignment handles
// GET /v1/workspaces/{workspace_id}/commits/{commit_id}/evaluations/{evaluation_uuid}/alignment.
func (h *Handlers) HandleGetAlignment(w http.ResponseWriter, r *http.Request) {
	workspaceID, commitID, evaluationUUID, ok := h.evaluationPath(w, r)
	if !ok {
		return
	}
	ev, err := h.evaluations.GetEvaluationVersion(r.Context(), workspaceID, commitID, evaluationUUID)
	if err != nil {
		h.writeServiceError(w, r, "get alignment", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AlignmentOf(ev))
}

// HandleListActiveEvaluations handles
// GET /v1/workspaces/{workspace_id}/projects/{project_id}/active-evaluations.
func (h *Handlers) HandleListActiveEvaluations(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := pathInt(r, "workspace_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	projectID, err := pathInt(r, "project_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	list, err := h.active.List(r.Context(), workspaceID, projectID)
	if err != nil {
		h.writeServiceError(w, r, "list active evaluations", err)
		return
	}
	if list == nil {
		list = []model.ActiveEvaluation{}
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleSubscribe handles GET /v1/subscribe (SSE). The optional workspace_id
// query parameter restricts the stream to one workspace.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	var workspaceID int64
	if v := r.URL.Query().Get("workspace_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "workspace_id must be a positive integer")
			return
		}
		workspaceID = id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived connection: lift the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(workspaceID)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.health.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	depth, err := h.health.QueueDepth(r.Context())
	if err != nil {
		h.logger.Warn("health: queue depth", "error", err)
		if status == "healthy" {
			status = "degraded"
		}
	}

	resp := model.HealthResponse{
		Status:     status,
		Version:    h.version,
		Postgres:   pgStatus,
		QueueDepth: depth,
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeServiceError maps workflow and storage errors onto HTTP statuses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		notFound     *workflow.NotFoundError
		insufficient *alignment.InsufficientDataError
		invalid      validator.ValidationErrors
	)
	switch {
	case errors.As(err, &notFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, storage.ErrAlreadyRecalculating):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a recalculation is already in progress")
	case errors.Is(err, workflow.ErrNoGroundTruth), errors.As(err, &insufficient):
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, err.Error())
	case errors.As(err, &invalid):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.logger.Error("http: "+op, "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

func (h *Handlers) commitPath(w http.ResponseWriter, r *http.Request) (workspaceID, commitID int64, ok bool) {
	workspaceID, err := pathInt(r, "workspace_id")
	if err == nil {
		commitID, err = pathInt(r, "commit_id")
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return 0, 0, false
	}
	return workspaceID, commitID, true
}

func (h *Handlers) evaluationPath(w http.ResponseWriter, r *http.Request) (workspaceID, commitID int64, evaluationUUID uuid.UUID, ok bool) {
	workspaceID, commitID, ok = h.commitPath(w, r)
	if !ok {
		return 0, 0, uuid.Nil, false
	}
	evaluationUUID, err := uuid.Parse(r.PathValue("evaluation_uuid"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "evaluation_uuid must be a valid UUID")
		return 0, 0, uuid.Nil, false
	}
	return workspaceID, commitID, evaluationUUID, true
}

func pathInt(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return v, nil
}
