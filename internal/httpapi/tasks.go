package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/teamleader"
)

const (
	defaultHistoryLimit = 50
	maxRequestBody      = 1 << 20
)

type delegateRequest struct {
	TaskID         string                 `json:"task_id,omitempty"`
	AgentType      string                 `json:"agent_type"`
	TaskType       string                 `json:"task_type"`
	Description    string                 `json:"description"`
	Complexity     int                    `json:"complexity"`
	Priority       int                    `json:"priority,omitempty"`
	ProjectID      string                 `json:"project_id,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	History        []models.Message       `json:"history,omitempty"`
	MCPContext     map[string]interface{} `json:"mcp_context,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
	Async          bool                   `json:"async,omitempty"`
}

func (req delegateRequest) spec() (models.TaskSpec, error) {
	var opts []models.TaskOption
	if req.TaskID != "" {
		opts = append(opts, models.WithTaskID(req.TaskID))
	}
	if req.Priority > 0 {
		opts = append(opts, models.WithPriority(models.Priority(req.Priority)))
	}
	if req.ProjectID != "" {
		opts = append(opts, models.WithProjectID(req.ProjectID))
	}
	if req.Metadata != nil {
		opts = append(opts, models.WithMetadata(req.Metadata))
	}
	return models.NewTaskSpec(req.AgentType, req.TaskType, req.Description, req.Complexity, opts...)
}

// handleDelegate runs a task synchronously, or queues it when async is set.
func (h *Handler) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, badRequest("INVALID_JSON", err.Error()))
		return
	}
	if req.TimeoutSeconds < 0 {
		h.writeError(w, r, badRequest("INVALID_TIMEOUT", "timeout_seconds cannot be negative"))
		return
	}
	spec, err := req.spec()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	opts := teamleader.DelegateOptions{
		History:    req.History,
		MCPContext: req.MCPContext,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	}

	if req.Async {
		id, err := h.leader.DelegateTaskAsync(r.Context(), spec, opts, func(result *models.TaskResult, err error) {
			if err != nil {
				h.logger.Warn("Queued task failed", zap.String("task_id", spec.TaskID), zap.Error(err))
			}
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"task_id": id,
			"status":  models.TaskStatusPending,
		})
		return
	}

	result, err := h.leader.DelegateTask(r.Context(), spec, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListTasks returns active tasks plus recent history.
// GET /api/v1/tasks?limit=<n>
func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, r, badRequest("INVALID_LIMIT", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	q := h.leader.TaskQueueStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":  q.Active,
		"history": h.leader.TaskHistory(limit),
		"metrics": q.Metrics,
	})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, ok := h.leader.GetTaskStatus(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not_found", "task_id": id})
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.leader.CancelTask(id) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not_found", "task_id": id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": id, "cancelled": true})
}

// handleGetPhase reports the current phase and its progress.
func (h *Handler) handleGetPhase(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.leader.Status(r.Context()).Phase)
}

type phaseRequest struct {
	Phase string `json:"phase"`
}

// handleProgressPhase answers 409 when the transition is not allowed yet.
func (h *Handler) handleProgressPhase(w http.ResponseWriter, r *http.Request) {
	var req phaseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.writeError(w, r, badRequest("INVALID_JSON", err.Error()))
		return
	}
	if req.Phase == "" {
		h.writeError(w, r, badRequest("PHASE_REQUIRED", "phase is required"))
		return
	}
	ok, err := h.leader.ProgressToPhase(r.Context(), req.Phase)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	phase := h.leader.Status(r.Context()).Phase
	code := http.StatusOK
	if !ok {
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]interface{}{
		"progressed": ok,
		"requested":  req.Phase,
		"phase":      phase,
	})
}
