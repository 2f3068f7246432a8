// Package httpapi serves the team leader's admin API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/auth"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/streaming"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/teamleader"
)

// Leader is the part of the team leader the admin API drives.
type Leader interface {
	DelegateTask(ctx context.Context, spec models.TaskSpec, opts teamleader.DelegateOptions) (*models.TaskResult, error)
	DelegateTaskAsync(ctx context.Context, spec models.TaskSpec, opts teamleader.DelegateOptions, onDone func(*models.TaskResult, error)) (string, error)
	ProgressToPhase(ctx context.Context, name string) (bool, error)
	Status(ctx context.Context) teamleader.Status
	TaskQueueStatus() teamleader.QueueStatus
	GetTaskStatus(taskID string) (models.TaskExecution, bool)
	TaskHistory(limit int) []models.TaskExecution
	CancelTask(taskID string) bool
}

// EventReplayer reads durable events, e.g. the Redis stream sink.
type EventReplayer interface {
	Replay(ctx context.Context, afterID, taskID string, count int64) ([]streaming.StoredEvent, error)
}

// Handler serves /api/v1.
type Handler struct {
	leader Leader
	hub    *streaming.Hub
	replay EventReplayer
	logger *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithEventReplay enables GET /api/v1/events from durable storage.
func WithEventReplay(r EventReplayer) Option { return func(h *Handler) { h.replay = r } }

func NewHandler(leader Leader, hub *streaming.Hub, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{leader: leader, hub: hub, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts every route on mux behind mw.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	route := func(pattern, scope string, fn http.HandlerFunc) {
		mux.Handle(pattern, mw.HTTPMiddleware(auth.RequireScope(scope, fn)))
	}
	route("GET /api/v1/status", auth.ScopeTasksRead, h.handleStatus)
	route("GET /api/v1/tasks", auth.ScopeTasksRead, h.handleListTasks)
	route("POST /api/v1/tasks", auth.ScopeTasksWrite, h.handleDelegate)
	route("GET /api/v1/tasks/{id}", auth.ScopeTasksRead, h.handleGetTask)
	route("POST /api/v1/tasks/{id}/cancel", auth.ScopeTasksWrite, h.handleCancelTask)
	route("GET /api/v1/phase", auth.ScopeTasksRead, h.handleGetPhase)
	route("POST /api/v1/phase", auth.ScopePhaseManage, h.handleProgressPhase)
	route("GET /api/v1/events", auth.ScopeEventsRead, h.handleReplayEvents)
	route("GET /api/v1/events/ws", auth.ScopeEventsRead, h.handleWS)
	route("GET /api/v1/events/sse", auth.ScopeEventsRead, h.handleSSE)
}

// NewServer wraps a mux in an http.Server with the usual timeouts. Event
// streams are long lived, so there is no write timeout.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.leader.Status(r.Context()))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case sdkerrors.CodeOf(err) == "RESULT_REJECTED":
		// the agent produced unusable output; the request itself was fine
		return http.StatusBadGateway
	case sdkerrors.IsKind(err, sdkerrors.ErrValidation),sdkerrors.IsKind(err, sdkerrors.ErrConfiguration):
		return http.StatusBadRequest
	case sdkerrors.IsKind(err, sdkerrors.ErrScopeViolation):
		return http.StatusUnprocessableEntity
	case sdkerrors.IsKind(err, sdkerrors.ErrAuthentication):
		return http.StatusUnauthorized
	case sdkerrors.IsKind(err, sdkerrors.ErrRateLimit):
		return http.StatusTooManyRequests
	case sdkerrors.IsKind(err, sdkerrors.ErrAgentUnavailable):
		return http.StatusServiceUnavailable
	case sdkerrors.IsKind(err, sdkerrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case sdkerrors.IsKind(err, sdkerrors.ErrTaskExecution), sdkerrors.IsKind(err, sdkerrors.ErrMCPServer),
		sdkerrors.IsKind(err, sdkerrors.ErrCommunication):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	body := map[string]interface{}{"error": "internal_error", "message": err.Error()}
	var sdkErr *sdkerrors.Error
	if errors.As(err, &sdkErr) {
		body = sdkErr.ToMap()
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("Admin request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		h.logger.Debug("Admin request rejected", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, body)
}

func badRequest(code, msg string) error { return sdkerrors.Validation(code, msg) }
