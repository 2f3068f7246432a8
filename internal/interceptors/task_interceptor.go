package interceptors

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/tracing"
)

type taskKey struct{}

// TaskInfo identifies the task an outgoing call is made for.
type TaskInfo struct {
	TaskID  string
	AgentID string
}

// WithTask attaches task identity to ctx for outgoing calls.
func WithTask(ctx context.Context, info TaskInfo) context.Context {
	return context.WithValue(ctx, taskKey{}, info)
}

// TaskFrom returns the task identity attached to ctx, if any.
func TaskFrom(ctx context.Context) (TaskInfo, bool) {
	info, ok := ctx.Value(taskKey{}).(TaskInfo)
	return info, ok
}

// TaskHTTPRoundTripper adds task metadata and trace context to outgoing HTTP requests
type TaskHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewTaskHTTPRoundTripper wraps base, defaulting to http.DefaultTransport.
func NewTaskHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &TaskHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper
func (t *TaskHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrip must not modify the caller's request
	req = req.Clone(req.Context())
	if info, ok := TaskFrom(req.Context()); ok {
		if info.TaskID != "" {
			req.Header.Set("X-Task-ID", info.TaskID)
		}
		if info.AgentID != "" {
			req.Header.Set("X-Agent-ID", info.AgentID)
		}
	}
	tracing.InjectTraceparent(req.Context(), req)
	return t.base.RoundTrip(req)
}

// LoggingUnaryServerInterceptor logs every unary gRPC call with its outcome
func LoggingUnaryServerInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("gRPC call",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}

// LoggingStreamServerInterceptor logs gRPC streams when they end
func LoggingStreamServerInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logger.Debug("gRPC stream closed",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}
