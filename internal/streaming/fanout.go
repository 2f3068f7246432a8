package streaming

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
)

// NamedSink pairs a sink with a label for logs and metrics.
type NamedSink struct {
	Name string
	Sink Sink
}

// Fanout stamps events through the hub and forwards them to external sinks.
// Sink failures are logged and never reach the publisher.
type Fanout struct {
	hub     *Hub
	sinks   []NamedSink
	timeout time.Duration
	logger  *zap.Logger
}

// NewFanout creates a publisher. hub may be nil.
func NewFanout(hub *Hub, logger *zap.Logger, sinks ...NamedSink) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{hub: hub, sinks: sinks, timeout: 2 * time.Second, logger: logger}
}

// Hub returns the in-memory hub, if any.
func (f *Fanout) Hub() *Hub { return f.hub }

// Publish implements Sink.
func (f *Fanout) Publish(ctx context.Context, evt Event) error {
	if f.hub != nil {
		evt = f.hub.Emit(evt)
		metrics.EventsPublished.WithLabelValues("hub").Inc()
	} else if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	for _, s := range f.sinks {
		// detached from the caller so a cancelled task still gets its final event out
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		err := s.Sink.Publish(sctx, evt)
		cancel()
		if err != nil {
			metrics.EventSinkErrors.WithLabelValues(s.Name, "publish").Inc()
			f.logger.Warn("Event sink publish failed",
				zap.String("sink", s.Name),
				zap.String("task_id", evt.TaskID),
				zap.String("type", evt.Type),
				zap.Error(err),
			)
			continue
		}
		metrics.EventsPublished.WithLabelValues(s.Name).Inc()
	}
	return nil
}
