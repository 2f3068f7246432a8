package orchestrator

import (
	"context"
	"time"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/streaming"
)

const maxLoggedEvents = 100

type monitorKey struct{}

// Monitor lets a running agent report progress on its task.
type Monitor struct {
	orch   *Orchestrator
	taskID string
}

func withMonitor(ctx context.Context, m *Monitor) context.Context {
	return context.WithValue(ctx, monitorKey{}, m)
}

// MonitorFrom returns the monitor attached to a task context.
func MonitorFrom(ctx context.Context) (*Monitor, bool) {
	m, ok := ctx.Value(monitorKey{}).(*Monitor)
	return m, ok && m != nil
}

// ReportProgress records progress in [0,1] for the task running under ctx.
// It is a no-op outside an orchestrated task.
func ReportProgress(ctx context.Context, progress float64, message string) {
	if m, ok := MonitorFrom(ctx); ok {
		m.ReportProgress(progress, message)
	}
}

// LogEvent appends a custom event to the task running under ctx.
func LogEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	if m, ok := MonitorFrom(ctx); ok {
		m.LogEvent(eventType, data)
	}
}

// TaskID is the monitored task.
func (m *Monitor) TaskID() string { return m.taskID }

func (m *Monitor) ReportProgress(progress float64, message string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	o := m.orch
	o.mu.Lock()
	exec, ok := o.active[m.taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	exec.Metadata["progress"] = progress
	exec.Metadata["progress_message"] = message
	agentID, agentType := exec.AgentID, exec.Spec.AgentType
	o.mu.Unlock()

	o.publish(streaming.Event{
		TaskID:    m.taskID,
		Type:      streaming.EventTaskProgress,
		AgentID:   agentID,
		AgentType: agentType,
		Message:   message,
		Data:      map[string]interface{}{"progress": progress},
	})
}

func (m *Monitor) LogEvent(eventType string, data map[string]interface{}) {
	o := m.orch
	entry := map[string]interface{}{
		"type":      eventType,
		"timestamp": time.Now().UTC(),
	}
	for k, v := range data {
		entry[k] = v
	}

	o.mu.Lock()
	exec, ok := o.active[m.taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	events, _ := exec.Metadata["events"].([]map[string]interface{})
	events = append(events, entry)
	if len(events) > maxLoggedEvents {
		events = events[len(events)-maxLoggedEvents:]
	}
	exec.Metadata["events"] = events
	agentID, agentType := exec.AgentID, exec.Spec.AgentType
	o.mu.Unlock()

	o.publish(streaming.Event{
		TaskID:    m.taskID,
		Type:      streaming.EventTaskLog,
		AgentID:   agentID,
		AgentType: agentType,
		Message:   eventType,
		Data:      data,
	})
}
