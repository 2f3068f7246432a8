package prompts

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
)

// watchLoop handles prompt directory events until stopped.
func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher, stopCh <-chan struct{}) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Prompt watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Error("Prompt watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	if !isPromptFile(event.Name) {
		return
	}
	path := filepath.Clean(event.Name)

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		m.evictSource(path)
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		m.scheduleReload(path)
	}
}

// scheduleReload debounces bursts of writes to one file.
func (m *Manager) scheduleReload(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.watching {
		return
	}
	if t, ok := m.pending[path]; ok {
		t.Stop()
	}
	m.pending[path] = time.AfterFunc(m.cfg.Debounce, func() {
		m.mu.Lock()
		delete(m.pending, path)
		active := m.watching
		m.mu.Unlock()
		if active {
			m.reloadPath(path)
		}
	})
}

// reloadPath reloads every entry sourced from path, or shadowed by it.
func (m *Manager) reloadPath(path string) {
	affected := m.cache.matching(func(e *entry) bool {
		return e.prompt.SourcePath == path || e.preferred == path
	})
	for _, e := range affected {
		if _, err := m.reload(e.key, e.agentType, e.taskType, triggerWatcher); err != nil {
			// the previous entry stays cached until a valid version appears
			m.logger.Warn("Prompt reload failed",
				zap.String("key", e.key),
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) evictSource(path string) {
	affected := m.cache.matching(func(e *entry) bool {
		return e.prompt.SourcePath == path
	})
	for _, e := range affected {
		if m.cache.remove(e.key) {
			metrics.PromptReloads.WithLabelValues(triggerWatcher, "evicted").Inc()
			m.logger.Info("Prompt evicted", zap.String("key", e.key), zap.String("path", path))
		}
	}
	metrics.PromptCacheSize.Set(float64(m.cache.len()))
}
