package prompts

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

const (
	promptExt      = ".md"
	defaultVersion = "1.0.0"
)

// Reload triggers, used for metrics and logs.
const (
	triggerLoad    = "load"
	triggerForce   = "force"
	triggerWatcher = "watcher"
)

// Config configures a Manager.
type Config struct {
	Dir          string
	MaxEntries   int
	MinLength    int
	Watch        bool
	SeedDefaults bool
	// Debounce delays watcher reloads so editors finish writing.
	Debounce time.Duration
}

// CacheStats describes the prompt cache.
type CacheStats struct {
	PromptCacheSize  int    `json:"prompt_cache_size"`
	MaxCacheSize     int    `json:"max_cache_size"`
	Watching         bool   `json:"watching"`
	PromptsDirectory string `json:"prompts_directory"`
	Hits             int64  `json:"hits"`
	Misses           int64  `json:"misses"`
	Evictions        int64  `json:"evictions"`
	Reloads          int64  `json:"reloads"`
}

// Manager resolves agent prompts from markdown files, caches them and keeps
// the cache in sync with the directory.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	cache  *lru
	// flight serialises reloads per cache key across load and watcher paths.
	flight singleflight.Group

	readFile func(string) ([]byte, error)

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	reloads   atomic.Int64

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	watching bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	pending  map[string]*time.Timer
}

// NewManager creates the prompt directory if needed and optionally seeds the
// default prompt set.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dir == "" {
		return nil, sdkerrors.Configuration("PROMPTS_DIR_REQUIRED", "prompts directory cannot be empty")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultMinLength
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 50 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrConfiguration, "PROMPTS_DIR_UNAVAILABLE", "failed to create prompts directory", err)
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		cache:    newLRU(cfg.MaxEntries),
		readFile: os.ReadFile,
		pending:  make(map[string]*time.Timer),
	}
	if cfg.SeedDefaults {
		if _, err := m.SeedDefaults(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Dir returns the prompt directory.
func (m *Manager) Dir() string { return m.cfg.Dir }

func cacheKey(agentType, taskType string) string {
	if taskType == "" {
		return agentType
	}
	return agentType + ":" + taskType
}

func (m *Manager) specificPath(agentType, taskType string) string {
	if taskType == "" {
		return ""
	}
	return filepath.Join(m.cfg.Dir, agentType+"_"+taskType+promptExt)
}

func (m *Manager) genericPath(agentType string) string {
	return filepath.Join(m.cfg.Dir, agentType+promptExt)
}

// resolve picks {agent}_{task}.md, falling back to {agent}.md.
func (m *Manager) resolve(agentType, taskType string) (string, os.FileInfo, error) {
	candidates := []string{m.genericPath(agentType)}
	if specific := m.specificPath(agentType, taskType); specific != "" {
		candidates = []string{specific, m.genericPath(agentType)}
	}
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, info, nil
		}
	}
	return "", nil, sdkerrors.Configuration("PROMPT_NOT_FOUND",
		fmt.Sprintf("no prompt file for agent %q task %q", agentType, taskType)).
		WithDetail("searched", candidates)
}

// LoadPrompt returns the validated prompt for an agent and task type.
// An unchanged file is served from cache without being read again.
func (m *Manager) LoadPrompt(ctx context.Context, agentType, taskType string, forceReload bool) (*models.SystemPrompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := cacheKey(agentType, taskType)
	if !forceReload {
		if p, ok := m.fresh(key); ok {
			m.hits.Add(1)
			metrics.PromptCacheHits.Inc()
			m.logger.Debug("Prompt cache hit", zap.String("key", key))
			return p, nil
		}
	}
	trigger := triggerLoad
	if forceReload {
		trigger = triggerForce
	}
	return m.reload(key, agentType, taskType, trigger)
}

// mtimeGranularity bounds how coarse file modification times may be.
const mtimeGranularity = time.Second

// fresh returns the cached prompt when its source file is unchanged on disk
// and no task-specific file has appeared to shadow it.
func (m *Manager) fresh(key string) (*models.SystemPrompt, bool) {
	e, ok := m.cache.peek(key)
	if !ok {
		return nil, false
	}
	info, err := os.Stat(e.prompt.SourcePath)
	if err != nil || !info.ModTime().Equal(e.prompt.LastModified) || info.Size() != e.prompt.Size {
		return nil, false
	}
	// A same-size rewrite inside the filesystem's mtime granularity leaves the
	// stat unchanged, so a file modified close to its last read is checksummed again.
	if e.verified.Sub(info.ModTime()) < mtimeGranularity {
		return nil, false
	}
	if e.preferred != "" && e.preferred != e.prompt.SourcePath {
		if _, err := os.Stat(e.preferred); err == nil {
			return nil, false
		}
	}
	if _, ok := m.cache.get(key); !ok {
		return nil, false
	}
	return e.prompt, true
}

// reload re-reads a prompt. Concurrent reloads of one key share a single read.
func (m *Manager) reload(key, agentType, taskType, trigger string) (*models.SystemPrompt, error) {
	v, err, _ := m.flight.Do(key, func() (interface{}, error) {
		return m.readAndStore(key, agentType, taskType, trigger)
	})
	if err != nil {
		metrics.PromptReloads.WithLabelValues(trigger, "error").Inc()
		return nil, err
	}
	return v.(*models.SystemPrompt), nil
}

func (m *Manager) readAndStore(key, agentType, taskType, trigger string) (*models.SystemPrompt, error) {
	path, info, err := m.resolve(agentType, taskType)
	if err != nil {
		return nil, err
	}
	data, err := m.readFile(path)
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrConfiguration, "PROMPT_UNREADABLE", "failed to read prompt file", err).
			WithDetail("path", path)
	}
	m.misses.Add(1)
	metrics.PromptCacheMisses.Inc()
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	if cached, ok := m.cache.peek(key); ok && cached.prompt.Checksum == checksum && cached.prompt.SourcePath == path {
		// content unchanged, only file metadata moved
		refreshed := *cached.prompt
		refreshed.LastModified = info.ModTime()
		refreshed.Size = info.Size()
		m.store(&entry{key: key, agentType: agentType, taskType: taskType, preferred: cached.preferred, prompt: &refreshed})
		metrics.PromptReloads.WithLabelValues(trigger, "unchanged").Inc()
		return &refreshed, nil
	}

	fm, body, err := splitFrontMatter(path, data)
	if err != nil {
		return nil, err
	}
	if err := validateBody(path, body, m.cfg.MinLength); err != nil {
		m.logger.Error("Prompt validation failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}

	version := fm.Version
	if version == "" {
		version = defaultVersion
	}
	prompt := &models.SystemPrompt{
		AgentType:    agentType,
		TaskType:     taskType,
		Content:      body,
		Checksum:     checksum,
		Version:      version,
		Metadata:     fm.metadata(),
		SourcePath:   path,
		Size:         info.Size(),
		LastModified: info.ModTime(),
		LoadedAt:     time.Now().UTC(),
	}
	m.store(&entry{
		key:       key,
		agentType: agentType,
		taskType:  taskType,
		preferred: m.specificPath(agentType, taskType),
		prompt:    prompt,
	})
	m.reloads.Add(1)
	metrics.PromptReloads.WithLabelValues(trigger, "loaded").Inc()
	m.logger.Info("Prompt loaded",
		zap.String("key", key),
		zap.String("path", path),
		zap.String("checksum", checksum[:12]),
		zap.String("trigger", trigger),
	)
	return prompt, nil
}

func (m *Manager) store(e *entry) {
	e.verified = time.Now()
	if n := m.cache.put(e); n > 0 {
		m.evictions.Add(int64(n))
		metrics.PromptCacheEvictions.Add(float64(n))
	}
	metrics.PromptCacheSize.Set(float64(m.cache.len()))
}

// Invalidate drops a cache entry so the next load reads the file.
func (m *Manager) Invalidate(agentType, taskType string) bool {
	ok := m.cache.remove(cacheKey(agentType, taskType))
	metrics.PromptCacheSize.Set(float64(m.cache.len()))
	return ok
}

// CachedKeys lists cache keys, most recently used first.
func (m *Manager) CachedKeys() []string { return m.cache.keys() }

// PrepareContext bundles a freshly resolved prompt with caller history and MCP
// context for one task.
func (m *Manager) PrepareContext(ctx context.Context, spec models.TaskSpec, history []models.Message, mcpContext map[string]interface{}) (*models.AgentContext, error) {
	prompt, err := m.LoadPrompt(ctx, spec.AgentType, spec.TaskType, false)
	if err != nil {
		return nil, err
	}
	mcpCopy := make(map[string]interface{}, len(mcpContext))
	for k, v := range mcpContext {
		mcpCopy[k] = v
	}
	return &models.AgentContext{
		Prompt:      prompt,
		History:     append([]models.Message(nil), history...),
		MCPContext:  mcpCopy,
		Task:        spec,
		ContextHash: contextHash(prompt.Content, spec.TaskID),
		PreparedAt:  time.Now().UTC(),
	}, nil
}

func contextHash(content, taskID string) string {
	h := md5.Sum([]byte(content + ":" + taskID))
	return hex.EncodeToString(h[:])
}

// Stats reports cache occupancy and counters.
func (m *Manager) Stats() CacheStats {
	m.mu.Lock()
	watching := m.watching
	m.mu.Unlock()
	return CacheStats{
		PromptCacheSize:  m.cache.len(),
		MaxCacheSize:     m.cfg.MaxEntries,
		Watching:         watching,
		PromptsDirectory: m.cfg.Dir,
		Hits:             m.hits.Load(),
		Misses:           m.misses.Load(),
		Evictions:        m.evictions.Load(),
		Reloads:          m.reloads.Load(),
	}
}

// FileReport is the validation outcome of one prompt file.
type FileReport struct {
	File     string   `json:"file"`
	Valid    bool     `json:"valid"`
	Checksum string   `json:"checksum,omitempty"`
	Version  string   `json:"version,omitempty"`
	Issues   []string `json:"issues,omitempty"`
}

// ValidateAll checks every prompt file in the directory without touching the cache.
func (m *Manager) ValidateAll(ctx context.Context) ([]FileReport, error) {
	var reports []FileReport
	err := filepath.WalkDir(m.cfg.Dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != m.cfg.Dir {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != promptExt {
			return nil
		}
		reports = append(reports, m.validateFile(path))
		return nil
	})
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrConfiguration, "PROMPTS_DIR_UNREADABLE", "failed to walk prompts directory", err)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].File < reports[j].File })
	return reports, nil
}

func (m *Manager) validateFile(path string) FileReport {
	report := FileReport{File: filepath.Base(path)}
	data, err := m.readFile(path)
	if err != nil {
		report.Issues = []string{err.Error()}
		return report
	}
	sum := sha256.Sum256(data)
	report.Checksum = hex.EncodeToString(sum[:])
	fm, body, err := splitFrontMatter(path, data)
	if err == nil {
		err = validateBody(path, body, m.cfg.MinLength)
	}
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			for _, issue := range verr.Issues {
				report.Issues = append(report.Issues, issue.Message)
			}
		} else {
			report.Issues = []string{err.Error()}
		}
		return report
	}
	report.Valid = true
	report.Version = fm.Version
	if report.Version == "" {
		report.Version = defaultVersion
	}
	return report
}

// Start begins watching the prompt directory when watching is enabled.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Watch {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watching {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrConfiguration, "WATCHER_UNAVAILABLE", "failed to create file watcher", err)
	}
	if err := w.Add(m.cfg.Dir); err != nil {
		w.Close()
		return sdkerrors.Wrap(sdkerrors.ErrConfiguration, "WATCHER_UNAVAILABLE", "failed to watch prompts directory", err)
	}
	m.watcher = w
	m.watching = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.watchLoop(ctx, w, m.stopCh)

	m.logger.Info("Prompt watcher started", zap.String("dir", m.cfg.Dir))
	return nil
}

// Close stops the watcher and any pending reloads.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.watching {
		m.mu.Unlock()
		return nil
	}
	m.watching = false
	close(m.stopCh)
	w := m.watcher
	m.watcher = nil
	for path, t := range m.pending {
		t.Stop()
		delete(m.pending, path)
	}
	m.mu.Unlock()

	err := w.Close()
	m.wg.Wait()
	m.logger.Info("Prompt watcher stopped")
	return err
}

func isPromptFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), promptExt)
}
