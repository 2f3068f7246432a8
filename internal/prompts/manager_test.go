package prompts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

const validBody = `# Research Agent

## Role
You research libraries and summarise findings for the team.

## Core Capabilities
- documentation lookup
`

func newTestManager(t *testing.T, cfg Config) (*Manager, *atomic.Int64) {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	m, err := NewManager(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	reads := &atomic.Int64{}
	m.readFile = func(path string) ([]byte, error) {
		reads.Add(1)
		return os.ReadFile(path)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, reads
}

func writePrompt(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	// settled files are served from cache on an unchanged stat
	past := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, past, past))
	return path
}

// bumpMtime makes sure a rewrite is visible even on coarse mtime filesystems.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
}

func TestLoadPromptReadsOnce(t *testing.T) {
	m, reads := newTestManager(t, Config{})
	writePrompt(t, m.Dir(), "research.md", validBody)
	ctx := context.Background()

	first, err := m.LoadPrompt(ctx, "research", "", false)
	require.NoError(t, err)
	second, err := m.LoadPrompt(ctx, "research", "", false)
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, int64(1), reads.Load())

	st := m.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, 1, st.PromptCacheSize)
	assert.Equal(t, DefaultMaxEntries, st.MaxCacheSize)
}

func TestForceReloadPicksUpChanges(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	path := writePrompt(t, m.Dir(), "research.md", validBody)
	ctx := context.Background()

	before, err := m.LoadPrompt(ctx, "research", "", false)
	require.NoError(t, err)

	writePrompt(t, m.Dir(), "research.md", validBody+"\nAlso track release notes.\n")
	bumpMtime(t, path)

	after, err := m.LoadPrompt(ctx, "research", "", true)
	require.NoError(t, err)
	assert.NotEqual(t, before.Checksum, after.Checksum)
	assert.Contains(t, after.Content, "release notes")
}

func TestStatChangeWithSameContentKeepsChecksum(t *testing.T) {
	m, reads := newTestManager(t, Config{})
	path := writePrompt(t, m.Dir(), "research.md", validBody)
	ctx := context.Background()

	before, err := m.LoadPrompt(ctx, "research", "", false)
	require.NoError(t, err)
	bumpMtime(t, path)

	after, err := m.LoadPrompt(ctx, "research", "", false)
	require.NoError(t, err)
	assert.Equal(t, before.Checksum, after.Checksum)
	assert.Equal(t, int64(2), reads.Load())
	assert.Equal(t, int64(1), m.Stats().Reloads)
}

func TestSameSizeRewriteWithinMtimeGranularity(t *testing.T) {
	m, reads := newTestManager(t, Config{})
	path := filepath.Join(m.Dir(), "research.md")
	require.NoError(t, os.WriteFile(path, []byte(validBody), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	ctx := context.Background()

	before, err := m.LoadPrompt(ctx, "research", "", false)
	require.NoError(t, err)

	rewritten := strings.Replace(validBody, "Research", "Searcher", 1)
	require.Equal(t, len(validBody), len(rewritten))
	require.NoError(t, os.WriteFile(path, []byte(rewritten), 0o644))
	// same mtime tick and same size: the stat alone cannot tell the files apart
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))

	after, err := m.LoadPrompt(ctx, "research", "", false)
	require.NoError(t, err)
	assert.NotEqual(t, before.Checksum, after.Checksum)
	assert.Contains(t, after.Content, "Searcher")
	assert.Equal(t, int64(2), reads.Load())
}

func TestTaskSpecificPromptPreferred(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	writePrompt(t, m.Dir(), "backend.md", strings.Replace(validBody, "Research", "Backend", 1))
	ctx := context.Background()

	fallback, err := m.LoadPrompt(ctx, "backend", "api_design", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Dir(), "backend.md"), fallback.SourcePath)

	writePrompt(t, m.Dir(), "backend_api_design.md", strings.Replace(validBody, "Research", "API Design", 1))
	specific, err := m.LoadPrompt(ctx, "backend", "api_design", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Dir(), "backend_api_design.md"), specific.SourcePath)
	assert.Contains(t, specific.Content, "API Design")
	assert.Equal(t, "api_design", specific.TaskType)
}

func TestMissingPrompt(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	_, err := m.LoadPrompt(context.Background(), "frontend", "ui", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrConfiguration))
	assert.Equal(t, "PROMPT_NOT_FOUND", sdkerrors.CodeOf(err))
}

func TestInvalidPromptRejected(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	writePrompt(t, m.Dir(), "frontend.md", "too short")

	_, err := m.LoadPrompt(context.Background(), "frontend", "", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrValidation))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	codes := make([]string, 0, len(verr.Issues))
	for _, issue := range verr.Issues {
		codes = append(codes, issue.Code)
	}
	assert.ElementsMatch(t, []string{"too_short", "missing_role", "missing_capabilities"}, codes)
	assert.Equal(t, 0, m.Stats().PromptCacheSize)
}

func TestFrontMatter(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	writePrompt(t, m.Dir(), "research.md", "---\nversion: 2.1.0\ndescription: deep research\ntags: [docs]\nowner: platform\n---\n"+validBody)

	p, err := m.LoadPrompt(context.Background(), "research", "", false)
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", p.Version)
	assert.Equal(t, "deep research", p.Metadata["description"])
	assert.Equal(t, "platform", p.Metadata["owner"])
	assert.False(t, strings.HasPrefix(p.Content, "---"))

	writePrompt(t, m.Dir(), "backend.md", "---\nversion: [unclosed\n---\n"+validBody)
	_, err = m.LoadPrompt(context.Background(), "backend", "", false)
	assert.True(t, errors.Is(err, sdkerrors.ErrValidation))
}

func TestLRUEviction(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxEntries: 2})
	ctx := context.Background()
	for _, agent := range []string{"a", "b", "c"} {
		writePrompt(t, m.Dir(), agent+".md", validBody)
	}

	_, err := m.LoadPrompt(ctx, "a", "", false)
	require.NoError(t, err)
	_, err = m.LoadPrompt(ctx, "b", "", false)
	require.NoError(t, err)
	// touch a so b becomes least recently used
	_, err = m.LoadPrompt(ctx, "a", "", false)
	require.NoError(t, err)
	_, err = m.LoadPrompt(ctx, "c", "", false)
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "a"}, m.CachedKeys())
	assert.Equal(t, int64(1), m.Stats().Evictions)
}

func TestConcurrentLoadsShareRead(t *testing.T) {
	m, reads := newTestManager(t, Config{})
	writePrompt(t, m.Dir(), "research.md", validBody)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.LoadPrompt(context.Background(), "research", "", false)
		}()
	}
	wg.Wait()
	// later callers hit the cache; overlapping callers share one flight
	assert.LessOrEqual(t, reads.Load(), int64(16))
	assert.Equal(t, 1, m.Stats().PromptCacheSize)
}

func TestSeedDefaults(t *testing.T) {
	m, _ := newTestManager(t, Config{SeedDefaults: true})

	entries, err := filepath.Glob(filepath.Join(m.Dir(), "*.md"))
	require.NoError(t, err)
	assert.Len(t, entries, 5)

	n, err := m.SeedDefaults()
	require.NoError(t, err)
	assert.Zero(t, n)

	reports, err := m.ValidateAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 5)
	for _, r := range reports {
		assert.True(t, r.Valid, "%s: %v", r.File, r.Issues)
		assert.Equal(t, "1.0.0", r.Version)
	}

	p, err := m.LoadPrompt(context.Background(), models.AgentTypeResearch, "web_research", false)
	require.NoError(t, err)
	assert.Contains(t, p.Content, "Research Agent")
}

func TestValidateAllReportsIssues(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	writePrompt(t, m.Dir(), "good.md", validBody)
	writePrompt(t, m.Dir(), "bad.md", "")
	writePrompt(t, m.Dir(), "notes.txt", "ignored")

	reports, err := m.ValidateAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "bad.md", reports[0].File)
	assert.False(t, reports[0].Valid)
	assert.Equal(t, []string{"prompt is empty"}, reports[0].Issues)
	assert.True(t, reports[1].Valid)
}

func TestPrepareContext(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	writePrompt(t, m.Dir(), "research.md", validBody)

	spec, err := models.NewTaskSpec("research", "web_research", "find an ORM", 3)
	require.NoError(t, err)
	history := []models.Message{{Role: "user", Content: "hello"}}
	mcp := map[string]interface{}{"server": "context7"}

	actx, err := m.PrepareContext(context.Background(), spec, history, mcp)
	require.NoError(t, err)
	assert.Equal(t, contextHash(actx.Prompt.Content, spec.TaskID), actx.ContextHash)
	assert.Len(t, actx.ContextHash, 32)
	assert.Equal(t, spec.TaskID, actx.Task.TaskID)

	history[0].Content = "changed"
	mcp["server"] = "other"
	assert.Equal(t, "hello", actx.History[0].Content)
	assert.Equal(t, "context7", actx.MCPContext["server"])
}

func TestWatcherReloadsAndEvicts(t *testing.T) {
	m, _ := newTestManager(t, Config{Watch: true, Debounce: 10 * time.Millisecond})
	path := writePrompt(t, m.Dir(), "research.md", validBody)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	assert.True(t, m.Stats().Watching)

	before, err := m.LoadPrompt(ctx, "research", "", false)
	require.NoError(t, err)

	writePrompt(t, m.Dir(), "research.md", validBody+"\nPrefer primary sources.\n")
	assert.Eventually(t, func() bool {
		e, ok := m.cache.peek("research")
		return ok && e.prompt.Checksum != before.Checksum
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool {
		_, ok := m.cache.peek("research")
		return !ok
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, m.Close())
	assert.False(t, m.Stats().Watching)
}

func TestWatcherKeepsEntryOnInvalidEdit(t *testing.T) {
	m, _ := newTestManager(t, Config{Watch: true, Debounce: 10 * time.Millisecond})
	writePrompt(t, m.Dir(), "research.md", validBody)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	before, err := m.LoadPrompt(ctx, "research", "", false)
	require.NoError(t, err)

	writePrompt(t, m.Dir(), "research.md", "broken")
	time.Sleep(200 * time.Millisecond)

	e, ok := m.cache.peek("research")
	require.True(t, ok)
	assert.Equal(t, before.Checksum, e.prompt.Checksum)
}

func TestInvalidate(t *testing.T) {
	m, reads := newTestManager(t, Config{})
	writePrompt(t, m.Dir(), "research.md", validBody)
	ctx := context.Background()

	_, err := m.LoadPrompt(ctx, "research", "", false)
	require.NoError(t, err)
	assert.True(t, m.Invalidate("research", ""))
	assert.False(t, m.Invalidate("research", ""))

	_, err = m.LoadPrompt(ctx, "research", "", false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reads.Load())
}
