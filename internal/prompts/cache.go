package prompts

import (
	"container/list"
	"sync"
	"time"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
)

// DefaultMaxEntries caps the prompt cache.
const DefaultMaxEntries = 1000

// entry is one cached prompt plus what is needed to re-resolve it.
type entry struct {
	key       string
	agentType string
	taskType  string
	// preferred is the task-specific path; it can shadow a fallback entry once created.
	preferred string
	prompt    *models.SystemPrompt
	// verified is when the file was last read and checksummed.
	verified time.Time
}

// lru is a strict least-recently-used cache; front = most recent.
type lru struct {
	mu   sync.Mutex
	cap  int
	list *list.List
	m    map[string]*list.Element
}

func newLRU(capacity int) *lru {
	if capacity <= 0 {
		capacity = DefaultMaxEntries
	}
	return &lru{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

// get returns the entry and marks it most recently used.
func (l *lru) get(key string) (*entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.m[key]
	if !ok {
		return nil, false
	}
	l.list.MoveToFront(el)
	return el.Value.(*entry), true
}

// peek returns the entry without touching recency.
func (l *lru) peek(key string) (*entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.m[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry), true
}

// put inserts or replaces an entry and returns how many entries were evicted.
func (l *lru) put(e *entry) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[e.key]; ok {
		el.Value = e
		l.list.MoveToFront(el)
		return 0
	}
	l.m[e.key] = l.list.PushFront(e)
	evicted := 0
	for l.list.Len() > l.cap {
		oldest := l.list.Back()
		if oldest == nil {
			break
		}
		delete(l.m, oldest.Value.(*entry).key)
		l.list.Remove(oldest)
		evicted++
	}
	return evicted
}

func (l *lru) remove(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.m[key]
	if !ok {
		return false
	}
	delete(l.m, key)
	l.list.Remove(el)
	return true
}

// matching returns entries for which fn is true, most recent first.
func (l *lru) matching(fn func(*entry) bool) []*entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*entry
	for el := l.list.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry); fn(e) {
			out = append(out, e)
		}
	}
	return out
}

// keys lists cache keys, most recent first.
func (l *lru) keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, l.list.Len())
	for el := l.list.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).key)
	}
	return out
}

func (l *lru) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}
