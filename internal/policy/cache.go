package policy

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/rules"
)

// decisionCache is a small LRU with TTL keyed by everything the policy can see.
type decisionCache struct {
	cap    int
	ttl    time.Duration
	mu     sync.Mutex
	list   *list.List // MRU at front
	m      map[string]*list.Element
	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	satisfied bool
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(in rules.CriteriaInput) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(in.CompletedTaskTypes, ",")))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(strings.Join(in.AgentTypes, ",")))
	return fmt.Sprintf("%s|%s|%d|%d|%d|%x",
		in.Phase, in.Criterion, in.ComplexityUsed, in.ComplexityBudget, in.TasksCompleted, h.Sum64(),
	)
}

func (c *decisionCache) Get(in rules.CriteriaInput) (bool, bool) {
	key := c.makeKey(in)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			return ce.satisfied, true
		}
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return false, false
}

func (c *decisionCache) Set(in rules.CriteriaInput, satisfied bool) {
	key := c.makeKey(in)
	entry := cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), satisfied: satisfied}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = entry
		c.list.MoveToFront(el)
		return
	}
	c.m[key] = c.list.PushFront(entry)
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			delete(c.m, lru.Value.(cacheEntry).key)
			c.list.Remove(lru)
		}
	}
}

// Clear drops every decision; used after policies are reloaded.
func (c *decisionCache) Clear() {
	c.mu.Lock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
	c.mu.Unlock()
}

func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
