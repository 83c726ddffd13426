package authz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type decisionKey struct {
	subject  string
	object   string
	relation string
}

// DecisionCache is an LRU cache of check results with a fixed time-to-live.
//
// Every invalidation bumps a generation counter. A decision computed under an
// older generation is dropped instead of stored, so a check that raced a
// revoke cannot reinstate the revoked answer.
type DecisionCache struct {
	mu         sync.Mutex
	lru        *expirable.LRU[decisionKey, bool]
	ttl        time.Duration
	generation uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewDecisionCache(maxSize int, ttl time.Duration) *DecisionCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &DecisionCache{
		lru: expirable.NewLRU[decisionKey, bool](maxSize, nil, ttl),
		ttl: ttl,
	}
}

func (c *DecisionCache) get(key decisionKey) (allowed, ok bool) {
	allowed, ok = c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return allowed, ok
}

// snapshot returns the generation a subsequent set must match.
func (c *DecisionCache) snapshot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// set stores a decision unless an invalidation happened since generation was
// taken. It reports whether the decision was stored.
func (c *DecisionCache) set(key decisionKey, allowed bool, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return false
	}
	c.lru.Add(key, allowed)
	return true
}

// InvalidateTuple drops every decision a change to t could affect.
func (c *DecisionCache) InvalidateTuple(t Tuple) {
	if t.Relation == RelationMember {
		c.InvalidateSubject(t.User)
		return
	}
	c.InvalidateObject(t.Object)
}

func (c *DecisionCache) InvalidateObject(object string) {
	c.removeWhere(func(key decisionKey) bool { return key.object == object })
}

func (c *DecisionCache) InvalidateSubject(subject string) {
	c.removeWhere(func(key decisionKey) bool { return key.subject == subject })
}

func (c *DecisionCache) removeWhere(match func(decisionKey) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for _, key := range c.lru.Keys() {
		if match(key) {
			c.lru.Remove(key)
		}
	}
}

func (c *DecisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.lru.Purge()
}

type CacheStats struct {
	Size   int
	Hits   uint64
	Misses uint64
}

func (c *DecisionCache) Stats() CacheStats {
	return CacheStats{Size: c.lru.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// CachedAuthorizer serves repeated checks from a DecisionCache. Only
// successful decisions are cached; errors always reach the caller.
type CachedAuthorizer struct {
	next  Checker
	cache *DecisionCache
}

func NewCachedAuthorizer(next Checker, cache *DecisionCache) *CachedAuthorizer {
	return &CachedAuthorizer{next: next, cache: cache}
}

func (a *CachedAuthorizer) Check(ctx context.Context, subject, object, relation string) (bool, error) {
	if a.cache == nil || a.cache.ttl <= 0 {
		return a.next.Check(ctx, subject, object, relation)
	}
	key := decisionKey{subject: subject, object: object, relation: relation}
	if allowed, ok := a.cache.get(key); ok {
		return allowed, nil
	}
	generation := a.cache.snapshot()
	allowed, err := a.next.Check(ctx, subject, object, relation)
	if err != nil {
		return false, err
	}
	a.cache.set(key, allowed, generation)
	return allowed, nil
}

var _ Checker = (*CachedAuthorizer)(nil)
