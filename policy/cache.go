package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/telemetry"
)

// DefaultCacheTTL bounds how long a cached decision may be served.
const DefaultCacheTTL = 5 * time.Minute

// DefaultCacheEntries caps the memory cache size.
const DefaultCacheEntries = 1024

type (
	// DecisionCache stores evaluated decisions keyed by the decision inputs.
	// A miss returns ok == false; cache errors are swallowed by the caller
	// (the engine is always authoritative).
	DecisionCache interface {
		Get(ctx context.Context, key string) (Decision, bool, error)
		Set(ctx context.Context, key string, d Decision, ttl time.Duration) error
	}

	// CachedEnforcer wraps an Enforcer with a decision cache. The cache key
	// covers the capability, the subject, the tenant and the approvals map,
	// so any approval change produces a fresh key and the cache never serves
	// a decision across an approval boundary.
	CachedEnforcer struct {
		next    Enforcer
		cache   DecisionCache
		ttl     time.Duration
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// CacheOptions configures the cached enforcer.
	CacheOptions struct {
		// TTL defaults to DefaultCacheTTL.
		TTL time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
	}

	// MemoryCache is an in-process LRU decision cache.
	MemoryCache struct {
		mu      sync.Mutex
		max     int
		order   *list.List
		entries map[string]*list.Element
	}

	memoryCacheEntry struct {
		key      string
		decision Decision
		expires  time.Time
	}
)

// NewCachedEnforcer wraps next with cache.
func NewCachedEnforcer(next Enforcer, cache DecisionCache, opts CacheOptions) *CachedEnforcer {
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &CachedEnforcer{
		next:    next,
		cache:   cache,
		ttl:     opts.TTL,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// EnforcePlanStep serves a cached decision when one exists, delegating to the
// wrapped enforcer otherwise.
func (c *CachedEnforcer) EnforcePlanStep(ctx context.Context, step plan.Step, input Input) (Decision, error) {
	key := CacheKey(step, input)
	if d, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn(ctx, "policy.cache_read_failed", "error", err.Error())
	} else if ok {
		c.metrics.IncCounter("policy.cache_hits", 1)
		return d, nil
	}
	c.metrics.IncCounter("policy.cache_misses", 1)
	d, err := c.next.EnforcePlanStep(ctx, step, input)
	if err != nil {
		return Decision{}, err
	}
	if err := c.cache.Set(ctx, key, d, c.ttl); err != nil {
		c.logger.Warn(ctx, "policy.cache_write_failed", "error", err.Error())
	}
	return d, nil
}

// CacheKey derives the cache key from the decision inputs: capability,
// subject hash, tenant, approvals hash.
func CacheKey(step plan.Step, input Input) string {
	tenant := ""
	if input.Subject != nil {
		tenant = input.Subject.TenantID
	}
	return strings.Join([]string{
		step.Capability,
		subjectHash(step, input.Subject),
		tenant,
		approvalsHash(input.Approvals),
	}, "|")
}

// subjectHash folds the subject identity and the step's approval flag into a
// stable digest.
func subjectHash(step plan.Step, s *plan.Subject) string {
	h := sha256.New()
	if step.ApprovalRequired {
		h.Write([]byte("approval-gated\x00"))
	}
	if s != nil {
		// Subject serialises deterministically: fixed field order, slices
		// kept in submission order.
		data, _ := json.Marshal(s)
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// approvalsHash digests the approvals map in sorted key order.
func approvalsHash(approvals map[string]bool) string {
	if len(approvals) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(approvals))
	for k := range approvals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		if approvals[k] {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// NewMemoryCache builds an LRU cache holding at most max entries
// (DefaultCacheEntries when max <= 0).
func NewMemoryCache(max int) *MemoryCache {
	if max <= 0 {
		max = DefaultCacheEntries
	}
	return &MemoryCache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get implements DecisionCache.
func (m *MemoryCache) Get(_ context.Context, key string) (Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[key]
	if !ok {
		return Decision{}, false, nil
	}
	entry := el.Value.(*memoryCacheEntry)
	if time.Now().After(entry.expires) {
		m.order.Remove(el)
		delete(m.entries, key)
		return Decision{}, false, nil
	}
	m.order.MoveToFront(el)
	return entry.decision, true, nil
}

// Set implements DecisionCache, evicting the least recently used entry at
// capacity.
func (m *MemoryCache) Set(_ context.Context, key string, d Decision, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	expires := time.Now().Add(ttl)
	if el, ok := m.entries[key]; ok {
		entry := el.Value.(*memoryCacheEntry)
		entry.decision = d
		entry.expires = expires
		m.order.MoveToFront(el)
		return nil
	}
	for len(m.entries) >= m.max {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryCacheEntry).key)
	}
	el := m.order.PushFront(&memoryCacheEntry{key: key, decision: d, expires: expires})
	m.entries[key] = el
	return nil
}
