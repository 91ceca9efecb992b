// Package dedup provides a bounded in-process pool that short-circuits
// repeated identical queries within a single process lifetime. It sits in
// front of the durable cache and is not coordinated across instances.
package dedup

import (
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"optigate/internal/metrics"
)

// DefaultCapacity bounds the pool size. When exceeded, entries are evicted
// by oldest insertion timestamp until back under the cap.
const DefaultCapacity = 1000

// Priority tags an entry. Recorded per entry but it does not influence
// eviction order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// queryTypeTTLs bounds how long a pooled result stays valid per query type.
var queryTypeTTLs = map[string]time.Duration{
	"completion": 10 * time.Minute,
	"search":     5 * time.Minute,
	"scrape":     30 * time.Minute,
}

// defaultQueryTTL applies to query types without an explicit TTL.
const defaultQueryTTL = 5 * time.Minute

type entry struct {
	result     any
	queryType  string
	priority   Priority
	insertedAt time.Time
}

// Pool is the deduplication pool. Safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	entries  map[uint64]*entry
	capacity int
	now      func() time.Time
}

// NewPool creates a pool with the given capacity; zero or negative means
// DefaultCapacity.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{
		entries:  make(map[uint64]*entry, capacity),
		capacity: capacity,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Key fingerprints a normalized query and its type.
func Key(query, queryType string) uint64 {
	return xxhash.Sum64String(Normalize(query) + ":" + queryType)
}

// Normalize lowercases the query and collapses internal whitespace so that
// trivially different spellings of the same query share a pool entry.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Lookup returns the pooled result for the query if present and still
// within its query-type TTL. Expired entries are removed on lookup.
func (p *Pool) Lookup(query, queryType string) (any, bool) {
	key := Key(query, queryType)

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	if p.now().Sub(e.insertedAt) >= ttlFor(e.queryType) {
		delete(p.entries, key)
		return nil, false
	}

	metrics.DedupHits.Inc()
	return e.result, true
}

// Insert stores (or refreshes) the result for the query at normal priority.
func (p *Pool) Insert(query, queryType string, result any) {
	p.InsertWithPriority(query, queryType, result, PriorityNormal)
}

// InsertWithPriority stores (or refreshes) the result with an explicit
// priority tag. When the pool exceeds its capacity, the oldest-inserted
// entries are evicted first.
func (p *Pool) InsertWithPriority(query, queryType string, result any, priority Priority) {
	key := Key(query, queryType)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries[key] = &entry{
		result:     result,
		queryType:  queryType,
		priority:   priority,
		insertedAt: p.now(),
	}

	for len(p.entries) > p.capacity {
		p.evictOldestLocked()
	}
}

// Len returns the current number of pooled entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Clear empties the pool.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[uint64]*entry, p.capacity)
}

// evictOldestLocked removes the entry with the oldest insertion timestamp.
// Caller holds the lock.
func (p *Pool) evictOldestLocked() {
	var oldestKey uint64
	var oldest time.Time
	first := true
	for key, e := range p.entries {
		if first || e.insertedAt.Before(oldest) {
			oldestKey = key
			oldest = e.insertedAt
			first = false
		}
	}
	if !first {
		delete(p.entries, oldestKey)
	}
}

func ttlFor(queryType string) time.Duration {
	if ttl, ok := queryTypeTTLs[queryType]; ok {
		return ttl
	}
	return defaultQueryTTL
}
