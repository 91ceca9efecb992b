// Package ttl predicts cache-entry reuse and derives adaptive TTLs from
// observed access patterns. Access tracking is in-memory per process: the
// patterns are cheap to rebuild and carry no durable state.
package ttl

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"optigate/internal/core"
)

const (
	// baseProbability is the prior reuse probability for any tracked key.
	baseProbability = 0.5

	// frequencyWeight converts accesses-per-hour into probability, capped
	// at frequencyCap.
	frequencyWeight = 0.1
	frequencyCap    = 0.3

	// recencyBoostDay applies when the last access was within 24 hours,
	// recencyBoostWeek when within 7 days.
	recencyBoostDay  = 0.2
	recencyBoostWeek = 0.1

	// internalWeight blends the access-derived probability with an
	// externally supplied relevance score when one is present.
	internalWeight = 0.7
	externalWeight = 0.3

	// lowConfidence applies to keys with few observations, highConfidence
	// once more than confidenceAccessFloor accesses have been seen.
	lowConfidence         = 0.3
	highConfidence        = 0.8
	confidenceAccessFloor = 5

	// The TTL formula is default * (baseTTLFactor + probability * scale).
	// The advisory scale is used for recommendations fed to the cache; the
	// raw scale for direct computation.
	baseTTLFactor    = 0.5
	rawTTLScale      = 0.5
	advisoryTTLScale = 1.5

	// maxTTLFactor caps any derived TTL at this multiple of the static default.
	maxTTLFactor = 2

	// PrewarmThreshold is the reuse probability above which an entry is
	// worth refreshing before it expires.
	PrewarmThreshold = 0.7

	// maxTrackedKeys bounds the in-memory access map. When exceeded, the
	// key with the oldest last access is dropped.
	maxTrackedKeys = 10000
)

// Prediction is a reuse-probability estimate for a cache key.
type Prediction struct {
	Probability float64 `json:"probability"`
	Confidence  float64 `json:"confidence"`
	AccessCount int64   `json:"access_count"`
	Reasoning   string  `json:"reasoning"`
}

type accessStats struct {
	count     int64
	first     time.Time
	last      time.Time
	relevance *float64
}

// PrewarmItem is a candidate entry for proactive caching.
type PrewarmItem struct {
	Key      string
	Payload  json.RawMessage
	Metadata json.RawMessage
	Version  int
}

// CacheWriter is the write surface of the cache used by Prewarm.
// Satisfied by the cache package's keyed store; injected to keep this
// package free of a cache dependency.
type CacheWriter interface {
	Set(ctx context.Context, key string, payload, metadata json.RawMessage, ttlSeconds *int64, version int)
}

// Predictor derives reuse probabilities and adaptive TTLs from access
// history. Safe for concurrent use. Implements the cache package's
// TTLRecommender interface.
type Predictor struct {
	mu    sync.RWMutex
	stats map[string]*accessStats
	now   func() time.Time
}

// NewPredictor creates an empty access tracker.
func NewPredictor() *Predictor {
	return &Predictor{
		stats: make(map[string]*accessStats),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RecordAccess notes a lookup of key at the current time.
func (p *Predictor) RecordAccess(key string) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stats[key]
	if !ok {
		if len(p.stats) >= maxTrackedKeys {
			p.evictOldestLocked()
		}
		s = &accessStats{first: now}
		p.stats[key] = s
	}
	s.count++
	s.last = now
}

// SetRelevance attaches an external relevance score in [0, 1] to key.
// The score is blended into subsequent reuse predictions.
func (p *Predictor) SetRelevance(key string, score float64) {
	score = clamp01(score)

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stats[key]
	if !ok {
		if len(p.stats) >= maxTrackedKeys {
			p.evictOldestLocked()
		}
		now := p.now()
		s = &accessStats{first: now, last: now}
		p.stats[key] = s
	}
	s.relevance = &score
}

// PredictReuse estimates the probability that key will be requested again.
// Untracked keys get the prior with low confidence.
func (p *Predictor) PredictReuse(key string) Prediction {
	p.mu.RLock()
	s, ok := p.stats[key]
	if !ok {
		p.mu.RUnlock()
		return Prediction{
			Probability: baseProbability,
			Confidence:  lowConfidence,
			Reasoning:   "no access history, using neutral prior",
		}
	}
	snapshot := *s
	p.mu.RUnlock()

	now := p.now()
	probability := baseProbability
	reasons := []string{"base 0.5"}

	// Frequency component: accesses per hour over the observed window.
	window := now.Sub(snapshot.first)
	if window > 0 && snapshot.count > 1 {
		perHour := float64(snapshot.count) / window.Hours()
		boost := math.Min(frequencyCap, frequencyWeight*perHour)
		probability += boost
		reasons = append(reasons, fmt.Sprintf("+%.2f for %.1f accesses/hour", boost, perHour))
	}

	// Recency component.
	sinceLast := now.Sub(snapshot.last)
	switch {
	case sinceLast < 24*time.Hour:
		probability += recencyBoostDay
		reasons = append(reasons, "+0.2 for access within 24h")
	case sinceLast < 7*24*time.Hour:
		probability += recencyBoostWeek
		reasons = append(reasons, "+0.1 for access within 7d")
	}

	if snapshot.relevance != nil {
		probability = internalWeight*probability + externalWeight*(*snapshot.relevance)
		reasons = append(reasons, fmt.Sprintf("blended 70/30 with relevance %.2f", *snapshot.relevance))
	}

	confidence := lowConfidence
	if snapshot.count > confidenceAccessFloor {
		confidence = highConfidence
	}

	return Prediction{
		Probability: clamp01(probability),
		Confidence:  confidence,
		AccessCount: snapshot.count,
		Reasoning:   strings.Join(reasons, "; "),
	}
}

// ComputeTTL derives a TTL for key directly from its reuse probability.
// The result is always positive and never exceeds twice the static default.
func (p *Predictor) ComputeTTL(providerType core.ProviderType, key string) time.Duration {
	return p.scaledTTL(providerType, key, rawTTLScale)
}

// RecommendTTL returns the advisory TTL handed to the cache for fresh
// entries under key. Uses a more aggressive scale than ComputeTTL so that
// frequently reused entries live noticeably longer than the default.
func (p *Predictor) RecommendTTL(ctx context.Context, providerType core.ProviderType, key string) time.Duration {
	return p.scaledTTL(providerType, key, advisoryTTLScale)
}

func (p *Predictor) scaledTTL(providerType core.ProviderType, key string, scale float64) time.Duration {
	base := core.DefaultTTL(providerType)
	prediction := p.PredictReuse(key)

	ttl := time.Duration(float64(base) * (baseTTLFactor + prediction.Probability*scale))
	if max := maxTTLFactor * base; ttl > max {
		ttl = max
	}
	if ttl <= 0 {
		ttl = base
	}
	return ttl
}

// Prewarm writes each item whose reuse probability exceeds the prewarm
// threshold into the cache under its computed TTL, returning the number
// actually prewarmed. Items below the threshold are skipped.
func (p *Predictor) Prewarm(ctx context.Context, providerType core.ProviderType, items []PrewarmItem, w CacheWriter) (int, error) {
	prewarmed := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return prewarmed, err
		}
		if pred := p.PredictReuse(item.Key); pred.Probability <= PrewarmThreshold {
			continue
		}
		ttlSeconds := int64(p.ComputeTTL(providerType, item.Key) / time.Second)
		w.Set(ctx, item.Key, item.Payload, item.Metadata, &ttlSeconds, item.Version)
		prewarmed++
	}
	return prewarmed, nil
}

// TrackedKeys returns the number of keys currently under observation.
func (p *Predictor) TrackedKeys() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stats)
}

// evictOldestLocked drops the key with the oldest last access.
// Caller holds the write lock.
func (p *Predictor) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, s := range p.stats {
		if oldestKey == "" || s.last.Before(oldest) {
			oldestKey = key
			oldest = s.last
		}
	}
	if oldestKey != "" {
		delete(p.stats, oldestKey)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
