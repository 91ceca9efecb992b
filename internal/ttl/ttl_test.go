package ttl

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optigate/internal/core"
)

// newTestPredictor pins the clock so recency and frequency math is
// deterministic.
func newTestPredictor(start time.Time) (*Predictor, *time.Time) {
	p := NewPredictor()
	now := start
	p.now = func() time.Time { return now }
	return p, &now
}

func TestPredictReuseUntrackedKey(t *testing.T) {
	p := NewPredictor()

	pred := p.PredictReuse("search:web_search:unknown")
	assert.Equal(t, 0.5, pred.Probability)
	assert.Equal(t, 0.3, pred.Confidence)
	assert.Zero(t, pred.AccessCount)
}

func TestPredictReuseRecentAccessBoost(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, now := newTestPredictor(start)

	p.RecordAccess("k")

	// One access, last seen an hour ago: base 0.5 plus the 24h boost.
	*now = start.Add(time.Hour)
	pred := p.PredictReuse("k")
	assert.InDelta(t, 0.7, pred.Probability, 1e-9)

	// Last seen three days ago: weaker boost.
	*now = start.Add(3 * 24 * time.Hour)
	pred = p.PredictReuse("k")
	assert.InDelta(t, 0.6, pred.Probability, 1e-9)

	// Last seen ten days ago: no recency boost at all.
	*now = start.Add(10 * 24 * time.Hour)
	pred = p.PredictReuse("k")
	assert.InDelta(t, 0.5, pred.Probability, 1e-9)
}

func TestPredictReuseFrequencyCapped(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, now := newTestPredictor(start)

	// 100 accesses in one hour would be a 10.0 frequency term uncapped.
	for i := 0; i < 100; i++ {
		*now = start.Add(time.Duration(i) * 36 * time.Second)
		p.RecordAccess("hot")
	}
	*now = start.Add(time.Hour)

	pred := p.PredictReuse("hot")
	// base 0.5 + capped frequency 0.3 + recency 0.2, clamped to 1.
	assert.InDelta(t, 1.0, pred.Probability, 1e-9)
	assert.Equal(t, 0.8, pred.Confidence)
}

func TestPredictReuseBlendsExternalRelevance(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, now := newTestPredictor(start)

	p.RecordAccess("k")
	p.SetRelevance("k", 0.0)
	*now = start.Add(time.Hour)

	// Internal estimate 0.7, blended 70/30 with relevance 0.
	pred := p.PredictReuse("k")
	assert.InDelta(t, 0.49, pred.Probability, 1e-9)
}

func TestTTLNeverExceedsTwiceDefault(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, now := newTestPredictor(start)

	for i := 0; i < 200; i++ {
		*now = start.Add(time.Duration(i) * time.Second)
		p.RecordAccess("hot")
	}
	*now = start.Add(time.Hour)

	ctx := context.Background()
	for _, pt := range core.ProviderTypes() {
		def := core.DefaultTTL(pt)
		assert.LessOrEqual(t, p.ComputeTTL(pt, "hot"), 2*def, "provider %s", pt)
		assert.LessOrEqual(t, p.RecommendTTL(ctx, pt, "hot"), 2*def, "provider %s", pt)
	}
}

func TestTTLAlwaysPositive(t *testing.T) {
	p := NewPredictor()
	ctx := context.Background()

	for _, pt := range core.ProviderTypes() {
		assert.Greater(t, p.ComputeTTL(pt, "cold"), time.Duration(0), "provider %s", pt)
		assert.Greater(t, p.RecommendTTL(ctx, pt, "cold"), time.Duration(0), "provider %s", pt)
	}
}

func TestRecommendTTLGrowsWithReuse(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, now := newTestPredictor(start)
	ctx := context.Background()

	cold := p.RecommendTTL(ctx, core.ProviderSearch, "cold")

	for i := 0; i < 20; i++ {
		*now = start.Add(time.Duration(i) * time.Minute)
		p.RecordAccess("hot")
	}
	*now = start.Add(time.Hour)

	hot := p.RecommendTTL(ctx, core.ProviderSearch, "hot")
	assert.Greater(t, hot, cold)
}

type recordingWriter struct {
	keys []string
	ttls []int64
}

func (w *recordingWriter) Set(ctx context.Context, key string, payload, metadata json.RawMessage, ttlSeconds *int64, version int) {
	w.keys = append(w.keys, key)
	if ttlSeconds != nil {
		w.ttls = append(w.ttls, *ttlSeconds)
	}
}

func TestPrewarmOnlyHighProbabilityItems(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, now := newTestPredictor(start)

	// Hot key: many recent accesses push probability past the threshold.
	for i := 0; i < 30; i++ {
		*now = start.Add(time.Duration(i) * time.Minute)
		p.RecordAccess("hot")
	}
	// Cold key: a single access, then a long quiet stretch.
	p.RecordAccess("cold")
	*now = start.Add(8 * 24 * time.Hour)
	p.RecordAccess("hot")
	*now = start.Add(8*24*time.Hour + time.Hour)

	items := []PrewarmItem{
		{Key: "hot", Payload: json.RawMessage(`{"v":1}`), Version: 1},
		{Key: "cold", Payload: json.RawMessage(`{"v":2}`), Version: 1},
	}

	w := &recordingWriter{}
	prewarmed, err := p.Prewarm(context.Background(), core.ProviderSearch, items, w)
	require.NoError(t, err)
	assert.Equal(t, 1, prewarmed)
	assert.Equal(t, []string{"hot"}, w.keys)

	// The written TTL is the computed one, still within the 2x cap.
	require.Len(t, w.ttls, 1)
	maxSeconds := int64((2 * core.DefaultTTL(core.ProviderSearch)) / time.Second)
	assert.LessOrEqual(t, w.ttls[0], maxSeconds)
	assert.Positive(t, w.ttls[0])
}

func TestTrackedKeysBounded(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, now := newTestPredictor(start)

	for i := 0; i < maxTrackedKeys+50; i++ {
		*now = start.Add(time.Duration(i) * time.Second)
		p.RecordAccess(fmt.Sprintf("key-%d", i))
	}

	assert.LessOrEqual(t, p.TrackedKeys(), maxTrackedKeys)
	// The earliest keys were evicted first.
	pred := p.PredictReuse("key-0")
	assert.Zero(t, pred.AccessCount)
}
