package predict

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optigate/internal/cache"
	"optigate/internal/core"
	"optigate/internal/storage"
)

func newTestCache(t *testing.T) *cache.KeyedStore {
	t.Helper()

	st, err := storage.NewSQLite(storage.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "predict.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend, err := cache.NewSQLiteBackend(st.SQLiteDB())
	require.NoError(t, err)
	return cache.NewKeyedStore(backend, nil, nil)
}

func TestPredictDeterministic(t *testing.T) {
	p := NewPredictor(nil)
	ctx := context.Background()
	cfg := core.ModelConfig{Model: "gpt-4o", Temperature: 0.2, MaxTokens: 800}

	a := p.Predict(ctx, "summarization", 12000, cfg)
	b := p.Predict(ctx, "summarization", 12000, cfg)
	assert.Equal(t, a, b)
}

func TestPredictCostFormula(t *testing.T) {
	p := NewPredictor(nil)
	ctx := context.Background()

	// 8000 chars -> 2000 input tokens. 2000/1000*0.0025 + 500/1000*0.01 = 0.01.
	pred := p.Predict(ctx, "summarization", 8000, core.ModelConfig{Model: "gpt-4o"})
	assert.InDelta(t, 0.01, pred.EstimatedCost, 1e-9)

	// Explicit max tokens replaces the output default.
	pred = p.Predict(ctx, "summarization", 8000, core.ModelConfig{Model: "gpt-4o", MaxTokens: 1000})
	assert.InDelta(t, 0.015, pred.EstimatedCost, 1e-9)
}

func TestPredictQualityTemperatureAdjustment(t *testing.T) {
	p := NewPredictor(nil)
	ctx := context.Background()

	tests := []struct {
		name        string
		taskType    string
		temperature float64
		quality     float64
	}{
		{"extraction at low temperature gains", "event_extraction", 0.0, 0.94},
		{"extraction at high temperature loses", "event_extraction", 0.7, 0.74},
		{"extraction at mid temperature unchanged", "event_extraction", 0.3, 0.84},
		{"free-form task unaffected by temperature", "creative_summary", 0.0, 0.84},
		{"structured output gains at low temperature", "structured_report", 0.1, 0.94},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := p.Predict(ctx, tt.taskType, 4000, core.ModelConfig{
				Model:       "gpt-4o",
				Temperature: tt.temperature,
			})
			assert.InDelta(t, tt.quality, pred.EstimatedQuality, 1e-9)
		})
	}
}

func TestPredictQualityClamped(t *testing.T) {
	p := NewPredictor(nil)
	ctx := context.Background()

	// gpt-4-turbo base quality 0.95 + 0.1 extraction boost clamps to 1.
	pred := p.Predict(ctx, "event_extraction", 4000, core.ModelConfig{
		Model:       "gpt-4-turbo",
		Temperature: 0.0,
	})
	assert.Equal(t, 1.0, pred.EstimatedQuality)
}

func TestPredictRecommendationThresholds(t *testing.T) {
	p := NewPredictor(nil)
	ctx := context.Background()

	// Small cheap call on the default model.
	pred := p.Predict(ctx, "classification", 400, core.ModelConfig{Model: "gpt-4o-mini"})
	assert.Equal(t, core.RecommendUse, pred.Recommendation)

	// gpt-3.5-turbo at a size pushing cost past 0.10 with quality 0.65.
	// 600000 chars -> 150000 input tokens -> 0.075 + 0.00075 output.
	// Bump input further: 900000 chars -> 225000 tokens -> 0.1125 input cost.
	pred = p.Predict(ctx, "classification", 900000, core.ModelConfig{Model: "gpt-3.5-turbo"})
	assert.Greater(t, pred.EstimatedCost, 0.10)
	assert.Less(t, pred.EstimatedQuality, 0.7)
	assert.Equal(t, core.RecommendOptimize, pred.Recommendation)

	// gpt-4-turbo over a very large input crosses the avoid threshold.
	// 160000 chars -> 40000 tokens -> 0.4 input + 0.015 output = 0.415; push to 220000 chars.
	pred = p.Predict(ctx, "summarization", 220000, core.ModelConfig{Model: "gpt-4-turbo"})
	assert.Greater(t, pred.EstimatedCost, 0.50)
	assert.Equal(t, core.RecommendAvoid, pred.Recommendation)
}

func TestPredictUnknownModelFallsBack(t *testing.T) {
	p := NewPredictor(nil)
	ctx := context.Background()

	known := p.Predict(ctx, "summarization", 8000, core.ModelConfig{Model: DefaultModel})
	unknown := p.Predict(ctx, "summarization", 8000, core.ModelConfig{Model: "mystery-model-9"})

	assert.Equal(t, known.EstimatedCost, unknown.EstimatedCost)
	assert.Equal(t, known.EstimatedQuality, unknown.EstimatedQuality)
	assert.Less(t, unknown.Confidence, known.Confidence)
}

func TestPredictCachesResult(t *testing.T) {
	store := newTestCache(t)
	p := NewPredictor(store)
	ctx := context.Background()
	cfg := core.ModelConfig{Model: "gpt-4o", Temperature: 0.1, MaxTokens: 600}

	first := p.Predict(ctx, "event_extraction", 10000, cfg)
	second := p.Predict(ctx, "event_extraction", 10000, cfg)
	assert.Equal(t, first, second)

	stats, err := store.GetStats(ctx, core.ProviderCompletion)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.Equal(t, int64(1), stats.TotalHits)
}

func TestRateTable(t *testing.T) {
	assert.Equal(t, "gpt-4-turbo", HighestQualityModel())
	assert.Equal(t, "gpt-4o-mini", CheapestModel())

	_, known := RatesFor("gpt-4o")
	assert.True(t, known)
	fallback, known := RatesFor("does-not-exist")
	assert.False(t, known)
	expected, _ := RatesFor(DefaultModel)
	assert.Equal(t, expected, fallback)
}
