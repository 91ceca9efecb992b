// Package predict estimates cost, quality, and latency for a hypothetical
// provider call given a task type, configuration, and input size. Predictions
// are pure functions of their inputs and are therefore safely cacheable.
package predict

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"optigate/internal/cache"
	"optigate/internal/core"
)

const (
	// CharsPerToken is the fixed character-per-token approximation used to
	// estimate input token counts from input size.
	CharsPerToken = 4

	// DefaultOutputTokens is assumed when the config carries no max-token limit.
	DefaultOutputTokens = 500

	// Cost thresholds (currency units) for the categorical recommendation.
	avoidCostThreshold    = 0.50
	optimizeCostThreshold = 0.10

	// predictionVersion is the cache schema version for stored predictions.
	predictionVersion = 1

	// predictionTTL is the cache TTL for stored predictions. Predictions are
	// deterministic, so the TTL only bounds staleness of the rate table.
	predictionTTL = 6 * time.Hour
)

// Prediction is the estimated cost/quality/latency profile of a call.
type Prediction struct {
	EstimatedCost      float64             `json:"estimated_cost"`
	EstimatedQuality   float64             `json:"estimated_quality"`
	EstimatedLatencyMs float64             `json:"estimated_latency_ms"`
	Confidence         float64             `json:"confidence"`
	Recommendation     core.Recommendation `json:"recommendation"`
}

// Predictor estimates call characteristics from the static rate table.
// A non-nil cache stores predictions under their input fingerprint.
type Predictor struct {
	cache *cache.KeyedStore
}

// NewPredictor creates a Predictor. The cache is optional; with a nil cache
// every prediction is recomputed.
func NewPredictor(c *cache.KeyedStore) *Predictor {
	return &Predictor{cache: c}
}

// predictionInput is the cache fingerprint for a prediction.
type predictionInput struct {
	TaskType  string           `json:"task_type"`
	InputSize int              `json:"input_size"`
	Config    core.ModelConfig `json:"config"`
}

// Predict estimates cost, quality, and latency for running taskType over an
// input of inputSize characters with the given configuration. Unknown models
// fall back to the default model's rates; missing optional fields are
// defaulted, never rejected.
func (p *Predictor) Predict(ctx context.Context, taskType string, inputSize int, cfg core.ModelConfig) Prediction {
	key, err := cache.GenerateKey(core.ProviderCompletion, "cost_quality_prediction", predictionInput{
		TaskType:  taskType,
		InputSize: inputSize,
		Config:    cfg,
	})
	if err != nil {
		key = ""
	}

	if p.cache != nil && key != "" {
		if entry, ok := p.cache.Get(ctx, key, predictionVersion); ok {
			var cached Prediction
			if err := json.Unmarshal(entry.Payload, &cached); err == nil {
				return cached
			}
			slog.Warn("discarding malformed cached prediction", "key", key, "error", err)
		}
	}

	pred := compute(taskType, inputSize, cfg)

	if p.cache != nil && key != "" {
		if payload, err := json.Marshal(pred); err == nil {
			ttl := int64(predictionTTL / time.Second)
			p.cache.Set(ctx, key, payload, nil, &ttl, predictionVersion)
		}
	}

	return pred
}

// compute is the deterministic prediction function.
func compute(taskType string, inputSize int, cfg core.ModelConfig) Prediction {
	rates, known := RatesFor(cfg.Model)

	inputTokens := inputSize / CharsPerToken
	outputTokens := cfg.MaxTokens
	if outputTokens <= 0 {
		outputTokens = DefaultOutputTokens
	}

	cost := float64(inputTokens)/1000*rates.InputPer1K +
		float64(outputTokens)/1000*rates.OutputPer1K

	quality := rates.BaseQuality
	if IsStructuredTask(taskType) {
		switch {
		case cfg.Temperature <= 0.1:
			quality += 0.1
		case cfg.Temperature > 0.5:
			quality -= 0.1
		}
	}
	quality = clamp01(quality)

	latency := rates.BaseLatencyMs + rates.PerOutputTokenMs*float64(outputTokens)

	confidence := 0.75
	if !known {
		confidence = 0.5
	}

	return Prediction{
		EstimatedCost:      cost,
		EstimatedQuality:   quality,
		EstimatedLatencyMs: latency,
		Confidence:         confidence,
		Recommendation:     recommend(cost, quality),
	}
}

// recommend classifies a prediction: avoid when the cost is prohibitive,
// optimize when it is elevated without the quality to justify it, use otherwise.
func recommend(cost, quality float64) core.Recommendation {
	switch {
	case cost > avoidCostThreshold:
		return core.RecommendAvoid
	case cost > optimizeCostThreshold && quality < 0.7:
		return core.RecommendOptimize
	default:
		return core.RecommendUse
	}
}

// IsStructuredTask reports whether the task benefits from low temperature:
// extraction and structured-output tasks gain quality at low temperature and
// lose it at high temperature.
func IsStructuredTask(taskType string) bool {
	lower := strings.ToLower(taskType)
	return strings.Contains(lower, "extraction") || strings.Contains(lower, "structured")
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
