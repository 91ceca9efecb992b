package predict

import "sort"

// ModelRates holds the static per-model rate table entry used for
// cost/quality/latency estimation. Rates are per 1K tokens in currency units.
type ModelRates struct {
	InputPer1K  float64
	OutputPer1K float64

	// BaseQuality is the model's base quality score in [0,1].
	BaseQuality float64

	// BaseLatencyMs plus PerOutputTokenMs*outputTokens estimates latency.
	BaseLatencyMs    float64
	PerOutputTokenMs float64
}

// DefaultModel is used when the requested model is unknown.
const DefaultModel = "gpt-4o-mini"

// modelRates is the static rate table. Unknown models fall back to
// DefaultModel's rates rather than erroring.
var modelRates = map[string]ModelRates{
	"gpt-4-turbo": {
		InputPer1K:       0.01,
		OutputPer1K:      0.03,
		BaseQuality:      0.95,
		BaseLatencyMs:    1200,
		PerOutputTokenMs: 20,
	},
	"gpt-4o": {
		InputPer1K:       0.0025,
		OutputPer1K:      0.01,
		BaseQuality:      0.84,
		BaseLatencyMs:    600,
		PerOutputTokenMs: 12,
	},
	"gpt-4o-mini": {
		InputPer1K:       0.00015,
		OutputPer1K:      0.0006,
		BaseQuality:      0.75,
		BaseLatencyMs:    350,
		PerOutputTokenMs: 8,
	},
	"gpt-3.5-turbo": {
		InputPer1K:       0.0005,
		OutputPer1K:      0.0015,
		BaseQuality:      0.65,
		BaseLatencyMs:    250,
		PerOutputTokenMs: 6,
	},
}

// RatesFor returns the rate table entry for a model, falling back to the
// default model's rates when the model is unknown. The second return value
// reports whether the model was found.
func RatesFor(model string) (ModelRates, bool) {
	if rates, ok := modelRates[model]; ok {
		return rates, true
	}
	return modelRates[DefaultModel], false
}

// KnownModels returns the models in the rate table, sorted for determinism.
func KnownModels() []string {
	models := make([]string, 0, len(modelRates))
	for m := range modelRates {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// HighestQualityModel returns the known model with the highest base quality.
func HighestQualityModel() string {
	var best string
	var bestQuality float64
	for _, m := range KnownModels() {
		if r := modelRates[m]; r.BaseQuality > bestQuality {
			best = m
			bestQuality = r.BaseQuality
		}
	}
	return best
}

// CheapestModel returns the known model with the lowest combined token rate,
// breaking ties by base latency.
func CheapestModel() string {
	var best string
	var bestRate float64
	for _, m := range KnownModels() {
		r := modelRates[m]
		rate := r.InputPer1K + r.OutputPer1K
		if best == "" || rate < bestRate ||
			(rate == bestRate && r.BaseLatencyMs < modelRates[best].BaseLatencyMs) {
			best = m
			bestRate = rate
		}
	}
	return best
}
