package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"optigate/internal/predict"
)

type stubBaseline struct {
	model string
	ok    bool
}

func (s *stubBaseline) BaselineModel(ctx context.Context, taskType string) (string, bool) {
	return s.model, s.ok
}

func newSelector(baseline BaselineSource) *ModelSelector {
	return New(predict.NewPredictor(nil), baseline)
}

func TestSelectModelQualityUpgrade(t *testing.T) {
	s := newSelector(nil)
	ctx := context.Background()

	// Extraction defaults to gpt-4o at low temperature, predicting quality
	// just under the requirement; the highest-quality model clears it.
	sel := s.SelectModel(ctx, Requirements{
		TaskType:           "event_extraction",
		QualityRequirement: 0.95,
		InputSize:          8000,
	})

	assert.Equal(t, "gpt-4-turbo", sel.Config.Model)
	assert.Equal(t, 0.1, sel.Config.Temperature)
	assert.Equal(t, 0.9, sel.Confidence)
	assert.GreaterOrEqual(t, sel.Prediction.EstimatedQuality, 0.95)
	assert.Contains(t, sel.Reasoning, "upgraded")
}

func TestSelectModelUpgradeInsufficientFallsBack(t *testing.T) {
	s := newSelector(nil)
	ctx := context.Background()

	// scenario_analysis defaults to gpt-4-turbo (quality 0.95, no
	// extraction boost); nothing can reach 0.99.
	sel := s.SelectModel(ctx, Requirements{
		TaskType:           "scenario_analysis",
		QualityRequirement: 0.99,
		InputSize:          8000,
	})

	assert.Equal(t, "gpt-4-turbo", sel.Config.Model)
	assert.Equal(t, 0.8, sel.Confidence)
	assert.Contains(t, sel.Reasoning, "attempted upgrade")
}

func TestSelectModelCostDowngrade(t *testing.T) {
	s := newSelector(nil)
	ctx := context.Background()

	maxCost := 0.01
	sel := s.SelectModel(ctx, Requirements{
		TaskType:           "causal_graph",
		QualityRequirement: 0.70,
		MaxCost:            &maxCost,
		InputSize:          40000,
	})

	assert.Equal(t, predict.CheapestModel(), sel.Config.Model)
	assert.Equal(t, 0.85, sel.Confidence)
	assert.LessOrEqual(t, sel.Prediction.EstimatedCost, maxCost)
	assert.Contains(t, sel.Reasoning, "downgraded")
}

func TestSelectModelLatencyDowngrade(t *testing.T) {
	s := newSelector(nil)
	ctx := context.Background()

	maxLatency := 5000.0
	sel := s.SelectModel(ctx, Requirements{
		TaskType:           "scenario_analysis",
		QualityRequirement: 0.70,
		MaxLatencyMs:       &maxLatency,
		InputSize:          8000,
	})

	assert.Equal(t, predict.CheapestModel(), sel.Config.Model)
	assert.Equal(t, 0.85, sel.Confidence)
	assert.LessOrEqual(t, sel.Prediction.EstimatedLatencyMs, maxLatency)
}

func TestSelectModelDowngradeRejectedOnQualityFloor(t *testing.T) {
	s := newSelector(nil)
	ctx := context.Background()

	// The cheap model's quality (0.75) is more than 10% below the 0.84
	// requirement, so the downgrade is rejected despite the cost ceiling.
	maxCost := 0.01
	sel := s.SelectModel(ctx, Requirements{
		TaskType:           "causal_graph",
		QualityRequirement: 0.84,
		MaxCost:            &maxCost,
		InputSize:          40000,
	})

	assert.Equal(t, "gpt-4o", sel.Config.Model)
	assert.Equal(t, 0.8, sel.Confidence)
}

func TestSelectModelBaselineSatisfies(t *testing.T) {
	s := newSelector(nil)
	ctx := context.Background()

	sel := s.SelectModel(ctx, Requirements{
		TaskType:           "summarization",
		QualityRequirement: 0.6,
		InputSize:          4000,
	})

	assert.Equal(t, "gpt-4o-mini", sel.Config.Model)
	assert.Equal(t, 0.8, sel.Confidence)
	assert.Contains(t, sel.Reasoning, "satisfies")
}

func TestSelectModelUsesTelemetryBaseline(t *testing.T) {
	s := newSelector(&stubBaseline{model: "gpt-3.5-turbo", ok: true})
	ctx := context.Background()

	sel := s.SelectModel(ctx, Requirements{
		TaskType:           "classification",
		QualityRequirement: 0.5,
		InputSize:          2000,
	})

	assert.Equal(t, "gpt-3.5-turbo", sel.Config.Model)
}

func TestSelectModelUnknownTaskDefaults(t *testing.T) {
	s := newSelector(nil)
	ctx := context.Background()

	sel := s.SelectModel(ctx, Requirements{
		TaskType:           "never_seen_before",
		QualityRequirement: 0.5,
		InputSize:          2000,
	})

	assert.Equal(t, predict.DefaultModel, sel.Config.Model)
}

func TestStructuredTasksGetLowTemperature(t *testing.T) {
	s := newSelector(nil)
	ctx := context.Background()

	sel := s.SelectModel(ctx, Requirements{
		TaskType:           "entity_extraction",
		QualityRequirement: 0.5,
		InputSize:          2000,
	})
	assert.Equal(t, 0.1, sel.Config.Temperature)
	assert.True(t, sel.Config.StructuredOutput)

	sel = s.SelectModel(ctx, Requirements{
		TaskType:           "summarization",
		QualityRequirement: 0.5,
		InputSize:          2000,
	})
	assert.Equal(t, 0.3, sel.Config.Temperature)
	assert.False(t, sel.Config.StructuredOutput)
}
