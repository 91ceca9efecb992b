// Package selector picks a provider configuration for a task from quality,
// latency, and cost requirements. It starts from a telemetry-informed
// baseline and attempts a single quality upgrade or cost/latency downgrade
// before settling.
package selector

import (
	"context"
	"fmt"
	"log/slog"

	"optigate/internal/core"
	"optigate/internal/predict"
)

const (
	upgradeConfidence   = 0.9
	downgradeConfidence = 0.85
	baselineConfidence  = 0.8

	// downgradeQualitySlack is how far below the stated quality requirement
	// a cheaper model may fall and still be accepted.
	downgradeQualitySlack = 0.10

	// structuredTaskTemperature is applied to extraction and structured
	// tasks, where low temperature measurably improves output quality.
	structuredTaskTemperature = 0.1
)

// Requirements describes what the caller needs from a provider call.
type Requirements struct {
	TaskType           string   `json:"task_type"`
	QualityRequirement float64  `json:"quality_requirement"`
	MaxLatencyMs       *float64 `json:"max_latency_ms,omitempty"`
	MaxCost            *float64 `json:"max_cost,omitempty"`
	InputSize          int      `json:"input_size"`
}

// Selection is the chosen configuration with its supporting prediction.
type Selection struct {
	Config     core.ModelConfig   `json:"config"`
	Prediction predict.Prediction `json:"prediction"`
	Reasoning  string             `json:"reasoning"`
	Confidence float64            `json:"confidence"`
}

// BaselineSource supplies a historically best model per task type.
// Implemented by the telemetry aggregator.
type BaselineSource interface {
	BaselineModel(ctx context.Context, taskType string) (string, bool)
}

// taskDefaults maps task types to a static default model, used when no
// telemetry exists for the task.
var taskDefaults = map[string]string{
	"event_extraction":   "gpt-4o",
	"entity_extraction":  "gpt-4o",
	"structured_report":  "gpt-4o",
	"causal_graph":       "gpt-4o",
	"scenario_analysis":  "gpt-4-turbo",
	"summarization":      "gpt-4o-mini",
	"classification":     "gpt-4o-mini",
	"query_generation":   "gpt-4o-mini",
	"relevance_scoring":  "gpt-3.5-turbo",
	"headline_screening": "gpt-3.5-turbo",
}

// ModelSelector chooses configurations. Baseline may be nil, in which case
// the static default table is always used.
type ModelSelector struct {
	predictor *predict.Predictor
	baseline  BaselineSource
}

// New creates a ModelSelector.
func New(predictor *predict.Predictor, baseline BaselineSource) *ModelSelector {
	return &ModelSelector{predictor: predictor, baseline: baseline}
}

// SelectModel picks a configuration for the requirements. The baseline is
// tried first; a quality upgrade is always evaluated before a cost or
// latency downgrade. Selection never fails: when no alternative satisfies
// the requirements, the baseline is returned with reduced confidence.
func (s *ModelSelector) SelectModel(ctx context.Context, req Requirements) Selection {
	baseCfg := s.baselineConfig(ctx, req.TaskType)
	basePred := s.predictor.Predict(ctx, req.TaskType, req.InputSize, baseCfg)

	// Quality upgrade path.
	if basePred.EstimatedQuality < req.QualityRequirement {
		upgraded := baseCfg
		upgraded.Model = predict.HighestQualityModel()
		upgradedPred := s.predictor.Predict(ctx, req.TaskType, req.InputSize, upgraded)

		if upgradedPred.EstimatedQuality >= req.QualityRequirement {
			return Selection{
				Config:     upgraded,
				Prediction: upgradedPred,
				Confidence: upgradeConfidence,
				Reasoning: fmt.Sprintf(
					"baseline %s predicted quality %.2f below requirement %.2f, upgraded to %s (predicted quality %.2f)",
					baseCfg.Model, basePred.EstimatedQuality, req.QualityRequirement,
					upgraded.Model, upgradedPred.EstimatedQuality),
			}
		}

		slog.Debug("quality upgrade insufficient, keeping baseline",
			"task_type", req.TaskType,
			"upgraded_model", upgraded.Model,
			"upgraded_quality", upgradedPred.EstimatedQuality,
			"requirement", req.QualityRequirement)
		return Selection{
			Config:     baseCfg,
			Prediction: basePred,
			Confidence: baselineConfidence,
			Reasoning: fmt.Sprintf(
				"attempted upgrade to %s but predicted quality %.2f still below requirement %.2f, returning baseline %s",
				upgraded.Model, upgradedPred.EstimatedQuality, req.QualityRequirement, baseCfg.Model),
		}
	}

	// Cost/latency downgrade path.
	if exceedsCeilings(basePred, req) {
		downgraded := baseCfg
		downgraded.Model = predict.CheapestModel()
		downgradedPred := s.predictor.Predict(ctx, req.TaskType, req.InputSize, downgraded)

		qualityFloor := req.QualityRequirement * (1 - downgradeQualitySlack)
		if !exceedsCeilings(downgradedPred, req) && downgradedPred.EstimatedQuality >= qualityFloor {
			return Selection{
				Config:     downgraded,
				Prediction: downgradedPred,
				Confidence: downgradeConfidence,
				Reasoning: fmt.Sprintf(
					"baseline %s exceeded cost/latency ceilings, downgraded to %s (cost %.4f, latency %.0fms, quality %.2f)",
					baseCfg.Model, downgraded.Model, downgradedPred.EstimatedCost,
					downgradedPred.EstimatedLatencyMs, downgradedPred.EstimatedQuality),
			}
		}
	}

	return Selection{
		Config:     baseCfg,
		Prediction: basePred,
		Confidence: baselineConfidence,
		Reasoning:  fmt.Sprintf("baseline %s satisfies requirements", baseCfg.Model),
	}
}

// baselineConfig resolves the starting configuration: recent telemetry
// first, then the static per-task default, then the global default model.
func (s *ModelSelector) baselineConfig(ctx context.Context, taskType string) core.ModelConfig {
	model := ""
	if s.baseline != nil {
		if m, ok := s.baseline.BaselineModel(ctx, taskType); ok {
			model = m
		}
	}
	if model == "" {
		if m, ok := taskDefaults[taskType]; ok {
			model = m
		} else {
			model = predict.DefaultModel
		}
	}

	cfg := core.ModelConfig{Model: model, Temperature: 0.3}
	if predict.IsStructuredTask(taskType) {
		cfg.Temperature = structuredTaskTemperature
		cfg.StructuredOutput = true
	}
	return cfg
}

func exceedsCeilings(p predict.Prediction, req Requirements) bool {
	if req.MaxCost != nil && p.EstimatedCost > *req.MaxCost {
		return true
	}
	if req.MaxLatencyMs != nil && p.EstimatedLatencyMs > *req.MaxLatencyMs {
		return true
	}
	return false
}
