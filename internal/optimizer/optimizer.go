// Package optimizer evaluates candidate provider configurations against
// weighted objectives and computes a Pareto-optimal frontier. Candidate sets
// are small, so all pairwise computations run synchronously.
package optimizer

import (
	"context"
	"fmt"
	"math"
	"sort"

	"optigate/internal/core"
	"optigate/internal/predict"
)

const (
	// Normalization constants mapping raw objective values into [0, 1].
	// Cost is normalized against the largest single-call cost the layer is
	// expected to see, latency against a 30 second worst case. Quality is
	// already in [0, 1].
	maxExpectedCost      = 1.0
	maxExpectedLatencyMs = 30000.0

	// Correlation magnitudes above this threshold classify a trade-off as
	// strongly correlated.
	correlationThreshold = 0.7
)

// Objective names understood by the optimizer.
const (
	ObjectiveCost    = "cost"
	ObjectiveQuality = "quality"
	ObjectiveLatency = "latency"
)

// Objective is one weighted optimization criterion.
type Objective struct {
	Name     string   `json:"name"`
	Weight   float64  `json:"weight"`
	Minimize bool     `json:"minimize"`
	Target   *float64 `json:"target,omitempty"`
}

// Solution is one evaluated candidate.
type Solution struct {
	Config core.ModelConfig `json:"config"`

	// Values holds the raw (un-normalized) value per objective name.
	Values map[string]float64 `json:"values"`

	// Score is the weighted sum of normalized, direction-adjusted values.
	Score float64 `json:"score"`

	Dominated bool `json:"dominated"`
}

// TradeOff describes the observed relationship between two objectives
// across the evaluated solutions.
type TradeOff struct {
	ObjectiveA  string  `json:"objective_a"`
	ObjectiveB  string  `json:"objective_b"`
	Correlation float64 `json:"correlation"`
	Relation    string  `json:"relation"`
	Description string  `json:"description"`
}

// Result is the outcome of an optimization run.
type Result struct {
	Solutions   []Solution `json:"solutions"`
	ParetoFront []Solution `json:"pareto_front"`

	// Recommended is the solution with the highest weighted score among all
	// solutions, not restricted to the Pareto front.
	Recommended *Solution  `json:"recommended,omitempty"`
	TradeOffs   []TradeOff `json:"trade_off_analysis"`
}

// Optimizer scores candidates using the cost/quality predictor.
type Optimizer struct {
	predictor *predict.Predictor
}

// New creates an Optimizer.
func New(predictor *predict.Predictor) *Optimizer {
	return &Optimizer{predictor: predictor}
}

// Optimize evaluates every candidate against the objectives and returns the
// full solution set, the Pareto front, the recommended solution, and a
// pairwise trade-off analysis. An empty candidate set yields an empty result.
func (o *Optimizer) Optimize(ctx context.Context, objectives []Objective, taskType string, inputSize int, candidates []core.ModelConfig) Result {
	if len(candidates) == 0 || len(objectives) == 0 {
		return Result{}
	}

	solutions := make([]Solution, 0, len(candidates))
	for _, cfg := range candidates {
		pred := o.predictor.Predict(ctx, taskType, inputSize, cfg)
		values := map[string]float64{
			ObjectiveCost:    pred.EstimatedCost,
			ObjectiveQuality: pred.EstimatedQuality,
			ObjectiveLatency: pred.EstimatedLatencyMs,
		}
		solutions = append(solutions, Solution{
			Config: cfg,
			Values: values,
			Score:  weightedScore(values, objectives),
		})
	}

	markDominated(solutions, objectives)

	var front []Solution
	for _, s := range solutions {
		if !s.Dominated {
			front = append(front, s)
		}
	}

	best := 0
	for i, s := range solutions {
		if s.Score > solutions[best].Score {
			best = i
		}
	}
	recommended := solutions[best]

	return Result{
		Solutions:   solutions,
		ParetoFront: front,
		Recommended: &recommended,
		TradeOffs:   analyzeTradeOffs(solutions, objectives),
	}
}

// weightedScore sums weight * normalized value over the objectives, with
// minimized objectives inverted so that higher is always better.
func weightedScore(values map[string]float64, objectives []Objective) float64 {
	score := 0.0
	for _, obj := range objectives {
		v := normalize(obj.Name, values[obj.Name])
		if obj.Minimize {
			v = 1 - v
		}
		score += obj.Weight * v
	}
	return score
}

// normalize maps a raw objective value into [0, 1] using the fixed scales.
func normalize(name string, value float64) float64 {
	switch name {
	case ObjectiveCost:
		value = value / maxExpectedCost
	case ObjectiveLatency:
		value = value / maxExpectedLatencyMs
	}
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// markDominated flags every solution dominated by another: at least as good
// on every objective and strictly better on at least one, respecting each
// objective's direction.
func markDominated(solutions []Solution, objectives []Objective) {
	for i := range solutions {
		for j := range solutions {
			if i == j {
				continue
			}
			if dominates(solutions[j], solutions[i], objectives) {
				solutions[i].Dominated = true
				break
			}
		}
	}
}

func dominates(a, b Solution, objectives []Objective) bool {
	atLeastAsGood := true
	strictlyBetter := false
	for _, obj := range objectives {
		av, bv := a.Values[obj.Name], b.Values[obj.Name]
		if obj.Minimize {
			av, bv = -av, -bv
		}
		if av < bv {
			atLeastAsGood = false
			break
		}
		if av > bv {
			strictlyBetter = true
		}
	}
	return atLeastAsGood && strictlyBetter
}

// analyzeTradeOffs computes the Pearson correlation for every objective pair
// across the solution set.
func analyzeTradeOffs(solutions []Solution, objectives []Objective) []TradeOff {
	names := make([]string, 0, len(objectives))
	for _, obj := range objectives {
		names = append(names, obj.Name)
	}
	sort.Strings(names)

	var out []TradeOff
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			xs := make([]float64, len(solutions))
			ys := make([]float64, len(solutions))
			for k, s := range solutions {
				xs[k] = s.Values[names[i]]
				ys[k] = s.Values[names[j]]
			}
			r := pearson(xs, ys)

			relation := "weakly correlated"
			switch {
			case r > correlationThreshold:
				relation = "positively correlated"
			case r < -correlationThreshold:
				relation = "negatively correlated"
			}

			out = append(out, TradeOff{
				ObjectiveA:  names[i],
				ObjectiveB:  names[j],
				Correlation: r,
				Relation:    relation,
				Description: fmt.Sprintf("%s and %s are %s (r=%.2f) across %d candidates",
					names[i], names[j], relation, r, len(solutions)),
			})
		}
	}
	return out
}

// pearson computes the Pearson correlation coefficient, returning 0 when
// either input has zero variance.
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n == 0 || n != len(ys) {
		return 0
	}

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}

	denom := math.Sqrt(varX * varY)
	if denom == 0 {
		return 0
	}
	return cov / denom
}
