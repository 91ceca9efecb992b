package telemetry

import (
	"context"
	"sort"
	"time"

	"optigate/internal/core"
)

type groupKey struct {
	providerType core.ProviderType
	endpoint     string
	featureName  string
}

// aggregateEntries computes one MetricsWindow per (provider, endpoint,
// feature) group. Windows are always recomputed from the raw log rather
// than incrementally updated.
func aggregateEntries(entries []*CallEntry, start, end time.Time) []*MetricsWindow {
	groups := make(map[groupKey][]*CallEntry)
	for _, e := range entries {
		k := groupKey{e.ProviderType, e.Endpoint, e.FeatureName}
		groups[k] = append(groups[k], e)
	}

	windows := make([]*MetricsWindow, 0, len(groups))
	for k, group := range groups {
		w := &MetricsWindow{
			ProviderType: k.providerType,
			Endpoint:     k.endpoint,
			FeatureName:  k.featureName,
			WindowStart:  start,
			WindowEnd:    end,
		}

		latencies := make([]float64, 0, len(group))
		var latencySum float64
		for _, e := range group {
			w.TotalCalls++
			if e.Success {
				w.SuccessCalls++
			} else {
				w.FailedCalls++
			}
			if e.WasCached {
				w.CachedCalls++
			}
			w.TotalCost += e.EstimatedCost

			latencies = append(latencies, e.LatencyMs)
			latencySum += e.LatencyMs
			if w.MinLatencyMs == 0 || e.LatencyMs < w.MinLatencyMs {
				w.MinLatencyMs = e.LatencyMs
			}
			if e.LatencyMs > w.MaxLatencyMs {
				w.MaxLatencyMs = e.LatencyMs
			}
		}

		w.AvgLatencyMs = latencySum / float64(w.TotalCalls)
		w.P50LatencyMs = Percentile(latencies, 50)
		w.P95LatencyMs = Percentile(latencies, 95)
		w.P99LatencyMs = Percentile(latencies, 99)
		w.CacheHitRate = float64(w.CachedCalls) / float64(w.TotalCalls)
		w.ErrorRate = float64(w.FailedCalls) / float64(w.TotalCalls)

		windows = append(windows, w)
	}

	// Deterministic output order
	sort.Slice(windows, func(i, j int) bool {
		if windows[i].ProviderType != windows[j].ProviderType {
			return windows[i].ProviderType < windows[j].ProviderType
		}
		if windows[i].Endpoint != windows[j].Endpoint {
			return windows[i].Endpoint < windows[j].Endpoint
		}
		return windows[i].FeatureName < windows[j].FeatureName
	})

	return windows
}

// modelStats accumulates per-model call outcomes for the baseline heuristic.
type modelStats struct {
	calls      int
	successes  int
	latencySum float64
}

// BaselineModel returns the best-performing model for a task type over the
// last 24 hours, scored by success rate over average latency. The model is
// read from each entry's metadata. Returns false when no history exists.
func (a *Aggregator) BaselineModel(ctx context.Context, taskType string) (string, bool) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	entries, err := a.store.Query(ctx, start, end, Filter{
		ProviderType: core.ProviderCompletion,
		FeatureName:  taskType,
	})
	if err != nil {
		// History lookup is advisory; fail open to the static defaults.
		return "", false
	}

	stats := make(map[string]*modelStats)
	for _, e := range entries {
		model, _ := e.Metadata["model"].(string)
		if model == "" {
			continue
		}
		s := stats[model]
		if s == nil {
			s = &modelStats{}
			stats[model] = s
		}
		s.calls++
		if e.Success {
			s.successes++
		}
		s.latencySum += e.LatencyMs
	}

	var best string
	var bestScore float64
	for model, s := range stats {
		avgLatency := s.latencySum / float64(s.calls)
		if avgLatency <= 0 {
			avgLatency = 1
		}
		score := float64(s.successes) / float64(s.calls) / avgLatency
		if best == "" || score > bestScore || (score == bestScore && model < best) {
			best = model
			bestScore = score
		}
	}

	return best, best != ""
}
