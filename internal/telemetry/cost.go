package telemetry

import "optigate/internal/core"

// tokenRates holds per-1K-token rates for providers that bill by token.
type tokenRates struct {
	inputPer1K  float64
	outputPer1K float64
}

// providerTokenRates is the per-provider cost table used for inline
// estimation when an entry arrives with token counts but no cost.
// Only completion providers bill by token; search and scrape providers
// bill per call and fall through to the flat estimates below.
var providerTokenRates = map[core.ProviderType]tokenRates{
	core.ProviderCompletion: {inputPer1K: 0.0025, outputPer1K: 0.01},
}

// flatCallCost is the per-call fallback estimate when token counts are
// absent or the provider has no token cost table.
var flatCallCost = map[core.ProviderType]float64{
	core.ProviderCompletion: 0.01,
	core.ProviderSearch:     0.005,
	core.ProviderScrape:     0.002,
}

// EstimateCost computes the estimated cost for a call. Token-based when
// counts are present and the provider has a token cost table, otherwise a
// flat per-call estimate.
func EstimateCost(providerType core.ProviderType, inputTokens, outputTokens int) float64 {
	if inputTokens > 0 || outputTokens > 0 {
		if rates, ok := providerTokenRates[providerType]; ok {
			return float64(inputTokens)/1000*rates.inputPer1K +
				float64(outputTokens)/1000*rates.outputPer1K
		}
	}
	return flatCallCost[providerType]
}
