package telemetry

import (
	"github.com/tidwall/gjson"

	"optigate/internal/core"
)

// TokenUsage holds normalized token counts extracted from a raw provider
// response body.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ExtractTokenUsage pulls token usage out of a raw provider response.
// Completion providers report usage under a handful of known shapes
// ("usage.prompt_tokens"/"usage.completion_tokens" or
// "usage.input_tokens"/"usage.output_tokens"); search and scrape providers
// report no token usage and yield zero counts. Unknown shapes are treated
// as absent rather than rejected.
func ExtractTokenUsage(providerType core.ProviderType, raw []byte) TokenUsage {
	if providerType != core.ProviderCompletion || len(raw) == 0 {
		return TokenUsage{}
	}
	if !gjson.ValidBytes(raw) {
		return TokenUsage{}
	}

	usage := gjson.GetBytes(raw, "usage")
	if !usage.Exists() {
		return TokenUsage{}
	}

	u := TokenUsage{
		InputTokens:  firstInt(usage, "prompt_tokens", "input_tokens"),
		OutputTokens: firstInt(usage, "completion_tokens", "output_tokens"),
		TotalTokens:  firstInt(usage, "total_tokens"),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

// firstInt returns the first present integer field among the given keys.
func firstInt(result gjson.Result, keys ...string) int {
	for _, key := range keys {
		if v := result.Get(key); v.Exists() {
			return int(v.Int())
		}
	}
	return 0
}
