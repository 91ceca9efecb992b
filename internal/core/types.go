// Package core defines the shared types for the request-optimization layer.
package core

import "time"

// ProviderType identifies a class of metered external provider.
type ProviderType string

const (
	// ProviderCompletion is an external AI completion provider.
	ProviderCompletion ProviderType = "completion"
	// ProviderSearch is an external web-search provider.
	ProviderSearch ProviderType = "search"
	// ProviderScrape is an external document-scraping provider.
	ProviderScrape ProviderType = "scrape"
)

// ProviderTypes lists all known provider types.
func ProviderTypes() []ProviderType {
	return []ProviderType{ProviderCompletion, ProviderSearch, ProviderScrape}
}

// defaultTTLs holds the static default cache TTL per provider type:
// long for slowly-changing scraped reference documents, short for live
// search results, in between for completion output.
var defaultTTLs = map[ProviderType]time.Duration{
	ProviderCompletion: 1 * time.Hour,
	ProviderSearch:     15 * time.Minute,
	ProviderScrape:     24 * time.Hour,
}

// DefaultTTL returns the static default cache TTL for a provider type.
// Unknown provider types get the completion default.
func DefaultTTL(pt ProviderType) time.Duration {
	if ttl, ok := defaultTTLs[pt]; ok {
		return ttl
	}
	return defaultTTLs[ProviderCompletion]
}

// ModelConfig describes a candidate provider configuration for a task.
// Model is the raw upstream model ID (without provider prefix).
type ModelConfig struct {
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens,omitempty"`
	StructuredOutput bool    `json:"structured_output,omitempty"`
}

// Recommendation is the categorical verdict attached to a cost/quality prediction.
type Recommendation string

const (
	RecommendUse      Recommendation = "use"
	RecommendOptimize Recommendation = "optimize"
	RecommendAvoid    Recommendation = "avoid"
)
