package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optigate/internal/core"
)

func TestExtractTokenUsage(t *testing.T) {
	tests := []struct {
		name         string
		providerType core.ProviderType
		raw          string
		want         TokenUsage
	}{
		{
			name:         "openai shape",
			providerType: core.ProviderCompletion,
			raw:          `{"usage":{"prompt_tokens":120,"completion_tokens":80,"total_tokens":200}}`,
			want:         TokenUsage{InputTokens: 120, OutputTokens: 80, TotalTokens: 200},
		},
		{
			name:         "anthropic shape",
			providerType: core.ProviderCompletion,
			raw:          `{"usage":{"input_tokens":50,"output_tokens":25}}`,
			want:         TokenUsage{InputTokens: 50, OutputTokens: 25, TotalTokens: 75},
		},
		{
			name:         "no usage block",
			providerType: core.ProviderCompletion,
			raw:          `{"choices":[]}`,
			want:         TokenUsage{},
		},
		{
			name:         "search provider yields nothing",
			providerType: core.ProviderSearch,
			raw:          `{"usage":{"prompt_tokens":10}}`,
			want:         TokenUsage{},
		},
		{
			name:         "invalid json treated as absent",
			providerType: core.ProviderCompletion,
			raw:          `{not json`,
			want:         TokenUsage{},
		},
		{
			name:         "empty body",
			providerType: core.ProviderCompletion,
			raw:          "",
			want:         TokenUsage{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractTokenUsage(tt.providerType, []byte(tt.raw))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogProviderResponseFillsTokenCounts(t *testing.T) {
	store := newTestStore(t)
	agg := NewAggregator(store, Config{Enabled: true, BufferSize: 100, FlushInterval: time.Hour})
	defer agg.Close()

	ctx := context.Background()
	entry := testEntry("scenario", true, false, 150)
	raw := []byte(`{"usage":{"prompt_tokens":400,"completion_tokens":100,"total_tokens":500}}`)

	agg.LogProviderResponse(entry, raw)
	require.NoError(t, agg.Flush(ctx))

	start := time.Now().UTC().Add(-time.Minute)
	end := time.Now().UTC().Add(time.Minute)
	entries, err := store.Query(ctx, start, end, Filter{FeatureName: "scenario"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 400, entries[0].InputTokens)
	assert.Equal(t, 100, entries[0].OutputTokens)
	assert.Equal(t, 500, entries[0].TokensUsed)
}

func TestLogProviderResponseKeepsExistingCounts(t *testing.T) {
	store := newTestStore(t)
	agg := NewAggregator(store, Config{Enabled: true, BufferSize: 100, FlushInterval: time.Hour})
	defer agg.Close()

	ctx := context.Background()
	entry := testEntry("scenario", true, false, 150)
	entry.InputTokens = 10
	entry.OutputTokens = 5

	agg.LogProviderResponse(entry, []byte(`{"usage":{"prompt_tokens":400,"completion_tokens":100}}`))
	require.NoError(t, agg.Flush(ctx))

	start := time.Now().UTC().Add(-time.Minute)
	end := time.Now().UTC().Add(time.Minute)
	entries, err := store.Query(ctx, start, end, Filter{FeatureName: "scenario"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 10, entries[0].InputTokens)
	assert.Equal(t, 5, entries[0].OutputTokens)
}
