package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// BatchFlushThreshold is the number of buffered entries that triggers an
// immediate flush without waiting for the timer.
const BatchFlushThreshold = 100

// Aggregator collects provider-call entries and serves windowed metrics.
// Writes are buffered in a channel and flushed to the store in batches,
// either when the batch reaches BatchFlushThreshold or at regular intervals.
type Aggregator struct {
	store         CallStore
	config        Config
	buffer        chan *CallEntry
	flushReq      chan chan error
	done          chan struct{}
	wg            sync.WaitGroup
	writes        sync.WaitGroup // tracks in-flight LogCall calls
	flushInterval time.Duration
	closed        atomic.Bool
}

// NewAggregator creates an Aggregator backed by the given store.
// It starts a background goroutine for flushing entries.
func NewAggregator(store CallStore, cfg Config) *Aggregator {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	a := &Aggregator{
		store:         store,
		config:        cfg,
		buffer:        make(chan *CallEntry, cfg.BufferSize),
		flushReq:      make(chan chan error),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
	}

	a.wg.Add(1)
	go a.flushLoop()

	return a
}

// LogCall queues a call entry for async writing. Non-blocking: if the buffer
// is full or the aggregator is closed, the entry is dropped with a warning.
// Missing optional fields are defaulted rather than rejected: a zero ID gets
// a UUID, a zero CompletedAt gets the current time, and a zero EstimatedCost
// is computed from token counts (or a flat per-call estimate).
func (a *Aggregator) LogCall(entry *CallEntry) {
	if entry == nil || !a.config.Enabled {
		return
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CompletedAt.IsZero() {
		entry.CompletedAt = time.Now().UTC()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = entry.CompletedAt.Add(-time.Duration(entry.LatencyMs) * time.Millisecond)
	}
	if entry.EstimatedCost == 0 {
		entry.EstimatedCost = EstimateCost(entry.ProviderType, entry.InputTokens, entry.OutputTokens)
	}

	// Check if aggregator is shut down to avoid sending on closed channel
	if a.closed.Load() {
		return
	}

	// Track this write to prevent Close from closing buffer while we're sending
	a.writes.Add(1)
	defer a.writes.Done()

	// Double-check after registering - Close() may have set closed in between
	if a.closed.Load() {
		return
	}

	select {
	case a.buffer <- entry:
	default:
		slog.Warn("call log buffer full, dropping entry",
			"provider_type", entry.ProviderType,
			"endpoint", entry.Endpoint,
		)
	}
}

// LogProviderResponse extracts token usage from a raw provider response
// body, fills the entry's token counts, and queues it like LogCall. Entries
// that already carry token counts keep them.
func (a *Aggregator) LogProviderResponse(entry *CallEntry, rawResponse []byte) {
	if entry == nil {
		return
	}

	if entry.InputTokens == 0 && entry.OutputTokens == 0 {
		usage := ExtractTokenUsage(entry.ProviderType, rawResponse)
		entry.InputTokens = usage.InputTokens
		entry.OutputTokens = usage.OutputTokens
		if entry.TokensUsed == 0 {
			entry.TokensUsed = usage.TotalTokens
		}
	}
	a.LogCall(entry)
}

// Aggregate computes metrics windows for entries completed within
// [start, end), grouped by (provider type, endpoint, feature name).
func (a *Aggregator) Aggregate(ctx context.Context, start, end time.Time, f Filter) ([]*MetricsWindow, error) {
	entries, err := a.store.Query(ctx, start, end, f)
	if err != nil {
		return nil, fmt.Errorf("failed to query call log: %w", err)
	}
	return aggregateEntries(entries, start, end), nil
}

// Cleanup deletes call-log entries older than the retention horizon.
// Returns the number of entries deleted.
func (a *Aggregator) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UTC()
	return a.store.DeleteOlderThan(ctx, cutoff)
}

// Config returns the aggregator configuration.
func (a *Aggregator) Config() Config {
	return a.config
}

// Flush forces buffered entries into the store and waits for the write to
// complete. Used by callers that need read-after-write visibility.
func (a *Aggregator) Flush(ctx context.Context) error {
	if a.closed.Load() {
		return a.store.Flush(ctx)
	}

	done := make(chan error, 1)
	select {
	case a.flushReq <- done:
	case <-a.done:
		return a.store.Flush(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.store.Flush(ctx)
}

// Close stops the aggregator and flushes remaining entries.
// Idempotent: calling it multiple times is safe.
func (a *Aggregator) Close() error {
	if a.closed.Swap(true) {
		return nil
	}

	// Wait for any in-flight LogCall calls to complete
	a.writes.Wait()

	close(a.done)
	a.wg.Wait()

	return a.store.Close()
}

// flushLoop runs in the background and periodically flushes the buffer.
func (a *Aggregator) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	batch := make([]*CallEntry, 0, BatchFlushThreshold)

	for {
		select {
		case entry := <-a.buffer:
			batch = append(batch, entry)
			if len(batch) >= BatchFlushThreshold {
				a.flushBatch(batch)
				batch = make([]*CallEntry, 0, BatchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				a.flushBatch(batch)
				batch = make([]*CallEntry, 0, BatchFlushThreshold)
			}

		case done := <-a.flushReq:
			// Pull anything still queued before writing
		drain:
			for {
				select {
				case entry := <-a.buffer:
					batch = append(batch, entry)
				default:
					break drain
				}
			}
			var err error
			if len(batch) > 0 {
				err = a.writeBatch(batch)
				batch = make([]*CallEntry, 0, BatchFlushThreshold)
			}
			done <- err

		case <-a.done:
			// Shutdown: a.closed is already set by Close() before a.done
			// is closed, so no new sends can race with this.
			close(a.buffer)
			for entry := range a.buffer {
				batch = append(batch, entry)
			}
			if len(batch) > 0 {
				a.flushBatch(batch)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.store.Flush(ctx); err != nil {
				slog.Error("failed to flush call store", "error", err)
			}
			cancel()
			return
		}
	}
}

// flushBatch writes a batch of entries to the store, logging failures.
func (a *Aggregator) flushBatch(batch []*CallEntry) {
	if err := a.writeBatch(batch); err != nil {
		slog.Error("failed to write call batch",
			"error", err,
			"count", len(batch),
		)
	}
}

func (a *Aggregator) writeBatch(batch []*CallEntry) error {
	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.store.WriteBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to write call batch: %w", err)
	}
	return nil
}
