package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/therealutkarshpriyadarshi/nodeagent/internal/sink"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/tracing"
	"github.com/therealutkarshpriyadarshi/nodeagent/pkg/types"
)

// flush detaches the buffer and pushes it to the queue with retries. On
// success the offset covering the batch is persisted. On failure the batch
// goes back to the front of the buffer and no offset is written.
func (e *Engine) flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	batch, offset := e.batcher.Detach()
	if len(batch) == 0 {
		return nil
	}

	e.mu.Lock()
	client := e.client
	e.mu.Unlock()

	if client == nil {
		e.batcher.Restore(batch)
		return sink.ErrNotConnected
	}

	ctx, span := tracing.TraceFlush(ctx, e.tracer, e.cfg.NodeID, len(batch), offset)
	defer span.End()

	start := time.Now()
	err := e.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		records, err := encodeBatch(batch)
		if err != nil {
			return err
		}
		return client.Push(ctx, sink.QueueKey, records)
	}, func(attempt int, err error, delay time.Duration) {
		if e.metrics != nil {
			e.metrics.FlushRetries.Inc()
		}
		tracing.AddEvent(ctx, "push.failed",
			attribute.Int("attempt", attempt+1),
			attribute.String("error", err.Error()),
		)
		e.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", e.policy.Attempts()).
			Int("events", len(batch)).
			Dur("retry_in", delay).
			Msg("Failed to push batch")
	})

	if e.metrics != nil {
		e.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		e.batcher.Restore(batch)
		tracing.RecordError(ctx, err)

		if e.metrics != nil {
			e.metrics.FlushFailures.Inc()
			e.metrics.FlushRequeued.Add(float64(len(batch)))
			e.metrics.BufferEvents.Set(float64(e.batcher.Len()))
		}
		e.logger.Error().
			Err(err).
			Int("events", len(batch)).
			Int("buffered", e.batcher.Len()).
			Msg("Batch delivery failed, events kept for the next flush")
		return fmt.Errorf("flush: %w", err)
	}

	e.batcher.MarkFlushed()
	tracing.AddEvent(ctx, "batch.delivered", attribute.Int("event.count", len(batch)))

	if e.metrics != nil {
		e.metrics.FlushEventsSent.Add(float64(len(batch)))
		e.metrics.FlushBatchesSent.Inc()
		e.metrics.FlushBatchSize.Observe(float64(len(batch)))
		e.metrics.BufferEvents.Set(float64(e.batcher.Len()))
	}
	e.logger.Debug().Int("events", len(batch)).Int64("offset", offset).Msg("Batch delivered")

	// A failed save leaves an older offset behind, which only causes re-delivery
	if err := e.saveOffset(ctx, offset); err != nil {
		e.logger.Warn().Err(err).Int64("offset", offset).Msg("Failed to persist position after delivery")
	}

	return nil
}

// saveOffset writes the offset to the position store with retries
func (e *Engine) saveOffset(ctx context.Context, offset int64) error {
	e.mu.Lock()
	store := e.store
	e.mu.Unlock()

	if store == nil {
		return sink.ErrNotConnected
	}

	ctx, span := tracing.TracePosition(ctx, e.tracer, "save")
	defer span.End()

	err := e.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		return store.Set(ctx, offset)
	}, func(attempt int, err error, delay time.Duration) {
		e.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int64("offset", offset).
			Dur("retry_in", delay).
			Msg("Failed to save position")
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		if e.metrics != nil {
			e.metrics.PositionSaveFailures.Inc()
		}
		return err
	}

	if e.metrics != nil {
		e.metrics.PositionPersisted.Set(float64(offset))
	}
	return nil
}

// encodeBatch serializes every event to its wire record
func encodeBatch(batch []*types.LogEvent) ([][]byte, error) {
	records := make([][]byte, 0, len(batch))
	for _, event := range batch {
		data, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
		records = append(records, data)
	}
	return records, nil
}
