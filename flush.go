package logship

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// flushCollection is the per-collection flush algorithm, the subtlety of
// the whole design: it must be safe under concurrent submissions. Steps:
//
//  1. Skip if the circuit is open; entries stay staged for the next tick.
//  2. Skip if a flush for this collection is already in progress.
//  3. Atomic swap: install a fresh empty batch, keep the old one locally.
//  4/10. The flushing flag stands in for the Flush-in-progress Set.
//  5. Acquire a handle.
//  6/7. Strip bookkeeping fields, bulk insert.
//  8/9. Classify success vs partial vs whole-batch failure.
func (m *BatchManager) flushCollection(ctx context.Context, cb *collectionBatch) {
	if m.conn.IsCircuitOpen() {
		return
	}
	if !cb.flushing.CompareAndSwap(false, true) {
		return
	}
	defer cb.flushing.Store(false)

	cb.mu.Lock()
	if len(cb.entries) == 0 {
		cb.mu.Unlock()
		return
	}
	toFlush := cb.entries
	flushedSize := cb.memorySize
	cb.entries = make([]*batchedLogEntry, 0, m.cfg.BatchSize)
	cb.memorySize = 0
	cb.lastFlush = time.Now()
	cb.mu.Unlock()

	m.totalMemory.Add(-flushedSize)

	handle, err := m.conn.Acquire(ctx)
	if err != nil {
		m.logger.Warn("flush deferred, database unavailable",
			zap.String("collection", cb.name), zap.Error(err))
		m.retryFlush(cb, toFlush, flushedSize)
		return
	}

	models := make([]mongo.WriteModel, 0, len(toFlush))
	for _, be := range toFlush {
		models = append(models, bulkWriteModel(be.entry.toDocument()))
	}

	coll := handle.Collection(m.conn.DatabaseName(), cb.name)
	_, err = coll.BulkWrite(ctx, models, unorderedBulkWrite)
	if err == nil {
		m.onFlushSuccess(cb, len(toFlush))
		return
	}

	if bwErr := classifyFlushError(err); bwErr != nil {
		m.handlePartialFailure(ctx, handle, cb, toFlush, bwErr)
		return
	}

	m.logger.Warn("flush failed, will retry",
		zap.String("collection", cb.name), zap.Int("entries", len(toFlush)), zap.Error(err))
	m.retryFlush(cb, toFlush, flushedSize)
}

func (m *BatchManager) onFlushSuccess(cb *collectionBatch, count int) {
	m.totalFlushed.Add(1)
	m.lastFlushNs.Store(time.Now().UnixNano())
	cb.retryCount.Store(0)
	m.logger.Debug("flushed collection", zap.String("collection", cb.name), zap.Int("entries", count))
}

// retryFlush implements the whole-batch transient failure policy: increment
// the per-collection retry counter and totalRetries, prepend the failed
// entries back onto the live batch preserving original order, and restore
// their bytes to memorySize. The next timer tick or size trigger retries
// them; no cap is enforced on this path (see DESIGN.md for the recorded
// decision on this open question).
func (m *BatchManager) retryFlush(cb *collectionBatch, failed []*batchedLogEntry, size int64) {
	cb.retryCount.Add(1)
	m.totalFailures.Add(1)
	m.totalRetries.Add(1)

	for _, be := range failed {
		be.retryCount++
	}

	cb.mu.Lock()
	cb.entries = append(append([]*batchedLogEntry{}, failed...), cb.entries...)
	cb.memorySize += size
	cb.mu.Unlock()

	m.totalMemory.Add(size)
}

// handlePartialFailure implements the per-record dead-letter path: entries
// named in the driver's failure list go to
// <collection>_dlq; everything else is considered persisted and is not
// retried. A DLQ write failure is logged at error level and dropped
// rather than retried, to avoid unbounded growth of the dead-letter path.
func (m *BatchManager) handlePartialFailure(ctx context.Context, handle Handle, cb *collectionBatch, toFlush []*batchedLogEntry, bwErr *BulkWriteError) {
	m.totalFailures.Add(1)

	dlqModels := make([]mongo.WriteModel, 0, len(bwErr.Failures))
	for _, f := range bwErr.Failures {
		if f.Index < 0 || f.Index >= len(toFlush) {
			continue
		}
		be := toFlush[f.Index]
		rec := DeadLetterRecord{
			OriginalLog:      be.entry,
			ErrorDetails:     f.Err.Error(),
			FailedAt:         time.Now(),
			SourceCollection: cb.name,
		}
		dlqModels = append(dlqModels, bulkWriteModel(rec.toDocument()))
	}

	if len(dlqModels) > 0 {
		dlqName := cb.name + "_dlq"
		dlqColl := handle.Collection(m.conn.DatabaseName(), dlqName)
		if _, err := dlqColl.BulkWrite(ctx, dlqModels, unorderedBulkWrite); err != nil {
			m.logger.Error("dead-letter write failed, dropping records",
				zap.String("dlqCollection", dlqName), zap.Int("count", len(dlqModels)), zap.Error(err))
		}
	}

	m.onFlushSuccess(cb, len(toFlush)-len(dlqModels))
}
