package logship

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// BatchConfig holds the staging thresholds that govern when a collection's
// batch flushes.
type BatchConfig struct {
	BatchSize               int
	FlushInterval           time.Duration
	MaxMemoryUsage          int64
	DefaultCollection       string
	GracefulShutdownTimeout time.Duration
}

// DefaultBatchConfig returns production defaults: batchSize 500,
// flushInterval 5000ms, maxMemoryUsage 100MiB, gracefulShutdownTimeout 30s.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:               500,
		FlushInterval:           5 * time.Second,
		MaxMemoryUsage:          100 << 20,
		DefaultCollection:       "logs",
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// BatchMetrics is the snapshot returned by BatchManager.Metrics.
type BatchMetrics struct {
	TotalEntriesProcessed uint64
	TotalBatchesFlushed   uint64
	TotalFlushFailures    uint64
	TotalRetries          uint64
	AverageBatchSize      float64
	LastFlushTime         time.Time
	CurrentMemoryUsage    int64
	CollectionsActive     int
}

// collectionBatch is the per-destination staging area. mu guards
// entries/memorySize/lastFlush, including the atomic swap performed at
// flush start; flushing is the at-most-one-concurrent-flush guard, scoped
// per collection rather than globally.
type collectionBatch struct {
	name string

	mu         sync.Mutex
	entries    []*batchedLogEntry
	lastFlush  time.Time
	memorySize int64

	flushing   atomic.Bool
	retryCount atomic.Int32
}

// BatchManager is the staging area and flush engine: it stages entries per
// collection, triggers flushes by size, time, or memory pressure, retries
// transient failures, and dead-letters permanent per-record failures.
type BatchManager struct {
	cfg    BatchConfig
	conn   *ConnectionManager
	logger *zap.Logger

	mu          sync.Mutex
	collections map[string]*collectionBatch

	totalMemory atomic.Int64

	totalEntries  atomic.Uint64
	totalFlushed  atomic.Uint64
	totalFailures atomic.Uint64
	totalRetries  atomic.Uint64
	lastFlushNs   atomic.Int64

	stopOnce     sync.Once
	stopCh       chan struct{}
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewBatchManager constructs a batch manager and starts its periodic flush
// timer. Callers must eventually call Shutdown.
func NewBatchManager(cfg BatchConfig, conn *ConnectionManager, logger *zap.Logger) *BatchManager {
	m := &BatchManager{
		cfg:         cfg,
		conn:        conn,
		logger:      logger,
		collections: make(map[string]*collectionBatch),
		stopCh:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.runTimer()
	return m
}

// Submit appends entry to its destination collection batch, stamping its
// bookkeeping fields, and schedules a flush if a size or memory trigger is
// met. Before Shutdown it never blocks on network I/O: the flush itself
// always runs on a separate goroutine. Once Shutdown has begun, the entry is
// written inline through the connection manager (see submitInline).
func (m *BatchManager) Submit(entry LogEntry) error {
	collName := entry.Collection
	if collName == "" {
		collName = m.cfg.DefaultCollection
	}
	entry.Collection = collName

	if m.shuttingDown.Load() {
		return m.submitInline(collName, entry)
	}

	be := &batchedLogEntry{
		entry:   entry,
		batchID: uuid.NewString(),
	}
	be.size = estimateSize(entry)

	cb := m.getOrCreateBatch(collName)

	cb.mu.Lock()
	cb.entries = append(cb.entries, be)
	cb.memorySize += int64(be.size)
	sizeTrigger := len(cb.entries) >= m.cfg.BatchSize
	cb.mu.Unlock()

	m.totalMemory.Add(int64(be.size))
	m.totalEntries.Add(1)

	memoryTrigger := m.totalMemory.Load() >= m.cfg.MaxMemoryUsage

	if sizeTrigger || memoryTrigger {
		m.scheduleFlush(collName)
	}
	return nil
}

func (m *BatchManager) getOrCreateBatch(name string) *collectionBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.collections[name]
	if !ok {
		cb = &collectionBatch{name: name, lastFlush: time.Now()}
		m.collections[name] = cb
	}
	return cb
}

// scheduleFlush launches a tracked, fire-and-forget flush of the named
// collection. Callers that need completion (FlushAll, Shutdown) wait on
// m.wg instead of this goroutine directly.
func (m *BatchManager) scheduleFlush(name string) {
	cb := m.getOrCreateBatch(name)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.flushCollection(context.Background(), cb)
	}()
}

// runTimer is the single periodic-flush timer: every FlushInterval it
// schedules a flush for every collection whose last flush predates the
// interval and whose batch is non-empty. It uses a time.Ticker, which keeps
// a fixed period and drops ticks that arrive while a tick is still being
// handled, so slow cycles coalesce rather than drift.
func (m *BatchManager) runTimer() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *BatchManager) tick() {
	m.mu.Lock()
	due := make([]string, 0, len(m.collections))
	for name, cb := range m.collections {
		cb.mu.Lock()
		stale := time.Since(cb.lastFlush) >= m.cfg.FlushInterval
		nonEmpty := len(cb.entries) > 0
		cb.mu.Unlock()
		if stale && nonEmpty {
			due = append(due, name)
		}
	}
	m.mu.Unlock()

	// Each tick's flushes are fire-and-forget and run concurrently across
	// collections; the caller (the timer goroutine) does not await them.
	for _, name := range due {
		m.scheduleFlush(name)
	}
}

// FlushAll requests a flush of every non-empty collection batch and awaits
// their completion (one attempt each; a failure that falls back to retry
// will be picked up by the next timer tick or trigger, not retried inline).
func (m *BatchManager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	batches := make([]*collectionBatch, 0, len(m.collections))
	for _, cb := range m.collections {
		batches = append(batches, cb)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, cb := range batches {
		cb.mu.Lock()
		empty := len(cb.entries) == 0
		cb.mu.Unlock()
		if empty {
			continue
		}
		wg.Add(1)
		go func(cb *collectionBatch) {
			defer wg.Done()
			m.flushCollection(ctx, cb)
		}(cb)
	}
	wg.Wait()
	return nil
}

// Metrics returns a point-in-time snapshot of the flush counters.
func (m *BatchManager) Metrics() BatchMetrics {
	flushed := m.totalFlushed.Load()
	processed := m.totalEntries.Load()

	var avg float64
	if flushed > 0 {
		avg = float64(processed) / float64(flushed)
	}

	var lastFlush time.Time
	if t := m.lastFlushNs.Load(); t != 0 {
		lastFlush = time.Unix(0, t)
	}

	m.mu.Lock()
	active := len(m.collections)
	m.mu.Unlock()

	return BatchMetrics{
		TotalEntriesProcessed: processed,
		TotalBatchesFlushed:   flushed,
		TotalFlushFailures:    m.totalFailures.Load(),
		TotalRetries:          m.totalRetries.Load(),
		AverageBatchSize:      avg,
		LastFlushTime:         lastFlush,
		CurrentMemoryUsage:    m.totalMemory.Load(),
		CollectionsActive:     active,
	}
}

// Shutdown stops the periodic timer, flushes every staged batch, and waits
// for in-flight flushes to finish or the timeout to elapse, whichever comes
// first. Entries submitted after Shutdown is called bypass batching
// entirely (see submitInline).
func (m *BatchManager) Shutdown(ctx context.Context) error {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	m.stopOnce.Do(func() { close(m.stopCh) })

	timeout := m.cfg.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultBatchConfig().GracefulShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.FlushAll(shutdownCtx)
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-shutdownCtx.Done():
		m.logger.Warn("shutdown timed out waiting for flush drain")
		return shutdownCtx.Err()
	}
}

// submitInline implements the post-shutdown submit policy: a single insert
// straight through the connection manager, dropped with a diagnostic if
// the database is unavailable.
func (m *BatchManager) submitInline(collName string, entry LogEntry) error {
	ctx := context.Background()
	handle, err := m.conn.Acquire(ctx)
	if err != nil {
		m.logger.Error("dropping log entry submitted after shutdown, database unavailable",
			zap.String("collection", collName), zap.Error(err))
		return nil
	}

	coll := handle.Collection(m.conn.DatabaseName(), collName)
	if _, err := coll.InsertOne(ctx, entry.toDocument()); err != nil {
		m.logger.Error("failed to insert log entry submitted after shutdown",
			zap.String("collection", collName), zap.Error(err))
	}
	return nil
}

// classifyFlushError inspects a BulkWrite error and reports the per-record
// failures if the driver reported a partial bulk-write failure. A nil
// return means the error is a whole-batch transient failure.
func classifyFlushError(err error) *BulkWriteError {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return nil
	}

	failures := make([]BulkWriteFailure, 0, len(bwe.WriteErrors))
	for _, we := range bwe.WriteErrors {
		failures = append(failures, BulkWriteFailure{Index: we.Index, Err: errors.New(we.Message)})
	}
	if len(failures) == 0 {
		return nil
	}
	return &BulkWriteError{Failures: failures}
}

func bulkWriteModel(doc any) mongo.WriteModel {
	return mongo.NewInsertOneModel().SetDocument(doc)
}

var unorderedBulkWrite = options.BulkWrite().SetOrdered(false)
