package logship

import (
	"context"
	"time"
)

// ComponentStatus is the three-valued status reported per component and
// overall.
type ComponentStatus string

const (
	StatusUp       ComponentStatus = "up"
	StatusDegraded ComponentStatus = "degraded"
	StatusDown     ComponentStatus = "down"
)

// degradedFailureRatio and degradedMemoryRatio are the thresholds at which
// batch status degrades: once flush failures exceed 10% of flushes, or
// staged memory exceeds 90% of the configured cap.
const (
	degradedFailureRatio = 0.1
	degradedMemoryRatio  = 0.9
)

// HealthReport is the structured record returned by HealthReporter.Report.
type HealthReport struct {
	Timestamp time.Time

	Overall        ComponentStatus
	Database       ComponentStatus
	DatabaseReason string
	Batch          ComponentStatus

	ConnectionStats ConnectionMetrics
	BatchStats      BatchMetrics
}

// HealthReporter aggregates the Connection Manager and Batch Manager into a
// single health view. It reads metrics from both without
// taking a lock beyond the per-field atomicity each already provides;
// momentarily stale values are acceptable for reporting purposes.
type HealthReporter struct {
	conn      *ConnectionManager
	batch     *BatchManager
	maxMemory int64
}

// NewHealthReporter wires a reporter to the connection and batch managers
// it aggregates.
func NewHealthReporter(conn *ConnectionManager, batch *BatchManager, maxMemory int64) *HealthReporter {
	return &HealthReporter{conn: conn, batch: batch, maxMemory: maxMemory}
}

// Report produces a fresh health snapshot, probing the database live.
func (h *HealthReporter) Report(ctx context.Context) HealthReport {
	probe := h.conn.HealthProbe(ctx)
	dbStatus := StatusUp
	reason := probe.Reason
	if !probe.Up {
		dbStatus = StatusDown
	}

	bm := h.batch.Metrics()
	batchStatus := h.batchStatus(bm)

	overall := StatusUp
	switch {
	case dbStatus == StatusDown:
		overall = StatusDown
	case batchStatus == StatusDegraded:
		overall = StatusDegraded
	}

	return HealthReport{
		Timestamp:       time.Now(),
		Overall:         overall,
		Database:        dbStatus,
		DatabaseReason:  reason,
		Batch:           batchStatus,
		ConnectionStats: h.conn.Metrics(),
		BatchStats:      bm,
	}
}

func (h *HealthReporter) batchStatus(bm BatchMetrics) ComponentStatus {
	denom := bm.TotalBatchesFlushed
	if denom == 0 {
		denom = 1
	}
	failureRatio := float64(bm.TotalFlushFailures) / float64(denom)

	var memoryRatio float64
	if h.maxMemory > 0 {
		memoryRatio = float64(bm.CurrentMemoryUsage) / float64(h.maxMemory)
	}

	if failureRatio > degradedFailureRatio || memoryRatio > degradedMemoryRatio {
		return StatusDegraded
	}
	return StatusUp
}
