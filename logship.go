package logship

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service wires the connection manager, batch manager, ingress service, and
// health reporter into a single producer-facing surface: Log, LogError,
// Flush, Shutdown.
type Service struct {
	conn    *ConnectionManager
	batch   *BatchManager
	ingress *IngressService
	health  *HealthReporter
	logger  *zap.Logger
}

// New validates cfg and assembles a Service. If logger is nil, a production
// zap logger is built with an ISO8601 time encoding.
func New(cfg Config, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if logger == nil {
		logCfg := zap.NewProductionConfig()
		logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		l, err := logCfg.Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		logger = l
	}

	conn := NewConnectionManager(cfg.connectionConfig(), logger.With(zap.String("component", "connection")))
	batch := NewBatchManager(cfg.batchConfig(), conn, logger.With(zap.String("component", "batch")))
	ingress := NewIngressService(batch, cfg.DefaultCollection, logger.With(zap.String("component", "ingress")))
	health := NewHealthReporter(conn, batch, cfg.MaxMemoryUsage)

	return &Service{
		conn:    conn,
		batch:   batch,
		ingress: ingress,
		health:  health,
		logger:  logger,
	}, nil
}

// Log stamps and routes entry to its destination collection.
func (s *Service) Log(collection string, entry LogEntry) error {
	return s.ingress.Log(collection, entry)
}

// LogError shapes an error (or arbitrary thrown value) into a log entry.
func (s *Service) LogError(collection string, errValue any, metadata map[string]any) error {
	return s.ingress.LogError(collection, errValue, metadata)
}

// Flush requests a flush of every staged collection and awaits completion.
func (s *Service) Flush(ctx context.Context) error {
	return s.ingress.Flush(ctx)
}

// Shutdown drains staged batches and closes the database connection.
// Entries submitted concurrently with or after Shutdown bypass batching.
func (s *Service) Shutdown(ctx context.Context) error {
	if err := s.ingress.Shutdown(ctx); err != nil {
		s.logger.Warn("batch manager shutdown returned an error", zap.Error(err))
	}
	return s.conn.Shutdown(ctx)
}

// Health returns the aggregated health view.
func (s *Service) Health(ctx context.Context) HealthReport {
	return s.health.Report(ctx)
}

// ConnectionMetrics exposes the connection manager's raw metrics.
func (s *Service) ConnectionMetrics() ConnectionMetrics {
	return s.conn.Metrics()
}

// BatchMetrics exposes the batch manager's raw metrics.
func (s *Service) BatchMetrics() BatchMetrics {
	return s.batch.Metrics()
}
