package logship

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// reconnectAttempts bounds a single Acquire call's own dial attempts before
// giving up and surfacing the error to the caller; the circuit breaker, not
// this count, is what stops a client from hammering a dead database across
// repeated Acquire calls.
const reconnectAttempts = 3

// ConnState is the connection state machine.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// ConnectionConfig is the pool/timeout profile the connect algorithm
// merges caller overrides into.
type ConnectionConfig struct {
	URI                    string
	MaxPoolSize            uint64
	MinPoolSize            uint64
	MaxConnIdleTime        time.Duration
	ServerSelectionTimeout time.Duration
	SocketTimeout          time.Duration
	RetryDelay             time.Duration
}

// DefaultConnectionConfig returns the pool defaults: maxPoolSize 10,
// minPoolSize 2, idle timeout 30s, server-selection timeout 5s, socket
// timeout 45s.
func DefaultConnectionConfig(uri string) ConnectionConfig {
	return ConnectionConfig{
		URI:                    uri,
		MaxPoolSize:            10,
		MinPoolSize:            2,
		MaxConnIdleTime:        30 * time.Second,
		ServerSelectionTimeout: 5 * time.Second,
		SocketTimeout:          45 * time.Second,
		RetryDelay:             1 * time.Second,
	}
}

// ConnectionMetrics is the snapshot returned by ConnectionManager.Metrics.
type ConnectionMetrics struct {
	Successes          uint64
	Failures           uint64
	Reconnects         uint64
	LastConnectionTime time.Time
	LastDisconnectTime time.Time
	State              ConnState
}

// HealthStatus is the result of a health probe: either up, or down with a
// reason.
type HealthStatus struct {
	Up     bool
	Reason string
}

// dialFunc opens a fresh database handle. It is a field on ConnectionManager
// rather than a free function so tests can substitute a fake dialer without
// a real mongod.
type dialFunc func(ctx context.Context, cfg ConnectionConfig) (Handle, string, error)

// ConnectionManager is the singleton database handle owner: it opens,
// monitors, and reconnects the handle, and trips a circuit breaker under
// repeated failure.
type ConnectionManager struct {
	cfg     ConnectionConfig
	logger  *zap.Logger
	breaker circuitBreaker
	dial    dialFunc

	mu           sync.Mutex
	state        ConnState
	handle       Handle
	database     string
	connectingCh chan struct{}
	shuttingDown bool

	successes      atomic.Uint64
	failures       atomic.Uint64
	reconnects     atomic.Uint64
	lastConnectNs  atomic.Int64
	lastDisconnNs  atomic.Int64
	everConnected  atomic.Bool
}

// NewConnectionManager constructs a manager around the real mongo driver.
func NewConnectionManager(cfg ConnectionConfig, logger *zap.Logger) *ConnectionManager {
	m := newConnectionManager(cfg, logger, nil)
	m.dial = func(ctx context.Context, cfg ConnectionConfig) (Handle, string, error) {
		return dialMongoFor(ctx, cfg, m)
	}
	return m
}

func newConnectionManager(cfg ConnectionConfig, logger *zap.Logger, dial dialFunc) *ConnectionManager {
	return &ConnectionManager{
		cfg:    cfg,
		logger: logger,
		dial:   dial,
		state:  StateDisconnected,
	}
}

// Acquire returns a ready-to-use handle: fail fast while the breaker is
// open, perform the single half-open trial once openDuration has elapsed,
// return the cached handle when already connected, suspend behind an
// in-flight connect attempt, or initiate a new one.
func (m *ConnectionManager) Acquire(ctx context.Context) (Handle, error) {
	proceed, isTrial := m.breaker.tryAcquireSlot()
	if !proceed {
		return nil, &CircuitOpenError{RetryAfter: m.breaker.retryAfter()}
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	switch m.state {
	case StateConnected:
		h := m.handle
		m.mu.Unlock()
		return h, nil

	case StateConnecting, StateReconnecting:
		ch := m.connectingCh
		m.mu.Unlock()
		select {
		case <-ch:
			return m.Acquire(ctx)
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	default: // StateDisconnected
		wasReconnect := m.everConnected.Load()
		if wasReconnect {
			m.state = StateReconnecting
		} else {
			m.state = StateConnecting
		}
		ch := make(chan struct{})
		m.connectingCh = ch
		m.mu.Unlock()

		var handle Handle
		var database string
		err := retry.Do(
			func() error {
				var dialErr error
				handle, database, dialErr = m.dial(ctx, m.cfg)
				return dialErr
			},
			retry.Attempts(reconnectAttempts),
			retry.Delay(m.cfg.RetryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, dialErr error) {
				m.logger.Warn("dial attempt failed, backing off",
					zap.Uint("attempt", n+1), zap.Error(dialErr))
			}),
		)

		m.mu.Lock()
		close(ch)
		m.connectingCh = nil
		if err != nil {
			m.state = StateDisconnected
			m.mu.Unlock()

			m.failures.Add(1)
			m.breaker.recordFailure(isTrial)
			m.logger.Error("connect failed", zap.Error(err), zap.Bool("halfOpenTrial", isTrial))
			return nil, fmt.Errorf("connect: %w", err)
		}

		m.handle = handle
		m.database = database
		m.state = StateConnected
		m.mu.Unlock()

		m.successes.Add(1)
		m.lastConnectNs.Store(time.Now().UnixNano())
		if wasReconnect {
			m.reconnects.Add(1)
		}
		m.everConnected.Store(true)
		m.breaker.recordSuccess()
		m.logger.Info("connected", zap.String("database", database), zap.Bool("reconnect", wasReconnect))
		return handle, nil
	}
}

// IsCircuitOpen reports whether the breaker is currently tripped.
func (m *ConnectionManager) IsCircuitOpen() bool {
	return m.breaker.isOpen()
}

// IsConnected reports whether the cached handle is currently usable.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// DatabaseName returns the database name resolved from the connection URI
// at connect time, falling back to "logs" until a connection succeeds.
func (m *ConnectionManager) DatabaseName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.database == "" {
		return "logs"
	}
	return m.database
}

// HealthProbe issues a lightweight ping; it reports down without touching
// the network if there is no cached handle.
func (m *ConnectionManager) HealthProbe(ctx context.Context) HealthStatus {
	m.mu.Lock()
	h := m.handle
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || h == nil {
		return HealthStatus{Up: false, Reason: "not connected"}
	}
	if err := h.Ping(ctx); err != nil {
		return HealthStatus{Up: false, Reason: err.Error()}
	}
	return HealthStatus{Up: true}
}

// Metrics returns a point-in-time snapshot of counters and state.
func (m *ConnectionManager) Metrics() ConnectionMetrics {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	var lastConn, lastDisc time.Time
	if t := m.lastConnectNs.Load(); t != 0 {
		lastConn = time.Unix(0, t)
	}
	if t := m.lastDisconnNs.Load(); t != 0 {
		lastDisc = time.Unix(0, t)
	}

	return ConnectionMetrics{
		Successes:          m.successes.Load(),
		Failures:           m.failures.Load(),
		Reconnects:         m.reconnects.Load(),
		LastConnectionTime: lastConn,
		LastDisconnectTime: lastDisc,
		State:              state,
	}
}

// Shutdown closes the handle; subsequent Acquire calls fail with
// ErrManagerClosed.
func (m *ConnectionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	h := m.handle
	m.handle = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Disconnect(ctx)
}

// handleDisconnect is invoked from the driver's monitor callbacks on
// connection close, driver error, or heartbeat failure. It only updates
// bookkeeping; reopening the connection is left to the next Acquire call.
func (m *ConnectionManager) handleDisconnect(reason string, cause error) {
	m.mu.Lock()
	wasConnected := m.state == StateConnected
	if wasConnected {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if !wasConnected {
		return
	}
	m.lastDisconnNs.Store(time.Now().UnixNano())
	m.logger.Warn("connection lost", zap.String("reason", reason), zap.Error(cause))
}

// dialMongoFor builds the client with pool parameters merged from
// ConnectionConfig, opens it, derives the database name from the URI path
// segment (fallback "logs"), and registers monitor callbacks that feed
// handleDisconnect. It is split out so a ConnectionManager instance's
// handleDisconnect can be wired into the driver's event monitors; the
// indirection exists solely for that callback binding.
func dialMongoFor(ctx context.Context, cfg ConnectionConfig, m *ConnectionManager) (Handle, string, error) {
	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxConnIdleTime(cfg.MaxConnIdleTime).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout).
		SetSocketTimeout(cfg.SocketTimeout)

	if m != nil {
		clientOpts.SetServerMonitor(&event.ServerMonitor{
			ServerHeartbeatFailed: func(e *event.ServerHeartbeatFailedEvent) {
				m.handleDisconnect("heartbeat failure", e.Failure)
			},
		})
		clientOpts.SetPoolMonitor(&event.PoolMonitor{
			Event: func(e *event.PoolEvent) {
				switch e.Type {
				case event.ConnectionClosed:
					m.handleDisconnect("connection closed", nil)
				case event.ConnectionCheckOutFailed:
					m.handleDisconnect("driver error", nil)
				}
			},
		})
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, "", fmt.Errorf("open client: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, "", fmt.Errorf("ping: %w", err)
	}

	database := databaseFromURI(cfg.URI)
	return &mongoHandle{client: client, database: database}, database, nil
}

// databaseFromURI pulls the database name out of a mongodb:// URI's path
// segment, falling back to "logs" when absent.
func databaseFromURI(uri string) string {
	const fallback = "logs"

	idx := strings.Index(uri, "://")
	if idx < 0 {
		return fallback
	}
	rest := uri[idx+3:]

	slash := strings.Index(rest, "/")
	if slash < 0 {
		return fallback
	}
	path := rest[slash+1:]

	if q := strings.IndexAny(path, "?#"); q >= 0 {
		path = path[:q]
	}
	if path == "" {
		return fallback
	}
	return path
}
