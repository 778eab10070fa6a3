package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/magnetar/pkg/errors"
	"github.com/ajitpratap0/magnetar/pkg/metrics"
	"github.com/ajitpratap0/magnetar/pkg/observability"
	"github.com/ajitpratap0/magnetar/pkg/retry"
)

// maxQueryContext caps how much statement text travels in error context.
const maxQueryContext = 120

// Manager is the registry for named connections and named pools. Callers
// construct one explicitly, share it, and own its lifecycle: build what
// you need, use it, Close when the job ends.
//
// All registry state sits behind one mutex, and the mutex is held across
// session builds: when several goroutines ask for the same unbuilt name
// at once, exactly one build happens and every caller gets that session.
type Manager struct {
	factory *Factory
	logger  *zap.Logger

	mu          sync.Mutex
	connections map[string]*namedSession
	pools       map[string]*Pool
	closed      bool
}

// namedSession pairs a registered session with the effective configuration
// it was built from.
type namedSession struct {
	session   Session
	cfg       *Config
	createdAt time.Time
}

// ConnectionInfo describes one registered connection.
type ConnectionInfo struct {
	Name      string    `json:"name"`
	Driver    string    `json:"driver"`
	Host      string    `json:"host"`
	Database  string    `json:"database"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats is a diagnostic snapshot of the registry.
type Stats struct {
	Connections []ConnectionInfo     `json:"connections"`
	Pools       map[string]PoolStats `json:"pools"`
}

// New creates an empty registry.
func New(factory *Factory, logger *zap.Logger) *Manager {
	return &Manager{
		factory:     factory,
		logger:      logger.With(zap.String("component", "connection_manager")),
		connections: make(map[string]*namedSession),
		pools:       make(map[string]*Pool),
	}
}

// GetConnection returns the session registered under name, building and
// registering it on first use. The configuration of the first successful
// build wins; later calls reuse the session and ignore cfg. A nil cfg is
// valid only for names that already exist.
func (m *Manager) GetConnection(ctx context.Context, name string, cfg *Config) (Session, error) {
	ctx, span := observability.StartSpan(ctx, "connection.get")
	span.SetAttribute("connection", name)
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.NewConnection("connection registry is closed")
	}
	if ns, ok := m.connections[name]; ok {
		span.SetAttribute("reused", true)
		return ns.session, nil
	}
	if cfg == nil {
		return nil, errors.Newf(errors.CategoryConfiguration,
			"no configuration provided for unknown connection %q", name)
	}

	effective := cfg.Clone()
	effective.ApplyDefaults()

	session, err := m.factory.NewSession(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		if e, ok := err.(*errors.Error); ok {
			return nil, e.WithContext("connection", name)
		}
		return nil, err
	}

	m.connections[name] = &namedSession{
		session:   session,
		cfg:       effective,
		createdAt: time.Now(),
	}
	metrics.ConnectionsOpened.WithLabelValues(effective.Driver, "named").Inc()
	metrics.NamedConnections.Set(float64(len(m.connections)))
	span.SetAttribute("reused", false)

	m.logger.Info("connection registered",
		zap.String("connection", name),
		zap.String("driver", effective.Driver),
		zap.String("host", effective.Host),
		zap.String("database", effective.DatabaseName()))

	return session, nil
}

// GetPool returns the pool registered under name, building it on first
// use. Like GetConnection, the first configuration wins and the registry
// mutex is held across construction.
func (m *Manager) GetPool(ctx context.Context, name string, cfg *Config) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.NewConnection("connection registry is closed")
	}
	if p, ok := m.pools[name]; ok {
		return p, nil
	}
	if cfg == nil {
		return nil, errors.Newf(errors.CategoryConfiguration,
			"no configuration provided for unknown pool %q", name)
	}

	p, err := NewPool(ctx, name, cfg, m.factory, m.logger)
	if err != nil {
		return nil, err
	}
	m.pools[name] = p

	m.logger.Info("pool registered", zap.String("pool", name))
	return p, nil
}

// Acquire borrows a session from the named pool, creating the pool first
// if needed. The borrow itself happens outside the registry mutex so
// waiting on a busy pool never blocks other registry operations.
func (m *Manager) Acquire(ctx context.Context, name string, cfg *Config) (*Lease, error) {
	p, err := m.GetPool(ctx, name, cfg)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "pool.acquire")
	span.SetAttribute("pool", name)
	defer span.End()

	lease, err := p.Acquire(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return lease, nil
}

// WithSession runs fn with a session borrowed from the named pool and
// guarantees the release on every exit path, panics included. When fn
// fails or panics the lease is marked failed, so the session is rolled
// back before it returns to the pool; fn's error comes back unchanged.
func (m *Manager) WithSession(ctx context.Context, name string, cfg *Config, fn func(context.Context, Session) error) error {
	lease, err := m.Acquire(ctx, name, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			lease.MarkFailed()
			lease.Release(ctx)
			panic(r)
		}
	}()

	if err := fn(ctx, lease.Session()); err != nil {
		lease.MarkFailed()
		lease.Release(ctx)
		return err
	}
	lease.Release(ctx)
	return nil
}

// TestConnection probes whether cfg can reach its data store: build a
// throwaway session, ping, run the driver's probe statement, close. Up to
// retries attempts are made with exponentially growing waits between
// them; every failed attempt logs a warning and nothing is registered or
// tracked. Only the final verdict is reported.
func (m *Manager) TestConnection(ctx context.Context, cfg *Config, retries int) bool {
	ctx, span := observability.StartSpan(ctx, "connection.probe")
	defer span.End()

	effective := cfg.Clone()
	effective.ApplyDefaults()
	if retries <= 0 {
		retries = effective.RetryAttempts
	}
	span.SetAttribute("driver", effective.Driver)
	span.SetAttribute("host", effective.Host)
	span.SetAttribute("max_attempts", retries)

	policy := retry.Backoff(retries, effective.RetryBackoff)
	err := policy.ExecuteNotify(ctx,
		func() error { return m.probe(ctx, cfg) },
		func(error) bool { return true },
		func(attempt int, err error, delay time.Duration) {
			metrics.ProbeAttempts.WithLabelValues("failure").Inc()
			m.logger.Warn("connection probe failed",
				zap.String("host", effective.Host),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", retries),
				zap.Duration("next_attempt_in", delay),
				zap.Error(err))
		})

	if err != nil {
		metrics.ProbeAttempts.WithLabelValues("failure").Inc()
		span.RecordError(err)
		m.logger.Warn("connection probe exhausted all attempts",
			zap.String("host", effective.Host),
			zap.Int("attempts", retries),
			zap.Error(err))
		return false
	}

	metrics.ProbeAttempts.WithLabelValues("success").Inc()
	m.logger.Info("connection probe succeeded",
		zap.String("host", effective.Host),
		zap.String("driver", effective.Driver))
	return true
}

// probe performs one throwaway connect-ping-verify cycle.
func (m *Manager) probe(ctx context.Context, cfg *Config) error {
	session, err := m.factory.NewSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := session.Close(ctx); cerr != nil {
			m.logger.Debug("failed to close probe session", zap.Error(cerr))
		}
	}()

	if err := session.Ping(ctx); err != nil {
		return errors.Wrap(err, errors.CategoryConnection, "probe ping failed")
	}

	driverName := cfg.Driver
	if driverName == "" {
		driverName = DefaultDriver
	}
	driver, err := LookupDriver(driverName)
	if err != nil {
		return err
	}
	if stmt := driver.ProbeStatement(); stmt != "" {
		rows, err := session.Query(ctx, stmt)
		if err != nil {
			return errors.Wrap(err, errors.CategoryConnection, "probe statement failed")
		}
		if cerr := rows.Close(); cerr != nil {
			return errors.Wrap(cerr, errors.CategoryConnection, "probe statement failed")
		}
	}
	return nil
}

// ExecuteQuery runs query on the session, collects every row, and commits.
// On any failure the session is rolled back and the failure surfaces as a
// CONNECTION-category error with the statement in context.
func (m *Manager) ExecuteQuery(ctx context.Context, session Session, query string, args ...interface{}) ([]map[string]interface{}, error) {
	ctx, span := observability.StartSpan(ctx, "session.query")
	defer span.End()

	rows, err := session.Query(ctx, query, args...)
	if err != nil {
		m.rollback(ctx, session)
		span.RecordError(err)
		return nil, errors.Wrap(err, errors.CategoryConnection, "query execution failed").
			WithContext("query", truncate(query, maxQueryContext))
	}

	results, err := CollectRows(rows)
	if err != nil {
		m.rollback(ctx, session)
		span.RecordError(err)
		return nil, errors.Wrap(err, errors.CategoryConnection, "query execution failed").
			WithContext("query", truncate(query, maxQueryContext))
	}

	if err := session.Commit(ctx); err != nil {
		m.rollback(ctx, session)
		span.RecordError(err)
		return nil, errors.Wrap(err, errors.CategoryConnection, "commit failed").
			WithContext("query", truncate(query, maxQueryContext))
	}

	span.SetAttribute("rows", len(results))
	return results, nil
}

// ExecuteDDL runs a statement that returns no rows and commits. The
// commit-on-success, rollback-on-failure contract matches ExecuteQuery.
func (m *Manager) ExecuteDDL(ctx context.Context, session Session, stmt string) error {
	ctx, span := observability.StartSpan(ctx, "session.ddl")
	defer span.End()

	if _, err := session.Exec(ctx, stmt); err != nil {
		m.rollback(ctx, session)
		span.RecordError(err)
		return errors.Wrap(err, errors.CategoryConnection, "DDL execution failed").
			WithContext("statement", truncate(stmt, maxQueryContext))
	}
	if err := session.Commit(ctx); err != nil {
		m.rollback(ctx, session)
		span.RecordError(err)
		return errors.Wrap(err, errors.CategoryConnection, "commit failed").
			WithContext("statement", truncate(stmt, maxQueryContext))
	}
	return nil
}

// rollback is the execute helpers' cleanup path; its own failures are
// logged, never surfaced over the original error.
func (m *Manager) rollback(ctx context.Context, session Session) {
	if err := session.Rollback(ctx); err != nil {
		m.logger.Warn("rollback failed", zap.Error(err))
	}
}

// CloseConnection closes and deregisters the named connection. Closing an
// unknown name is a no-op; close failures are logged and swallowed.
func (m *Manager) CloseConnection(ctx context.Context, name string) {
	m.mu.Lock()
	ns, ok := m.connections[name]
	if ok {
		delete(m.connections, name)
		metrics.NamedConnections.Set(float64(len(m.connections)))
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("close of unknown connection", zap.String("connection", name))
		return
	}
	if err := ns.session.Close(ctx); err != nil {
		m.logger.Warn("failed to close connection",
			zap.String("connection", name),
			zap.Error(err))
	}
	metrics.ConnectionsClosed.WithLabelValues(ns.cfg.Driver, "named").Inc()
	m.logger.Info("connection closed", zap.String("connection", name))
}

// ClosePool closes and deregisters the named pool. Closing an unknown
// name is a no-op.
func (m *Manager) ClosePool(ctx context.Context, name string) {
	m.mu.Lock()
	p, ok := m.pools[name]
	if ok {
		delete(m.pools, name)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("close of unknown pool", zap.String("pool", name))
		return
	}
	p.Close(ctx)
}

// Close tears down every registered connection and pool and marks the
// registry closed. Safe to call more than once; individual close failures
// are logged and swallowed.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	connections := m.connections
	pools := m.pools
	m.connections = make(map[string]*namedSession)
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for name, ns := range connections {
		if err := ns.session.Close(ctx); err != nil {
			m.logger.Warn("failed to close connection",
				zap.String("connection", name),
				zap.Error(err))
		}
		metrics.ConnectionsClosed.WithLabelValues(ns.cfg.Driver, "named").Inc()
	}
	for _, p := range pools {
		p.Close(ctx)
	}
	metrics.NamedConnections.Set(0)

	m.logger.Info("connection registry closed",
		zap.Int("connections_closed", len(connections)),
		zap.Int("pools_closed", len(pools)))
}

// ConnectionInfo returns diagnostic details for one registered connection.
func (m *Manager) ConnectionInfo(name string) (ConnectionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.connections[name]
	if !ok {
		return ConnectionInfo{}, false
	}
	return ConnectionInfo{
		Name:      name,
		Driver:    ns.cfg.Driver,
		Host:      ns.cfg.Host,
		Database:  ns.cfg.DatabaseName(),
		CreatedAt: ns.createdAt,
	}, true
}

// Stats snapshots every registered connection and pool.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	pools := make(map[string]*Pool, len(m.pools))
	for name, p := range m.pools {
		pools[name] = p
	}
	m.mu.Unlock()

	sort.Strings(names)
	stats := Stats{
		Connections: make([]ConnectionInfo, 0, len(names)),
		Pools:       make(map[string]PoolStats, len(pools)),
	}
	for _, name := range names {
		if info, ok := m.ConnectionInfo(name); ok {
			stats.Connections = append(stats.Connections, info)
		}
	}
	for name, p := range pools {
		stats.Pools[name] = p.Stats()
	}
	return stats
}

// truncate shortens statement text for error context.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
