package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/magnetar/pkg/errors"
	"github.com/ajitpratap0/magnetar/pkg/metrics"
)

// reapInterval is how often the idle reaper wakes up when PoolIdleTimeout
// is configured.
const reapInterval = 30 * time.Second

// Pool maintains a bounded set of reusable sessions for one configuration.
// It is built eagerly to PoolMin, grows by PoolIncrement up to PoolMax when
// borrowers find no idle session, and makes waiters queue FIFO until a
// session frees up or PoolTimeout expires. A borrowed session is never
// visible to the idle set; no two borrowers ever hold the same session.
type Pool struct {
	name    string
	cfg     *Config
	factory *Factory
	logger  *zap.Logger

	mu       sync.Mutex
	idle     []*pooledSession // LIFO: most recently used at the end
	active   int              // sessions held by a lease or in hand-off
	building int              // capacity reserved for in-flight builds
	waiters  []chan *pooledSession
	closed   bool

	waits    int64
	timeouts int64
	created  int64
	reused   int64

	reapTicker *time.Ticker
	stopCh     chan struct{}
}

// pooledSession wraps a session with usage metadata for reuse accounting
// and idle reaping.
type pooledSession struct {
	session   Session
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
}

// PoolStats is a point-in-time snapshot of pool utilization.
type PoolStats struct {
	Active   int   `json:"active"`
	Idle     int   `json:"idle"`
	Total    int   `json:"total"`
	MaxSize  int   `json:"max_size"`
	Waits    int64 `json:"waits"`
	Timeouts int64 `json:"timeouts"`
	Created  int64 `json:"created"`
	Reused   int64 `json:"reused"`
}

// Lease is the guard for one borrowed session. The holder uses Session()
// for the duration of the borrow, calls MarkFailed if the work on it
// failed, and must Release exactly once when done; extra releases are
// no-ops. Release never returns an error: release-side failures are
// logged and resolved by discarding the session.
type Lease struct {
	pool     *Pool
	ps       *pooledSession
	failed   atomic.Bool
	released atomic.Bool
}

// Session returns the borrowed session.
func (l *Lease) Session() Session { return l.ps.session }

// MarkFailed flags the borrow as failed. The session is rolled back before
// it returns to the pool.
func (l *Lease) MarkFailed() { l.failed.Store(true) }

// Release returns the session to the pool, rolling back first so no open
// transaction ever reaches the next borrower. If the rollback fails the
// session is discarded instead of pooled.
func (l *Lease) Release(ctx context.Context) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.release(ctx, l.ps, l.failed.Load())
}

// NewPool validates cfg and builds a pool with PoolMin sessions up front.
// Construction fails with the first build error; sessions already built
// are closed again.
func NewPool(ctx context.Context, name string, cfg *Config, factory *Factory, logger *zap.Logger) (*Pool, error) {
	cfg = cfg.Clone()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		name:    name,
		cfg:     cfg,
		factory: factory,
		logger:  logger.With(zap.String("pool", name)),
		stopCh:  make(chan struct{}),
	}

	for i := 0; i < cfg.PoolMin; i++ {
		ps, err := p.build(ctx)
		if err != nil {
			for _, built := range p.idle {
				p.closeSession(ctx, built)
			}
			p.idle = nil
			return nil, err
		}
		p.idle = append(p.idle, ps)
		p.created++
	}
	p.updateGauges()

	if cfg.PoolIdleTimeout > 0 {
		p.reapTicker = time.NewTicker(reapInterval)
		go p.reapLoop()
	}

	p.logger.Info("pool ready",
		zap.Int("min", cfg.PoolMin),
		zap.Int("max", cfg.PoolMax),
		zap.Int("increment", cfg.PoolIncrement))

	return p, nil
}

// Name returns the pool's registered name.
func (p *Pool) Name() string { return p.name }

// Acquire borrows a session, building new ones while capacity remains and
// queueing behind other borrowers once the pool is exhausted. Waiting ends
// with a session, a PoolTimeout expiry, or ctx cancellation; the latter
// two return CONNECTION-category errors.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	timer := metrics.NewTimer("pool_acquire")
	defer func() {
		metrics.PoolAcquireLatency.WithLabelValues(p.name).Observe(timer.Stop().Seconds())
	}()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Newf(errors.CategoryConnection, "pool %q is closed", p.name)
	}

	// Fast path: reuse the most recently returned session.
	if n := len(p.idle); n > 0 {
		ps := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active++
		p.reused++
		ps.lastUsed = time.Now()
		ps.useCount++
		p.updateGauges()
		p.mu.Unlock()
		return &Lease{pool: p, ps: ps}, nil
	}

	// Grow by PoolIncrement while capacity remains. The first session is
	// built synchronously for this caller; the rest arrive in the
	// background for whoever needs them next.
	if avail := p.cfg.PoolMax - p.total(); avail > 0 {
		extra := p.cfg.PoolIncrement - 1
		if extra > avail-1 {
			extra = avail - 1
		}
		p.building += 1 + extra
		p.mu.Unlock()

		if extra > 0 {
			go p.buildExtra(extra)
		}

		ps, err := p.build(ctx)

		p.mu.Lock()
		p.building--
		if err != nil {
			// Hand the freed capacity to a queued waiter as a fresh build
			// attempt rather than leaving it to wait out the timeout.
			replace := !p.closed && len(p.waiters) > 0 && p.total() < p.cfg.PoolMax
			if replace {
				p.building++
			}
			p.updateGauges()
			p.mu.Unlock()
			if replace {
				go p.buildExtra(1)
			}
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			p.closeSession(ctx, ps)
			return nil, errors.Newf(errors.CategoryConnection, "pool %q is closed", p.name)
		}
		p.active++
		p.created++
		p.updateGauges()
		p.mu.Unlock()
		return &Lease{pool: p, ps: ps}, nil
	}

	// Exhausted: queue behind earlier borrowers.
	w := make(chan *pooledSession, 1)
	p.waiters = append(p.waiters, w)
	p.waits++
	p.mu.Unlock()
	metrics.PoolAcquireWaits.WithLabelValues(p.name).Inc()

	wait := time.NewTimer(p.cfg.PoolTimeout)
	defer wait.Stop()

	select {
	case ps, ok := <-w:
		if !ok {
			return nil, errors.Newf(errors.CategoryConnection, "pool %q is closed", p.name)
		}
		return &Lease{pool: p, ps: ps}, nil

	case <-wait.C:
		p.mu.Lock()
		if p.cancelWaiter(w) {
			p.timeouts++
			p.mu.Unlock()
			metrics.PoolAcquireTimeouts.WithLabelValues(p.name).Inc()
			return nil, errors.Newf(errors.CategoryConnection,
				"no session available from pool %q within %s", p.name, p.cfg.PoolTimeout)
		}
		p.mu.Unlock()
		// A releaser handed us a session in the same instant the timer
		// fired; the hand-off wins.
		if ps, ok := <-w; ok {
			return &Lease{pool: p, ps: ps}, nil
		}
		return nil, errors.Newf(errors.CategoryConnection, "pool %q is closed", p.name)

	case <-ctx.Done():
		p.mu.Lock()
		if p.cancelWaiter(w) {
			p.mu.Unlock()
			return nil, errors.Wrapf(ctx.Err(), errors.CategoryConnection,
				"acquire from pool %q cancelled", p.name)
		}
		p.mu.Unlock()
		// Hand-off raced the cancellation. The caller no longer wants the
		// session, so put it straight back.
		if ps, ok := <-w; ok {
			p.release(context.Background(), ps, false)
		}
		return nil, errors.Wrapf(ctx.Err(), errors.CategoryConnection,
			"acquire from pool %q cancelled", p.name)
	}
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Active:   p.active,
		Idle:     len(p.idle),
		Total:    p.active + len(p.idle) + p.building,
		MaxSize:  p.cfg.PoolMax,
		Waits:    p.waits,
		Timeouts: p.timeouts,
		Created:  p.created,
		Reused:   p.reused,
	}
}

// Close drains the pool: waiters are woken with a closed-pool error, idle
// sessions are closed now, and borrowed sessions are closed as their
// leases release them. Safe to call more than once.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	active := p.active
	p.updateGauges()
	p.mu.Unlock()

	if p.reapTicker != nil {
		p.reapTicker.Stop()
	}
	close(p.stopCh)

	for _, w := range waiters {
		close(w)
	}
	for _, ps := range idle {
		p.closeSession(ctx, ps)
	}

	p.logger.Info("pool closed",
		zap.Int("idle_closed", len(idle)),
		zap.Int("active_remaining", active))
}

// build opens one session through the factory and wraps it for pooling.
// Counter updates are the caller's job; build touches no pool state.
func (p *Pool) build(ctx context.Context) (*pooledSession, error) {
	session, err := p.factory.NewSession(ctx, p.cfg)
	if err != nil {
		if e, ok := err.(*errors.Error); ok {
			return nil, e.WithContext("pool", p.name)
		}
		return nil, err
	}
	metrics.ConnectionsOpened.WithLabelValues(p.cfg.Driver, "pooled").Inc()
	now := time.Now()
	return &pooledSession{session: session, createdAt: now, lastUsed: now, useCount: 1}, nil
}

// buildExtra builds the remaining increment sessions in the background.
// Each one goes to the longest waiter if any, otherwise to the idle set.
// Build failures release the reserved capacity and are logged only.
func (p *Pool) buildExtra(n int) {
	for i := 0; i < n; i++ {
		ps, err := p.build(context.Background())

		p.mu.Lock()
		p.building--
		if err != nil {
			p.updateGauges()
			p.mu.Unlock()
			p.logger.Warn("background session build failed", zap.Error(err))
			continue
		}
		if p.closed {
			p.mu.Unlock()
			p.closeSession(context.Background(), ps)
			continue
		}
		p.created++
		if len(p.waiters) > 0 {
			w := p.waiters[0]
			p.waiters = p.waiters[1:]
			p.active++
			w <- ps
		} else {
			p.idle = append(p.idle, ps)
		}
		p.updateGauges()
		p.mu.Unlock()
	}
}

// release puts a borrowed session back. The rollback runs first so an
// open transaction can never leak to the next borrower; failed rollbacks
// discard the session.
func (p *Pool) release(ctx context.Context, ps *pooledSession, failed bool) {
	if err := ps.session.Rollback(ctx); err != nil {
		p.logger.Warn("rollback before release failed, discarding session",
			zap.Error(err))
		p.discard(ctx, ps)
		return
	}
	if failed {
		p.logger.Debug("rolled back failed session before release",
			zap.Int64("use_count", ps.useCount))
	}
	ps.lastUsed = time.Now()

	p.mu.Lock()
	if p.closed {
		p.active--
		p.updateGauges()
		p.mu.Unlock()
		p.closeSession(ctx, ps)
		return
	}
	if len(p.waiters) > 0 {
		// Hand the session over directly; the borrow continues under the
		// waiter, so active stays as it is.
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.reused++
		ps.useCount++
		w <- ps
		p.mu.Unlock()
		return
	}
	p.active--
	p.idle = append(p.idle, ps)
	p.updateGauges()
	p.mu.Unlock()
}

// discard drops a session instead of pooling it and, when borrowers are
// waiting and capacity allows, starts a replacement build so the waiters
// do not depend on other releases.
func (p *Pool) discard(ctx context.Context, ps *pooledSession) {
	p.mu.Lock()
	p.active--
	replace := !p.closed && len(p.waiters) > 0 && p.total() < p.cfg.PoolMax
	if replace {
		p.building++
	}
	p.updateGauges()
	p.mu.Unlock()

	p.closeSession(ctx, ps)

	if replace {
		go p.buildExtra(1)
	}
}

// cancelWaiter removes w from the queue. It returns false when a releaser
// already popped w, which means a session is in the channel (or the
// channel is closed). Callers must hold p.mu.
func (p *Pool) cancelWaiter(w chan *pooledSession) bool {
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// total counts every session the pool is responsible for, including
// in-flight builds. Callers must hold p.mu.
func (p *Pool) total() int {
	return p.active + len(p.idle) + p.building
}

// closeSession closes a session, logging instead of propagating failures.
func (p *Pool) closeSession(ctx context.Context, ps *pooledSession) {
	if err := ps.session.Close(ctx); err != nil {
		p.logger.Warn("failed to close pooled session", zap.Error(err))
	}
	metrics.ConnectionsClosed.WithLabelValues(p.cfg.Driver, "pooled").Inc()
}

// updateGauges publishes active/idle counts. Callers must hold p.mu.
func (p *Pool) updateGauges() {
	metrics.PoolActiveSessions.WithLabelValues(p.name).Set(float64(p.active))
	metrics.PoolIdleSessions.WithLabelValues(p.name).Set(float64(len(p.idle)))
}

// reapLoop periodically prunes idle sessions above PoolMin that have been
// unused longer than PoolIdleTimeout.
func (p *Pool) reapLoop() {
	for {
		select {
		case <-p.reapTicker.C:
			p.reap()
		case <-p.stopCh:
			return
		}
	}
}

// reap prunes from the front of the idle list, where the least recently
// used sessions sit.
func (p *Pool) reap() {
	now := time.Now()

	p.mu.Lock()
	var pruned []*pooledSession
	for len(p.idle) > p.cfg.PoolMin {
		oldest := p.idle[0]
		if now.Sub(oldest.lastUsed) <= p.cfg.PoolIdleTimeout {
			break
		}
		p.idle = p.idle[1:]
		pruned = append(pruned, oldest)
	}
	p.updateGauges()
	remaining := len(p.idle)
	p.mu.Unlock()

	if len(pruned) == 0 {
		return
	}
	for _, ps := range pruned {
		p.closeSession(context.Background(), ps)
	}
	p.logger.Info("reaped idle sessions",
		zap.Int("reaped", len(pruned)),
		zap.Int("remaining_idle", remaining))
}
