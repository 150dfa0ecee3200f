package pool

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidesql/lazyrouter/internal/metrics"
	"github.com/tidesql/lazyrouter/pkg/bucket"
)

// TargetPool manages a pool of backend MySQL connections for a single
// target. It provides acquire/release semantics with configurable limits,
// a warm idle pool, stale-connection eviction, and health checking.
//
// Unlike a typical connection pool, Release does not reset server-side
// session state — idle connections keep whatever session the last client
// left them in. It is the lazy connector's job (package connector) to
// decide, on the next Acquire, whether that state can be cheaply reused.
type TargetPool struct {
	mu sync.Mutex

	target *bucket.Target

	// idle holds connections available for reuse, most-recently-used last.
	idle []*PooledConn

	// active tracks connections currently in use, keyed by connection ID.
	active map[uint64]*PooledConn

	nextID atomic.Uint64

	closed bool

	waiters []chan *PooledConn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTargetPool creates a pool for target and eagerly opens min_idle
// connections.
func NewTargetPool(ctx context.Context, t *bucket.Target) (*TargetPool, error) {
	tp := &TargetPool{
		target: t,
		idle:   make([]*PooledConn, 0, t.MaxConnections),
		active: make(map[uint64]*PooledConn),
		stopCh: make(chan struct{}),
	}

	for i := 0; i < t.MinIdle; i++ {
		conn, err := tp.createConn(ctx)
		if err != nil {
			log.Printf("[pool] WARNING: target %s — failed to create warm connection %d/%d: %v",
				t.ID, i+1, t.MinIdle, err)
			continue
		}
		tp.idle = append(tp.idle, conn)
	}

	tp.updateMetrics()
	log.Printf("[pool] target %s — pool initialized: %d idle, max=%d", t.ID, len(tp.idle), t.MaxConnections)

	tp.wg.Add(1)
	go tp.maintenanceLoop()

	return tp, nil
}

// Acquire obtains a connection from the pool. If none are idle and the
// pool is at capacity, the caller blocks until one is released or ctx
// expires.
func (tp *TargetPool) Acquire(ctx context.Context) (*PooledConn, error) {
	start := time.Now()

	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil, fmt.Errorf("pool closed for target %s", tp.target.ID)
	}

	if conn := tp.popIdle(); conn != nil {
		tp.active[conn.id] = conn
		conn.markAcquired()
		tp.updateMetrics()
		tp.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "acquired").Inc()
		return conn, nil
	}

	total := len(tp.idle) + len(tp.active)
	if total < tp.target.MaxConnections {
		tp.mu.Unlock()
		conn, err := tp.createConn(ctx)
		if err != nil {
			metrics.ConnectionErrors.WithLabelValues(tp.target.ID, "create_failed").Inc()
			return nil, fmt.Errorf("creating connection for target %s: %w", tp.target.ID, err)
		}
		conn.markAcquired()
		tp.mu.Lock()
		tp.active[conn.id] = conn
		tp.updateMetrics()
		tp.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "acquired").Inc()
		return conn, nil
	}

	waiterCh := make(chan *PooledConn, 1)
	tp.waiters = append(tp.waiters, waiterCh)
	metrics.QueueLength.WithLabelValues(tp.target.ID).Set(float64(len(tp.waiters)))
	tp.mu.Unlock()

	log.Printf("[pool] target %s — connection queue entered, position=%d", tp.target.ID, len(tp.waiters))

	queueTimeout := tp.target.QueueTimeout
	if queueTimeout == 0 {
		queueTimeout = 30 * time.Second
	}
	timer := time.NewTimer(queueTimeout)
	defer timer.Stop()

	select {
	case conn := <-waiterCh:
		if conn == nil {
			metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "queue_error").Inc()
			return nil, fmt.Errorf("pool closed while waiting for target %s", tp.target.ID)
		}
		metrics.QueueWaitDuration.WithLabelValues(tp.target.ID).Observe(time.Since(start).Seconds())
		metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "acquired").Inc()
		return conn, nil

	case <-timer.C:
		tp.removeWaiter(waiterCh)
		metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "timeout").Inc()
		metrics.QueueWaitDuration.WithLabelValues(tp.target.ID).Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("queue timeout (%v) for target %s", queueTimeout, tp.target.ID)

	case <-ctx.Done():
		tp.removeWaiter(waiterCh)
		metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

// Release returns conn to the pool without touching its session state —
// the lazy connector decides on the next Acquire whether that state is
// reusable.
func (tp *TargetPool) Release(conn *PooledConn) {
	if conn == nil {
		return
	}

	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		conn.Close()
		return
	}
	delete(tp.active, conn.id)
	conn.markIdle()

	if len(tp.waiters) > 0 {
		waiterCh := tp.waiters[0]
		tp.waiters = tp.waiters[1:]
		metrics.QueueLength.WithLabelValues(tp.target.ID).Set(float64(len(tp.waiters)))
		conn.markAcquired()
		tp.active[conn.id] = conn
		tp.updateMetrics()
		tp.mu.Unlock()
		waiterCh <- conn
		metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "released").Inc()
		return
	}

	tp.idle = append(tp.idle, conn)
	tp.updateMetrics()
	tp.mu.Unlock()
	metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "released").Inc()
}

// Discard permanently removes conn from the pool, e.g. after a connector
// failure that leaves the socket in an unknown state.
func (tp *TargetPool) Discard(conn *PooledConn) {
	if conn == nil {
		return
	}
	tp.mu.Lock()
	delete(tp.active, conn.id)
	tp.updateMetrics()
	tp.mu.Unlock()
	conn.Close()
	metrics.ConnectionErrors.WithLabelValues(tp.target.ID, "discarded").Inc()
}

// Close shuts the pool down, closing every connection and notifying waiters.
func (tp *TargetPool) Close() error {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil
	}
	tp.closed = true
	close(tp.stopCh)

	for _, w := range tp.waiters {
		close(w)
	}
	tp.waiters = nil

	for _, c := range tp.idle {
		c.Close()
	}
	tp.idle = nil

	for _, c := range tp.active {
		c.Close()
	}
	tp.active = nil
	tp.mu.Unlock()

	tp.wg.Wait()
	log.Printf("[pool] target %s — pool closed", tp.target.ID)
	return nil
}

// Stats reports the pool's current occupancy.
func (tp *TargetPool) Stats() PoolStats {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return PoolStats{
		TargetID:  tp.target.ID,
		Active:    len(tp.active),
		Idle:      len(tp.idle),
		Max:       tp.target.MaxConnections,
		WaitQueue: len(tp.waiters),
	}
}

// PoolStats is a snapshot of a TargetPool's occupancy.
type PoolStats struct {
	TargetID  string
	Active    int
	Idle      int
	Max       int
	WaitQueue int
}

func (tp *TargetPool) createConn(ctx context.Context) (*PooledConn, error) {
	id := tp.nextID.Add(1)
	d := net.Dialer{Timeout: tp.target.ConnectionTimeout}
	conn, err := d.DialContext(ctx, "tcp", tp.target.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return newPooledConn(id, tp.target.ID, conn), nil
}

// popIdle removes and returns the most-recently-used idle connection,
// skipping any that have gone stale. Returns nil if none are available.
func (tp *TargetPool) popIdle() *PooledConn {
	for len(tp.idle) > 0 {
		n := len(tp.idle) - 1
		conn := tp.idle[n]
		tp.idle = tp.idle[:n]

		if tp.target.MaxIdleTime > 0 && conn.idleDuration() > tp.target.MaxIdleTime {
			conn.Close()
			continue
		}
		return conn
	}
	return nil
}

func (tp *TargetPool) removeWaiter(ch chan *PooledConn) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for i, w := range tp.waiters {
		if w == ch {
			tp.waiters = append(tp.waiters[:i], tp.waiters[i+1:]...)
			metrics.QueueLength.WithLabelValues(tp.target.ID).Set(float64(len(tp.waiters)))
			break
		}
	}
}

func (tp *TargetPool) updateMetrics() {
	metrics.ConnectionsActive.WithLabelValues(tp.target.ID).Set(float64(len(tp.active)))
	metrics.ConnectionsIdle.WithLabelValues(tp.target.ID).Set(float64(len(tp.idle)))
}

func (tp *TargetPool) maintenanceLoop() {
	defer tp.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-tp.stopCh:
			return
		case <-ticker.C:
			tp.evictStale()
			tp.ensureMinIdle()
		}
	}
}

func (tp *TargetPool) evictStale() {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.target.MaxIdleTime == 0 {
		return
	}

	remaining := make([]*PooledConn, 0, len(tp.idle))
	evicted := 0
	for _, conn := range tp.idle {
		if conn.idleDuration() > tp.target.MaxIdleTime {
			conn.Close()
			evicted++
		} else {
			remaining = append(remaining, conn)
		}
	}
	tp.idle = remaining

	if evicted > 0 {
		log.Printf("[pool] target %s — evicted %d stale connections", tp.target.ID, evicted)
		tp.updateMetrics()
	}
}

func (tp *TargetPool) ensureMinIdle() {
	tp.mu.Lock()
	deficit := tp.target.MinIdle - len(tp.idle)
	total := len(tp.idle) + len(tp.active)
	headroom := tp.target.MaxConnections - total
	if deficit > headroom {
		deficit = headroom
	}
	tp.mu.Unlock()

	if deficit <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created := 0
	for i := 0; i < deficit; i++ {
		conn, err := tp.createConn(ctx)
		if err != nil {
			log.Printf("[pool] target %s — failed to create min_idle connection: %v", tp.target.ID, err)
			break
		}
		tp.mu.Lock()
		tp.idle = append(tp.idle, conn)
		tp.mu.Unlock()
		created++
	}

	if created > 0 {
		tp.mu.Lock()
		tp.updateMetrics()
		tp.mu.Unlock()
		log.Printf("[pool] target %s — replenished %d idle connections", tp.target.ID, created)
	}
}
