package pool

import (
	"log"
	"net"
	"time"
)

// HealthCheck sends a minimal liveness probe to every idle connection in
// the pool, discarding any that don't respond. Neither the maintenance loop
// (which only evicts stale connections and tops up min_idle) nor the HTTP
// health-check server calls it.
func (tp *TargetPool) HealthCheck() {
	tp.mu.Lock()
	conns := make([]*PooledConn, len(tp.idle))
	copy(conns, tp.idle)
	tp.mu.Unlock()

	healthy := make([]*PooledConn, 0, len(conns))
	removed := 0

	for _, conn := range conns {
		if err := probe(conn.conn); err != nil {
			log.Printf("[pool] target %s — health check failed for conn %d: %v", tp.target.ID, conn.id, err)
			conn.Close()
			removed++
			continue
		}
		conn.mu.Lock()
		conn.lastHealthCheck = time.Now()
		conn.mu.Unlock()
		healthy = append(healthy, conn)
	}

	if removed > 0 {
		tp.mu.Lock()
		healthySet := make(map[uint64]bool, len(healthy))
		for _, c := range healthy {
			healthySet[c.id] = true
		}
		newIdle := make([]*PooledConn, 0, len(tp.idle))
		for _, c := range tp.idle {
			if healthySet[c.id] {
				newIdle = append(newIdle, c)
			}
		}
		tp.idle = newIdle
		tp.updateMetrics()
		tp.mu.Unlock()
		log.Printf("[pool] target %s — health check: removed %d unhealthy connections", tp.target.ID, removed)
	}
}

// probe performs a cheap liveness check on a pooled socket: it sets a
// 2-second I/O deadline and returns that call's error, which is non-nil only
// once the socket is closed. It writes and reads nothing — a full COM_PING
// requires the connector's Query sub-processor,
// which health.Checker uses instead for deep checks (spec §1: the socket
// is out of the core's scope, owned by the pool).
func probe(conn net.Conn) error {
	return conn.SetDeadline(time.Now().Add(2 * time.Second))
}
