package pool

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/tidesql/lazyrouter/internal/config"
	"github.com/tidesql/lazyrouter/pkg/bucket"
)

// Manager owns one TargetPool per configured backend target.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*TargetPool
	cfg   *config.Config
}

// NewManager builds a Manager and initializes a TargetPool for every
// backend target in cfg.
func NewManager(ctx context.Context, cfg *config.Config) (*Manager, error) {
	m := &Manager{
		pools: make(map[string]*TargetPool, len(cfg.Targets)),
		cfg:   cfg,
	}

	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		p, err := NewTargetPool(ctx, t)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("initializing pool for target %s: %w", t.ID, err)
		}
		m.pools[t.ID] = p
	}

	log.Printf("[pool] manager initialized: %d target pools", len(m.pools))
	return m, nil
}

// Acquire obtains a connection from the pool for targetID.
func (m *Manager) Acquire(ctx context.Context, targetID string) (*PooledConn, error) {
	m.mu.RLock()
	p, ok := m.pools[targetID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown target: %s", targetID)
	}
	return p.Acquire(ctx)
}

// AcquireForTarget is a convenience wrapper taking the target's config
// struct directly.
func (m *Manager) AcquireForTarget(ctx context.Context, t *bucket.Target) (*PooledConn, error) {
	return m.Acquire(ctx, t.ID)
}

// Release returns conn to its target's pool.
func (m *Manager) Release(conn *PooledConn) {
	if conn == nil {
		return
	}
	m.mu.RLock()
	p, ok := m.pools[conn.TargetID()]
	m.mu.RUnlock()
	if !ok {
		log.Printf("[pool] WARNING: releasing connection for unknown target %s, closing", conn.TargetID())
		conn.Close()
		return
	}
	p.Release(conn)
}

// Discard permanently removes conn from its target's pool.
func (m *Manager) Discard(conn *PooledConn) {
	if conn == nil {
		return
	}
	m.mu.RLock()
	p, ok := m.pools[conn.TargetID()]
	m.mu.RUnlock()
	if !ok {
		conn.Close()
		return
	}
	p.Discard(conn)
}

// Stats reports occupancy for every target pool.
func (m *Manager) Stats() []PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]PoolStats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// Pool returns the TargetPool for a given target ID.
func (m *Manager) Pool(targetID string) (*TargetPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[targetID]
	return p, ok
}

// Close shuts down every target pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, p := range m.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing pool %s: %w", id, err)
		}
	}
	m.pools = nil
	log.Println("[pool] manager closed")
	return firstErr
}
