// Package queue provides distributed queueing for cross-instance
// coordination of connection-slot waits. It wraps the coordinator's
// Pub/Sub notifications and distributed semaphore in a single interface
// the proxy's session handler waits on, adding a per-target circuit breaker
// (maximum queue depth) and typed rejection errors.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tidesql/lazyrouter/internal/coordinator"
	"github.com/tidesql/lazyrouter/internal/metrics"
)

// DistributedQueue manages distributed wait queues for every target. When a
// local pool is at global capacity, callers wait on the distributed
// semaphore. When any router instance releases a connection, every waiting
// instance is notified via Pub/Sub so one of them can claim the slot.
type DistributedQueue struct {
	coordinator *coordinator.RedisCoordinator
	semaphore   *coordinator.Semaphore

	mu     sync.Mutex
	depths map[string]int

	timeout      time.Duration
	maxQueueSize int // 0 = unbounded
}

// NewDistributedQueue creates a distributed queue backed by the coordinator.
func NewDistributedQueue(rc *coordinator.RedisCoordinator, timeout time.Duration, maxQueueSize int) *DistributedQueue {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &DistributedQueue{
		coordinator:  rc,
		semaphore:    coordinator.NewSemaphore(rc),
		depths:       make(map[string]int),
		timeout:      timeout,
		maxQueueSize: maxQueueSize,
	}
}

// Acquire attempts to obtain a distributed slot for targetID. It first
// tries a non-blocking acquire; on failure it checks the circuit breaker
// (maximum queue depth) and then enters the distributed wait queue via the
// semaphore.
//
// Returns nil once a slot is acquired, or an error on timeout, cancellation,
// or rejection. Use IsQueueFull/IsQueueTimeout to classify the error.
func (dq *DistributedQueue) Acquire(ctx context.Context, targetID string) error {
	if err := dq.semaphore.TryAcquire(ctx, targetID); err == nil {
		metrics.ConnectionsTotal.WithLabelValues(targetID, "acquired").Inc()
		return nil
	}

	if dq.maxQueueSize > 0 {
		currentDepth := dq.getDepth(targetID)
		if currentDepth >= dq.maxQueueSize {
			metrics.ConnectionsTotal.WithLabelValues(targetID, "rejected_queue_full").Inc()
			log.Printf("[dqueue] Circuit breaker: rejecting request for target %s (queue depth=%d, max=%d)",
				targetID, currentDepth, dq.maxQueueSize)
			return &QueueError{
				TargetID: targetID,
				Kind:     QueueErrorFull,
				Depth:    currentDepth,
				MaxSize:  dq.maxQueueSize,
			}
		}
	}

	dq.incrementDepth(targetID)
	defer dq.decrementDepth(targetID)

	log.Printf("[dqueue] Entering distributed wait for target %s (depth=%d, timeout=%s)",
		targetID, dq.getDepth(targetID), dq.timeout)

	start := time.Now()
	err := dq.semaphore.Wait(ctx, targetID, dq.timeout)
	dur := time.Since(start)
	metrics.QueueWaitDuration.WithLabelValues(targetID).Observe(dur.Seconds())

	if err != nil {
		if ctx.Err() != nil {
			metrics.ConnectionsTotal.WithLabelValues(targetID, "cancelled").Inc()
			log.Printf("[dqueue] Wait cancelled for target %s after %v: %v", targetID, dur, err)
			return ctx.Err()
		}
		metrics.ConnectionsTotal.WithLabelValues(targetID, "timeout").Inc()
		log.Printf("[dqueue] Wait timed out for target %s after %v: %v", targetID, dur, err)
		return &QueueError{
			TargetID: targetID,
			Kind:     QueueErrorTimeout,
			WaitTime: dur,
			Timeout:  dq.timeout,
		}
	}

	metrics.ConnectionsTotal.WithLabelValues(targetID, "acquired_after_wait").Inc()
	log.Printf("[dqueue] Acquired slot for target %s after %v wait", targetID, dur)
	return nil
}

// Release notifies the distributed queue that a connection was released.
// The coordinator's Lua script already publishes on every release; calling
// this explicitly just routes through the coordinator's own Release path.
func (dq *DistributedQueue) Release(ctx context.Context, targetID string) error {
	return dq.coordinator.Release(ctx, targetID)
}

// Depth returns the current distributed wait-queue depth for a target.
func (dq *DistributedQueue) Depth(targetID string) int {
	return dq.getDepth(targetID)
}

// ── Queue error types ──────────────────────────────────────────────────

// QueueErrorKind classifies a queue failure.
type QueueErrorKind int

const (
	// QueueErrorTimeout means the request waited the full timeout period.
	QueueErrorTimeout QueueErrorKind = iota
	// QueueErrorFull means the queue is at its configured maximum depth
	// (circuit breaker).
	QueueErrorFull
)

// QueueError carries structured information about a queue failure.
type QueueError struct {
	TargetID string
	Kind     QueueErrorKind
	Depth    int           // current queue depth, for QueueErrorFull
	MaxSize  int           // configured max depth, for QueueErrorFull
	WaitTime time.Duration // how long the request waited, for QueueErrorTimeout
	Timeout  time.Duration // configured timeout, for QueueErrorTimeout
}

func (e *QueueError) Error() string {
	switch e.Kind {
	case QueueErrorFull:
		return fmt.Sprintf("queue full for target %s (depth=%d, max=%d)",
			e.TargetID, e.Depth, e.MaxSize)
	case QueueErrorTimeout:
		return fmt.Sprintf("queue timeout for target %s (waited=%v, timeout=%v)",
			e.TargetID, e.WaitTime, e.Timeout)
	default:
		return fmt.Sprintf("queue error for target %s", e.TargetID)
	}
}

// IsQueueFull reports whether err is a circuit-breaker rejection.
func IsQueueFull(err error) bool {
	if qe, ok := err.(*QueueError); ok {
		return qe.Kind == QueueErrorFull
	}
	return false
}

// IsQueueTimeout reports whether err is a queue timeout.
func IsQueueTimeout(err error) bool {
	if qe, ok := err.(*QueueError); ok {
		return qe.Kind == QueueErrorTimeout
	}
	return false
}

// ── internal helpers ─────────────────────────────────────────────────────

func (dq *DistributedQueue) incrementDepth(targetID string) {
	dq.mu.Lock()
	dq.depths[targetID]++
	depth := dq.depths[targetID]
	dq.mu.Unlock()
	metrics.QueueLength.WithLabelValues(targetID).Set(float64(depth))
}

func (dq *DistributedQueue) decrementDepth(targetID string) {
	dq.mu.Lock()
	dq.depths[targetID]--
	if dq.depths[targetID] < 0 {
		dq.depths[targetID] = 0
	}
	depth := dq.depths[targetID]
	dq.mu.Unlock()
	metrics.QueueLength.WithLabelValues(targetID).Set(float64(depth))
}

func (dq *DistributedQueue) getDepth(targetID string) int {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.depths[targetID]
}
