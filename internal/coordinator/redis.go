// Package coordinator implements distributed coordination over Redis for
// connection-slot accounting across multiple router instances.
//
// It provides:
//   - Atomic acquire/release of per-target connection slots via Lua scripts
//   - Per-instance connection tracking for dead-instance cleanup
//   - Fallback mode (local limits) when Redis is unreachable
//   - Pub/Sub notifications to wake up instances waiting on a slot
package coordinator

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/tidesql/lazyrouter/internal/config"
	"github.com/tidesql/lazyrouter/internal/metrics"
)

//go:embed lua/acquire.lua
var acquireLuaScript string

//go:embed lua/release.lua
var releaseLuaScript string

const (
	keyTargetCount  = "lazyrouter:target:%s:count"
	keyTargetMax    = "lazyrouter:target:%s:max"
	keyInstanceConn = "lazyrouter:instance:%s:conns"
	keyInstanceHB   = "lazyrouter:instance:%s:heartbeat"
	keyInstanceList = "lazyrouter:instances"
	channelRelease  = "lazyrouter:release:%s"
)

// RedisCoordinator manages distributed connection-slot limits over Redis.
type RedisCoordinator struct {
	client     redis.UniversalClient
	cfg        *config.Config
	instanceID string

	acquireSHA string
	releaseSHA string

	fallbackMode atomic.Bool

	fallbackMu     sync.Mutex
	fallbackCounts map[string]int

	subMu       sync.Mutex
	subscribers map[string]*redis.PubSub

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRedisCoordinator creates and initializes the distributed coordinator.
func NewRedisCoordinator(ctx context.Context, cfg *config.Config) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	rc := &RedisCoordinator{
		client:         client,
		cfg:            cfg,
		instanceID:     cfg.Router.InstanceID,
		fallbackCounts: make(map[string]int),
		subscribers:    make(map[string]*redis.PubSub),
		stopCh:         make(chan struct{}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		if cfg.Fallback.Enabled {
			log.Printf("[coordinator] Redis unavailable (%v), starting in fallback mode", err)
			rc.fallbackMode.Store(true)
			metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
			return rc, nil
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()
	log.Printf("[coordinator] Redis connected: %s", cfg.Redis.Addr)

	if err := rc.loadScripts(ctx); err != nil {
		return nil, fmt.Errorf("loading lua scripts: %w", err)
	}

	if err := rc.initTargetLimits(ctx); err != nil {
		return nil, fmt.Errorf("initializing target limits: %w", err)
	}

	if err := rc.registerInstance(ctx); err != nil {
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	log.Printf("[coordinator] Initialized: instance=%s, %d targets registered",
		rc.instanceID, len(cfg.Targets))

	return rc, nil
}

// loadScripts loads the Lua scripts into Redis and caches their SHA hashes.
func (rc *RedisCoordinator) loadScripts(ctx context.Context) error {
	sha, err := rc.client.ScriptLoad(ctx, acquireLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading acquire.lua: %w", err)
	}
	rc.acquireSHA = sha

	sha, err = rc.client.ScriptLoad(ctx, releaseLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading release.lua: %w", err)
	}
	rc.releaseSHA = sha

	log.Printf("[coordinator] Lua scripts loaded (acquire=%s..., release=%s...)",
		rc.acquireSHA[:8], rc.releaseSHA[:8])
	return nil
}

// initTargetLimits sets the maximum connection count for every target in Redis.
func (rc *RedisCoordinator) initTargetLimits(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	for _, t := range rc.cfg.Targets {
		maxKey := fmt.Sprintf(keyTargetMax, t.ID)
		pipe.Set(ctx, maxKey, t.MaxConnections, 0)

		countKey := fmt.Sprintf(keyTargetCount, t.ID)
		pipe.SetNX(ctx, countKey, 0, 0)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}
	return nil
}

// registerInstance adds this instance to the set of active instances.
func (rc *RedisCoordinator) registerInstance(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	pipe.SAdd(ctx, keyInstanceList, rc.instanceID)

	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	for _, t := range rc.cfg.Targets {
		pipe.HSetNX(ctx, instKey, t.ID, 0)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// ── Acquire / Release ───────────────────────────────────────────────────

// Acquire atomically increments the global connection count for a target.
// Returns nil if the slot was acquired, or an error if at max capacity or
// Redis fails.
func (rc *RedisCoordinator) Acquire(ctx context.Context, targetID string) error {
	if rc.fallbackMode.Load() {
		return rc.acquireFallback(targetID)
	}

	countKey := fmt.Sprintf(keyTargetCount, targetID)
	maxKey := fmt.Sprintf(keyTargetMax, targetID)
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)

	result, err := rc.client.EvalSha(ctx, rc.acquireSHA,
		[]string{countKey, maxKey, instKey},
		targetID, rc.instanceID,
	).Int64()

	if err != nil {
		metrics.RedisOperations.WithLabelValues("acquire", "error").Inc()
		if rc.cfg.Fallback.Enabled {
			log.Printf("[coordinator] Redis acquire failed (%v), falling back to local", err)
			rc.enterFallback()
			return rc.acquireFallback(targetID)
		}
		return fmt.Errorf("redis acquire: %w", err)
	}

	metrics.RedisOperations.WithLabelValues("acquire", "ok").Inc()

	if result == -1 {
		return fmt.Errorf("target %s at max capacity", targetID)
	}
	if result == -2 {
		return fmt.Errorf("target %s max not configured in Redis", targetID)
	}

	return nil
}

// Release atomically decrements the global connection count for a target
// and publishes a notification to waiting instances.
func (rc *RedisCoordinator) Release(ctx context.Context, targetID string) error {
	if rc.fallbackMode.Load() {
		rc.releaseFallback(targetID)
		return nil
	}

	countKey := fmt.Sprintf(keyTargetCount, targetID)
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	channel := fmt.Sprintf(channelRelease, targetID)

	_, err := rc.client.EvalSha(ctx, rc.releaseSHA,
		[]string{countKey, instKey},
		targetID, channel,
	).Int64()

	if err != nil {
		metrics.RedisOperations.WithLabelValues("release", "error").Inc()
		if rc.cfg.Fallback.Enabled {
			rc.enterFallback()
			rc.releaseFallback(targetID)
			return nil
		}
		return fmt.Errorf("redis release: %w", err)
	}

	metrics.RedisOperations.WithLabelValues("release", "ok").Inc()
	return nil
}

// ── Pub/Sub for cross-instance notifications ────────────────────────────

// Subscribe creates a Pub/Sub subscription for release notifications on a
// target. Returns a channel that receives the target ID whenever a
// connection is released by any instance.
func (rc *RedisCoordinator) Subscribe(ctx context.Context, targetID string) (<-chan string, error) {
	if rc.fallbackMode.Load() {
		ch := make(chan string)
		close(ch)
		return ch, nil
	}

	channel := fmt.Sprintf(channelRelease, targetID)
	sub := rc.client.Subscribe(ctx, channel)

	rc.subMu.Lock()
	rc.subscribers[targetID] = sub
	rc.subMu.Unlock()

	notifyCh := make(chan string, 16)

	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		defer close(notifyCh)

		ch := sub.Channel()
		for {
			select {
			case <-rc.stopCh:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case notifyCh <- msg.Payload:
				default:
				}
			}
		}
	}()

	return notifyCh, nil
}

// ── Fallback mode ────────────────────────────────────────────────────────

func (rc *RedisCoordinator) enterFallback() {
	if rc.fallbackMode.CompareAndSwap(false, true) {
		log.Printf("[coordinator] Entering fallback mode (local limits)")
		metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_entered").Inc()
	}
}

// ExitFallback attempts to reconnect to Redis and leave fallback mode.
func (rc *RedisCoordinator) ExitFallback(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return err
	}

	if err := rc.loadScripts(ctx); err != nil {
		return err
	}

	if err := rc.reconcileCounts(ctx); err != nil {
		log.Printf("[coordinator] Reconciliation failed: %v", err)
		return err
	}

	rc.fallbackMode.Store(false)
	log.Printf("[coordinator] Exited fallback mode, Redis reconnected")
	metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_exited").Inc()
	return nil
}

// IsFallback reports whether the coordinator is in fallback mode.
func (rc *RedisCoordinator) IsFallback() bool {
	return rc.fallbackMode.Load()
}

func (rc *RedisCoordinator) acquireFallback(targetID string) error {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	localMax := rc.localLimit(targetID)
	current := rc.fallbackCounts[targetID]

	if current >= localMax {
		return fmt.Errorf("target %s at local fallback limit (%d/%d)",
			targetID, current, localMax)
	}

	rc.fallbackCounts[targetID] = current + 1
	return nil
}

func (rc *RedisCoordinator) releaseFallback(targetID string) {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	if rc.fallbackCounts[targetID] > 0 {
		rc.fallbackCounts[targetID]--
	}
}

// localLimit computes the per-instance connection limit for fallback mode.
func (rc *RedisCoordinator) localLimit(targetID string) int {
	for _, t := range rc.cfg.Targets {
		if t.ID == targetID {
			divisor := rc.cfg.Fallback.LocalLimitDivisor
			if divisor <= 0 {
				divisor = 3
			}
			limit := t.MaxConnections / divisor
			if limit < 1 {
				limit = 1
			}
			return limit
		}
	}
	return 1
}

// reconcileCounts syncs local fallback counts to Redis after reconnection.
func (rc *RedisCoordinator) reconcileCounts(ctx context.Context) error {
	rc.fallbackMu.Lock()
	counts := make(map[string]int, len(rc.fallbackCounts))
	for k, v := range rc.fallbackCounts {
		counts[k] = v
	}
	rc.fallbackMu.Unlock()

	pipe := rc.client.Pipeline()
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)

	for targetID, count := range counts {
		pipe.HSet(ctx, instKey, targetID, count)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("reconcile pipeline: %w", err)
	}

	log.Printf("[coordinator] Reconciled %d target counts to Redis", len(counts))
	return nil
}

// ── Queries ──────────────────────────────────────────────────────────────

// GlobalCount returns the current global connection count for a target.
func (rc *RedisCoordinator) GlobalCount(ctx context.Context, targetID string) (int, error) {
	if rc.fallbackMode.Load() {
		rc.fallbackMu.Lock()
		defer rc.fallbackMu.Unlock()
		return rc.fallbackCounts[targetID], nil
	}

	countKey := fmt.Sprintf(keyTargetCount, targetID)
	val, err := rc.client.Get(ctx, countKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// InstanceCounts returns per-target connection counts for a given instance.
func (rc *RedisCoordinator) InstanceCounts(ctx context.Context, instanceID string) (map[string]int, error) {
	instKey := fmt.Sprintf(keyInstanceConn, instanceID)
	result, err := rc.client.HGetAll(ctx, instKey).Result()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(result))
	for k, v := range result {
		var n int
		fmt.Sscanf(v, "%d", &n)
		counts[k] = n
	}
	return counts, nil
}

// ActiveInstances returns the set of active instance IDs.
func (rc *RedisCoordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	return rc.client.SMembers(ctx, keyInstanceList).Result()
}

// ── Lifecycle ────────────────────────────────────────────────────────────

// Close shuts the coordinator down, deregisters the instance, and closes
// the Redis connection.
func (rc *RedisCoordinator) Close(ctx context.Context) error {
	close(rc.stopCh)

	rc.subMu.Lock()
	for _, sub := range rc.subscribers {
		sub.Close()
	}
	rc.subscribers = nil
	rc.subMu.Unlock()

	rc.wg.Wait()

	if !rc.fallbackMode.Load() {
		rc.client.SRem(ctx, keyInstanceList, rc.instanceID)
		instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
		rc.client.Del(ctx, instKey)
		hbKey := fmt.Sprintf(keyInstanceHB, rc.instanceID)
		rc.client.Del(ctx, hbKey)
	}

	log.Printf("[coordinator] Instance %s unregistered", rc.instanceID)
	return rc.client.Close()
}

// Client returns the underlying Redis client (for heartbeat and other
// internal uses).
func (rc *RedisCoordinator) Client() redis.UniversalClient {
	return rc.client
}

// InstanceID returns this coordinator's instance ID.
func (rc *RedisCoordinator) InstanceID() string {
	return rc.instanceID
}
