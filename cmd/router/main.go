// Package main is the entrypoint for the lazy-connect MySQL router.
// It loads configuration, initializes health checks and metrics, and sets
// up graceful shutdown handling.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tidesql/lazyrouter/internal/config"
	"github.com/tidesql/lazyrouter/internal/coordinator"
	"github.com/tidesql/lazyrouter/internal/health"
	"github.com/tidesql/lazyrouter/internal/metrics"
	"github.com/tidesql/lazyrouter/internal/pool"
	"github.com/tidesql/lazyrouter/internal/proxy"
	"github.com/tidesql/lazyrouter/internal/queue"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	routerConfigPath  = flag.String("config", "configs/router.yaml", "Path to router configuration file")
	targetsConfigPath = flag.String("targets", "configs/targets.yaml", "Path to backend-targets configuration file")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting lazy-connect MySQL router")

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*routerConfigPath, *targetsConfigPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: %d targets, instance=%s", len(cfg.Targets), cfg.Router.InstanceID)

	for _, t := range cfg.Targets {
		log.Printf("[main]   Target %s → %s (mode=%s, max_conn=%d, min_idle=%d)",
			t.ID, t.Addr(), t.Mode, t.MaxConnections, t.MinIdle)
	}

	// ─── Initialize Metrics ──────────────────────────────────────────
	for _, t := range cfg.Targets {
		metrics.ConnectionsActive.WithLabelValues(t.ID).Set(0)
		metrics.ConnectionsIdle.WithLabelValues(t.ID).Set(0)
		metrics.ConnectionsMax.WithLabelValues(t.ID).Set(float64(t.MaxConnections))
		metrics.QueueLength.WithLabelValues(t.ID).Set(0)
	}
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Router.InstanceID).Set(1)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Router.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.Router.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Initialize Health Checker ───────────────────────────────────
	checker := health.NewChecker(cfg)
	healthServer := checker.ServeHTTP(context.Background())
	log.Printf("[main] Health check server listening on :%d/health", cfg.Router.HealthCheckPort)

	log.Println("[main] Running initial health check...")
	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		status := "OK"
		if comp.Status == health.StatusUnhealthy {
			status = "FAIL"
		}
		log.Printf("[main]   %s %s: %s (latency: %s)", status, comp.Name, comp.Message, comp.Latency)
	}
	log.Printf("[main] Overall health: %s", report.Status)

	// ─── Initialize Connection Pool Manager ─────────────────────────
	log.Println("[main] Initializing connection pool manager...")
	poolMgr, err := pool.NewManager(context.Background(), cfg)
	if err != nil {
		log.Fatalf("[main] Failed to initialize pool manager: %v", err)
	}
	defer func() {
		log.Println("[main] Closing pool manager...")
		if err := poolMgr.Close(); err != nil {
			log.Printf("[main] Pool manager close error: %v", err)
		}
	}()
	log.Println("[main] Pool manager ready")
	for _, s := range poolMgr.Stats() {
		log.Printf("[main]   Pool %s: idle=%d, active=%d, max=%d", s.TargetID, s.Idle, s.Active, s.Max)
	}

	// ─── Initialize Redis Coordinator ────────────────────────────────
	log.Println("[main] Initializing Redis coordinator...")
	rc, err := coordinator.NewRedisCoordinator(context.Background(), cfg)
	if err != nil {
		log.Fatalf("[main] Failed to initialize Redis coordinator: %v", err)
	}
	defer func() {
		log.Println("[main] Closing Redis coordinator...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := rc.Close(shutCtx); err != nil {
			log.Printf("[main] Coordinator close error: %v", err)
		}
	}()
	if rc.IsFallback() {
		log.Println("[main] WARNING: coordinator started in FALLBACK mode (Redis unavailable)")
	} else {
		log.Println("[main] Coordinator ready (Redis connected)")
	}

	hb := coordinator.NewHeartbeat(rc)
	hb.Start(context.Background())
	defer hb.Stop()

	// ─── Initialize Distributed Queue ─────────────────────────────────
	dq := queue.NewDistributedQueue(rc, cfg.Router.QueueTimeout, cfg.Router.MaxQueueSize)
	log.Printf("[main] Distributed queue ready (timeout=%s, max_queue_size=%d)",
		cfg.Router.QueueTimeout, cfg.Router.MaxQueueSize)

	// ─── Start the Router Server ───────────────────────────────────────
	routerServer := proxy.NewServer(cfg, poolMgr, rc, dq)
	if err := routerServer.Start(context.Background()); err != nil {
		log.Fatalf("[main] Failed to start router: %v", err)
	}
	defer func() {
		log.Println("[main] Stopping router...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := routerServer.Stop(shutCtx); err != nil {
			log.Printf("[main] Router stop error: %v", err)
		}
	}()
	log.Printf("[main] Router listening on %s:%d", cfg.Router.ListenAddr, cfg.Router.ListenPort)

	// ─── Graceful Shutdown ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] Router is ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Router.InstanceID).Set(0)

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}

	if err := checker.Close(); err != nil {
		log.Printf("[main] Health checker close error: %v", err)
	}

	log.Println("[main] Shutdown complete.")
}
