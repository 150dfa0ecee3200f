package proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidesql/lazyrouter/internal/config"
	"github.com/tidesql/lazyrouter/internal/coordinator"
	"github.com/tidesql/lazyrouter/internal/pool"
	"github.com/tidesql/lazyrouter/internal/queue"
)

// ── Router server ────────────────────────────────────────────────────────
//
// Server listens on a TCP port (typically 3306) and handles incoming MySQL
// client connections. Each connection is handled in its own goroutine.

// Server is the main router server.
type Server struct {
	cfg         *config.Config
	poolMgr     *pool.Manager
	coordinator *coordinator.RedisCoordinator
	dqueue      *queue.DistributedQueue
	router      *Router
	listener    net.Listener

	activeSessions atomic.Int64

	done chan struct{}

	wg sync.WaitGroup

	cancel context.CancelFunc
}

// NewServer creates a new router server.
func NewServer(cfg *config.Config, poolMgr *pool.Manager, rc *coordinator.RedisCoordinator, dq *queue.DistributedQueue) *Server {
	return &Server{
		cfg:         cfg,
		poolMgr:     poolMgr,
		coordinator: rc,
		dqueue:      dq,
		router:      NewRouter(cfg),
		done:        make(chan struct{}),
	}
}

// Start begins listening for client connections.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Router.ListenAddr, s.cfg.Router.ListenPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	log.Printf("[proxy] Router listening on %s", addr)

	go s.acceptLoop(ctx)

	return nil
}

// acceptLoop accepts incoming connections and starts session handlers.
func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.done)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if isListenerClosed(err) {
				log.Printf("[proxy] Listener closed")
				return
			}

			log.Printf("[proxy] Accept error: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.activeSessions.Add(1)
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			defer s.activeSessions.Add(-1)

			session := newSession(conn, s.cfg, s.poolMgr, s.coordinator, s.dqueue, s.router)
			session.Handle(ctx)
		}()
	}
}

// Stop gracefully shuts down the router server: stops accepting new
// connections and waits for active sessions to finish.
func (s *Server) Stop(ctx context.Context) error {
	log.Printf("[proxy] Shutting down router (active sessions: %d)...",
		s.activeSessions.Load())

	if s.listener != nil {
		s.listener.Close()
	}

	if s.cancel != nil {
		s.cancel()
	}

	doneCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Printf("[proxy] All sessions closed gracefully")
	case <-ctx.Done():
		log.Printf("[proxy] Shutdown timeout — some sessions may have been interrupted")
	}

	return nil
}

// ActiveSessions returns the number of sessions currently active.
func (s *Server) ActiveSessions() int64 {
	return s.activeSessions.Load()
}

// isListenerClosed reports whether err indicates the listener was closed.
func isListenerClosed(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		return opErr.Err.Error() == "use of closed network connection"
	}
	return false
}
