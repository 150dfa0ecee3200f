package proxy

import (
	"context"
	"crypto/rand"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/tidesql/lazyrouter/internal/backendproto"
	"github.com/tidesql/lazyrouter/internal/config"
	"github.com/tidesql/lazyrouter/internal/connector"
	"github.com/tidesql/lazyrouter/internal/coordinator"
	"github.com/tidesql/lazyrouter/internal/metrics"
	"github.com/tidesql/lazyrouter/internal/pool"
	"github.com/tidesql/lazyrouter/internal/queue"
	"github.com/tidesql/lazyrouter/internal/retry"
	"github.com/tidesql/lazyrouter/internal/wire"
	"github.com/tidesql/lazyrouter/pkg/bucket"
	"github.com/tidesql/lazyrouter/pkg/session"
)

// ── Session handler ──────────────────────────────────────────────────────
//
// Life cycle of one client connection:
//   1. Accept TCP connection
//   2. Send our own server greeting, read and parse the client's
//      HandshakeResponse41
//   3. Route the handshake to a target and acquire a distributed slot
//   4. Drive the lazy connector's state machine (package connector), which
//      lazily acquires a pooled (possibly already-authenticated) backend
//      connection and makes it observationally equivalent to the client's
//      session
//   5. Send the client its OK packet
//   6. Relay the data phase (queries, result sets) as an opaque byte stream
//      — command forwarding itself is an external collaborator (spec §1)
//   7. On disconnect: release or discard the pooled connection, release the
//      distributed slot

var sessionCounter atomic.Uint64

// Session represents one client's connection through the router.
type Session struct {
	id          uint64
	clientConn  net.Conn
	cfg         *config.Config
	poolMgr     *pool.Manager
	coordinator *coordinator.RedisCoordinator
	dqueue      *queue.DistributedQueue
	router      *Router

	targetID string
	poolConn *pool.PooledConn

	// clientSeq is the last sequence id seen on the client channel
	// (distinct from connCtx.Server.SequenceID, which belongs to the
	// backend channel) so replies to the client stay in order.
	clientSeq byte

	slotAcquired   bool
	discardBackend bool

	startedAt time.Time
}

func newSession(clientConn net.Conn, cfg *config.Config, poolMgr *pool.Manager, rc *coordinator.RedisCoordinator, dq *queue.DistributedQueue, router *Router) *Session {
	return &Session{
		id:          sessionCounter.Add(1),
		clientConn:  clientConn,
		cfg:         cfg,
		poolMgr:     poolMgr,
		coordinator: rc,
		dqueue:      dq,
		router:      router,
		startedAt:   time.Now(),
	}
}

// Handle runs the full life cycle of a client connection.
func (s *Session) Handle(ctx context.Context) {
	defer s.cleanup()

	clientAddr := s.clientConn.RemoteAddr().String()
	log.Printf("[session:%d] New connection from %s", s.id, clientAddr)

	if s.cfg.Router.SessionTimeout > 0 {
		deadline := time.Now().Add(s.cfg.Router.SessionTimeout)
		_ = s.clientConn.SetDeadline(deadline)
	}

	// ── Step 1: greet the client and read its handshake response ───────
	scramble := make([]byte, 20)
	_, _ = rand.Read(scramble)
	if _, err := wire.WritePacket(s.clientConn, buildServerGreeting(uint32(s.id), scramble), 0); err != nil {
		log.Printf("[session:%d] Failed to send server greeting: %v", s.id, err)
		return
	}

	respHeader, respPayload, err := wire.ReadPacket(s.clientConn)
	if err != nil {
		log.Printf("[session:%d] Reading handshake response failed: %v", s.id, err)
		return
	}
	s.clientSeq = respHeader.SequenceID
	handshake, err := wire.ParseClientHandshakeResponse(respPayload)
	if err != nil {
		log.Printf("[session:%d] Handshake parse failed: %v", s.id, err)
		s.sendError(wire.Err{Code: 1043, SQLState: toSQLState("08S01"), Message: "Bad handshake"})
		return
	}
	log.Printf("[session:%d] Handshake parsed: user=%s database=%s", s.id, handshake.Username, handshake.Database)

	// ── Step 2: route to a target ───────────────────────────────────────
	target, err := s.router.Route(handshake)
	if err != nil {
		log.Printf("[session:%d] Routing failed: %v", s.id, err)
		s.sendError(wire.Err{Code: 1045, SQLState: toSQLState("28000"), Message: err.Error()})
		return
	}
	s.targetID = target.ID

	// ── Step 3: acquire a distributed slot ──────────────────────────────
	if s.dqueue != nil {
		if err := s.dqueue.Acquire(ctx, target.ID); err != nil {
			log.Printf("[session:%d] Queue acquire failed for target %s: %v", s.id, target.ID, err)
			if queue.IsQueueFull(err) {
				s.sendError(wire.Err{Code: 1040, SQLState: toSQLState("08004"), Message: "Too many connections"})
				metrics.ConnectionErrors.WithLabelValues(target.ID, "queue_full").Inc()
			} else if queue.IsQueueTimeout(err) {
				s.sendError(wire.Err{Code: 1161, SQLState: toSQLState("HY000"), Message: "Connection slot wait timed out"})
				metrics.ConnectionErrors.WithLabelValues(target.ID, "queue_timeout").Inc()
			} else {
				s.sendError(wire.Err{Code: 2003, SQLState: toSQLState("HY000"), Message: "Backend unavailable"})
				metrics.ConnectionErrors.WithLabelValues(target.ID, "coordinator_acquire_failed").Inc()
			}
			return
		}
		s.slotAcquired = true
	} else if s.coordinator != nil {
		if err := s.coordinator.Acquire(ctx, target.ID); err != nil {
			log.Printf("[session:%d] Distributed acquire failed for target %s: %v", s.id, target.ID, err)
			s.sendError(wire.Err{Code: 2003, SQLState: toSQLState("HY000"), Message: "Backend unavailable"})
			metrics.ConnectionErrors.WithLabelValues(target.ID, "coordinator_acquire_failed").Inc()
			return
		}
		s.slotAcquired = true
	}

	// ── Step 4: run the lazy connector ───────────────────────────────────
	//
	// The connector's own Connect sub-processor (backendproto.Connect) is
	// what acquires the pooled backend — lazily, inside Process() — rather
	// than the session acquiring one up front: a connection already open
	// when Connect runs is, per the state machine, already done (spec §4.1
	// "If the back-end socket is open, go directly to Done").
	connCtx := s.buildConnectorContext(handshake, target)
	machine := connector.NewMachine(connCtx)

	for {
		result := machine.Process()
		switch result {
		case connector.Again, connector.Suspend:
			continue
		case connector.SendToClient:
			okPacket := machine.BuildAuthOk(2) // SERVER_STATUS_AUTOCOMMIT
			seq, err := wire.WritePacket(s.clientConn, okPacket, s.clientSeq+1)
			if err != nil {
				log.Printf("[session:%d] Failed to send auth OK: %v", s.id, err)
				s.discardBackend = true
				s.capturePoolConn(connCtx)
				return
			}
			s.clientSeq = seq
			continue
		case connector.Done:
			s.capturePoolConn(connCtx)
			if failed := machine.Failed(); failed != nil {
				log.Printf("[session:%d] Lazy connect failed for target %s: %v", s.id, target.ID, failed)
				s.sendError(wire.Err{Code: failed.Code, SQLState: failed.SQLState, Message: failed.Message})
				s.discardBackend = true
				metrics.ConnectionErrors.WithLabelValues(target.ID, "lazy_connect_failed").Inc()
				return
			}
			goto prepared
		}
	}

prepared:
	log.Printf("[session:%d] Backend prepared for target %s, entering data phase", s.id, target.ID)
	metrics.ConnectionsActive.WithLabelValues(target.ID).Add(1)
	defer metrics.ConnectionsActive.WithLabelValues(target.ID).Add(-1)

	s.tcpRelay()
}

// buildConnectorContext wires a *connector.Context with concrete
// backend-protocol sub-processors for this session. No backend is attached
// yet — ConnectProc acquires one lazily the first time the state machine
// reaches the Connect stage.
func (s *Session) buildConnectorContext(h *wire.ClientHandshakeResponse, target *bucket.Target) *connector.Context {
	connCtx := &connector.Context{
		TargetID: target.ID,
		Client: connector.ProtocolView{
			Username:           h.Username,
			Schema:             h.Database,
			Attributes:         h.Attributes,
			MultiStatements:    h.MultiStatements,
			InInitialHandshake: true,
		},
		Store:              session.NewStore(),
		ExpectedServerMode: targetServerMode(target),
		// ConnectionSharingPossible reflects the pool's configured
		// willingness to hand connections back for reuse.
		// GreetingFromRouter is always true: this router sends the
		// client's greeting itself (Step 1 above), it is never a
		// transparent pass-through. Both are required for
		// need_session_trackers (spec §4.1 step 1, reconcile.go).
		ConnectionSharingPossible: s.cfg.Connector.ConnectionSharingPossible,
		GreetingFromRouter:        true,
		WaitForMyWrites:           s.cfg.Connector.WaitForMyWrites,
		WaitForMyWritesTimeout:    s.cfg.Connector.WaitForMyWritesTimeoutSeconds,
		RouterRequireEnforce:      s.cfg.Connector.RouterRequireEnforce,
		Started:                   time.Now(),
		ConnectRetryTimeout:       s.cfg.Connector.ConnectRetryTimeout,
		ScheduleRetry: func(wake func()) {
			time.Sleep(retry.Interval)
			wake()
		},
		// Pool hands the current back-end connection back to the pool
		// manager before the connector abandons its pointer to it (the
		// connector itself never talks to the pool manager directly,
		// per spec §1 treating the pool registry as an external
		// collaborator). It always accepts; a backend that is not a
		// *pool.PooledConn is not released anywhere.
		Pool: func(ctx *connector.Context) bool {
			if pc, ok := ctx.Backend.(*pool.PooledConn); ok {
				s.poolMgr.Release(pc)
			}
			return true
		},
	}

	connCtx.ConnectProc = &backendproto.Connect{Ctx: connCtx, PoolMgr: s.poolMgr, TargetID: target.ID}
	connCtx.ServerGreetorProc = &backendproto.ServerGreetor{Ctx: connCtx}
	connCtx.ChangeUserProc = &backendproto.ChangeUser{Ctx: connCtx}
	connCtx.ResetConnectionProc = &backendproto.ResetConnection{Ctx: connCtx}
	connCtx.SetOptionProc = &backendproto.SetOption{Ctx: connCtx}
	connCtx.InitSchemaProc = &backendproto.InitSchema{Ctx: connCtx}
	connCtx.QueryProc = &backendproto.Query{Ctx: connCtx}
	connCtx.QuitProc = &backendproto.Quit{Ctx: connCtx, PoolMgr: s.poolMgr}
	connCtx.RouterRequireProc = &backendproto.RouterRequireFetcher{Ctx: connCtx}

	return connCtx
}

// capturePoolConn records whatever backend the connector's ConnectProc
// attached to connCtx, so cleanup can return it to the pool (or discard it)
// once the session ends. A failed Connect leaves connCtx.Backend nil.
func (s *Session) capturePoolConn(connCtx *connector.Context) {
	if pc, ok := connCtx.Backend.(*pool.PooledConn); ok {
		s.poolConn = pc
	}
}

func targetServerMode(t *bucket.Target) connector.ServerMode {
	if t.IsReadOnly() {
		return connector.ReadOnly
	}
	return connector.ReadWrite
}

// tcpRelay copies bytes bidirectionally between client and backend for the
// data phase (queries, result sets). Parsing the command stream itself is
// out of the lazy connector's scope (spec §1).
func (s *Session) tcpRelay() {
	backendConn := s.poolConn.Conn()
	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(backendConn, s.clientConn)
		if tc, ok := backendConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()

	go func() {
		_, _ = io.Copy(s.clientConn, backendConn)
		if tc, ok := s.clientConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()

	<-done
	log.Printf("[session:%d] Data-phase relay ended", s.id)
}

// sendError writes a MySQL ERR_Packet to the client.
func (s *Session) sendError(e wire.Err) {
	if _, err := wire.WritePacket(s.clientConn, e.Marshal(), 2); err != nil {
		log.Printf("[session:%d] Failed to send error to client: %v", s.id, err)
	}
}

// cleanup closes connections and releases pool/coordinator resources.
func (s *Session) cleanup() {
	duration := time.Since(s.startedAt)
	log.Printf("[session:%d] Session ended after %v (target=%s)", s.id, duration, s.targetID)

	if s.clientConn != nil {
		s.clientConn.Close()
	}
	if s.poolConn != nil {
		if s.discardBackend {
			s.poolMgr.Discard(s.poolConn)
		} else {
			s.poolMgr.Release(s.poolConn)
		}
	}

	if s.slotAcquired {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.dqueue != nil {
			if err := s.dqueue.Release(ctx, s.targetID); err != nil {
				log.Printf("[session:%d] Distributed release (dqueue) failed for target %s: %v",
					s.id, s.targetID, err)
			}
		} else if s.coordinator != nil {
			if err := s.coordinator.Release(ctx, s.targetID); err != nil {
				log.Printf("[session:%d] Distributed release failed for target %s: %v",
					s.id, s.targetID, err)
			}
		}
	}
}

// buildServerGreeting builds a minimal MySQL initial handshake (protocol
// version 10) packet offering mysql_native_password with scramble.
func buildServerGreeting(connectionID uint32, scramble []byte) []byte {
	buf := []byte{10} // protocol version
	buf = append(buf, "8.0.34-lazyrouter"...)
	buf = append(buf, 0)
	buf = append(buf, byte(connectionID), byte(connectionID>>8), byte(connectionID>>16), byte(connectionID>>24))
	buf = append(buf, scramble[:8]...)
	buf = append(buf, 0) // filler
	flags := uint32(wire.CapClientProtocol41 | wire.CapClientSecureConnection | wire.CapClientPluginAuth | wire.CapClientConnectWithDB | wire.CapClientConnectAttrs | wire.CapClientMultiStatements)
	buf = append(buf, byte(flags), byte(flags>>8))
	buf = append(buf, 0x2d) // utf8mb4_general_ci
	buf = append(buf, 0x02, 0x00) // status flags: autocommit
	buf = append(buf, byte(flags>>16), byte(flags>>24))
	buf = append(buf, byte(len(scramble)+1))
	buf = append(buf, make([]byte, 10)...) // reserved
	buf = append(buf, scramble[8:]...)
	buf = append(buf, 0)
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)
	return buf
}

func toSQLState(s string) [5]byte {
	var out [5]byte
	copy(out[:], s)
	return out
}
