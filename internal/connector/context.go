// Package connector implements the Lazy Backend-Connection Preparation
// core: a cooperatively-scheduled state machine that makes a back-end
// MySQL connection observationally equivalent to a client's session before
// handing it back for command forwarding.
package connector

import (
	"time"

	"github.com/tidesql/lazyrouter/internal/subproc"
	"github.com/tidesql/lazyrouter/internal/tracing"
	"github.com/tidesql/lazyrouter/pkg/session"
)

// ServerMode is the expected role of the back-end target.
type ServerMode int

const (
	ReadOnly ServerMode = iota
	ReadWrite
)

// ProtocolView is one side's (client or server) idea of the session: the
// authenticated user, current schema, sent connection attributes, the
// multi-statements capability bit, whether a greeting has ever been
// received, and the wire sequence id. The connector mutates the server
// side; the client side is read-only input.
type ProtocolView struct {
	Username           string
	Schema             string
	Attributes         map[string]string
	MultiStatements    bool
	HasGreeting        bool
	InInitialHandshake bool
	SequenceID         byte
}

// AttributesEqual reports whether a and b carry the same connection
// attributes.
func AttributesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// Backend is the minimal socket-lifetime view the connector needs; the
// actual net.Conn and pool bookkeeping live in package pool.
type Backend interface {
	Open() bool
}

// Context is the connection context shared between the connector and the
// outer runtime (spec §3). It is constructed by the caller and never
// destroyed by the connector itself.
type Context struct {
	Client ProtocolView
	Server ProtocolView

	// TargetID labels this run's metrics and traces; it plays no role in
	// the state machine itself.
	TargetID string

	Backend Backend

	// Store is the client's known session-variable state.
	Store *session.Store

	// TrxStmt is the transaction-characteristics script. The machine copies
	// it at the start of Connected and splits the copy statement by
	// statement as it is applied; this field itself is left unchanged.
	TrxStmt string

	ExpectedServerMode ServerMode

	ConnectionSharingPossible bool
	GreetingFromRouter        bool
	SomeStateChanged          bool

	WaitForMyWrites        bool
	WaitForMyWritesTimeout int // seconds; 0 means "use GTID_SUBSET form"
	GTIDAtLeastExecuted    string

	RouterRequireEnforce bool

	ClientPasswordKnown bool

	// Authenticated reports whether the back-end is currently
	// authenticated as the client.
	Authenticated bool

	// Started is the wall-clock time the current invocation began, for the
	// connect retry deadline (spec §4.3).
	Started time.Time

	ConnectRetryTimeout time.Duration

	// OnError is invoked exactly once, at Done, if the connector failed.
	OnError func(err error)

	// Sub-processors. Exported so the owning session can wire concrete
	// implementations; nil fields are only acceptable in tests that never
	// reach the corresponding stage.
	ConnectProc         subproc.Connect
	ServerGreetorProc   subproc.ServerGreetor
	ChangeUserProc      subproc.ChangeUser
	ResetConnectionProc subproc.ResetConnection
	SetOptionProc       subproc.SetOption
	InitSchemaProc      subproc.InitSchema
	QueryProc           subproc.Query
	QuitProc            subproc.Quit
	RouterRequireProc   subproc.RouterRequireFetcher

	// Pool is invoked by PoolOrClose to try to return the back-end to its
	// pool; it reports whether the pool accepted it.
	Pool func(ctx *Context) (accepted bool)

	// ScheduleRetry arranges for the machine to be re-entered after
	// retry.Interval, used by the Authenticated stage's retry branch. It is
	// provided by the runtime since the connector has no timer of its own
	// (spec §5, "cancellable single-shot timer").
	ScheduleRetry func(wake func())

	tracer tracing.Span
}
