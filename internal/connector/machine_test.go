package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidesql/lazyrouter/internal/subproc"
	"github.com/tidesql/lazyrouter/pkg/session"
)

type fakeBackend struct{ open bool }

func (b *fakeBackend) Open() bool { return b.open }

// fakeConnect simulates backendproto.Connect: it attaches backend to ctx
// (exactly as a real pool acquisition would) before reporting success, so
// Context.Backend is nil until Push runs and doConnect's "already open"
// fast path is never trivially satisfied on the first call.
type fakeConnect struct {
	ctx     *Context
	backend *fakeBackend
}

func (c *fakeConnect) Push(_ context.Context, _ subproc.Conn, onError subproc.OnError) {
	c.ctx.Backend = c.backend
	onError(nil)
}

type fakeServerGreetor struct {
	err error
}

func (g *fakeServerGreetor) Push(_ context.Context, _ subproc.Conn, inHandshake bool, onError subproc.OnError) {
	if g.err != nil {
		onError(g.err)
		return
	}
	onError(nil)
}

type fakeResetConnection struct{ err error }

func (r *fakeResetConnection) Push(_ context.Context, _ subproc.Conn, onError subproc.OnError) {
	onError(r.err)
}

type fakeChangeUser struct{ err error }

func (c *fakeChangeUser) Push(_ context.Context, _ subproc.Conn, inHandshake bool, onError subproc.OnError) {
	onError(c.err)
}

type fakeSetOption struct{ err error }

func (f fakeSetOption) Push(_ context.Context, _ subproc.Conn, _ subproc.SentServerOption, onError subproc.OnError) {
	onError(f.err)
}

type fakeInitSchema struct{ err error }

func (f fakeInitSchema) Push(_ context.Context, _ subproc.Conn, _ string, onError subproc.OnError) {
	onError(f.err)
}

type fakeQuery struct{}

func (fakeQuery) Push(_ context.Context, _ subproc.Conn, _ string, handler subproc.Handler) {
	handler.OnOK()
}

type fakeQuit struct{ called bool }

func (q *fakeQuit) Push(_ context.Context, _ subproc.Conn) { q.called = true }

type fakeRouterRequire struct{}

func (fakeRouterRequire) Push(_ context.Context, _ subproc.Conn, out *subproc.RouterRequireResult, onDone func()) {
	out.Present = true
	onDone()
}

// baseContext builds a Context wired with no-op fakes for every sub-processor
// a full S1-style run (fresh connect, full handshake, initial handshake)
// passes through. Backend starts nil: the Connect stage goes straight to
// Done whenever a backend is already open, so ConnectProc.Push is what
// actually attaches the backend.
func baseContext() *Context {
	backend := &fakeBackend{open: true}
	ctx := &Context{
		Client: ProtocolView{
			Username:           "app",
			InInitialHandshake: true,
		},
		Store:               session.NewStore(),
		ServerGreetorProc:   &fakeServerGreetor{},
		ChangeUserProc:      &fakeChangeUser{},
		ResetConnectionProc: &fakeResetConnection{},
		SetOptionProc:       fakeSetOption{},
		InitSchemaProc:      fakeInitSchema{},
		QueryProc:           fakeQuery{},
		QuitProc:            &fakeQuit{},
		RouterRequireProc:   fakeRouterRequire{},
		Pool:                func(*Context) bool { return true },
	}
	ctx.ConnectProc = &fakeConnect{ctx: ctx, backend: backend}
	return ctx
}

// driveToTerminal runs Process until it returns SendToClient or Done,
// treating Suspend identically to Again as the real proxy handler does.
func driveToTerminal(t *testing.T, m *Machine) Result {
	t.Helper()
	for i := 0; i < 64; i++ {
		switch r := m.Process(); r {
		case Again, Suspend:
			continue
		default:
			return r
		}
	}
	t.Fatal("machine did not reach a terminal result within 64 steps")
	return Done
}

func TestFreshConnectFullHandshakeSendsAuthOK(t *testing.T) {
	ctx := baseContext()
	m := NewMachine(ctx)

	result := driveToTerminal(t, m)
	assert.Equal(t, SendToClient, result)

	final := driveToTerminal(t, m)
	assert.Equal(t, Done, final)
	assert.Nil(t, m.Failed())
}

func TestReusedConnectionSameUserResetsInsteadOfReHandshaking(t *testing.T) {
	ctx := baseContext()
	ctx.Client.InInitialHandshake = false
	ctx.Server.HasGreeting = true
	ctx.Server.Username = ctx.Client.Username
	ctx.Server.InInitialHandshake = false

	m := NewMachine(ctx)
	result := driveToTerminal(t, m)
	assert.Equal(t, Done, result)
	assert.Nil(t, m.Failed())
}

func TestReusedConnectionDifferentUserChangesUser(t *testing.T) {
	changeUser := &fakeChangeUser{}
	ctx := baseContext()
	ctx.ChangeUserProc = changeUser
	ctx.Client.InInitialHandshake = false
	ctx.Client.Username = "bob"
	ctx.Server.HasGreeting = true
	ctx.Server.Username = "alice"

	m := NewMachine(ctx)
	result := driveToTerminal(t, m)
	assert.Equal(t, Done, result)
	assert.Nil(t, m.Failed())
}

func TestServerGreetorFailureStopsAtDoneWithError(t *testing.T) {
	ctx := baseContext()
	ctx.ServerGreetorProc = &fakeServerGreetor{err: subproc.NewError(1045, "Access denied", "28000")}

	m := NewMachine(ctx)
	result := driveToTerminal(t, m)
	assert.Equal(t, Done, result)
	require.NotNil(t, m.Failed())
	assert.Equal(t, uint16(1045), m.Failed().Code)
}

func TestRouterRequireRejectionFailsTheConnector(t *testing.T) {
	ctx := baseContext()
	ctx.RouterRequireEnforce = true
	ctx.RouterRequireProc = rejectingRouterRequire{}

	m := NewMachine(ctx)
	result := driveToTerminal(t, m)
	assert.Equal(t, Done, result)
	require.NotNil(t, m.Failed())
	assert.Equal(t, uint16(1045), m.Failed().Code)
}

type rejectingRouterRequire struct{}

func (rejectingRouterRequire) Push(_ context.Context, _ subproc.Conn, out *subproc.RouterRequireResult, onDone func()) {
	out.Present = true
	out.Rejected = true
	onDone()
}

func TestWaitGtidExecutedFailureFallsBackToPoolOrClose(t *testing.T) {
	ctx := baseContext()
	ctx.WaitForMyWrites = true
	ctx.ExpectedServerMode = ReadOnly
	ctx.GTIDAtLeastExecuted = "uuid:1-5"
	ctx.QueryProc = timedOutWaitQuery{}

	m := NewMachine(ctx)
	result := driveToTerminal(t, m)
	// PoolOrClose hands the backend to Pool (which accepts), then
	// FallbackToWrite restarts the whole run against a read-write target.
	assert.Equal(t, ReadWrite, ctx.ExpectedServerMode)
	assert.Equal(t, SendToClient, result)
}

type timedOutWaitQuery struct{}

func (timedOutWaitQuery) Push(_ context.Context, _ subproc.Conn, _ string, handler subproc.Handler) {
	handler.OnColumnCount(1)
	handler.OnRow(subproc.RowValues{{Text: "0"}})
	handler.OnRowEnd()
}

func TestSetServerOptionFailureStopsAtDoneWithoutReachingSendAuthOk(t *testing.T) {
	ctx := baseContext()
	ctx.Client.MultiStatements = true // differs from the zero-value Server.MultiStatements
	ctx.SetOptionProc = fakeSetOption{err: subproc.NewError(1047, "Unknown command", "08S01")}

	m := NewMachine(ctx)
	result := driveToTerminal(t, m)

	assert.Equal(t, Done, result)
	require.NotNil(t, m.Failed())
	assert.Equal(t, uint16(1047), m.Failed().Code)
}

func TestSetSchemaFailureStopsAtDoneWithoutReachingSendAuthOk(t *testing.T) {
	ctx := baseContext()
	ctx.Client.Schema = "app_db"
	ctx.InitSchemaProc = fakeInitSchema{err: subproc.NewError(1049, "Unknown database", "42000")}

	m := NewMachine(ctx)
	result := driveToTerminal(t, m)

	assert.Equal(t, Done, result)
	require.NotNil(t, m.Failed())
	assert.Equal(t, uint16(1049), m.Failed().Code)
	assert.Empty(t, ctx.Server.Schema)
}
