package connector

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidesql/lazyrouter/internal/metrics"
	"github.com/tidesql/lazyrouter/internal/retry"
	"github.com/tidesql/lazyrouter/internal/subproc"
	"github.com/tidesql/lazyrouter/internal/tracing"
	"github.com/tidesql/lazyrouter/internal/wire"
)

// Result is the outcome of one call to Machine.Process, per spec §4.1/§5.
type Result int

const (
	// Again means the caller should call Process immediately.
	Again Result = iota
	// Suspend means a sub-processor (or timer) is pending; the caller must
	// wait for its completion hook to fire, then call Process again.
	Suspend
	// SendToClient means the caller must flush the client channel before
	// calling Process again.
	SendToClient
	// Done means the machine has finished; Process must not be re-entered.
	Done
)

// stage is the tagged-enum discriminant of the state graph (spec §9: "a
// tagged enum plus a dispatch table, not virtual methods").
type stage int

const (
	stageConnect stage = iota
	stageConnected
	stageAuthenticated
	stageSetVars
	stageSetVarsDone
	stageSetServerOption
	stageSetServerOptionDone
	stageFetchSysVars
	stageFetchSysVarsDone
	stageSetSchema
	stageSetSchemaDone
	stageWaitGtidExecuted
	stageWaitGtidExecutedDone
	stageSetTrxCharacteristics
	stageFetchUserAttrs
	stageFetchUserAttrsDone
	stageSendAuthOk
	stagePoolOrClose
	stageFallbackToWrite
	stageDone
)

// sysVarFetchTargets is the fixed, ordered set tried by FetchSysVars.
var sysVarFetchTargets = []string{"collation_connection", "character_set_client", "sql_mode"}

// stageNames labels stages for ConnectorStageDuration; stages that only
// forward to the next one (the "*Done" bookkeeping stages) share their
// parent's name since they never block.
var stageNames = map[stage]string{
	stageConnect:               "connect",
	stageConnected:             "connected",
	stageAuthenticated:         "authenticated",
	stageSetVars:               "set_vars",
	stageSetVarsDone:           "set_vars",
	stageSetServerOption:       "set_server_option",
	stageSetServerOptionDone:   "set_server_option",
	stageFetchSysVars:          "fetch_sys_vars",
	stageFetchSysVarsDone:      "fetch_sys_vars",
	stageSetSchema:             "set_schema",
	stageSetSchemaDone:         "set_schema",
	stageWaitGtidExecuted:      "wait_gtid_executed",
	stageWaitGtidExecutedDone:  "wait_gtid_executed",
	stageSetTrxCharacteristics: "set_trx_characteristics",
	stageFetchUserAttrs:        "fetch_user_attrs",
	stageFetchUserAttrsDone:    "fetch_user_attrs",
	stageSendAuthOk:            "send_auth_ok",
	stagePoolOrClose:           "pool_or_close",
	stageFallbackToWrite:       "fallback_to_write",
	stageDone:                  "done",
}

// Machine drives one Context through the stage graph. It is not
// goroutine-safe; the owning session invokes Process from a single
// goroutine per connection, matching the cooperative scheduling model of
// spec §5.
type Machine struct {
	ctx *Context

	stage stage

	failed *subproc.Error

	retryFlag       bool
	alreadyFallback bool

	trxStmtCaptured string

	routerRequire subproc.RouterRequireResult

	connectSpan tracing.Span
	outerSpan   tracing.Span

	now func() time.Time
}

// NewMachine builds a Machine for ctx, starting at the Connect stage.
func NewMachine(ctx *Context) *Machine {
	return &Machine{ctx: ctx, stage: stageConnect, now: time.Now}
}

// Process advances the machine by exactly one stage transition and reports
// what the caller must do next (spec §4.1, §5).
func (m *Machine) Process() Result {
	if !m.outerSpan.Valid() {
		m.outerSpan = tracing.StartSpan(tracing.Span{}, "lazy_connect")
		m.outerSpan.SetAttr(tracing.AttrConnectorRunID, uuid.NewString())
	}

	stageStart := m.now()
	current := m.stage
	defer func() {
		if name, ok := stageNames[current]; ok {
			metrics.ConnectorStageDuration.WithLabelValues(name).Observe(m.now().Sub(stageStart).Seconds())
		}
	}()

	switch m.stage {
	case stageConnect:
		return m.doConnect()
	case stageConnected:
		return m.doConnected()
	case stageAuthenticated:
		return m.doAuthenticated()
	case stageSetVars:
		return m.doSetVars()
	case stageSetVarsDone:
		m.stage = stageSetServerOption
		return Again
	case stageSetServerOption:
		return m.doSetServerOption()
	case stageSetServerOptionDone:
		m.stage = stageFetchSysVars
		return Again
	case stageFetchSysVars:
		return m.doFetchSysVars()
	case stageFetchSysVarsDone:
		m.stage = stageSetSchema
		return Again
	case stageSetSchema:
		return m.doSetSchema()
	case stageSetSchemaDone:
		m.stage = stageWaitGtidExecuted
		return Again
	case stageWaitGtidExecuted:
		return m.doWaitGtidExecuted()
	case stageWaitGtidExecutedDone:
		m.stage = stageSetTrxCharacteristics
		return Again
	case stageSetTrxCharacteristics:
		return m.doSetTrxCharacteristics()
	case stageFetchUserAttrs:
		return m.doFetchUserAttrs()
	case stageFetchUserAttrsDone:
		m.stage = stageSendAuthOk
		return Again
	case stageSendAuthOk:
		return m.doSendAuthOk()
	case stagePoolOrClose:
		return m.doPoolOrClose()
	case stageFallbackToWrite:
		return m.doFallbackToWrite()
	case stageDone:
		return m.doDone()
	default:
		panic(fmt.Sprintf("connector: unknown stage %d", m.stage))
	}
}

// fail stores err as the connector's single failure, per spec §9 ("store at
// most one failure on the connector").
func (m *Machine) fail(err *subproc.Error) {
	if m.failed == nil {
		m.failed = err
	}
}

// ── Connect ──────────────────────────────────────────────────────────────

func (m *Machine) doConnect() Result {
	if m.ctx.Backend != nil && m.ctx.Backend.Open() {
		m.stage = stageDone
		return Again
	}
	m.connectSpan = tracing.StartSpan(m.outerSpan, "connect")
	m.stage = stageConnected
	m.ctx.ConnectProc.Push(nil, backendConn{m.ctx}, func(err error) {
		if err != nil {
			m.fail(toSubprocError(err))
		}
	})
	return Suspend
}

// ── Connected ────────────────────────────────────────────────────────────

func (m *Machine) doConnected() Result {
	if m.ctx.Backend == nil || !m.ctx.Backend.Open() {
		m.stage = stageDone
		return Again
	}

	// Capture trx_stmt before any SET can cause the session tracker to
	// re-point it at a new value.
	if m.trxStmtCaptured == "" {
		m.trxStmtCaptured = m.ctx.TrxStmt
	}

	usernameDiffers := m.ctx.Client.Username != m.ctx.Server.Username
	attrsDiffer := !AttributesEqual(m.ctx.Client.Attributes, m.ctx.Server.Attributes)
	m.connectSpan.SetBoolAttr(tracing.AttrUsernameDiffers, usernameDiffers)
	m.connectSpan.SetBoolAttr(tracing.AttrConnectionAttributesDiffer, attrsDiffer)

	switch {
	case m.ctx.Server.HasGreeting && !m.ctx.Server.InInitialHandshake && !usernameDiffers && !attrsDiffer:
		m.connectSpan.SetBoolAttr(tracing.AttrNeedsFullHandshake, false)
		m.ctx.Authenticated = true
		m.stage = stageAuthenticated
		m.ctx.ResetConnectionProc.Push(nil, backendConn{m.ctx}, func(err error) {
			if err != nil {
				m.ctx.Authenticated = false
				m.fail(toSubprocError(err))
			}
		})
		return Suspend

	case m.ctx.Server.HasGreeting:
		m.connectSpan.SetBoolAttr(tracing.AttrNeedsFullHandshake, false)
		m.ctx.Authenticated = true
		m.stage = stageAuthenticated
		m.ctx.ChangeUserProc.Push(nil, backendConn{m.ctx}, m.ctx.Client.InInitialHandshake, func(err error) {
			if err != nil {
				m.ctx.Authenticated = false
				m.fail(toSubprocError(err))
			}
		})
		return Suspend

	default:
		m.connectSpan.SetBoolAttr(tracing.AttrNeedsFullHandshake, true)
		m.ctx.Authenticated = true
		m.stage = stageAuthenticated
		m.ctx.ServerGreetorProc.Push(nil, backendConn{m.ctx}, m.ctx.Client.InInitialHandshake, func(err error) {
			if err == nil {
				return
			}
			m.ctx.Authenticated = false
			transient := retry.IsTransient(err)
			canRetry := transient &&
				(m.ctx.ClientPasswordKnown || !m.ctx.Server.HasGreeting) &&
				!retry.NewBudget(m.ctx.Started, m.ctx.ConnectRetryTimeout).Expired(m.now())
			if canRetry {
				m.retryFlag = true
				metrics.ConnectorRetries.WithLabelValues(m.ctx.TargetID).Inc()
				return
			}
			m.fail(toSubprocError(err))
		})
		return Suspend
	}
}

// ── Authenticated ────────────────────────────────────────────────────────

func (m *Machine) doAuthenticated() Result {
	if !m.ctx.Authenticated || m.ctx.Backend == nil || !m.ctx.Backend.Open() {
		if m.retryFlag {
			m.retryFlag = false
			m.stage = stageConnect
			m.ctx.ScheduleRetry(func() {})
			return Suspend
		}
		m.stage = stageDone
		return Again
	}
	m.stage = stageSetVars
	return Again
}

// ── SetVars ──────────────────────────────────────────────────────────────

func (m *Machine) doSetVars() Result {
	stmt, trackers := buildSetVarsStatement(m.ctx)
	for name, v := range trackers {
		m.connectSpan.SetAttr(tracing.SessionAttr(name), v)
	}
	if stmt == "" {
		m.stage = stageSetServerOption
		return Again
	}
	m.stage = stageSetVarsDone
	m.ctx.QueryProc.Push(nil, backendConn{m.ctx}, stmt, &FailedQuery{Machine: m, Statement: stmt})
	return Suspend
}

// ── SetServerOption ──────────────────────────────────────────────────────

func (m *Machine) doSetServerOption() Result {
	if m.ctx.Client.MultiStatements == m.ctx.Server.MultiStatements {
		m.stage = stageFetchSysVars
		return Again
	}
	opt := subproc.MultiStatementsOff
	if m.ctx.Client.MultiStatements {
		opt = subproc.MultiStatementsOn
	}
	m.stage = stageSetServerOptionDone
	m.ctx.SetOptionProc.Push(nil, backendConn{m.ctx}, opt, func(err error) {
		m.ctx.Server.MultiStatements = m.ctx.Client.MultiStatements
		if err != nil {
			m.fail(toSubprocError(err))
			m.stage = stageDone
		}
	})
	return Suspend
}

// ── FetchSysVars ─────────────────────────────────────────────────────────

func (m *Machine) doFetchSysVars() Result {
	if !m.ctx.ConnectionSharingPossible {
		m.stage = stageSetSchema
		return Again
	}
	var missing []string
	for _, name := range sysVarFetchTargets {
		if !m.ctx.Store.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		m.stage = stageSetSchema
		return Again
	}
	var b strings.Builder
	for i, name := range missing {
		if i > 0 {
			b.WriteString(" UNION ")
		}
		fmt.Fprintf(&b, "SELECT '%s', @@SESSION.`%s`", name, name)
	}
	m.stage = stageFetchSysVarsDone
	m.ctx.QueryProc.Push(nil, backendConn{m.ctx}, b.String(), &SelectSessionVariables{Machine: m})
	return Suspend
}

// ── SetSchema ────────────────────────────────────────────────────────────

func (m *Machine) doSetSchema() Result {
	if m.ctx.Client.Schema == "" || m.ctx.Client.Schema == m.ctx.Server.Schema {
		m.stage = stageWaitGtidExecuted
		return Again
	}
	m.stage = stageSetSchemaDone
	m.ctx.InitSchemaProc.Push(nil, backendConn{m.ctx}, m.ctx.Client.Schema, func(err error) {
		if err != nil {
			m.fail(toSubprocError(err))
			m.stage = stageDone
			return
		}
		m.ctx.Server.Schema = m.ctx.Client.Schema
	})
	return Suspend
}

// ── WaitGtidExecuted ─────────────────────────────────────────────────────

func (m *Machine) doWaitGtidExecuted() Result {
	if !(m.ctx.WaitForMyWrites && m.ctx.ExpectedServerMode == ReadOnly && m.ctx.GTIDAtLeastExecuted != "") {
		m.stage = stageSetTrxCharacteristics
		return Again
	}
	var sql string
	if m.ctx.WaitForMyWritesTimeout == 0 {
		sql = fmt.Sprintf("SELECT GTID_SUBSET('%s', @@GLOBAL.gtid_executed)", m.ctx.GTIDAtLeastExecuted)
	} else {
		sql = fmt.Sprintf("SELECT NOT WAIT_FOR_EXECUTED_GTID_SET('%s', %d)", m.ctx.GTIDAtLeastExecuted, m.ctx.WaitForMyWritesTimeout)
	}
	m.stage = stageWaitGtidExecutedDone
	sentinel := subproc.NewError(0, "wait_for_my_writes timed out", "HY000")
	m.ctx.QueryProc.Push(nil, backendConn{m.ctx}, sql, &IsTrue{Machine: m, Sentinel: sentinel})
	return Suspend
}

// ── SetTrxCharacteristics ────────────────────────────────────────────────

func (m *Machine) doSetTrxCharacteristics() Result {
	if m.trxStmtCaptured == "" {
		m.stage = stageFetchUserAttrs
		return Again
	}
	head, tail, found := strings.Cut(m.trxStmtCaptured, ";")
	if !found {
		head, tail = m.trxStmtCaptured, ""
	}
	tail = strings.TrimPrefix(tail, " ")
	m.trxStmtCaptured = tail
	m.ctx.QueryProc.Push(nil, backendConn{m.ctx}, head, &FailedQuery{Machine: m, Statement: head})
	return Suspend
}

// ── FetchUserAttrs ───────────────────────────────────────────────────────

func (m *Machine) doFetchUserAttrs() Result {
	if !m.ctx.RouterRequireEnforce {
		m.stage = stageSendAuthOk
		return Again
	}
	m.stage = stageFetchUserAttrsDone
	m.ctx.RouterRequireProc.Push(nil, backendConn{m.ctx}, &m.routerRequire, func() {
		if !m.routerRequire.Present || m.routerRequire.Rejected {
			m.fail(subproc.NewError(1045, "Access denied", "28000"))
			m.stage = stageDone
		}
	})
	return Suspend
}

// ── SendAuthOk ───────────────────────────────────────────────────────────

func (m *Machine) doSendAuthOk() Result {
	if !m.ctx.Client.InInitialHandshake {
		m.stage = stageDone
		return Again
	}
	m.stage = stageDone
	return SendToClient
}

// BuildAuthOk builds the OK packet SendAuthOk sends once the caller has
// observed SendToClient.
func (m *Machine) BuildAuthOk(statusFlags uint16) []byte {
	return wire.OK{AffectedRows: 0, LastInsertID: 0, StatusFlags: statusFlags, Warnings: 0}.Marshal()
}

// ── PoolOrClose / FallbackToWrite ────────────────────────────────────────

func (m *Machine) doPoolOrClose() Result {
	accepted := m.ctx.Pool != nil && m.ctx.Pool(m.ctx)
	if !accepted {
		m.ctx.QuitProc.Push(nil, backendConn{m.ctx})
	}
	// Either way the back-end socket no longer belongs to this invocation:
	// it was handed to the pool or closed. FallbackToWrite re-enters
	// Connect expecting to acquire a fresh one.
	m.ctx.Backend = nil
	m.ctx.Authenticated = false
	m.stage = stageFallbackToWrite
	return Again
}

func (m *Machine) doFallbackToWrite() Result {
	if m.alreadyFallback || m.ctx.ExpectedServerMode == ReadWrite {
		m.stage = stageDone
		return Again
	}
	m.ctx.ExpectedServerMode = ReadWrite
	m.alreadyFallback = true
	m.failed = nil
	m.connectSpan.End(nil)
	m.stage = stageConnect
	metrics.ConnectorFallbacks.WithLabelValues(m.ctx.TargetID).Inc()
	return Again
}

// failToFallback routes a WaitGtidExecuted failure through PoolOrClose
// rather than straight to Done (spec §7 taxonomy item 4).
func (m *Machine) failToFallback() {
	m.stage = stagePoolOrClose
}

// ── Done ─────────────────────────────────────────────────────────────────

func (m *Machine) doDone() Result {
	if m.failed != nil {
		m.connectSpan.End(m.failed)
		if m.ctx.OnError != nil {
			m.ctx.OnError(m.failed)
		}
		m.ctx.Authenticated = false
	} else {
		m.connectSpan.End(nil)
	}
	m.ctx.Server.SequenceID = wire.NoPriorPacket
	var outcome error
	if m.failed != nil {
		outcome = m.failed
	}
	m.outerSpan.End(outcome)
	m.stage = stageDone
	return Done
}

// Failed returns the stored failure, if any, after Done.
func (m *Machine) Failed() *subproc.Error {
	return m.failed
}

func toSubprocError(err error) *subproc.Error {
	if se, ok := err.(*subproc.Error); ok {
		return se
	}
	return subproc.NewError(2013, err.Error(), "HY000")
}

// backendConn adapts *Context to subproc.Conn.
type backendConn struct{ ctx *Context }

func (b backendConn) Open() bool {
	return b.ctx.Backend != nil && b.ctx.Backend.Open()
}
