package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidesql/lazyrouter/internal/subproc"
	"github.com/tidesql/lazyrouter/pkg/session"
)

func newTestMachine() *Machine {
	return &Machine{ctx: &Context{TargetID: "primary", Store: session.NewStore()}}
}

func TestFailedQueryOnErrorFailsTheMachine(t *testing.T) {
	m := newTestMachine()
	h := &FailedQuery{Machine: m, Statement: "SET @@SESSION.x = 1"}

	h.OnError(subproc.NewError(1193, "Unknown system variable", "HY000"))

	assert.Equal(t, stageDone, m.stage)
	assert.Equal(t, uint16(1193), m.Failed().Code)
}

func TestIsTrueAcceptsSingleRowTextOne(t *testing.T) {
	m := newTestMachine()
	sentinel := subproc.NewError(0, "timed out", "HY000")
	h := &IsTrue{Machine: m, Sentinel: sentinel}

	h.OnColumnCount(1)
	h.OnRow(subproc.RowValues{{Text: "1"}})
	h.OnRowEnd()

	assert.Nil(t, m.Failed())
}

func TestIsTrueRejectsWithSentinelWhenValueIsNotOne(t *testing.T) {
	m := newTestMachine()
	sentinel := subproc.NewError(0, "timed out", "HY000")
	h := &IsTrue{Machine: m, Sentinel: sentinel}

	h.OnColumnCount(1)
	h.OnRow(subproc.RowValues{{Text: "0"}})
	h.OnRowEnd()

	assert.Same(t, sentinel, m.Failed())
}

func TestIsTrueRejectsOnNoRows(t *testing.T) {
	m := newTestMachine()
	h := &IsTrue{Machine: m, Sentinel: subproc.NewError(0, "x", "HY000")}

	h.OnColumnCount(1)
	h.OnRowEnd()

	assert.NotNil(t, m.Failed())
	assert.Equal(t, "No fields", m.Failed().Message)
}

func TestIsTrueRejectsOnTooManyColumns(t *testing.T) {
	m := newTestMachine()
	h := &IsTrue{Machine: m, Sentinel: subproc.NewError(0, "x", "HY000")}

	h.OnColumnCount(2)
	h.OnRow(subproc.RowValues{{Text: "1"}, {Text: "2"}})
	h.OnRowEnd()

	assert.Equal(t, "Too many columns", m.Failed().Message)
}

func TestSelectSessionVariablesCapturesTwoColumnRows(t *testing.T) {
	m := newTestMachine()
	h := &SelectSessionVariables{Machine: m}

	h.OnColumnCount(2)
	h.OnRow(subproc.RowValues{{Text: "sql_mode"}, {Text: "STRICT_TRANS_TABLES"}})
	h.OnRowEnd()

	v, ok := m.ctx.Store.Get("sql_mode")
	assert.True(t, ok)
	assert.Equal(t, "STRICT_TRANS_TABLES", v.SQL())
	assert.False(t, m.ctx.SomeStateChanged)
}

func TestSelectSessionVariablesAnomalyDisablesSharingWithoutWipingStore(t *testing.T) {
	m := newTestMachine()
	m.ctx.Store.Set("preexisting", session.Text("ON"))

	h := &SelectSessionVariables{Machine: m}
	h.OnColumnCount(3) // wrong shape triggers the anomaly path
	h.OnRow(subproc.RowValues{{Text: "a"}, {Text: "b"}, {Text: "c"}})
	h.OnRowEnd()

	assert.True(t, m.ctx.SomeStateChanged)
	assert.True(t, m.ctx.Store.Has("preexisting"))
	_, ok := m.ctx.Store.Get("a")
	assert.False(t, ok)
}

func TestSelectSessionVariablesOnOKDisablesSharingWithoutFailing(t *testing.T) {
	m := newTestMachine()
	h := &SelectSessionVariables{Machine: m}
	h.OnOK()

	assert.True(t, m.ctx.SomeStateChanged)
	assert.Nil(t, m.Failed())
}
