package connector

import (
	"log"

	"github.com/tidesql/lazyrouter/internal/metrics"
	"github.com/tidesql/lazyrouter/internal/subproc"
	"github.com/tidesql/lazyrouter/pkg/session"
)

// FailedQuery is the simplest Result-Stream Handler (spec §4.2): it only
// reacts to on_error, logging the failing statement and marking the
// connector failed. Used by SetVars and SetTrxCharacteristics, where any
// query failure is fatal for the prepare (spec §7 item 3).
type FailedQuery struct {
	Machine   *Machine
	Statement string
}

func (h *FailedQuery) OnColumnCount(int)             {}
func (h *FailedQuery) OnColumn(string)                {}
func (h *FailedQuery) OnRow(subproc.RowValues)        {}
func (h *FailedQuery) OnRowEnd()                      {}
func (h *FailedQuery) OnOK()                          {}

func (h *FailedQuery) OnError(err *subproc.Error) {
	log.Printf("[connector] query failed: %q: %s (%d/%s)", h.Statement, err.Message, err.Code, err.SQLState)
	h.Machine.fail(err)
	h.Machine.stage = stageDone
}

// IsTrue expects a single row, single column, textual "1" (spec §4.2). It
// is used for the WaitGtidExecuted query; on any failure it routes through
// PoolOrClose rather than straight to Done (spec §7 item 4).
type IsTrue struct {
	Machine  *Machine
	Sentinel *subproc.Error

	columnCount int
	rowCount    int
	fieldValue  subproc.Field
	sawField    bool
}

func (h *IsTrue) OnColumnCount(n int) { h.columnCount = n }
func (h *IsTrue) OnColumn(string)     {}

func (h *IsTrue) OnRow(row subproc.RowValues) {
	h.rowCount++
	if len(row) > 0 {
		h.fieldValue = row[0]
		h.sawField = true
	}
}

func (h *IsTrue) OnRowEnd() {
	switch {
	case h.columnCount != 1:
		h.reject(subproc.NewError(0, "Too many columns", "HY000"))
	case h.rowCount == 0 || !h.sawField:
		h.reject(subproc.NewError(0, "No fields", "HY000"))
	case h.fieldValue.Null:
		h.reject(subproc.NewError(0, "Expected integer, got NULL", "HY000"))
	case h.rowCount > 1:
		h.reject(subproc.NewError(0, "Too many rows", "HY000"))
	case h.fieldValue.Text != "1":
		h.reject(h.Sentinel)
	}
}

func (h *IsTrue) OnOK() {
	h.reject(subproc.NewError(0, "No fields", "HY000"))
}

func (h *IsTrue) OnError(err *subproc.Error) {
	h.reject(err)
}

func (h *IsTrue) reject(err *subproc.Error) {
	h.Machine.fail(err)
	h.Machine.failToFallback()
}

// SelectSessionVariables captures two-column rows into the session store
// (spec §4.2). Any anomaly disables connection sharing by setting
// SomeStateChanged, but — per the spec's Open Question resolution recorded
// in DESIGN.md — never wipes previously captured state, and never fails
// the connector; the machine proceeds to SetSchema regardless.
type SelectSessionVariables struct {
	Machine *Machine

	columnCount int
	anomaly     bool
	buffered    []pair
}

type pair struct {
	key, value string
	null       bool
}

func (h *SelectSessionVariables) OnColumnCount(n int) { h.columnCount = n }
func (h *SelectSessionVariables) OnColumn(string)     {}

func (h *SelectSessionVariables) OnRow(row subproc.RowValues) {
	if h.columnCount != 2 || len(row) != 2 || row[0].Null {
		h.anomaly = true
		return
	}
	h.buffered = append(h.buffered, pair{key: row[0].Text, value: row[1].Text, null: row[1].Null})
}

func (h *SelectSessionVariables) OnRowEnd() {
	if h.columnCount != 2 {
		h.anomaly = true
	}
	if h.anomaly {
		h.Machine.ctx.SomeStateChanged = true
		metrics.SessionStateAnomalies.WithLabelValues(h.Machine.ctx.TargetID).Inc()
		return
	}
	for _, p := range h.buffered {
		if p.null {
			h.Machine.ctx.Store.Set(p.key, session.Null())
			continue
		}
		h.Machine.ctx.Store.Set(p.key, session.Text(p.value))
	}
}

func (h *SelectSessionVariables) OnOK() {
	h.Machine.ctx.SomeStateChanged = true
	metrics.SessionStateAnomalies.WithLabelValues(h.Machine.ctx.TargetID).Inc()
}

func (h *SelectSessionVariables) OnError(*subproc.Error) {
	h.Machine.ctx.SomeStateChanged = true
	metrics.SessionStateAnomalies.WithLabelValues(h.Machine.ctx.TargetID).Inc()
}
