// Package backendproto implements the concrete sub-processors the lazy
// connector drives (package connector, package subproc): the individual
// MySQL wire-protocol exchanges against a pooled backend connection.
//
// Each implementation closes over the *connector.Context it serves,
// mutating its Server ProtocolView and Backend field directly — the
// subproc.Conn parameter every Push method receives is deliberately too
// narrow for that (it only reports liveness), so the session wires these
// concrete types in at construction time instead.
package backendproto

import (
	"context"
	"fmt"
	"net"

	"github.com/tidesql/lazyrouter/internal/connector"
	"github.com/tidesql/lazyrouter/internal/pool"
	"github.com/tidesql/lazyrouter/internal/subproc"
	"github.com/tidesql/lazyrouter/internal/wire"
)

// MySQL command bytes (https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_command_phase.html).
const (
	comQuit          byte = 0x01
	comInitDB        byte = 0x02
	comQuery         byte = 0x03
	comChangeUser    byte = 0x11
	comResetConn     byte = 0x1f
	comSetOption     byte = 0x1b
)

func backendConn(ctx *connector.Context) net.Conn {
	pc, ok := ctx.Backend.(*pool.PooledConn)
	if !ok || pc == nil {
		return nil
	}
	return pc.Conn()
}

// Connect acquires a pooled backend connection for a fixed target.
type Connect struct {
	Ctx      *connector.Context
	PoolMgr  *pool.Manager
	TargetID string
}

func (c *Connect) Push(_ context.Context, _ subproc.Conn, onError subproc.OnError) {
	conn, err := c.PoolMgr.Acquire(context.Background(), c.TargetID)
	if err != nil {
		onError(err)
		return
	}
	c.Ctx.Backend = conn
	c.Ctx.Server = conn.Server
	onError(nil)
}

// ServerGreetor performs a full MySQL handshake against a freshly acquired
// backend connection.
//
// Backend credentials are out of this core's scope (spec §1 treats the
// wire codec and its sub-processors as external collaborators); this
// implementation assumes the configured backend account authenticates
// with the bare username and no password, which is the posture of the
// service accounts this router is deployed with.
type ServerGreetor struct {
	Ctx *connector.Context
}

func (g *ServerGreetor) Push(_ context.Context, _ subproc.Conn, inHandshake bool, onError subproc.OnError) {
	conn := backendConn(g.Ctx)
	if conn == nil {
		onError(fmt.Errorf("server greetor: no backend connection"))
		return
	}

	_, greetingPayload, err := wire.ReadPacket(conn)
	if err != nil {
		onError(fmt.Errorf("reading server greeting: %w", err))
		return
	}
	if len(greetingPayload) > 0 && greetingPayload[0] == 0xff {
		onError(parseErrPacket(greetingPayload))
		return
	}

	resp := buildHandshakeResponse(g.Ctx.Client)
	seq, err := wire.WritePacket(conn, resp, 1)
	if err != nil {
		onError(fmt.Errorf("writing handshake response: %w", err))
		return
	}
	_ = seq

	if err := readAuthResult(conn); err != nil {
		onError(err)
		return
	}

	g.Ctx.Server.HasGreeting = true
	g.Ctx.Server.InInitialHandshake = inHandshake
	g.Ctx.Server.Username = g.Ctx.Client.Username
	g.Ctx.Server.Schema = g.Ctx.Client.Schema
	g.Ctx.Server.Attributes = copyAttrs(g.Ctx.Client.Attributes)
	g.Ctx.Server.MultiStatements = g.Ctx.Client.MultiStatements
	g.Ctx.Server.SequenceID = 0
	onError(nil)
}

// buildHandshakeResponse builds a minimal HandshakeResponse41 payload.
func buildHandshakeResponse(client connector.ProtocolView) []byte {
	flags := uint32(wire.CapClientProtocol41 | wire.CapClientSecureConnection)
	if client.Schema != "" {
		flags |= wire.CapClientConnectWithDB
	}
	if client.MultiStatements {
		flags |= wire.CapClientMultiStatements
	}
	if len(client.Attributes) > 0 {
		flags |= wire.CapClientConnectAttrs
	}

	buf := make([]byte, 0, 64)
	buf = appendUint32(buf, flags)
	buf = appendUint32(buf, 1<<24-1)
	buf = append(buf, 0x2d) // utf8mb4_general_ci
	buf = append(buf, make([]byte, 23)...)
	buf = append(buf, client.Username...)
	buf = append(buf, 0)
	buf = append(buf, 0) // zero-length auth response
	if client.Schema != "" {
		buf = append(buf, client.Schema...)
		buf = append(buf, 0)
	}
	if len(client.Attributes) > 0 {
		attrBuf := make([]byte, 0, 32)
		for k, v := range client.Attributes {
			attrBuf = appendLenEncStr(attrBuf, k)
			attrBuf = appendLenEncStr(attrBuf, v)
		}
		buf = appendLenEncInt(buf, uint64(len(attrBuf)))
		buf = append(buf, attrBuf...)
	}
	return buf
}

// ChangeUser re-authenticates an already-greeted backend via COM_CHANGE_USER.
type ChangeUser struct {
	Ctx *connector.Context
}

func (c *ChangeUser) Push(_ context.Context, _ subproc.Conn, inHandshake bool, onError subproc.OnError) {
	conn := backendConn(c.Ctx)
	if conn == nil {
		onError(fmt.Errorf("change user: no backend connection"))
		return
	}

	buf := []byte{comChangeUser}
	buf = append(buf, c.Ctx.Client.Username...)
	buf = append(buf, 0)
	buf = append(buf, 0) // zero-length auth response
	buf = append(buf, c.Ctx.Client.Schema...)
	buf = append(buf, 0)
	buf = appendUint16(buf, 0x2d)

	if _, err := wire.WritePacket(conn, buf, 0); err != nil {
		onError(fmt.Errorf("writing change user: %w", err))
		return
	}
	if err := readAuthResult(conn); err != nil {
		onError(err)
		return
	}

	c.Ctx.Server.Username = c.Ctx.Client.Username
	c.Ctx.Server.Schema = c.Ctx.Client.Schema
	c.Ctx.Server.Attributes = copyAttrs(c.Ctx.Client.Attributes)
	c.Ctx.Server.InInitialHandshake = inHandshake
	c.Ctx.Server.SequenceID = 0
	onError(nil)
}

// ResetConnection resets session state on a reused backend via
// COM_RESET_CONNECTION.
type ResetConnection struct {
	Ctx *connector.Context
}

func (r *ResetConnection) Push(_ context.Context, _ subproc.Conn, onError subproc.OnError) {
	conn := backendConn(r.Ctx)
	if conn == nil {
		onError(fmt.Errorf("reset connection: no backend connection"))
		return
	}
	if _, err := wire.WritePacket(conn, []byte{comResetConn}, 0); err != nil {
		onError(fmt.Errorf("writing reset connection: %w", err))
		return
	}
	if err := readOKOrErr(conn); err != nil {
		onError(err)
		return
	}
	r.Ctx.Server.SequenceID = 0
	onError(nil)
}

// SetOption issues COM_SET_OPTION.
type SetOption struct {
	Ctx *connector.Context
}

func (s *SetOption) Push(_ context.Context, _ subproc.Conn, option subproc.SentServerOption, onError subproc.OnError) {
	conn := backendConn(s.Ctx)
	if conn == nil {
		onError(fmt.Errorf("set option: no backend connection"))
		return
	}
	buf := []byte{comSetOption}
	buf = appendUint16(buf, uint16(option))
	if _, err := wire.WritePacket(conn, buf, 0); err != nil {
		onError(fmt.Errorf("writing set option: %w", err))
		return
	}
	if err := readOKOrErr(conn); err != nil {
		onError(err)
		return
	}
	s.Ctx.Server.SequenceID = 0
	onError(nil)
}

// InitSchema issues COM_INIT_DB for schema.
type InitSchema struct {
	Ctx *connector.Context
}

func (i *InitSchema) Push(_ context.Context, _ subproc.Conn, schema string, onError subproc.OnError) {
	conn := backendConn(i.Ctx)
	if conn == nil {
		onError(fmt.Errorf("init schema: no backend connection"))
		return
	}
	buf := append([]byte{comInitDB}, schema...)
	if _, err := wire.WritePacket(conn, buf, 0); err != nil {
		onError(fmt.Errorf("writing init db: %w", err))
		return
	}
	if err := readOKOrErr(conn); err != nil {
		onError(err)
		return
	}
	i.Ctx.Server.SequenceID = 0
	onError(nil)
}

// Query executes sql against the backend and streams the result to handler.
type Query struct {
	Ctx *connector.Context
}

func (q *Query) Push(_ context.Context, _ subproc.Conn, sql string, handler subproc.Handler) {
	conn := backendConn(q.Ctx)
	if conn == nil {
		handler.OnError(subproc.NewError(2006, "no backend connection", "HY000"))
		return
	}
	buf := append([]byte{comQuery}, sql...)
	if _, err := wire.WritePacket(conn, buf, 0); err != nil {
		handler.OnError(subproc.NewError(2006, err.Error(), "HY000"))
		return
	}

	_, payload, err := wire.ReadPacket(conn)
	if err != nil {
		handler.OnError(subproc.NewError(2013, err.Error(), "HY000"))
		return
	}
	if len(payload) == 0 {
		handler.OnError(subproc.NewError(2013, "empty query response", "HY000"))
		return
	}

	switch payload[0] {
	case 0x00:
		handler.OnOK()
		q.Ctx.Server.SequenceID = 0
		return
	case 0xff:
		handler.OnError(parseErrPacket(payload))
		q.Ctx.Server.SequenceID = 0
		return
	}

	colCount, _, _ := wire.ReadLenEncInt(payload)
	handler.OnColumnCount(int(colCount))

	for i := uint64(0); i < colCount; i++ {
		_, colPayload, err := wire.ReadPacket(conn)
		if err != nil {
			handler.OnError(subproc.NewError(2013, err.Error(), "HY000"))
			return
		}
		handler.OnColumn(extractColumnName(colPayload))
	}

	if err := skipEOFIfPresent(conn); err != nil {
		handler.OnError(subproc.NewError(2013, err.Error(), "HY000"))
		return
	}

	for {
		_, rowPayload, err := wire.ReadPacket(conn)
		if err != nil {
			handler.OnError(subproc.NewError(2013, err.Error(), "HY000"))
			return
		}
		if len(rowPayload) > 0 && (rowPayload[0] == 0xfe && len(rowPayload) < 9) {
			break // EOF_Packet (or OK with EOF header in deprecate-EOF mode)
		}
		if len(rowPayload) > 0 && rowPayload[0] == 0xff {
			handler.OnError(parseErrPacket(rowPayload))
			return
		}
		handler.OnRow(decodeRow(rowPayload, int(colCount)))
	}

	handler.OnRowEnd()
	q.Ctx.Server.SequenceID = 0
}

// Quit issues COM_QUIT and closes/discards the backend socket.
type Quit struct {
	Ctx     *connector.Context
	PoolMgr *pool.Manager
}

func (q *Quit) Push(_ context.Context, _ subproc.Conn) {
	conn := backendConn(q.Ctx)
	if conn != nil {
		_, _ = wire.WritePacket(conn, []byte{comQuit}, 0)
	}
	if pc, ok := q.Ctx.Backend.(*pool.PooledConn); ok && pc != nil {
		q.PoolMgr.Discard(pc)
	}
	q.Ctx.Backend = nil
}

// RouterRequireFetcher fetches the set of connection attributes a router
// policy requires, via a conventional introspection query against the
// backend's session attributes table.
type RouterRequireFetcher struct {
	Ctx *connector.Context
}

type requireCollector struct {
	attrs    map[string]string
	errored  bool
	lastErr  *subproc.Error
}

func (c *requireCollector) OnColumnCount(int)     {}
func (c *requireCollector) OnColumn(string)       {}
func (c *requireCollector) OnRow(row subproc.RowValues) {
	if len(row) != 2 || row[0].Null || row[1].Null {
		return
	}
	c.attrs[row[0].Text] = row[1].Text
}
func (c *requireCollector) OnRowEnd()                {}
func (c *requireCollector) OnOK()                    {}
func (c *requireCollector) OnError(err *subproc.Error) {
	c.errored = true
	c.lastErr = err
}

func (f *RouterRequireFetcher) Push(_ context.Context, _ subproc.Conn, out *subproc.RouterRequireResult, onDone func()) {
	conn := backendConn(f.Ctx)
	if conn == nil {
		out.Present = false
		onDone()
		return
	}

	collector := &requireCollector{attrs: make(map[string]string)}
	q := &Query{Ctx: f.Ctx}
	q.Push(nil, nil, "SELECT attr_name, attr_value FROM performance_schema.session_connect_attrs "+
		"WHERE attr_name LIKE 'require_router_%' AND processlist_id = CONNECTION_ID()", collector)

	if collector.errored {
		out.Present = false
		onDone()
		return
	}

	out.Present = len(collector.attrs) > 0
	out.Attrs = collector.attrs
	out.Rejected = false
	for k, want := range collector.attrs {
		if got, ok := f.Ctx.Client.Attributes[k]; !ok || got != want {
			out.Rejected = true
			break
		}
	}
	onDone()
}

// ── Helpers ──────────────────────────────────────────────────────────────

func readOKOrErr(conn net.Conn) error {
	_, payload, err := wire.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("empty response")
	}
	if payload[0] == 0xff {
		return parseErrPacket(payload)
	}
	return nil
}

// readAuthResult reads the result of an authentication exchange, following
// at most two AuthSwitchRequest/AuthMoreData rounds before the final
// OK/ERR.
func readAuthResult(conn net.Conn) error {
	for i := 0; i < 3; i++ {
		_, payload, err := wire.ReadPacket(conn)
		if err != nil {
			return fmt.Errorf("reading auth result: %w", err)
		}
		if len(payload) == 0 {
			return fmt.Errorf("empty auth response")
		}
		switch payload[0] {
		case 0x00:
			return nil
		case 0xff:
			return parseErrPacket(payload)
		case 0xfe:
			// AuthSwitchRequest: respond with an empty auth response and
			// keep waiting for the final result.
			if _, err := wire.WritePacket(conn, []byte{}, byte(i+2)); err != nil {
				return fmt.Errorf("writing auth switch response: %w", err)
			}
			continue
		default:
			// AuthMoreData: acknowledge and keep waiting.
			continue
		}
	}
	return fmt.Errorf("authentication exchange did not conclude")
}

func parseErrPacket(payload []byte) *subproc.Error {
	if len(payload) < 3 {
		return subproc.NewError(2013, "malformed error packet", "HY000")
	}
	code := uint16(payload[1]) | uint16(payload[2])<<8
	pos := 3
	sqlstate := "HY000"
	if len(payload) > pos && payload[pos] == '#' && len(payload) >= pos+6 {
		sqlstate = string(payload[pos+1 : pos+6])
		pos += 6
	}
	msg := ""
	if pos < len(payload) {
		msg = string(payload[pos:])
	}
	return subproc.NewError(code, msg, sqlstate)
}

// skipEOFIfPresent consumes the EOF packet that ends the column
// definitions. The handshake never sets CLIENT_DEPRECATE_EOF, so the
// server always sends it.
func skipEOFIfPresent(conn net.Conn) error {
	_, payload, err := wire.ReadPacket(conn)
	if err != nil {
		return err
	}
	if len(payload) == 0 || payload[0] != 0xfe {
		return fmt.Errorf("expected EOF after column definitions")
	}
	return nil
}

func extractColumnName(colPayload []byte) string {
	// ColumnDefinition41: catalog, schema, table, orig_table, name, ...
	buf := colPayload
	for i := 0; i < 4; i++ {
		_, _, n := wire.ReadLenEncString(buf)
		if n == 0 {
			return ""
		}
		buf = buf[n:]
	}
	name, _, _ := wire.ReadLenEncString(buf)
	return name
}

func decodeRow(rowPayload []byte, colCount int) subproc.RowValues {
	row := make(subproc.RowValues, 0, colCount)
	buf := rowPayload
	for i := 0; i < colCount; i++ {
		if len(buf) > 0 && buf[0] == 0xfb {
			row = append(row, subproc.Field{Null: true})
			buf = buf[1:]
			continue
		}
		text, isNull, n := wire.ReadLenEncString(buf)
		if n == 0 {
			row = append(row, subproc.Field{Null: true})
			break
		}
		row = append(row, subproc.Field{Null: isNull, Text: text})
		buf = buf[n:]
	}
	return row
}

func copyAttrs(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendLenEncInt(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfb:
		return append(buf, byte(v))
	case v <= 0xffff:
		buf = append(buf, 0xfc, byte(v), byte(v>>8))
		return buf
	case v <= 0xffffff:
		return append(buf, 0xfd, byte(v), byte(v>>8), byte(v>>16))
	default:
		buf = append(buf, 0xfe)
		for i := 0; i < 8; i++ {
			buf = append(buf, byte(v>>(8*i)))
		}
		return buf
	}
}

func appendLenEncStr(buf []byte, s string) []byte {
	buf = appendLenEncInt(buf, uint64(len(s)))
	return append(buf, s...)
}
