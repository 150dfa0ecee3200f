package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildHandshakeResponsePayload(t *testing.T) []byte {
	t.Helper()

	flags := uint32(CapClientProtocol41 | CapClientSecureConnection |
		CapClientConnectWithDB | CapClientConnectAttrs | CapClientMultiStatements)

	buf := make([]byte, 0, 128)
	buf = append(buf, byte(flags), byte(flags>>8), byte(flags>>16), byte(flags>>24))
	buf = append(buf, 0, 0, 0, 0)   // max_packet_size
	buf = append(buf, 0x2d)         // charset
	buf = append(buf, make([]byte, 23)...)
	buf = append(buf, "alice"...)
	buf = append(buf, 0)
	buf = append(buf, 0) // zero-length auth response (lenenc)
	buf = append(buf, "appdb"...)
	buf = append(buf, 0)

	var attrBuf []byte
	attrBuf = append(attrBuf, byte(len("router_mode")))
	attrBuf = append(attrBuf, "router_mode"...)
	attrBuf = append(attrBuf, byte(len("ro")))
	attrBuf = append(attrBuf, "ro"...)
	buf = append(buf, byte(len(attrBuf)))
	buf = append(buf, attrBuf...)

	return buf
}

func TestParseClientHandshakeResponse(t *testing.T) {
	payload := buildHandshakeResponsePayload(t)
	r, err := ParseClientHandshakeResponse(payload)
	require.NoError(t, err)

	assert.Equal(t, "alice", r.Username)
	assert.Equal(t, "appdb", r.Database)
	assert.True(t, r.MultiStatements)
	assert.Equal(t, "ro", r.Attributes["router_mode"])
}

func TestParseClientHandshakeResponseRejectsShortPayload(t *testing.T) {
	_, err := ParseClientHandshakeResponse([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseClientHandshakeResponseRejectsPre41(t *testing.T) {
	buf := make([]byte, 32)
	_, err := ParseClientHandshakeResponse(buf)
	assert.Error(t, err)
}
