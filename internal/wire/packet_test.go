package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadPacketRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	next, err := WritePacket(&buf, []byte("SELECT 1"), 3)
	require.NoError(t, err)
	assert.Equal(t, byte(4), next)

	hdr, payload, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(3), hdr.SequenceID)
	assert.Equal(t, uint32(len("SELECT 1")), hdr.Length)
	assert.Equal(t, "SELECT 1", string(payload))
}

func TestWritePacketSplitsPayloadsOverMaxPayload(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{'x'}, MaxPayload+10)
	next, err := WritePacket(&buf, payload, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(2), next) // two packets consumed two sequence ids

	hdr1, p1, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(MaxPayload), hdr1.Length)
	assert.Len(t, p1, MaxPayload)

	hdr2, p2, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), hdr2.Length)
	assert.Len(t, p2, 10)
}

func TestReadPacketErrorsOnTruncatedHeader(t *testing.T) {
	_, _, err := ReadPacket(bytes.NewReader([]byte{0x01, 0x00}))
	assert.Error(t, err)
}

func TestParseHeaderRejectsShortBuffer(t *testing.T) {
	_, err := ParseHeader([]byte{1, 2})
	assert.Error(t, err)
}

func TestReadLenEncIntEncodingWidths(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		val  uint64
		n    int
	}{
		{"1-byte", []byte{0xfa}, 0xfa, 1},
		{"null", []byte{0xfb}, 0, 1},
		{"2-byte", []byte{0xfc, 0x01, 0x02}, 0x0201, 3},
		{"3-byte", []byte{0xfd, 0x01, 0x02, 0x03}, 0x030201, 4},
		{"8-byte", append([]byte{0xfe}, make([]byte, 8)...), 0, 9},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			val, n, isNull := ReadLenEncInt(c.buf)
			assert.Equal(t, c.n, n)
			if c.name == "null" {
				assert.True(t, isNull)
				return
			}
			assert.False(t, isNull)
			assert.Equal(t, c.val, val)
		})
	}
}

func TestReadLenEncStringRoundTrips(t *testing.T) {
	buf := append([]byte{5}, []byte("hello")...)
	s, isNull, n := ReadLenEncString(buf)
	assert.False(t, isNull)
	assert.Equal(t, "hello", s)
	assert.Equal(t, 6, n)
}

func TestReadLenEncStringTruncatedReportsZeroConsumed(t *testing.T) {
	buf := []byte{10, 'h', 'i'}
	_, _, n := ReadLenEncString(buf)
	assert.Equal(t, 0, n)
}
