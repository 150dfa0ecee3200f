package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOKMarshalLayout(t *testing.T) {
	buf := OK{AffectedRows: 1, LastInsertID: 0, StatusFlags: 2, Warnings: 0}.Marshal()
	assert.Equal(t, byte(0x00), buf[0])
	assert.Equal(t, byte(1), buf[1]) // affected_rows, 1-byte lenenc
	assert.Equal(t, byte(0), buf[2]) // last_insert_id
	assert.Equal(t, byte(2), buf[3]) // status flags low byte
	assert.Equal(t, byte(0), buf[4])
}

func TestOKMarshalWithLargeAffectedRowsUsesWiderLenEnc(t *testing.T) {
	buf := OK{AffectedRows: 1000}.Marshal()
	assert.Equal(t, byte(0xfc), buf[1]) // 2-byte lenenc prefix
}

func TestErrMarshalLayout(t *testing.T) {
	var sqlstate [5]byte
	copy(sqlstate[:], "28000")
	buf := Err{Code: 1045, SQLState: sqlstate, Message: "Access denied"}.Marshal()

	assert.Equal(t, byte(0xff), buf[0])
	assert.Equal(t, uint16(1045), uint16(buf[1])|uint16(buf[2])<<8)
	assert.Equal(t, byte('#'), buf[3])
	assert.Equal(t, "28000", string(buf[4:9]))
	assert.Equal(t, "Access denied", string(buf[9:]))
}
