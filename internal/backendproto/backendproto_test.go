package backendproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseErrPacketExtractsCodeStateAndMessage(t *testing.T) {
	payload := []byte{0xff}
	payload = appendUint16(payload, 1045)
	payload = append(payload, '#')
	payload = append(payload, "28000"...)
	payload = append(payload, "Access denied for user 'app'"...)

	err := parseErrPacket(payload)

	assert.Equal(t, uint16(1045), err.Code)
	assert.Equal(t, "28000", err.SQLState)
	assert.Equal(t, "Access denied for user 'app'", err.Message)
}

func TestParseErrPacketWithoutSQLStateMarkerDefaultsToHY000(t *testing.T) {
	payload := []byte{0xff}
	payload = appendUint16(payload, 1064)
	payload = append(payload, "syntax error near ..."...)

	err := parseErrPacket(payload)

	assert.Equal(t, uint16(1064), err.Code)
	assert.Equal(t, "HY000", err.SQLState)
	assert.Equal(t, "syntax error near ...", err.Message)
}

func TestParseErrPacketTooShortReturnsMalformedSentinel(t *testing.T) {
	err := parseErrPacket([]byte{0xff, 0x04})

	assert.Equal(t, uint16(2013), err.Code)
}

func TestExtractColumnNameSkipsFourLeadingFieldsThenReadsName(t *testing.T) {
	var buf []byte
	buf = appendLenEncStr(buf, "def")   // catalog
	buf = appendLenEncStr(buf, "app")   // schema
	buf = appendLenEncStr(buf, "users") // table
	buf = appendLenEncStr(buf, "users") // orig_table
	buf = appendLenEncStr(buf, "id")    // name

	assert.Equal(t, "id", extractColumnName(buf))
}

func TestExtractColumnNameTruncatedPayloadReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", extractColumnName([]byte{0x03, 'd', 'e'}))
}

func TestDecodeRowReadsLenEncStringsPerColumn(t *testing.T) {
	var buf []byte
	buf = appendLenEncStr(buf, "sql_mode")
	buf = appendLenEncStr(buf, "STRICT_TRANS_TABLES")

	row := decodeRow(buf, 2)

	if assert.Len(t, row, 2) {
		assert.Equal(t, "sql_mode", row[0].Text)
		assert.False(t, row[0].Null)
		assert.Equal(t, "STRICT_TRANS_TABLES", row[1].Text)
	}
}

func TestDecodeRowHandlesNullColumn(t *testing.T) {
	var buf []byte
	buf = appendLenEncStr(buf, "sql_mode")
	buf = append(buf, 0xfb) // NULL sentinel

	row := decodeRow(buf, 2)

	if assert.Len(t, row, 2) {
		assert.False(t, row[0].Null)
		assert.True(t, row[1].Null)
	}
}

func TestDecodeRowTruncatedPayloadStopsEarlyWithNullField(t *testing.T) {
	row := decodeRow(nil, 1)

	if assert.Len(t, row, 1) {
		assert.True(t, row[0].Null)
	}
}
