package wire

import "encoding/binary"

// Response packet header bytes (MySQL protocol).
const (
	headerOK  byte = 0x00
	headerEOF byte = 0xfe
	headerErr byte = 0xff
)

// OK describes an OK_Packet payload (the packet SendAuthOk builds, spec
// §4.1 "SendAuthOk").
type OK struct {
	AffectedRows uint64
	LastInsertID uint64
	StatusFlags  uint16
	Warnings     uint16
}

// Marshal encodes the OK packet body, not including the packet header.
func (o OK) Marshal() []byte {
	buf := []byte{headerOK}
	buf = appendLenEncInt(buf, o.AffectedRows)
	buf = appendLenEncInt(buf, o.LastInsertID)
	var tail [4]byte
	binary.LittleEndian.PutUint16(tail[0:2], o.StatusFlags)
	binary.LittleEndian.PutUint16(tail[2:4], o.Warnings)
	return append(buf, tail[:]...)
}

// Err describes an ERR_Packet payload, mirroring the core's Error type
// (spec §6).
type Err struct {
	Code     uint16
	SQLState [5]byte
	Message  string
}

// Marshal encodes the ERR packet body, not including the packet header.
func (e Err) Marshal() []byte {
	buf := make([]byte, 0, 3+1+5+len(e.Message))
	buf = append(buf, headerErr)
	buf = binary.LittleEndian.AppendUint16(buf, e.Code)
	buf = append(buf, '#')
	buf = append(buf, e.SQLState[:]...)
	buf = append(buf, e.Message...)
	return buf
}

func appendLenEncInt(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfb:
		return append(buf, byte(v))
	case v <= 0xffff:
		buf = append(buf, 0xfc)
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	case v <= 0xffffff:
		buf = append(buf, 0xfd)
		return append(buf, byte(v), byte(v>>8), byte(v>>16))
	default:
		buf = append(buf, 0xfe)
		return binary.LittleEndian.AppendUint64(buf, v)
	}
}

// RowEvent is a single decoded row delivered to a Result-Stream Handler.
// Fields are textual (the handlers this repo implements only ever inspect
// ResultSet rows, never binary-protocol rows).
type RowEvent struct {
	Fields []FieldValue
}

// FieldValue is one column of a RowEvent.
type FieldValue struct {
	Null bool
	Text string
}
