// Package wire implements the sliver of the MySQL client/server protocol
// the lazy connector needs directly: packet framing, and the OK/ERR/column
// tokens a result stream is built from. It does not attempt to be a full
// protocol implementation — parsing of statement results beyond what the
// three Result-Stream Handlers require is out of scope (spec §1).
//
// Reference: https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_basic_packets.html
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the size of a MySQL packet header: a 3-byte little-endian
// payload length followed by a 1-byte sequence id.
const HeaderSize = 4

// MaxPayload is the largest payload a single packet can carry before the
// protocol requires it to be split across multiple packets.
const MaxPayload = 1<<24 - 1

// Header is the 4-byte framing prefix of every MySQL packet.
type Header struct {
	Length     uint32 // payload length, 24 bits
	SequenceID byte
}

// NoPriorPacket is the sentinel sequence id meaning "no packet has been
// exchanged yet on this side" — the server-side protocol view is reset to
// this value once the connector is done (spec invariant 5).
const NoPriorPacket byte = 0xFF

// Marshal serializes the header into 4 bytes.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Length)
	buf[1] = byte(h.Length >> 8)
	buf[2] = byte(h.Length >> 16)
	buf[3] = h.SequenceID
	return buf
}

// ParseHeader decodes a 4-byte buffer into a Header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: header too short: %d bytes", len(buf))
	}
	length := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
	return Header{Length: length, SequenceID: buf[3]}, nil
}

// ReadPacket reads one framed packet (header + payload) from r.
func ReadPacket(r io.Reader) (Header, []byte, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Header{}, nil, fmt.Errorf("reading packet header: %w", err)
	}
	h, err := ParseHeader(hdr)
	if err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Header{}, nil, fmt.Errorf("reading packet payload (%d bytes): %w", h.Length, err)
		}
	}
	return h, payload, nil
}

// WritePacket frames payload (splitting across multiple packets if it
// exceeds MaxPayload) and writes it to w with sequential sequence ids
// starting at seq. Returns the next unused sequence id.
func WritePacket(w io.Writer, payload []byte, seq byte) (byte, error) {
	for {
		chunk := payload
		if len(chunk) > MaxPayload {
			chunk = payload[:MaxPayload]
		}
		hdr := Header{Length: uint32(len(chunk)), SequenceID: seq}
		if _, err := w.Write(hdr.Marshal()); err != nil {
			return seq, fmt.Errorf("writing packet header: %w", err)
		}
		if len(chunk) > 0 {
			if _, err := w.Write(chunk); err != nil {
				return seq, fmt.Errorf("writing packet payload: %w", err)
			}
		}
		seq++
		payload = payload[len(chunk):]
		if len(chunk) < MaxPayload {
			return seq, nil
		}
	}
}

// ── Length-encoded primitives (MySQL "lenenc") ──────────────────────────

// ReadLenEncInt decodes a length-encoded integer at the start of buf,
// returning its value and the number of bytes consumed.
func ReadLenEncInt(buf []byte) (val uint64, n int, isNull bool) {
	if len(buf) == 0 {
		return 0, 0, false
	}
	switch first := buf[0]; {
	case first < 0xfb:
		return uint64(first), 1, false
	case first == 0xfb:
		return 0, 1, true
	case first == 0xfc:
		if len(buf) < 3 {
			return 0, 0, false
		}
		return uint64(binary.LittleEndian.Uint16(buf[1:3])), 3, false
	case first == 0xfd:
		if len(buf) < 4 {
			return 0, 0, false
		}
		return uint64(buf[1]) | uint64(buf[2])<<8 | uint64(buf[3])<<16, 4, false
	case first == 0xfe:
		if len(buf) < 9 {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint64(buf[1:9]), 9, false
	default:
		return 0, 1, false
	}
}

// ReadLenEncString decodes a length-encoded string at the start of buf,
// returning its value, whether it was NULL, and the number of bytes
// consumed.
func ReadLenEncString(buf []byte) (s string, isNull bool, n int) {
	length, hdrLen, null := ReadLenEncInt(buf)
	if hdrLen == 0 {
		return "", false, 0
	}
	if null {
		return "", true, hdrLen
	}
	total := hdrLen + int(length)
	if total > len(buf) {
		return "", false, 0
	}
	return string(buf[hdrLen:total]), false, total
}
