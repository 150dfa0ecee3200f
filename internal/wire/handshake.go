package wire

import (
	"bytes"
	"fmt"
)

// Capability flags this router understands on the client handshake response.
// Only the bits relevant to session-preparation decisions are named; the
// rest of the wire-protocol codec is an external collaborator.
const (
	CapClientConnectWithDB     = 0x00000008
	CapClientProtocol41        = 0x00000200
	CapClientConnectAttrs      = 0x00100000
	CapClientMultiStatements   = 0x00010000
	CapClientPluginAuth        = 0x00080000
	CapClientPluginAuthLenData = 0x00200000
	CapClientSecureConnection  = 0x00008000
)

// ClientHandshakeResponse holds the fields of a parsed HandshakeResponse41
// packet that the connector needs to build its ProtocolView.
type ClientHandshakeResponse struct {
	ClientFlags     uint32
	MaxPacketSize   uint32
	CharacterSet    byte
	Username        string
	Database        string
	AuthResponse    []byte
	AuthPluginName  string
	Attributes      map[string]string
	MultiStatements bool
}

// ParseClientHandshakeResponse parses a HandshakeResponse41 payload. It
// expects CLIENT_PROTOCOL_41 to be set; older pre-4.1 handshakes are not
// supported.
func ParseClientHandshakeResponse(payload []byte) (*ClientHandshakeResponse, error) {
	if len(payload) < 32 {
		return nil, fmt.Errorf("handshake response too short: %d bytes", len(payload))
	}

	r := &ClientHandshakeResponse{
		Attributes: make(map[string]string),
	}

	r.ClientFlags = uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
	r.MaxPacketSize = uint32(payload[4]) | uint32(payload[5])<<8 | uint32(payload[6])<<16 | uint32(payload[7])<<24
	r.CharacterSet = payload[8]

	if r.ClientFlags&CapClientProtocol41 == 0 {
		return nil, fmt.Errorf("pre-4.1 handshake responses are not supported")
	}

	pos := 32 // 4+4+1+23 reserved bytes

	username, n, err := readNulString(payload, pos)
	if err != nil {
		return nil, fmt.Errorf("reading username: %w", err)
	}
	r.Username = username
	pos += n

	if r.ClientFlags&CapClientSecureConnection != 0 || r.ClientFlags&CapClientPluginAuthLenData != 0 {
		authLen, n, isNull := ReadLenEncInt(payload[pos:])
		if isNull {
			return nil, fmt.Errorf("unexpected null auth-response length")
		}
		pos += n
		end := pos + int(authLen)
		if end > len(payload) {
			return nil, fmt.Errorf("auth response overruns payload")
		}
		r.AuthResponse = append([]byte(nil), payload[pos:end]...)
		pos = end
	} else {
		authLen := int(payload[pos])
		pos++
		end := pos + authLen
		if end > len(payload) {
			return nil, fmt.Errorf("auth response overruns payload")
		}
		r.AuthResponse = append([]byte(nil), payload[pos:end]...)
		pos = end
	}

	if r.ClientFlags&CapClientConnectWithDB != 0 {
		db, n, err := readNulString(payload, pos)
		if err != nil {
			return nil, fmt.Errorf("reading database: %w", err)
		}
		r.Database = db
		pos += n
	}

	if r.ClientFlags&CapClientPluginAuth != 0 {
		plugin, n, err := readNulString(payload, pos)
		if err == nil {
			r.AuthPluginName = plugin
			pos += n
		}
	}

	if r.ClientFlags&CapClientConnectAttrs != 0 && pos < len(payload) {
		attrsLen, n, isNull := ReadLenEncInt(payload[pos:])
		if !isNull {
			pos += n
			end := pos + int(attrsLen)
			if end > len(payload) {
				end = len(payload)
			}
			attrsBuf := payload[pos:end]
			for len(attrsBuf) > 0 {
				key, isNull, keyN := ReadLenEncString(attrsBuf)
				if isNull || keyN == 0 {
					break
				}
				attrsBuf = attrsBuf[keyN:]
				val, isNull, valN := ReadLenEncString(attrsBuf)
				if isNull || valN == 0 {
					break
				}
				attrsBuf = attrsBuf[valN:]
				r.Attributes[key] = val
			}
		}
	}

	r.MultiStatements = r.ClientFlags&CapClientMultiStatements != 0

	return r, nil
}

func readNulString(buf []byte, pos int) (string, int, error) {
	if pos > len(buf) {
		return "", 0, fmt.Errorf("position %d past end of buffer (len %d)", pos, len(buf))
	}
	idx := bytes.IndexByte(buf[pos:], 0)
	if idx < 0 {
		return "", 0, fmt.Errorf("unterminated string at position %d", pos)
	}
	return string(buf[pos : pos+idx]), idx + 1, nil
}
