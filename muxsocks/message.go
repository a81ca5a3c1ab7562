package muxsocks

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ProtocolVersion is the first byte of every frame.
const ProtocolVersion = 0x01

// Frame type bytes.
const (
	BinaryTypeAuth              = 0x01
	BinaryTypeAuthResponse      = 0x02
	BinaryTypeConnect           = 0x03
	BinaryTypeConnectResponse   = 0x04
	BinaryTypeData              = 0x05
	BinaryTypeDisconnect        = 0x06
	BinaryTypeConnector         = 0x07
	BinaryTypeConnectorResponse = 0x08
)

// Message type names used for logging and dispatch.
const (
	TypeAuth              = "auth"
	TypeAuthResponse      = "auth_response"
	TypeConnect           = "connect"
	TypeConnectResponse   = "connect_response"
	TypeData              = "data"
	TypeDisconnect        = "disconnect"
	TypeConnector         = "connector"
	TypeConnectorResponse = "connector_response"
)

// Protocol bytes for Connect and Data frames.
const (
	binaryProtocolTCP = 0x01
	binaryProtocolUDP = 0x02
)

// Compression flags for Data frames.
const (
	DataCompressionNone = 0x00
	DataCompressionGzip = 0x01
)

// DefaultCompressionThreshold is the payload size at or above which the encoder
// switches a Data frame to gzip.
const DefaultCompressionThreshold = 512 * 1024

// frameDataSafetyFactor scales the configured buffer size into the largest
// Data payload the decoder accepts. Peers must agree on buffer size for
// frames near the ceiling to interoperate.
const frameDataSafetyFactor = 8

// BaseMessage defines the common interface for all message types
type BaseMessage interface {
	GetType() string
}

// AuthMessage represents an authentication request
type AuthMessage struct {
	Token    string
	Reverse  bool
	Instance uuid.UUID
}

func (m AuthMessage) GetType() string {
	return TypeAuth
}

// AuthResponseMessage represents an authentication response
type AuthResponseMessage struct {
	Success bool
	Error   string
}

func (m AuthResponseMessage) GetType() string {
	return TypeAuthResponse
}

// ConnectMessage represents a channel open request. Address and Port are
// only meaningful for tcp; a udp channel binds a relay socket instead.
type ConnectMessage struct {
	Protocol  string
	ChannelID uuid.UUID
	Address   string
	Port      int
}

func (m ConnectMessage) GetType() string {
	return TypeConnect
}

// ConnectResponseMessage reports the outcome of a ConnectMessage.
type ConnectResponseMessage struct {
	Success   bool
	ChannelID uuid.UUID
	Error     string
}

func (m ConnectResponseMessage) GetType() string {
	return TypeConnectResponse
}

// DataMessage carries channel payload. For udp frames Address and Port hold
// the datagram target (initiator to responder) or origin (responder to
// initiator); an empty address reuses the association's current peer.
type DataMessage struct {
	Protocol    string
	ChannelID   uuid.UUID
	Compression byte
	Data        []byte
	Address     string
	Port        int
}

func (m DataMessage) GetType() string {
	return TypeData
}

// DisconnectMessage tears down a channel.
type DisconnectMessage struct {
	ChannelID uuid.UUID
	Error     string
}

func (m DisconnectMessage) GetType() string {
	return TypeDisconnect
}

// ConnectorMessage is a connector-token management command from a provider
// authenticated under an autonomy reverse token.
type ConnectorMessage struct {
	ChannelID      uuid.UUID
	Operation      string // "add" or "remove"
	ConnectorToken string
}

func (m ConnectorMessage) GetType() string {
	return TypeConnector
}

// ConnectorResponseMessage reports the outcome of a ConnectorMessage.
type ConnectorResponseMessage struct {
	Success        bool
	ChannelID      uuid.UUID
	ConnectorToken string
	Error          string
}

func (m ConnectorResponseMessage) GetType() string {
	return TypeConnectorResponse
}

const (
	connectorOpAdd    = 0x01
	connectorOpRemove = 0x02
)

func packProtocol(protocol string) (byte, error) {
	switch protocol {
	case "tcp":
		return binaryProtocolTCP, nil
	case "udp":
		return binaryProtocolUDP, nil
	default:
		return 0, fmt.Errorf("unknown protocol: %s", protocol)
	}
}

func parseProtocol(b byte) (string, error) {
	switch b {
	case binaryProtocolTCP:
		return "tcp", nil
	case binaryProtocolUDP:
		return "udp", nil
	default:
		return "", fmt.Errorf("%w: unknown protocol byte 0x%02x", ErrProtocol, b)
	}
}

// frameReader consumes a frame body with bounds checking. Every length
// declared on the wire is validated against the remaining buffer before any
// allocation happens.
type frameReader struct {
	buf []byte
	off int
}

func (r *frameReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *frameReader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("%w: frame truncated", ErrProtocol)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *frameReader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w: declared length %d exceeds remaining %d bytes", ErrProtocol, n, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *frameReader) uuid() (uuid.UUID, error) {
	b, err := r.take(16)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return id, nil
}

func (r *frameReader) shortString() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *frameReader) port() (int, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(b)), nil
}

func (r *frameReader) uint32be() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func appendShortString(buf []byte, s string) ([]byte, error) {
	if len(s) > 255 {
		return nil, fmt.Errorf("string too long for frame: %d bytes", len(s))
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...), nil
}

func appendPort(buf []byte, port int) []byte {
	return binary.BigEndian.AppendUint16(buf, uint16(port))
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: bad gzip payload: %v", ErrProtocol, err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip payload: %v", ErrProtocol, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: decompressed payload exceeds %d bytes", ErrProtocol, limit)
	}
	return out, nil
}

// PackMessage serializes a message into its binary frame. Data payloads at
// or above DefaultCompressionThreshold are always gzipped; smaller payloads
// keep whatever compression flag the relay chose.
func PackMessage(msg BaseMessage) ([]byte, error) {
	switch m := msg.(type) {
	case AuthMessage:
		buf := make([]byte, 0, 2+1+len(m.Token)+1+16)
		buf = append(buf, ProtocolVersion, BinaryTypeAuth)
		var err error
		if buf, err = appendShortString(buf, m.Token); err != nil {
			return nil, err
		}
		if m.Reverse {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		return append(buf, m.Instance[:]...), nil

	case AuthResponseMessage:
		buf := []byte{ProtocolVersion, BinaryTypeAuthResponse}
		return appendSuccessError(buf, m.Success, m.Error)

	case ConnectMessage:
		proto, err := packProtocol(m.Protocol)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 0, 2+1+16+1+len(m.Address)+2)
		buf = append(buf, ProtocolVersion, BinaryTypeConnect, proto)
		buf = append(buf, m.ChannelID[:]...)
		if m.Protocol == "tcp" {
			if buf, err = appendShortString(buf, m.Address); err != nil {
				return nil, err
			}
			buf = appendPort(buf, m.Port)
		}
		return buf, nil

	case ConnectResponseMessage:
		buf := make([]byte, 0, 2+1+16+1+len(m.Error))
		buf = append(buf, ProtocolVersion, BinaryTypeConnectResponse)
		if m.Success {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = append(buf, m.ChannelID[:]...)
		if !m.Success {
			var err error
			if buf, err = appendShortString(buf, m.Error); err != nil {
				return nil, err
			}
		}
		return buf, nil

	case DisconnectMessage:
		buf := make([]byte, 0, 2+16+1+len(m.Error))
		buf = append(buf, ProtocolVersion, BinaryTypeDisconnect)
		buf = append(buf, m.ChannelID[:]...)
		if m.Error != "" {
			var err error
			if buf, err = appendShortString(buf, m.Error); err != nil {
				return nil, err
			}
		}
		return buf, nil

	case DataMessage:
		proto, err := packProtocol(m.Protocol)
		if err != nil {
			return nil, err
		}
		data := m.Data
		compression := m.Compression
		if len(data) >= DefaultCompressionThreshold {
			compression = DataCompressionGzip
		}
		if compression == DataCompressionGzip {
			if data, err = gzipCompress(data); err != nil {
				return nil, err
			}
		}
		buf := make([]byte, 0, 2+1+16+1+4+len(data)+1+len(m.Address)+2)
		buf = append(buf, ProtocolVersion, BinaryTypeData, proto)
		buf = append(buf, m.ChannelID[:]...)
		buf = append(buf, compression)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
		buf = append(buf, data...)
		if m.Protocol == "udp" {
			if buf, err = appendShortString(buf, m.Address); err != nil {
				return nil, err
			}
			buf = appendPort(buf, m.Port)
		}
		return buf, nil

	case ConnectorMessage:
		var op byte
		switch m.Operation {
		case "add":
			op = connectorOpAdd
		case "remove":
			op = connectorOpRemove
		default:
			return nil, fmt.Errorf("unknown connector operation: %s", m.Operation)
		}
		buf := make([]byte, 0, 2+16+1+1+len(m.ConnectorToken))
		buf = append(buf, ProtocolVersion, BinaryTypeConnector)
		buf = append(buf, m.ChannelID[:]...)
		buf = append(buf, op)
		return appendShortString(buf, m.ConnectorToken)

	case ConnectorResponseMessage:
		buf := make([]byte, 0, 2+1+16+2+len(m.ConnectorToken)+len(m.Error))
		buf = append(buf, ProtocolVersion, BinaryTypeConnectorResponse)
		if m.Success {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = append(buf, m.ChannelID[:]...)
		var err error
		if buf, err = appendShortString(buf, m.ConnectorToken); err != nil {
			return nil, err
		}
		return appendShortString(buf, m.Error)

	default:
		return nil, fmt.Errorf("cannot pack message type: %s", msg.GetType())
	}
}

func appendSuccessError(buf []byte, success bool, errStr string) ([]byte, error) {
	if success {
		return append(buf, 1), nil
	}
	buf = append(buf, 0)
	return appendShortString(buf, errStr)
}

// ParseMessage decodes a binary frame with the default Data payload
// ceiling of frameDataSafetyFactor times DefaultBufferSize.
func ParseMessage(data []byte) (BaseMessage, error) {
	return ParseMessageWithLimit(data, DefaultBufferSize*frameDataSafetyFactor)
}

// ParseMessageWithLimit decodes a binary frame into its message. A
// malformed frame, an unknown type byte, a length field that overruns the
// buffer, or a Data payload declared beyond maxDataLen returns an error
// wrapping ErrProtocol; the peer session treats that as fatal. A raw
// payload allocation never exceeds maxDataLen; a gzip payload may inflate
// up to MaxWebSocketMessageSize.
func ParseMessageWithLimit(data []byte, maxDataLen int) (BaseMessage, error) {
	if maxDataLen <= 0 {
		maxDataLen = DefaultBufferSize * frameDataSafetyFactor
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: frame too short", ErrProtocol)
	}
	if data[0] != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported version 0x%02x", ErrProtocol, data[0])
	}
	r := &frameReader{buf: data, off: 2}

	switch data[1] {
	case BinaryTypeAuth:
		token, err := r.shortString()
		if err != nil {
			return nil, err
		}
		rev, err := r.byte()
		if err != nil {
			return nil, err
		}
		instance, err := r.uuid()
		if err != nil {
			return nil, err
		}
		return AuthMessage{Token: token, Reverse: rev == 1, Instance: instance}, nil

	case BinaryTypeAuthResponse:
		success, errStr, err := parseSuccessError(r)
		if err != nil {
			return nil, err
		}
		return AuthResponseMessage{Success: success, Error: errStr}, nil

	case BinaryTypeConnect:
		protoByte, err := r.byte()
		if err != nil {
			return nil, err
		}
		protocol, err := parseProtocol(protoByte)
		if err != nil {
			return nil, err
		}
		id, err := r.uuid()
		if err != nil {
			return nil, err
		}
		msg := ConnectMessage{Protocol: protocol, ChannelID: id}
		if protocol == "tcp" {
			if msg.Address, err = r.shortString(); err != nil {
				return nil, err
			}
			if msg.Port, err = r.port(); err != nil {
				return nil, err
			}
		}
		return msg, nil

	case BinaryTypeConnectResponse:
		successByte, err := r.byte()
		if err != nil {
			return nil, err
		}
		id, err := r.uuid()
		if err != nil {
			return nil, err
		}
		msg := ConnectResponseMessage{Success: successByte == 1, ChannelID: id}
		if !msg.Success {
			if msg.Error, err = r.shortString(); err != nil {
				return nil, err
			}
		}
		return msg, nil

	case BinaryTypeDisconnect:
		id, err := r.uuid()
		if err != nil {
			return nil, err
		}
		msg := DisconnectMessage{ChannelID: id}
		if r.remaining() > 0 {
			if msg.Error, err = r.shortString(); err != nil {
				return nil, err
			}
		}
		return msg, nil

	case BinaryTypeData:
		protoByte, err := r.byte()
		if err != nil {
			return nil, err
		}
		protocol, err := parseProtocol(protoByte)
		if err != nil {
			return nil, err
		}
		id, err := r.uuid()
		if err != nil {
			return nil, err
		}
		compression, err := r.byte()
		if err != nil {
			return nil, err
		}
		dataLen, err := r.uint32be()
		if err != nil {
			return nil, err
		}
		if maxDataLen > 0 && dataLen > uint32(maxDataLen) {
			return nil, fmt.Errorf("%w: data length %d exceeds limit %d", ErrProtocol, dataLen, maxDataLen)
		}
		payload, err := r.take(int(dataLen))
		if err != nil {
			return nil, err
		}
		switch compression {
		case DataCompressionNone:
			payload = append([]byte(nil), payload...)
		case DataCompressionGzip:
			// Expansion is bounded by the transport read limit, not the
			// wire-length cap: compressed frames legitimately inflate past
			// it.
			if payload, err = gzipDecompress(payload, MaxWebSocketMessageSize); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unknown compression 0x%02x", ErrProtocol, compression)
		}
		msg := DataMessage{Protocol: protocol, ChannelID: id, Compression: compression, Data: payload}
		if protocol == "udp" {
			if msg.Address, err = r.shortString(); err != nil {
				return nil, err
			}
			if msg.Port, err = r.port(); err != nil {
				return nil, err
			}
		}
		return msg, nil

	case BinaryTypeConnector:
		id, err := r.uuid()
		if err != nil {
			return nil, err
		}
		opByte, err := r.byte()
		if err != nil {
			return nil, err
		}
		var op string
		switch opByte {
		case connectorOpAdd:
			op = "add"
		case connectorOpRemove:
			op = "remove"
		default:
			return nil, fmt.Errorf("%w: unknown connector operation 0x%02x", ErrProtocol, opByte)
		}
		token, err := r.shortString()
		if err != nil {
			return nil, err
		}
		return ConnectorMessage{ChannelID: id, Operation: op, ConnectorToken: token}, nil

	case BinaryTypeConnectorResponse:
		successByte, err := r.byte()
		if err != nil {
			return nil, err
		}
		id, err := r.uuid()
		if err != nil {
			return nil, err
		}
		token, err := r.shortString()
		if err != nil {
			return nil, err
		}
		errStr, err := r.shortString()
		if err != nil {
			return nil, err
		}
		return ConnectorResponseMessage{Success: successByte == 1, ChannelID: id, ConnectorToken: token, Error: errStr}, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrProtocol, data[1])
	}
}

func parseSuccessError(r *frameReader) (bool, string, error) {
	successByte, err := r.byte()
	if err != nil {
		return false, "", err
	}
	if successByte == 1 {
		return true, "", nil
	}
	errStr, err := r.shortString()
	if err != nil {
		return false, "", err
	}
	return false, errStr, nil
}
