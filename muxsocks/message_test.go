package muxsocks

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, msg BaseMessage) BaseMessage {
	data, err := PackMessage(msg)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 2)
	assert.Equal(t, byte(ProtocolVersion), data[0])

	parsed, err := ParseMessage(data)
	require.NoError(t, err)
	return parsed
}

func TestAuthMessageRoundTrip(t *testing.T) {
	instance := uuid.New()
	parsed := roundTrip(t, AuthMessage{Token: "secret-token", Reverse: true, Instance: instance})

	authMsg, ok := parsed.(AuthMessage)
	require.True(t, ok)
	assert.Equal(t, "secret-token", authMsg.Token)
	assert.True(t, authMsg.Reverse)
	assert.Equal(t, instance, authMsg.Instance)
}

func TestAuthResponseRoundTrip(t *testing.T) {
	parsed := roundTrip(t, AuthResponseMessage{Success: false, Error: "invalid token"})
	resp, ok := parsed.(AuthResponseMessage)
	require.True(t, ok)
	assert.False(t, resp.Success)
	assert.Equal(t, "invalid token", resp.Error)

	parsed = roundTrip(t, AuthResponseMessage{Success: true})
	resp, ok = parsed.(AuthResponseMessage)
	require.True(t, ok)
	assert.True(t, resp.Success)
	assert.Empty(t, resp.Error)
}

func TestConnectMessageRoundTrip(t *testing.T) {
	id := uuid.New()

	parsed := roundTrip(t, ConnectMessage{Protocol: "tcp", ChannelID: id, Address: "example.com", Port: 443})
	connect, ok := parsed.(ConnectMessage)
	require.True(t, ok)
	assert.Equal(t, "tcp", connect.Protocol)
	assert.Equal(t, id, connect.ChannelID)
	assert.Equal(t, "example.com", connect.Address)
	assert.Equal(t, 443, connect.Port)

	// udp connect carries no address tail
	parsed = roundTrip(t, ConnectMessage{Protocol: "udp", ChannelID: id})
	connect, ok = parsed.(ConnectMessage)
	require.True(t, ok)
	assert.Equal(t, "udp", connect.Protocol)
	assert.Empty(t, connect.Address)
}

func TestDataMessageRoundTrip(t *testing.T) {
	id := uuid.New()
	payload := []byte("hello channel")

	parsed := roundTrip(t, DataMessage{Protocol: "tcp", ChannelID: id, Data: payload})
	data, ok := parsed.(DataMessage)
	require.True(t, ok)
	assert.Equal(t, payload, data.Data)
	assert.Equal(t, id, data.ChannelID)
}

func TestDataMessageUDPAddressTail(t *testing.T) {
	id := uuid.New()

	parsed := roundTrip(t, DataMessage{
		Protocol:  "udp",
		ChannelID: id,
		Data:      []byte("dgram"),
		Address:   "203.0.113.5",
		Port:      53,
	})
	data, ok := parsed.(DataMessage)
	require.True(t, ok)
	assert.Equal(t, "203.0.113.5", data.Address)
	assert.Equal(t, 53, data.Port)

	// empty address means "reuse the association's current peer"
	parsed = roundTrip(t, DataMessage{Protocol: "udp", ChannelID: id, Data: []byte("x")})
	data, ok = parsed.(DataMessage)
	require.True(t, ok)
	assert.Empty(t, data.Address)
}

func TestDataMessageGzip(t *testing.T) {
	id := uuid.New()
	payload := bytes.Repeat([]byte{0xAB}, 4096)

	packed, err := PackMessage(DataMessage{
		Protocol:    "tcp",
		ChannelID:   id,
		Compression: DataCompressionGzip,
		Data:        payload,
	})
	require.NoError(t, err)
	// 4 KiB of a single byte compresses well below its raw size
	assert.Less(t, len(packed), len(payload))

	parsed, err := ParseMessage(packed)
	require.NoError(t, err)
	data, ok := parsed.(DataMessage)
	require.True(t, ok)
	assert.Equal(t, payload, data.Data)
}

func TestDataMessageCompressionThreshold(t *testing.T) {
	id := uuid.New()
	payload := bytes.Repeat([]byte{0x42}, DefaultCompressionThreshold)

	// Payloads at the threshold are gzipped regardless of the flag
	packed, err := PackMessage(DataMessage{Protocol: "tcp", ChannelID: id, Data: payload})
	require.NoError(t, err)
	assert.Less(t, len(packed), len(payload)/2)

	parsed, err := ParseMessage(packed)
	require.NoError(t, err)
	data, ok := parsed.(DataMessage)
	require.True(t, ok)
	assert.Equal(t, payload, data.Data)
}

func TestDisconnectMessageRoundTrip(t *testing.T) {
	id := uuid.New()

	parsed := roundTrip(t, DisconnectMessage{ChannelID: id})
	disconnect, ok := parsed.(DisconnectMessage)
	require.True(t, ok)
	assert.Equal(t, id, disconnect.ChannelID)

	parsed = roundTrip(t, DisconnectMessage{ChannelID: id, Error: "inbox overflow"})
	disconnect, ok = parsed.(DisconnectMessage)
	require.True(t, ok)
	assert.Equal(t, "inbox overflow", disconnect.Error)
}

func TestConnectorMessageRoundTrip(t *testing.T) {
	id := uuid.New()

	parsed := roundTrip(t, ConnectorMessage{ChannelID: id, Operation: "add", ConnectorToken: "ctok"})
	connector, ok := parsed.(ConnectorMessage)
	require.True(t, ok)
	assert.Equal(t, "add", connector.Operation)
	assert.Equal(t, "ctok", connector.ConnectorToken)

	parsed = roundTrip(t, ConnectorResponseMessage{Success: true, ChannelID: id, ConnectorToken: "ctok"})
	resp, ok := parsed.(ConnectorResponseMessage)
	require.True(t, ok)
	assert.True(t, resp.Success)
	assert.Equal(t, "ctok", resp.ConnectorToken)
}

func TestParseMessageRejectsMalformedFrames(t *testing.T) {
	cases := map[string][]byte{
		"empty":             {},
		"version only":      {ProtocolVersion},
		"bad version":       {0x7F, BinaryTypeAuth, 0x00},
		"unknown type":      {ProtocolVersion, 0xEE},
		"truncated auth":    {ProtocolVersion, BinaryTypeAuth, 0x05, 'a', 'b'},
		"truncated connect": {ProtocolVersion, BinaryTypeConnect, binaryProtocolTCP, 1, 2, 3},
		"bad protocol":      {ProtocolVersion, BinaryTypeConnect, 0x09},
	}

	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMessage(frame)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestParseMessageRejectsOversizedDataLen(t *testing.T) {
	id := uuid.New()

	// A valid frame whose DataLen is inflated past the actual payload.
	packed, err := PackMessage(DataMessage{Protocol: "tcp", ChannelID: id, Data: []byte("abc")})
	require.NoError(t, err)

	// DataLen sits after version, type, protocol, channel id and
	// compression byte.
	lenOffset := 2 + 1 + 16 + 1
	packed[lenOffset] = 0xFF
	packed[lenOffset+1] = 0xFF
	packed[lenOffset+2] = 0xFF
	packed[lenOffset+3] = 0xFF

	_, err = ParseMessage(packed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestParseMessageWithLimitCapsDataLen(t *testing.T) {
	id := uuid.New()

	// A frame whose payload is well-formed but larger than the configured
	// ceiling is refused before allocation.
	packed, err := PackMessage(DataMessage{Protocol: "tcp", ChannelID: id, Data: make([]byte, 1024)})
	require.NoError(t, err)

	_, err = ParseMessageWithLimit(packed, 512)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)

	parsed, err := ParseMessageWithLimit(packed, 2048)
	require.NoError(t, err)
	data, ok := parsed.(DataMessage)
	require.True(t, ok)
	assert.Len(t, data.Data, 1024)
}

func TestParseMessageRejectsBadGzip(t *testing.T) {
	id := uuid.New()

	packed, err := PackMessage(DataMessage{Protocol: "tcp", ChannelID: id, Data: []byte("abcdef")})
	require.NoError(t, err)
	// Claim gzip without actually compressing
	packed[2+1+16] = DataCompressionGzip

	_, err = ParseMessage(packed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}
