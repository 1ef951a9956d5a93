package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSAcceptKeyMatchesRFC6455Example(t *testing.T) {
	// The canonical example from RFC 6455 §1.3.
	got := wsAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func TestParseHTTPUpgradeRequestIncomplete(t *testing.T) {
	_, ok, err := parseHTTPUpgradeRequest([]byte("GET / HTTP/1.1\r\nHost: x"))
	require.NoError(t, err)
	assert.False(t, ok, "expected ok=false for a header block without a terminating blank line")
}

func TestParseHTTPUpgradeRequestComplete(t *testing.T) {
	raw := "GET /chat HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\n" +
		"Connection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	headers, ok, err := parseHTTPUpgradeRequest([]byte(raw))
	require.NoError(t, err)
	require.True(t, ok, "expected ok=true for a complete header block")
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", headers["sec-websocket-key"])
	assert.True(t, isWebSocketUpgrade(headers))
}

func TestIsWebSocketUpgradeRejectsPlainHTTP(t *testing.T) {
	headers := map[string]string{":request-line": "GET / HTTP/1.1"}
	assert.False(t, isWebSocketUpgrade(headers), "a plain GET request should not be recognized as a WS upgrade")
}

func TestBuildWSHandshakeResponseContainsAccept(t *testing.T) {
	resp := string(buildWSHandshakeResponse("dGhlIHNhbXBsZSBub25jZQ=="))
	assert.Contains(t, resp, "101 Switching Protocols")
	assert.Contains(t, resp, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
}

func TestEncodeAndParseWSFrameRoundTrip(t *testing.T) {
	payload := []byte("hello websocket")
	encoded := encodeWSFrame(wsOpText, payload)

	frame, consumed, ok, err := parseWSFrame(encoded)
	require.NoError(t, err)
	require.True(t, ok, "expected a complete frame to parse")
	assert.Equal(t, len(encoded), consumed)
	assert.Equal(t, wsOpText, frame.Opcode)
	assert.True(t, frame.Fin)
	assert.Equal(t, string(payload), string(frame.Payload))
}

func TestParseWSFrameIncomplete(t *testing.T) {
	encoded := encodeWSFrame(wsOpText, []byte("hello"))
	_, _, ok, err := parseWSFrame(encoded[:len(encoded)-2])
	require.NoError(t, err)
	assert.False(t, ok, "expected ok=false when the frame is truncated")
}

func TestParseWSFrameUnmasksClientPayload(t *testing.T) {
	// A masked client->server frame: opcode text, payload "hi", mask 0x01020304.
	maskKey := []byte{0x01, 0x02, 0x03, 0x04}
	payload := []byte("hi")
	masked := make([]byte, len(payload))
	for i := range payload {
		masked[i] = payload[i] ^ maskKey[i%4]
	}
	frameBytes := append([]byte{0x81, 0x80 | byte(len(payload))}, maskKey...)
	frameBytes = append(frameBytes, masked...)

	frame, consumed, ok, err := parseWSFrame(frameBytes)
	require.NoError(t, err)
	require.True(t, ok, "expected a complete masked frame to parse")
	assert.Equal(t, len(frameBytes), consumed)
	assert.Equal(t, "hi", string(frame.Payload))
}
