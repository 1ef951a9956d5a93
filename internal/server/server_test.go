package server

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiImSmiley/socketleyd/internal/connio"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

func newTestServer(t *testing.T, cfg *rt.ServerConfig) *Server {
	t.Helper()
	r := rt.New("srv", rt.KindServer)
	r.Server = cfg
	return New(r, nil, nil, nil)
}

func TestDetectProtocolLineByDefault(t *testing.T) {
	s := newTestServer(t, &rt.ServerConfig{Proto: "tcp"})
	c := &conn{Conn: *connio.New(5, "")}
	require.True(t, c.AppendRead([]byte("hello\n")))
	s.detectProtocol(c)
	assert.Equal(t, connio.ProtoLine, c.Proto)
}

type fakeCacheLink struct{}

func (fakeCacheLink) HandleLine(string, []byte) []byte              { return nil }
func (fakeCacheLink) HandleRESP(string, []byte) ([]byte, int, bool) { return nil, 0, false }
func (fakeCacheLink) Store(string, []byte)                          {}

func TestDetectProtocolRESPOnCacheLinkedServer(t *testing.T) {
	r := rt.New("srv", rt.KindServer)
	r.Server = &rt.ServerConfig{Proto: "tcp"}
	r.LinkedCache = "mycache"
	s := New(r, nil, nil, fakeCacheLink{})
	c := &conn{Conn: *connio.New(5, "")}
	require.True(t, c.AppendRead([]byte("*1\r\n$4\r\nPING\r\n")))
	s.detectProtocol(c)
	assert.Equal(t, connio.ProtoRESP, c.Proto)
}

func TestDetectProtocolStarIsLineWithoutLinkedCache(t *testing.T) {
	s := newTestServer(t, &rt.ServerConfig{Proto: "tcp"})
	c := &conn{Conn: *connio.New(5, "")}
	require.True(t, c.AppendRead([]byte("*** hello ***\n")))
	s.detectProtocol(c)
	assert.Equal(t, connio.ProtoLine, c.Proto, "a '*' first byte on an unlinked server is an ordinary line")
}

func TestDetectProtocolWebSocketUpgrade(t *testing.T) {
	s := newTestServer(t, &rt.ServerConfig{Proto: "tcp", WSEnabled: true})
	c := &conn{Conn: *connio.New(5, "")}
	req := "GET /chat HTTP/1.1\r\n" +
		"Host: example\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	require.True(t, c.AppendRead([]byte(req)))
	s.detectProtocol(c)
	assert.Equal(t, connio.ProtoWebSocket, c.Proto)
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", c.WSHeaders["sec-websocket-key"])
}

func TestDetectProtocolPlainHTTPWhenWSDisabled(t *testing.T) {
	s := newTestServer(t, &rt.ServerConfig{Proto: "tcp", StaticDir: "/tmp"})
	c := &conn{Conn: *connio.New(5, "")}
	require.True(t, c.AppendRead([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n")))
	s.detectProtocol(c)
	assert.Equal(t, connio.ProtoHTTP, c.Proto)
}

func TestMasterAuthSuccessPromotesConnection(t *testing.T) {
	s := newTestServer(t, &rt.ServerConfig{Proto: "tcp", Mode: "master", MasterKey: "sesame"})
	c := &conn{Conn: *connio.New(7, "10.0.0.1")}
	s.conns[7] = c

	s.handleUnauthenticated(7, c, []byte("master sesame"))
	assert.True(t, c.masterAuthed)
	assert.Equal(t, 7, s.masterFD)
	assert.Zero(t, s.connFailures[7])
}

func TestMasterAuthFailureCountsPerConnectionAndIP(t *testing.T) {
	s := newTestServer(t, &rt.ServerConfig{Proto: "tcp", Mode: "master", MasterKey: "sesame"})
	c := &conn{Conn: *connio.New(7, "10.0.0.1")}
	s.conns[7] = c

	s.handleUnauthenticated(7, c, []byte("master wrong"))
	s.handleUnauthenticated(7, c, []byte("master wrong"))
	assert.False(t, c.masterAuthed)
	assert.Equal(t, 2, s.connFailures[7])
	assert.Len(t, s.ipFailures["10.0.0.1"], 2)
}

func TestNonAuthLineIsNotCountedAsFailure(t *testing.T) {
	s := newTestServer(t, &rt.ServerConfig{Proto: "tcp", Mode: "master", MasterKey: "sesame"})
	c := &conn{Conn: *connio.New(7, "10.0.0.1")}
	s.conns[7] = c

	s.handleUnauthenticated(7, c, []byte("just chatting"))
	assert.Zero(t, s.connFailures[7], "a non-auth line from an unauthenticated peer is dropped, not penalized")
	assert.Empty(t, s.ipFailures["10.0.0.1"])
}

func TestIPBlockedAfterWindowedFailures(t *testing.T) {
	s := newTestServer(t, &rt.ServerConfig{Proto: "tcp"})
	now := time.Now()
	for i := 0; i < ipFailureLimit; i++ {
		s.ipFailures["10.0.0.9"] = append(s.ipFailures["10.0.0.9"], now)
	}
	assert.True(t, s.ipBlocked("10.0.0.9"))
	assert.False(t, s.ipBlocked("10.0.0.8"))
}

func TestIPFailuresExpireOutsideWindow(t *testing.T) {
	s := newTestServer(t, &rt.ServerConfig{Proto: "tcp"})
	stale := time.Now().Add(-2 * ipFailureWindow)
	for i := 0; i < ipFailureLimit; i++ {
		s.ipFailures["10.0.0.9"] = append(s.ipFailures["10.0.0.9"], stale)
	}
	assert.False(t, s.ipBlocked("10.0.0.9"), "failures outside the 60s window must not block")
}

func TestHeaderEnd(t *testing.T) {
	assert.Equal(t, 4, headerEnd([]byte("\r\n\r\nrest")))
	assert.Equal(t, -1, headerEnd([]byte("GET / HTTP/1.1\r\n")))
}

func TestInjectWSBootstrapBeforeHead(t *testing.T) {
	out := injectWSBootstrap([]byte("<html><head></head><body></body></html>"))
	assert.Contains(t, string(out), "<script>")
	assert.Less(t,
		strings.Index(string(out), "<script>"),
		strings.Index(string(out), "</head>"),
		"the bootstrap script must land before </head>")
}

func TestInjectWSBootstrapFallsBackToBody(t *testing.T) {
	out := injectWSBootstrap([]byte("<html><body></body></html>"))
	assert.Less(t,
		strings.Index(string(out), "<script>"),
		strings.Index(string(out), "</body>"))
}

func TestLooksLikeHTML(t *testing.T) {
	assert.True(t, looksLikeHTML("/index.html", nil))
	assert.True(t, looksLikeHTML("/page", []byte("<html><body>")))
	assert.False(t, looksLikeHTML("/app.js", []byte("console.log(1)")))
}

func TestIdleSweepIntervalFloor(t *testing.T) {
	assert.Equal(t, time.Second, idleSweepInterval(500*time.Millisecond))
	assert.Equal(t, 5*time.Second, idleSweepInterval(10*time.Second))
}
