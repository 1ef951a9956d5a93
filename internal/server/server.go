// Package server implements the server engine (spec §4.4): TCP/UDP
// listeners, per-connection protocol auto-detection (line / HTTP-upgrade
// / WebSocket / RESP), static file serving, and master-auth gating.
// Listener setup and the accept/read/write completion wiring follow the
// teacher's queue.Runner submit-then-confirm discipline (internal/queue/
// runner.go) generalized from a single URING_CMD fetch/commit cycle to
// the ordinary multishot-accept / provided-buffer-recv / writev cycle
// the completion engine exposes.
package server

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/HiImSmiley/socketleyd/internal/clientrt"
	"github.com/HiImSmiley/socketleyd/internal/connio"
	"github.com/HiImSmiley/socketleyd/internal/engine"
	"github.com/HiImSmiley/socketleyd/internal/errs"
	"github.com/HiImSmiley/socketleyd/internal/logging"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

// CacheLink is the narrow interface the server engine uses to reach a
// linked cache runtime (spec §4.7's linked-cache protocol) without a
// direct import of the cache package: HandleLine executes a "cache "
// prefixed line and renders the reply in line format, HandleRESP serves
// RESP-framed connections, and Store records a message under the
// cache's monotonic key.
type CacheLink interface {
	HandleLine(name string, line []byte) []byte
	// HandleRESP decodes one RESP command from the front of buf,
	// executes it, and returns the RESP-encoded reply plus the bytes
	// consumed. ok=false means buf does not yet hold a complete
	// command; consumed < 0 means the framing is malformed.
	HandleRESP(name string, buf []byte) (reply []byte, consumed int, ok bool)
	Store(name string, line []byte)
}

// Router forwards a routed connection's messages to a sub-server
// runtime by name (spec §4.4; the two name-keyed maps resolution of the
// source's pointer cycle, see spec §9). Implemented by the daemon,
// which owns the name→engine tables.
type Router interface {
	Forward(target string, line []byte) bool
}

// MessageHook receives every message a server dispatches, in every mode,
// before the per-mode broadcast step (spec §4.4's dispatch table: "deliver
// to hook" is the external collaborator's slot, never a blocking call
// per spec §9's hook contract).
type MessageHook func(fd int, peer string, line []byte)

// Server runs one server-kind runtime's listener and connection set.
type Server struct {
	Runtime *rt.Runtime
	loop    *engine.Loop
	log     *logging.Logger
	cache   CacheLink
	hook    MessageHook
	router  Router

	// AuthHook, if set, runs at accept time and may reject the
	// connection; ConnectHook runs after a connection is admitted
	// (spec §4.4 step 1's on-auth / on-connect hook slots).
	AuthHook    func(fd int, peer string) bool
	ConnectHook func(fd int, peer string)

	listenFD int
	udpMsg   *engine.Msghdr // UDP mode only: the single in-flight recvmsg

	staticCache map[string][]byte // URL path -> file bytes, built at Start for static serving

	upstreams []*clientrt.Client

	mu      sync.Mutex
	conns   map[int]*conn
	udpPeer *udpTable // UDP mode only: bounded peer table
	stopped bool

	ipFailures   map[string][]time.Time
	connFailures map[int]int
	masterFD     int // fd of the currently-authenticated master connection, -1 if none

	globalBucket connio.TokenBucket

	sinks map[int]func([]byte) // attached interactive control-channel sessions
}

type conn struct {
	connio.Conn
	masterAuthed bool

	// WS fragment reassembly (spec §4.4: "Fragments concatenate").
	wsFragments  []byte
	wsFragOpcode wsOpcode
}

// New creates a Server for runtime r, bound to loop's completion engine.
func New(r *rt.Runtime, loop *engine.Loop, log *logging.Logger, cache CacheLink) *Server {
	return &Server{
		Runtime: r, loop: loop, log: log, cache: cache,
		conns:        make(map[int]*conn),
		ipFailures:   make(map[string][]time.Time),
		connFailures: make(map[int]int),
		masterFD:     -1,
		sinks:        make(map[int]func([]byte)),
	}
}

// SetMessageHook registers the external collaborator invoked for every
// dispatched message (spec §4.4/§9). Nil disables hook delivery.
func (s *Server) SetMessageHook(h MessageHook) {
	s.hook = h
}

// SetRouter registers the name-keyed forwarder used when RouteTo is
// configured. Nil disables routing.
func (s *Server) SetRouter(r Router) {
	s.router = r
}

// Attach registers an interactive control-channel session (spec §4.8):
// every line this server broadcasts is mirrored to sink, and sessionFD
// identifies the session for Detach.
func (s *Server) Attach(sessionFD int, sink func([]byte)) {
	s.mu.Lock()
	s.sinks[sessionFD] = sink
	s.mu.Unlock()
}

// Detach removes a previously attached interactive session.
func (s *Server) Detach(sessionFD int) {
	s.mu.Lock()
	delete(s.sinks, sessionFD)
	s.mu.Unlock()
}

// Broadcast delivers line to every connected client as if it had been
// sent by the runtime itself, the "forward interactive input as a
// broadcast" behavior spec §4.8 requires for a server's `-i` session.
func (s *Server) Broadcast(line []byte) {
	s.broadcastExcept(-1, line)
}

// Start binds the listener and arms a multishot accept (TCP) or a
// single recvmsg (UDP), per spec §4.4.
func (s *Server) Start() error {
	cfg := s.Runtime.Server
	if cfg == nil {
		return errs.New("server.Start", errs.CodeInvalidArgument, "runtime has no server config")
	}

	if cfg.GlobalRateLimit > 0 {
		s.globalBucket.Configure(cfg.GlobalRateLimit, cfg.GlobalRateBurst)
	}
	if cfg.StaticDir != "" {
		s.buildStaticCache(cfg.StaticDir)
	}

	proto := unix.SOCK_STREAM
	if cfg.Proto == "udp" {
		proto = unix.SOCK_DGRAM
		s.udpPeer = newUDPTable()
	}

	fd, err := unix.Socket(unix.AF_INET, proto, 0)
	if err != nil {
		return errs.Wrap("server.Start", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	if proto == unix.SOCK_STREAM {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}

	host, portStr, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return errs.Wrap("server.Start", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errs.Wrap("server.Start", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	if host != "" && host != "0.0.0.0" {
		ip := net.ParseIP(host).To4()
		if ip != nil {
			copy(sa.Addr[:], ip)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return errs.Wrap("server.Start", err)
	}
	if proto == unix.SOCK_STREAM {
		if err := unix.Listen(fd, 1024); err != nil {
			unix.Close(fd)
			return errs.Wrap("server.Start", err)
		}
	}
	s.listenFD = fd

	if proto == unix.SOCK_STREAM {
		s.loop.SubmitMultishotAccept(fd, s)
	} else {
		s.udpMsg = engine.NewMsghdr(64 * 1024)
		s.loop.SubmitRecvmsg(fd, s.udpMsg, s)
	}

	if cfg.IdleTimeout > 0 {
		s.loop.SubmitTimeout(idleSweepInterval(cfg.IdleTimeout), idleTick{s})
	}
	s.startUpstreams()
	return nil
}

func idleSweepInterval(idle time.Duration) time.Duration {
	interval := idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

type idleTick struct{ s *Server }

func (t idleTick) OnCompletion(engine.OpKind, int, int32, uint32, []byte) {
	s := t.s
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.sweepIdle()
	s.loop.SubmitTimeout(idleSweepInterval(s.Runtime.Server.IdleTimeout), t)
}

// sweepIdle closes connections whose last activity predates the idle
// timeout (spec §3.3's last-activity timestamp, spec §3.2's idle
// timeout ceiling).
func (s *Server) sweepIdle() {
	cutoff := time.Now().Add(-s.Runtime.Server.IdleTimeout)
	s.mu.Lock()
	var idle []int
	for fd, c := range s.conns {
		if c.LastActivity.Before(cutoff) && !c.Closing {
			idle = append(idle, fd)
		}
	}
	s.mu.Unlock()
	for _, fd := range idle {
		s.closeConn(fd)
	}
}

// startUpstreams opens a reconnecting outbound connection to every
// configured upstream target; received data dispatches to the message
// hook, never to local clients (spec §4.4 "Upstreams").
func (s *Server) startUpstreams() {
	for _, target := range s.Runtime.Server.Upstreams {
		up := rt.New(s.Runtime.Name+"-up-"+target, rt.KindClient)
		up.Client = &rt.ClientConfig{Proto: "tcp", RemoteAddr: target, Reconnect: true}
		cl := clientrt.New(up, s.loop, s.log)
		cl.OnData = func(c *connio.Conn) {
			for {
				acc := c.Accumulated()
				idx := bytes.IndexByte(acc, '\n')
				if idx < 0 {
					return
				}
				line := bytes.TrimSuffix(acc[:idx], []byte("\r"))
				if s.hook != nil && len(line) > 0 {
					s.hook(-1, target, line)
				}
				c.ConsumeRead(idx + 1)
			}
		}
		if err := cl.Start(); err != nil {
			s.log.Warn("upstream connect failed", "target", target, "err", err)
			continue
		}
		s.upstreams = append(s.upstreams, cl)
	}
}

// OnCompletion implements engine.Handler, dispatching by operation kind.
func (s *Server) OnCompletion(kind engine.OpKind, fd int, res int32, flags uint32, buf []byte) {
	switch kind {
	case engine.OpMultishotAccept:
		s.onAccept(res)
	case engine.OpReadProvidedBuffer:
		s.onRead(fd, res, buf)
	case engine.OpRecvmsg:
		s.onRecvmsg(fd, res)
	case engine.OpSendmsg:
		// fire-and-forget: a failed datagram send just drops the message
	case engine.OpWritev:
		s.onWriteComplete(fd, res)
	case engine.OpShutdown:
		s.loop.SubmitClose(fd, s)
	case engine.OpClose:
		s.mu.Lock()
		delete(s.conns, fd)
		delete(s.connFailures, fd)
		if s.masterFD == fd {
			s.masterFD = -1
		}
		s.mu.Unlock()
	}
}

// EMFILE backoff bound (spec §5): re-arm the accept after this delay
// rather than busy-spinning when the process is out of file descriptors.
const emfileBackoff = 100 * time.Millisecond

func (s *Server) onAccept(res int32) {
	if res < 0 {
		errno := syscall.Errno(-res)
		if errno == syscall.EMFILE || errno == syscall.ENFILE {
			s.loop.SubmitTimeout(emfileBackoff, rearmAccept{s})
		}
		return
	}
	fd := int(res)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	remote := peerIP(fd)
	if s.ipBlocked(remote) {
		s.loop.SubmitShutdown(fd, s)
		return
	}
	if s.AuthHook != nil && !s.AuthHook(fd, remote) {
		s.Runtime.Metrics.Reject()
		s.loop.SubmitShutdown(fd, s)
		return
	}

	cfg := s.Runtime.Server
	s.mu.Lock()
	if cfg.MaxConns > 0 && len(s.conns) >= cfg.MaxConns {
		s.mu.Unlock()
		s.Runtime.Metrics.Reject()
		s.loop.SubmitShutdown(fd, s)
		return
	}
	c := &conn{Conn: *connio.New(fd, remote)}
	if cfg.ConnRateLimit > 0 {
		c.ConfigureTokenBucket(cfg.ConnRateLimit, cfg.ConnRateBurst)
	}
	s.conns[fd] = c
	s.mu.Unlock()

	s.Runtime.Metrics.Accept()
	if s.ConnectHook != nil {
		s.ConnectHook(fd, remote)
	}
	s.loop.SubmitReadProvidedBuffer(fd, s)
}

// peerIP reports the dotted-quad remote address for fd, or "" if it
// cannot be determined (e.g. not an AF_INET socket).
func peerIP(fd int) string {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return ""
	}
	a, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3])
}

// masterAuthFailureLimit and ipFailureLimit/ipFailureWindow implement
// spec §4.4's "per-connection failure counter; exceed 5 -> close" and
// "per-source-IP failure counter; exceed 10 within 60s -> reject new
// connections from that IP".
const (
	masterAuthFailureLimit = 5
	ipFailureLimit         = 10
	ipFailureWindow        = 60 * time.Second
)

// ipBlocked reports whether remote has accumulated enough recent
// master-auth failures to be rejected outright.
func (s *Server) ipBlocked(remote string) bool {
	if remote == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pruneIPFailuresLocked(remote)) >= ipFailureLimit
}

// pruneIPFailuresLocked drops failure timestamps older than the trailing
// window and returns what remains; callers must hold s.mu.
func (s *Server) pruneIPFailuresLocked(remote string) []time.Time {
	cutoff := time.Now().Add(-ipFailureWindow)
	kept := s.ipFailures[remote][:0]
	for _, t := range s.ipFailures[remote] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.ipFailures[remote] = kept
	return kept
}

type rearmAccept struct{ s *Server }

func (r rearmAccept) OnCompletion(engine.OpKind, int, int32, uint32, []byte) {
	r.s.loop.SubmitMultishotAccept(r.s.listenFD, r.s)
}

func (s *Server) onRead(fd int, res int32, buf []byte) {
	if res <= 0 {
		s.closeConn(fd)
		return
	}
	s.mu.Lock()
	c, ok := s.conns[fd]
	s.mu.Unlock()
	if !ok {
		return
	}
	if !c.AppendRead(buf) {
		s.closeConn(fd)
		return
	}
	s.Runtime.Metrics.RecordRead(int(res))
	s.processBuffered(fd, c)
}

// onRecvmsg handles a completed UDP recvmsg (spec §4.1/§4.4): the
// datagram is one complete message with no line or frame accumulation,
// and the peer's real source address is tracked for broadcast. The
// socket is re-armed for the next datagram regardless of outcome, since
// exactly one recvmsg must stay in flight.
func (s *Server) onRecvmsg(fd int, res int32) {
	defer s.loop.SubmitRecvmsg(fd, s.udpMsg, s)
	if res < 0 {
		return
	}
	payload := append([]byte(nil), s.udpMsg.Payload(res)...)
	peer := s.udpMsg.Peer()
	key := peerKey(peer)
	if key == "" {
		return
	}

	s.mu.Lock()
	s.udpPeer.Add(key, peer)
	s.mu.Unlock()

	s.Runtime.Metrics.RecordRead(int(res))
	s.handleDatagram(fd, key, payload)
}

// peerKey renders a UDP peer's address as the udpTable's string key.
func peerKey(addr unix.Sockaddr) string {
	a, ok := addr.(*unix.SockaddrInet4)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
}

// handleDatagram runs the UDP equivalent of handleLine's message
// processing (spec §4.4): no protocol auto-detection or line framing,
// since "no framing: one datagram = one message" (spec §4.1).
func (s *Server) handleDatagram(fd int, peerKey string, payload []byte) {
	cfg := s.Runtime.Server

	if !s.globalAllow() {
		return
	}

	if strings.HasPrefix(string(payload), "cache ") && s.cache != nil {
		reply := s.cache.HandleLine(s.Runtime.LinkedCache, payload[len("cache "):])
		if reply != nil {
			s.udpSendTo(fd, peerKey, reply)
		}
		return
	}

	s.Runtime.Metrics.RecordMessage()
	if s.hook != nil {
		s.hook(fd, peerKey, payload)
	}

	switch cfg.Mode {
	case "out":
		// drop incoming, same as line-mode "out"
	case "in":
		// deliver to hook only; no broadcast
	default: // "inout", "master"
		s.udpBroadcastExcept(fd, peerKey, payload)
	}
}

func (s *Server) globalAllow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalBucket.Allow(1)
}

// udpSendTo sends data to the peer tracked under peerKey, one sendmsg
// with no framing (spec §4.1).
func (s *Server) udpSendTo(fd int, peerKey string, data []byte) {
	s.mu.Lock()
	addr, ok := s.udpPeer.Get(peerKey)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.loop.SubmitSendmsg(fd, data, addr, s)
}

// udpBroadcastExcept sends payload to every tracked peer except the one
// at exceptKey, one sendmsg per peer with MSG_DONTWAIT (spec §4.4's UDP
// broadcast rule).
func (s *Server) udpBroadcastExcept(fd int, exceptKey string, payload []byte) {
	s.mu.Lock()
	peers := s.udpPeer.All()
	s.mu.Unlock()
	for key, addr := range peers {
		if key == exceptKey {
			continue
		}
		s.loop.SubmitSendmsg(fd, payload, addr, s)
	}
}

// processBuffered runs protocol auto-detection and dispatch over
// whatever has accumulated so far, per spec §4.4's five-step pipeline.
func (s *Server) processBuffered(fd int, c *conn) {
	if c.Proto == connio.ProtoUnknown {
		s.detectProtocol(c)
	}

	switch c.Proto {
	case connio.ProtoWebSocket:
		s.pumpWSFrames(fd, c)
	case connio.ProtoLine:
		s.pumpLines(fd, c)
	case connio.ProtoHTTP:
		s.handleHTTPRequest(fd, c)
	case connio.ProtoRESP:
		s.pumpRESP(fd, c)
	}
}

// pumpRESP executes RESP-framed commands against the linked cache and
// replies in RESP (spec §4.4 step 3: a RESP array marker on a
// cache-linked server selects the RESP path). Without a linked cache
// there is nothing to execute against, so the connection is closed.
func (s *Server) pumpRESP(fd int, c *conn) {
	if s.cache == nil || s.Runtime.LinkedCache == "" {
		s.closeConn(fd)
		return
	}
	for {
		reply, consumed, ok := s.cache.HandleRESP(s.Runtime.LinkedCache, c.Accumulated())
		if consumed < 0 {
			s.closeConn(fd)
			return
		}
		if !ok {
			return
		}
		c.ConsumeRead(consumed)
		s.queueWrite(fd, c, reply)
	}
}

func (s *Server) detectProtocol(c *conn) {
	accum := c.Accumulated()
	if len(accum) == 0 {
		return
	}
	// A leading RESP array marker selects RESP only on a cache-linked
	// server; a plain line server can legitimately receive a message
	// starting with '*'.
	if accum[0] == '*' && s.Runtime.Server.Proto != "udp" &&
		s.cache != nil && s.Runtime.LinkedCache != "" {
		c.Proto = connio.ProtoRESP
		return
	}
	if looksLikeHTTPRequest(accum) {
		headers, ok, err := parseHTTPUpgradeRequest(accum)
		if err != nil {
			return
		}
		if !ok {
			return
		}
		if isWebSocketUpgrade(headers) && s.Runtime.Server.WSEnabled {
			c.WSHeaders = headers
			c.Proto = connio.ProtoWebSocket
		} else {
			c.Proto = connio.ProtoHTTP
		}
		return
	}
	c.Proto = connio.ProtoLine
}

func looksLikeHTTPRequest(b []byte) bool {
	for _, m := range []string{"GET ", "POST ", "PUT ", "HEAD ", "DELETE "} {
		if strings.HasPrefix(string(b), m) {
			return true
		}
	}
	return false
}

func (s *Server) pumpLines(fd int, c *conn) {
	for {
		accum := c.Accumulated()
		idx := bytes.IndexByte(accum, '\n')
		if idx < 0 {
			return
		}
		line := bytes.TrimSuffix(accum[:idx], []byte("\r"))
		c.ConsumeRead(idx + 1)
		if len(line) == 0 {
			continue
		}
		s.handleLine(fd, c, line)
	}
}

const masterAuthPrefix = "master "

func (s *Server) handleLine(fd int, c *conn, line []byte) {
	cfg := s.Runtime.Server

	if !c.Allow(1) {
		return
	}
	if !s.globalAllow() {
		return
	}

	if cfg.RouteTo != "" && s.router != nil {
		s.Runtime.Metrics.RecordMessage()
		s.router.Forward(cfg.RouteTo, line)
		return
	}

	if cfg.Mode == "master" && !c.masterAuthed {
		s.handleUnauthenticated(fd, c, line)
		return
	}

	if bytes.HasPrefix(line, []byte("cache ")) && s.cache != nil {
		reply := s.cache.HandleLine(s.Runtime.LinkedCache, line[len("cache "):])
		if reply != nil {
			s.queueWrite(fd, c, append(reply, '\n'))
		}
		return
	}

	s.Runtime.Metrics.RecordMessage()
	if s.hook != nil {
		s.hook(fd, c.Remote, line)
	}
	if cfg.StoreMessages && s.cache != nil && s.Runtime.LinkedCache != "" {
		s.cache.Store(s.Runtime.LinkedCache, line)
	}

	switch cfg.Mode {
	case "out":
		// drop incoming: nothing is broadcast or echoed
	case "in":
		// deliver to hook only (above); do not broadcast
	default: // "inout", "master"
		s.broadcastExcept(fd, line)
	}
}

// handleUnauthenticated processes a line from a connection that has not
// authenticated as the master (spec §4.4's master-auth path): a
// "master <secret>" line is a constant-time-compared auth attempt with
// per-connection and per-source-IP failure counting; any other line is
// dropped, or forwarded to the authenticated master when the runtime is
// configured for that.
func (s *Server) handleUnauthenticated(fd int, c *conn, line []byte) {
	cfg := s.Runtime.Server
	if !bytes.HasPrefix(line, []byte(masterAuthPrefix)) {
		if cfg.ForwardToMaster {
			s.forwardToMaster(line)
		}
		return
	}

	secret := line[len(masterAuthPrefix):]
	if subtle.ConstantTimeCompare([]byte(cfg.MasterKey), secret) == 1 {
		c.masterAuthed = true
		s.mu.Lock()
		s.masterFD = fd
		delete(s.connFailures, fd)
		s.mu.Unlock()
		return // the auth line itself is never dispatched as a message
	}

	s.mu.Lock()
	s.connFailures[fd]++
	s.ipFailures[c.Remote] = append(s.pruneIPFailuresLocked(c.Remote), time.Now())
	failures := s.connFailures[fd]
	s.mu.Unlock()

	if failures >= masterAuthFailureLimit {
		s.closeConn(fd)
	}
}

// forwardToMaster delivers a non-master sender's message to the
// currently-authenticated master connection, per ServerConfig's
// ForwardToMaster flag (spec §4.4's master mode forwarding branch).
func (s *Server) forwardToMaster(line []byte) {
	s.mu.Lock()
	fd := s.masterFD
	c := s.conns[fd]
	s.mu.Unlock()
	if c == nil {
		return
	}
	s.queueWrite(fd, c, append(append([]byte{}, line...), '\n'))
}

func (s *Server) broadcastExcept(except int, line []byte) {
	s.mu.Lock()
	targets := make([]int, 0, len(s.conns))
	for fd := range s.conns {
		if fd != except {
			targets = append(targets, fd)
		}
	}
	sinks := make([]func([]byte), 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()
	out := append(append([]byte{}, line...), '\n')
	for _, fd := range targets {
		s.mu.Lock()
		c := s.conns[fd]
		s.mu.Unlock()
		if c != nil {
			s.queueWrite(fd, c, out)
		}
	}
	for _, sink := range sinks {
		sink(out)
	}
}

const maxBatchedBlobs = 32

func (s *Server) queueWrite(fd int, c *conn, data []byte) {
	if !c.Enqueue(data) {
		s.closeConn(fd)
		return
	}
	if !c.WritePending {
		c.WritePending = true
		s.flushWrites(fd, c)
	}
}

func (s *Server) flushWrites(fd int, c *conn) {
	if c.QueueDepth() == 0 {
		c.WritePending = false
		return
	}
	s.loop.SubmitWritev(fd, c.DrainIovecs(maxBatchedBlobs), s)
}

func (s *Server) onWriteComplete(fd int, res int32) {
	s.mu.Lock()
	c, ok := s.conns[fd]
	s.mu.Unlock()
	if !ok {
		return
	}
	if res < 0 {
		s.closeConn(fd)
		return
	}
	s.Runtime.Metrics.RecordWrite(int(res))
	c.CommitBatch()
	s.flushWrites(fd, c)
}

func (s *Server) pumpWSFrames(fd int, c *conn) {
	if !c.WSHandshakeDone {
		resp := buildWSHandshakeResponse(c.WSHeaders["sec-websocket-key"])
		c.WSHandshakeDone = true
		s.queueWrite(fd, c, resp)
		if idx := headerEnd(c.Accumulated()); idx >= 0 {
			c.ConsumeRead(idx)
		}
		return
	}
	for {
		frame, n, ok, err := parseWSFrame(c.Accumulated())
		if err != nil {
			s.closeConn(fd)
			return
		}
		if !ok {
			return
		}
		c.ConsumeRead(n)
		switch frame.Opcode {
		case wsOpClose:
			s.closeConn(fd)
			return
		case wsOpPing:
			s.queueWrite(fd, c, encodeWSFrame(wsOpPong, frame.Payload))
		case wsOpContinuation:
			c.wsFragments = append(c.wsFragments, frame.Payload...)
			if frame.Fin {
				payload := c.wsFragments
				c.wsFragments = nil
				s.handleWSMessage(fd, c, payload, c.wsFragOpcode)
			}
		case wsOpText, wsOpBinary:
			if !frame.Fin {
				c.wsFragOpcode = frame.Opcode
				c.wsFragments = append(c.wsFragments[:0], frame.Payload...)
				continue
			}
			s.handleWSMessage(fd, c, frame.Payload, frame.Opcode)
		}
	}
}

// handleWSMessage runs the same message-processing pipeline as
// handleLine (spec §4.4: "common to TCP line-mode and WS text") with
// replies and broadcasts framed as WebSocket messages.
func (s *Server) handleWSMessage(fd int, c *conn, payload []byte, opcode wsOpcode) {
	cfg := s.Runtime.Server

	if !c.Allow(1) {
		return
	}
	if !s.globalAllow() {
		return
	}

	if cfg.RouteTo != "" && s.router != nil {
		s.Runtime.Metrics.RecordMessage()
		s.router.Forward(cfg.RouteTo, payload)
		return
	}

	if bytes.HasPrefix(payload, []byte("cache ")) && s.cache != nil {
		reply := s.cache.HandleLine(s.Runtime.LinkedCache, payload[len("cache "):])
		if reply != nil {
			s.queueWrite(fd, c, encodeWSFrame(wsOpText, reply))
		}
		return
	}

	s.Runtime.Metrics.RecordMessage()
	if s.hook != nil {
		s.hook(fd, c.Remote, payload)
	}
	if cfg.StoreMessages && s.cache != nil && s.Runtime.LinkedCache != "" {
		s.cache.Store(s.Runtime.LinkedCache, payload)
	}

	switch cfg.Mode {
	case "out", "in":
		// no broadcast; "out" drops, "in" is hook-only
	default: // "inout", "master"
		s.broadcastWSExcept(fd, payload, opcode)
	}
}

// headerEnd returns the offset just past an HTTP header block's
// terminating double CRLF, or -1 if the block is incomplete.
func headerEnd(b []byte) int {
	idx := bytes.Index(b, []byte("\r\n\r\n"))
	if idx < 0 {
		return -1
	}
	return idx + 4
}

func (s *Server) broadcastWSExcept(except int, payload []byte, opcode wsOpcode) {
	s.mu.Lock()
	targets := make([]int, 0, len(s.conns))
	for fd, c := range s.conns {
		if fd != except && c.WSHandshakeDone {
			targets = append(targets, fd)
		}
	}
	s.mu.Unlock()
	frame := encodeWSFrame(opcode, payload)
	for _, fd := range targets {
		s.mu.Lock()
		c := s.conns[fd]
		s.mu.Unlock()
		if c != nil {
			s.queueWrite(fd, c, frame)
		}
	}
}

// handleHTTPRequest serves a static file with path canonicalization
// safety (spec §4.4): the requested path is cleaned and must remain
// rooted under StaticDir, and a WS bootstrap script is injected before
// </head> when the server also accepts WebSocket connections.
func (s *Server) handleHTTPRequest(fd int, c *conn) {
	headers, ok, err := parseHTTPUpgradeRequest(c.Accumulated())
	if err != nil || !ok {
		if err != nil {
			s.closeConn(fd)
		}
		return
	}
	end := headerEnd(c.Accumulated())
	if end > 0 {
		c.ConsumeRead(end)
	}

	reqLine := headers[":request-line"]
	parts := strings.Fields(reqLine)
	if len(parts) < 2 {
		s.writeHTTPStatus(fd, c, 400, "Bad Request")
		return
	}
	reqPath := parts[1]

	cfg := s.Runtime.Server
	cleaned := filepath.Clean("/" + reqPath)
	fullPath := filepath.Join(cfg.StaticDir, cleaned)
	if !strings.HasPrefix(fullPath, filepath.Clean(cfg.StaticDir)+string(filepath.Separator)) &&
		fullPath != filepath.Clean(cfg.StaticDir) {
		s.writeHTTPStatus(fd, c, 403, "Forbidden")
		return
	}

	data, ok := s.readStaticFile(cleaned, fullPath)
	if !ok {
		s.writeHTTPStatus(fd, c, 404, "Not Found")
		return
	}
	if cfg.WSEnabled && looksLikeHTML(cleaned, data) {
		data = injectWSBootstrap(data)
	}
	s.writeHTTPOK(fd, c, data)
}

// readStaticFileImpl is a narrow seam so tests can substitute a fake
// filesystem without touching the real one; production wiring reads
// from disk via os.ReadFile.
var readStaticFileImpl = func(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// readStaticFile serves a cleaned, canonicalized path from an optional
// pre-built cache keyed by URL path (spec §4.4's caching variant),
// falling back to a direct disk read when no cache was built (StaticDir
// unset, or the path wasn't present at Start-time walk).
func (s *Server) readStaticFile(urlPath, fullPath string) ([]byte, bool) {
	if s.staticCache != nil {
		if data, ok := s.staticCache[urlPath]; ok {
			return data, true
		}
	}
	return readStaticFileImpl(fullPath)
}

// buildStaticCache walks dir once at Start and caches every regular
// file's contents keyed by its URL path (spec §4.4: "pre-built response
// keyed by URL path").
func (s *Server) buildStaticCache(dir string) {
	cache := make(map[string][]byte)
	root := filepath.Clean(dir)
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		cache["/"+filepath.ToSlash(rel)] = data
		return nil
	})
	s.staticCache = cache
}

func looksLikeHTML(path string, body []byte) bool {
	return strings.HasSuffix(path, ".html") || strings.HasSuffix(path, ".htm") ||
		bytes.Contains(body, []byte("<html"))
}

func injectWSBootstrap(html []byte) []byte {
	marker := []byte("</head>")
	idx := bytes.Index(html, marker)
	if idx < 0 {
		if idx = bytes.Index(html, []byte("</body>")); idx < 0 {
			idx = len(html)
		}
	}
	script := []byte("<script>window.__socketley_ws = true;</script>")
	out := make([]byte, 0, len(html)+len(script))
	out = append(out, html[:idx]...)
	out = append(out, script...)
	out = append(out, html[idx:]...)
	return out
}

func (s *Server) writeHTTPStatus(fd int, c *conn, code int, text string) {
	body := []byte(text)
	resp := []byte("HTTP/1.1 " + strconv.Itoa(code) + " " + text + "\r\nContent-Length: " +
		strconv.Itoa(len(body)) + "\r\nConnection: close\r\n\r\n" + text)
	s.queueWrite(fd, c, resp)
	c.Closing = true
}

func (s *Server) writeHTTPOK(fd int, c *conn, body []byte) {
	resp := append([]byte("HTTP/1.1 200 OK\r\nContent-Length: "+strconv.Itoa(len(body))+"\r\nConnection: close\r\n\r\n"), body...)
	s.queueWrite(fd, c, resp)
	c.Closing = true
}

// closeConn performs the half-close-before-close teardown sequence
// (spec §4.1): shutdown(SHUT_RDWR) first, close only once that
// completes, avoiding the cancel-races-close hazard for any still
// in-flight multishot read on fd.
func (s *Server) closeConn(fd int) {
	s.mu.Lock()
	c, ok := s.conns[fd]
	s.mu.Unlock()
	if !ok || c.Closing {
		return
	}
	c.Closing = true
	s.Runtime.Metrics.Disconnect()
	s.loop.SubmitShutdown(fd, s)
}

// Stop half-closes the listener and every open connection, letting the
// engine's drain phase wait for their completions. With DrainOnStop set,
// each connection's queued writes are flushed first with best-effort
// blocking writes (no retry, spec §5's controlled fallback path).
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	fds := make([]int, 0, len(s.conns))
	for fd := range s.conns {
		fds = append(fds, fd)
	}
	s.mu.Unlock()

	for _, up := range s.upstreams {
		up.Stop()
	}
	s.loop.SubmitShutdown(s.listenFD, s)

	drain := s.Runtime.Server.DrainOnStop
	for _, fd := range fds {
		if drain {
			s.drainConn(fd)
		}
		s.closeConn(fd)
	}
}

// drainConn writes a connection's still-queued blobs synchronously, one
// best-effort write each with no retry on short or failed writes.
func (s *Server) drainConn(fd int) {
	s.mu.Lock()
	c, ok := s.conns[fd]
	s.mu.Unlock()
	if !ok {
		return
	}
	for _, data := range c.PendingData() {
		if _, err := unix.Write(fd, data); err != nil {
			break
		}
	}
	c.ReleaseQueued()
}
