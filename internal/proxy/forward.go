package proxy

import (
	"bytes"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/HiImSmiley/socketleyd/internal/connio"
	"github.com/HiImSmiley/socketleyd/internal/engine"
	"github.com/HiImSmiley/socketleyd/internal/errs"
)

const forwardBatch = 32

// session pairs one accepted client connection with its chosen backend
// (spec §4.6): the backend is picked on the first client read, bound for
// the connection's lifetime, and replayed onto a different backend only
// if the bound one fails before any response byte reaches the client.
type session struct {
	clientFD int
	client   *connio.Conn

	backendFD   int // 0 until the backend connect completes
	backendAddr string
	backend     *connio.Conn

	method string // HTTP mode only; empty in TCP mode
	path   string // rewritten path, for hook-driven selection
	routed bool   // request line parsed and rewritten (HTTP mode)

	connecting bool // a backend connect is in flight

	responseStarted bool
	retriesLeft     int
	tried           map[string]bool
	saved           []byte // request bytes replayed on retry
}

// Start binds the proxy's listener and arms a multishot accept. The
// owner starts the health-check/pool-sweep timer separately via
// StartHealthChecks once the runtime is registered.
func (p *Proxy) Start() error {
	cfg := p.Runtime.Proxy
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return errs.Wrap("proxy.Start", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		unix.Close(fd)
		return errs.Wrap("proxy.Start", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		unix.Close(fd)
		return errs.Wrap("proxy.Start", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	if ip := net.ParseIP(host).To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return errs.Wrap("proxy.Start", err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return errs.Wrap("proxy.Start", err)
	}
	p.listenFD = fd
	p.loop.SubmitMultishotAccept(fd, p)
	return nil
}

// OnCompletion implements engine.Handler for the listener and the
// client-facing side; backend fds are driven by backendHandler.
func (p *Proxy) OnCompletion(kind engine.OpKind, fd int, res int32, flags uint32, buf []byte) {
	switch kind {
	case engine.OpMultishotAccept:
		p.onAccept(res)
	case engine.OpReadProvidedBuffer:
		p.onClientRead(fd, res, buf)
	case engine.OpWritev:
		p.onClientWriteDone(fd, res)
	case engine.OpShutdown:
		p.loop.SubmitClose(fd, p)
	case engine.OpClose:
		p.mu.Lock()
		delete(p.sessions, fd)
		p.mu.Unlock()
	}
}

// backendHandler routes completions on backend fds back to the owning
// session via the backendOf index.
type backendHandler struct{ p *Proxy }

func (h backendHandler) OnCompletion(kind engine.OpKind, fd int, res int32, flags uint32, buf []byte) {
	switch kind {
	case engine.OpReadProvidedBuffer:
		h.p.onBackendRead(fd, res, buf)
	case engine.OpWritev:
		h.p.onBackendWriteDone(fd, res)
	case engine.OpShutdown:
		h.p.loop.SubmitClose(fd, h)
	case engine.OpClose:
		h.p.mu.Lock()
		delete(h.p.backendOf, fd)
		h.p.mu.Unlock()
	}
}

// discardHandler closes an fd nobody owns anymore (pool sweep, stale
// backends) without touching session state.
type discardHandler struct{ loop *engine.Loop }

func (h discardHandler) OnCompletion(kind engine.OpKind, fd int, _ int32, _ uint32, _ []byte) {
	if kind == engine.OpShutdown {
		h.loop.SubmitClose(fd, h)
	}
}

func (p *Proxy) onAccept(res int32) {
	if res < 0 {
		return
	}
	fd := int(res)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	sess := &session{
		clientFD:    fd,
		client:      connio.New(fd, ""),
		retriesLeft: p.Runtime.Proxy.Retries,
		tried:       make(map[string]bool),
	}
	p.mu.Lock()
	p.sessions[fd] = sess
	p.mu.Unlock()
	p.Runtime.Metrics.Accept()
	p.loop.SubmitReadProvidedBuffer(fd, p)
}

func (p *Proxy) session(clientFD int) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[clientFD]
}

func (p *Proxy) sessionByBackend(backendFD int) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	clientFD, ok := p.backendOf[backendFD]
	if !ok {
		return nil
	}
	return p.sessions[clientFD]
}

func (p *Proxy) onClientRead(fd int, res int32, buf []byte) {
	sess := p.session(fd)
	if sess == nil {
		return
	}
	if res <= 0 {
		p.closeSession(sess, true)
		return
	}
	if !sess.client.AppendRead(buf) {
		p.closeSession(sess, false)
		return
	}
	p.Runtime.Metrics.RecordRead(int(res))

	if sess.backendFD != 0 {
		p.pumpClientToBackend(sess)
		return
	}
	if sess.connecting {
		// The backend connect is still in flight; fold the new bytes
		// into the replay buffer so bindBackend forwards them too.
		acc := sess.client.Accumulated()
		sess.saved = append(sess.saved, acc...)
		sess.client.ConsumeRead(len(acc))
		return
	}
	p.beginForward(sess)
}

// beginForward runs once per session, when enough bytes have arrived to
// pick a backend: immediately for TCP mode, after the request line is
// complete (and prefix-routed) for HTTP mode.
func (p *Proxy) beginForward(sess *session) {
	cfg := p.Runtime.Proxy
	if cfg.Mode == "http" && !sess.routed {
		if !p.routeHTTPRequest(sess) {
			return
		}
	}

	acc := sess.client.Accumulated()
	sess.saved = append(sess.saved, acc...)
	sess.client.ConsumeRead(len(acc))
	sess.connecting = true

	backend, err := p.Select(sess.method, sess.path, sess.tried)
	if err != nil {
		p.failSession(sess)
		return
	}
	sess.backendAddr = backend
	sess.tried[backend] = true
	p.connectBackend(sess, backend)
}

// routeHTTPRequest parses the request line once it is complete, requires
// the /<proxy-name> prefix, and rewrites the accumulated bytes with the
// stripped path (spec §4.6 HTTP mode steps 1-2). Returns false if the
// session is not yet routable (incomplete line, or already answered 404).
func (p *Proxy) routeHTTPRequest(sess *session) bool {
	acc := sess.client.Accumulated()
	lineEnd := bytes.Index(acc, []byte("\r\n"))
	if lineEnd < 0 {
		return false
	}
	parts := strings.Fields(string(acc[:lineEnd]))
	if len(parts) != 3 {
		p.replyHTTP(sess, "400 Bad Request")
		return false
	}
	method, path, version := parts[0], parts[1], parts[2]

	rewritten, ok := RouteHTTP("/"+p.Runtime.Name, path)
	if !ok {
		p.replyHTTP(sess, "404 Not Found")
		return false
	}

	sess.method = method
	sess.path = rewritten
	sess.routed = true
	rest := acc[lineEnd:]
	newLine := []byte(method + " " + rewritten + " " + version)
	rebuilt := make([]byte, 0, len(newLine)+len(rest))
	rebuilt = append(rebuilt, newLine...)
	rebuilt = append(rebuilt, rest...)
	sess.client.ConsumeRead(len(acc))
	if !sess.client.AppendRead(rebuilt) {
		p.closeSession(sess, false)
		return false
	}
	return true
}

// replyHTTP writes a minimal error response and closes the session,
// used for 400/404/502 short-circuits (spec §4.6 / spec §8 scenario 6).
func (p *Proxy) replyHTTP(sess *session, status string) {
	body := status
	resp := "HTTP/1.1 " + status + "\r\nContent-Length: " + strconv.Itoa(len(body)) +
		"\r\nConnection: close\r\n\r\n" + body
	if sess.client.Enqueue([]byte(resp)) {
		p.flushClient(sess)
	}
	sess.client.Closing = true
}

func (p *Proxy) connectBackend(sess *session, addr string) {
	if fd, ok := p.pool.Get(addr); ok {
		// A pooled fd still has its multishot read armed from its last
		// session, so bind without re-arming.
		p.bindBackend(sess, fd, true)
		return
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		p.retryOrFail(sess)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		p.retryOrFail(sess)
		return
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		p.retryOrFail(sess)
		return
	}
	sa := &unix.SockaddrInet4{Port: port}
	if ip := net.ParseIP(host).To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		p.retryOrFail(sess)
		return
	}
	p.loop.SubmitConnect(fd, 0, 0, connectDone{p, sess.clientFD, fd})
}

type connectDone struct {
	p         *Proxy
	clientFD  int
	backendFD int
}

func (h connectDone) OnCompletion(_ engine.OpKind, _ int, res int32, _ uint32, _ []byte) {
	sess := h.p.session(h.clientFD)
	if sess == nil {
		h.p.loop.SubmitShutdown(h.backendFD, discardHandler{h.p.loop})
		return
	}
	if res < 0 {
		unix.Close(h.backendFD)
		h.p.retryOrFail(sess)
		return
	}
	h.p.bindBackend(sess, h.backendFD, false)
}

// bindBackend attaches a connected backend fd to the session, replays
// the saved request bytes, and arms the backend read (unless the fd
// came from the pool with its read still armed).
func (p *Proxy) bindBackend(sess *session, fd int, armed bool) {
	sess.connecting = false
	sess.backendFD = fd
	sess.backend = connio.New(fd, sess.backendAddr)
	p.mu.Lock()
	p.backendOf[fd] = sess.clientFD
	p.mu.Unlock()

	if len(sess.saved) > 0 {
		if !sess.backend.Enqueue(append([]byte(nil), sess.saved...)) {
			p.retryOrFail(sess)
			return
		}
	}
	p.flushBackend(sess)
	if !armed {
		p.loop.SubmitReadProvidedBuffer(fd, backendHandler{p})
	}
}

// pumpClientToBackend moves freshly accumulated client bytes onto the
// backend write queue, growing the retry buffer until the first response
// byte makes the request non-replayable.
func (p *Proxy) pumpClientToBackend(sess *session) {
	acc := sess.client.Accumulated()
	if len(acc) == 0 {
		return
	}
	data := append([]byte(nil), acc...)
	sess.client.ConsumeRead(len(acc))
	if !sess.responseStarted {
		sess.saved = append(sess.saved, data...)
	}
	if !sess.backend.Enqueue(data) {
		p.closeSession(sess, false)
		return
	}
	p.flushBackend(sess)
}

func (p *Proxy) flushBackend(sess *session) {
	if sess.backend.WritePending {
		return
	}
	if sess.backend.QueueDepth() == 0 {
		return
	}
	sess.backend.WritePending = true
	p.loop.SubmitWritev(sess.backendFD, sess.backend.DrainIovecs(forwardBatch), backendHandler{p})
}

func (p *Proxy) onBackendWriteDone(fd int, res int32) {
	sess := p.sessionByBackend(fd)
	if sess == nil {
		return
	}
	sess.backend.WritePending = false
	if res < 0 {
		p.retryOrFail(sess)
		return
	}
	p.Runtime.Metrics.RecordWrite(int(res))
	sess.backend.CommitBatch()
	p.flushBackend(sess)
}

func (p *Proxy) onBackendRead(fd int, res int32, buf []byte) {
	sess := p.sessionByBackend(fd)
	if sess == nil {
		// A parked pool fd whose peer closed it: drop it from the pool
		// and finish the close.
		if res <= 0 {
			p.pool.Remove(fd)
			p.loop.SubmitShutdown(fd, discardHandler{p.loop})
		}
		return
	}
	if res <= 0 {
		if !sess.responseStarted {
			p.retryOrFail(sess)
			return
		}
		// Backend finished (or died) after responding; flush what the
		// client still has queued and close.
		p.closeSession(sess, false)
		return
	}
	if !sess.responseStarted {
		sess.responseStarted = true
		sess.saved = nil
		p.breaker(sess.backendAddr).recordSuccess()
	}
	p.Runtime.Metrics.RecordRead(int(res))
	if !sess.client.Enqueue(append([]byte(nil), buf...)) {
		p.closeSession(sess, false)
		return
	}
	p.flushClient(sess)
}

func (p *Proxy) flushClient(sess *session) {
	if sess.client.WritePending || sess.client.QueueDepth() == 0 {
		return
	}
	sess.client.WritePending = true
	p.loop.SubmitWritev(sess.clientFD, sess.client.DrainIovecs(forwardBatch), p)
}

func (p *Proxy) onClientWriteDone(fd int, res int32) {
	sess := p.session(fd)
	if sess == nil {
		return
	}
	sess.client.WritePending = false
	if res < 0 {
		p.closeSession(sess, true)
		return
	}
	p.Runtime.Metrics.RecordWrite(int(res))
	sess.client.CommitBatch()
	if sess.client.QueueDepth() > 0 {
		p.flushClient(sess)
		return
	}
	if sess.client.Closing {
		p.loop.SubmitShutdown(sess.clientFD, p)
	}
}

// retryOrFail handles a backend failure before any response byte has
// been forwarded: record it against the circuit breaker, then replay the
// saved request against a different available backend if retries remain
// and the method is replayable (spec §4.6's retry rule).
func (p *Proxy) retryOrFail(sess *session) {
	if sess.backendAddr != "" {
		p.breaker(sess.backendAddr).recordFailure()
	}
	p.unbindBackend(sess)

	if sess.responseStarted || sess.retriesLeft <= 0 || !p.ShouldRetry(sess.method) {
		p.failSession(sess)
		return
	}
	sess.retriesLeft--
	backend, err := p.Select(sess.method, sess.path, sess.tried)
	if err != nil {
		p.failSession(sess)
		return
	}
	sess.backendAddr = backend
	sess.tried[backend] = true
	p.connectBackend(sess, backend)
}

// failSession answers the client with 502 in HTTP mode (spec §8
// scenario 6's "the 4th returns 502 Bad Gateway immediately") or just
// closes in TCP mode.
func (p *Proxy) failSession(sess *session) {
	p.Runtime.Metrics.RecordError()
	if p.Runtime.Proxy.Mode == "http" {
		p.replyHTTP(sess, "502 Bad Gateway")
		return
	}
	p.closeSession(sess, false)
}

// unbindBackend detaches and shuts down the session's backend fd, if any.
func (p *Proxy) unbindBackend(sess *session) {
	if sess.backendFD == 0 {
		return
	}
	fd := sess.backendFD
	sess.backendFD = 0
	sess.backend = nil
	p.mu.Lock()
	delete(p.backendOf, fd)
	p.mu.Unlock()
	p.loop.SubmitShutdown(fd, discardHandler{p.loop})
}

// closeSession tears down both halves of a session. When the client side
// is gone, a backend that has started responding and has nothing left
// queued is parked in the pool for reuse instead of being closed (spec
// §4.6's connection pool); its health and breaker state are not checked.
func (p *Proxy) closeSession(sess *session, clientGone bool) {
	if sess.client.Closing {
		return
	}
	sess.client.Closing = true
	p.Runtime.Metrics.Disconnect()

	if sess.backendFD != 0 {
		pooled := false
		if clientGone && sess.responseStarted && sess.backend.QueueDepth() == 0 {
			pooled = p.pool.Put(sess.backendAddr, sess.backendFD)
			if pooled {
				p.mu.Lock()
				delete(p.backendOf, sess.backendFD)
				p.mu.Unlock()
				sess.backendFD = 0
				sess.backend = nil
			}
		}
		if !pooled {
			p.unbindBackend(sess)
		}
	}
	p.loop.SubmitShutdown(sess.clientFD, p)
}

// Stop half-closes the listener, every session pair, and the idle pool.
func (p *Proxy) Stop() {
	p.mu.Lock()
	p.stopped = true
	sessions := make([]*session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sessions = append(sessions, sess)
	}
	p.mu.Unlock()

	p.loop.SubmitShutdown(p.listenFD, discardHandler{p.loop})
	for _, sess := range sessions {
		p.closeSession(sess, false)
	}
	for _, fd := range p.pool.Drain() {
		p.loop.SubmitShutdown(fd, discardHandler{p.loop})
	}
}
