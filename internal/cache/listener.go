package cache

import (
	"bytes"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/HiImSmiley/socketleyd/internal/connio"
	"github.com/HiImSmiley/socketleyd/internal/engine"
	"github.com/HiImSmiley/socketleyd/internal/errs"
)

const listenerBatch = 32

// cacheConn is one accepted wire connection: line protocol by default,
// RESP once the first byte is '*' (spec §4.7's "RESP wire mode" auto-
// detection), subscribe-mode once it has subscribed to a channel, and a
// replication follower once it has sent SYNC.
type cacheConn struct {
	connio.Conn
	channels map[string]struct{}
	replica  bool
}

// listener is the cache engine's network surface, wired onto the
// completion loop the same way internal/server's listener is; it exists
// only when the runtime configures a bind address.
type listener struct {
	cache *Cache

	listenFD int

	mu    sync.Mutex
	conns map[int]*cacheConn
}

// startListener binds the cache's wire listener when a bind address is
// configured.
func (c *Cache) startListener() error {
	cfg := c.Runtime.Cache
	if cfg == nil || cfg.BindAddr == "" {
		return nil
	}
	l := &listener{cache: c, conns: make(map[int]*cacheConn)}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return errs.Wrap("cache.startListener", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	host, portStr, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		unix.Close(fd)
		return errs.Wrap("cache.startListener", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		unix.Close(fd)
		return errs.Wrap("cache.startListener", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	if ip := net.ParseIP(host).To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return errs.Wrap("cache.startListener", err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return errs.Wrap("cache.startListener", err)
	}
	l.listenFD = fd
	c.listener = l
	c.loop.SubmitMultishotAccept(fd, l)
	return nil
}

// OnCompletion implements engine.Handler for the cache's wire surface.
func (l *listener) OnCompletion(kind engine.OpKind, fd int, res int32, flags uint32, buf []byte) {
	switch kind {
	case engine.OpMultishotAccept:
		l.onAccept(res)
	case engine.OpReadProvidedBuffer:
		l.onRead(fd, res, buf)
	case engine.OpWritev:
		l.onWriteComplete(fd, res)
	case engine.OpShutdown:
		l.cache.loop.SubmitClose(fd, l)
	case engine.OpClose:
		l.mu.Lock()
		conn := l.conns[fd]
		delete(l.conns, fd)
		l.mu.Unlock()
		if conn != nil {
			l.cache.Unsubscribe(subscriberConn{l, fd}, "")
			if conn.replica {
				l.cache.dropReplica(fd)
			}
		}
	}
}

func (l *listener) onAccept(res int32) {
	if res < 0 {
		return
	}
	fd := int(res)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	conn := &cacheConn{Conn: *connio.New(fd, ""), channels: make(map[string]struct{})}
	l.mu.Lock()
	l.conns[fd] = conn
	l.mu.Unlock()
	l.cache.Runtime.Metrics.Accept()
	l.cache.loop.SubmitReadProvidedBuffer(fd, l)
}

func (l *listener) onRead(fd int, res int32, buf []byte) {
	if res <= 0 {
		l.closeConn(fd)
		return
	}
	l.mu.Lock()
	conn, ok := l.conns[fd]
	l.mu.Unlock()
	if !ok {
		return
	}
	if !conn.AppendRead(buf) {
		l.closeConn(fd)
		return
	}
	l.cache.Runtime.Metrics.RecordRead(int(res))

	if conn.Proto == connio.ProtoUnknown {
		acc := conn.Accumulated()
		if len(acc) > 0 {
			if acc[0] == '*' || l.cache.respForced() {
				conn.Proto = connio.ProtoRESP
			} else {
				conn.Proto = connio.ProtoLine
			}
		}
	}

	switch conn.Proto {
	case connio.ProtoRESP:
		l.pumpRESP(fd, conn)
	default:
		l.pumpLines(fd, conn)
	}
}

func (c *Cache) respForced() bool {
	return c.Runtime.Cache != nil && c.Runtime.Cache.RESPEnabled
}

func (l *listener) pumpLines(fd int, conn *cacheConn) {
	for {
		acc := conn.Accumulated()
		idx := bytes.IndexByte(acc, '\n')
		if idx < 0 {
			return
		}
		line := bytes.TrimSuffix(acc[:idx], []byte("\r"))
		args := strings.Fields(string(line))
		conn.ConsumeRead(idx + 1)
		if len(args) == 0 {
			continue
		}
		if reply, handled := l.connCommand(fd, conn, args, false); handled {
			if reply != nil {
				l.queueWrite(fd, conn, reply)
			}
			continue
		}
		out := EncodeLine(l.cache.Execute(args))
		l.queueWrite(fd, conn, append(out, '\n'))
	}
}

func (l *listener) pumpRESP(fd int, conn *cacheConn) {
	for {
		args, consumed, ok, err := ParseRESP(conn.Accumulated())
		if err != nil {
			l.closeConn(fd)
			return
		}
		if !ok {
			return
		}
		conn.ConsumeRead(consumed)
		if len(args) == 0 {
			continue
		}
		if reply, handled := l.connCommand(fd, conn, args, true); handled {
			if reply != nil {
				l.queueWrite(fd, conn, reply)
			}
			continue
		}
		l.queueWrite(fd, conn, EncodeRESP(l.cache.Execute(args)))
	}
}

// connCommand intercepts the verbs that need a connection-shaped caller
// before the plain command surface sees them: SUBSCRIBE/UNSUBSCRIBE
// transition the connection into or out of subscribe-mode, PUBLISH fans
// out through the connection-aware pub/sub layer, and SYNC registers a
// replication follower (spec §4.7's pub/sub and replication).
func (l *listener) connCommand(fd int, conn *cacheConn, args []string, resp bool) ([]byte, bool) {
	switch strings.ToUpper(args[0]) {
	case "SUBSCRIBE":
		if len(args) < 2 {
			return l.encode(resp, errReply("wrong number of arguments for SUBSCRIBE")), true
		}
		var out []byte
		for _, ch := range args[1:] {
			conn.channels[ch] = struct{}{}
			l.cache.Subscribe(subscriberConn{l, fd}, ch)
			out = append(out, l.encode(resp, arrayReply([]Reply{
				bulkReply([]byte("subscribe")),
				bulkReply([]byte(ch)),
				intReply(int64(len(conn.channels))),
			}))...)
		}
		return out, true
	case "UNSUBSCRIBE":
		if len(args) < 2 {
			l.cache.Unsubscribe(subscriberConn{l, fd}, "")
			conn.channels = make(map[string]struct{})
			return l.encode(resp, simpleReply("OK")), true
		}
		for _, ch := range args[1:] {
			delete(conn.channels, ch)
			l.cache.Unsubscribe(subscriberConn{l, fd}, ch)
		}
		return l.encode(resp, simpleReply("OK")), true
	case "PUBLISH":
		if len(args) < 3 {
			return l.encode(resp, errReply("wrong number of arguments for PUBLISH")), true
		}
		payload := strings.Join(args[2:], " ")
		n := l.cache.Publish(args[1], []byte(payload))
		return l.encode(resp, intReply(int64(n))), true
	case "SYNC":
		conn.replica = true
		l.cache.addReplica(fd, func(line []byte) {
			l.mu.Lock()
			rc := l.conns[fd]
			l.mu.Unlock()
			if rc != nil {
				l.queueWrite(fd, rc, line)
			}
		})
		return l.encode(resp, simpleReply("OK")), true
	}
	return nil, false
}

func (l *listener) encode(resp bool, r Reply) []byte {
	if resp {
		return EncodeRESP(r)
	}
	return append(EncodeLine(r), '\n')
}

// subscriberConn is the Subscriber identity of one wire connection: a
// comparable (listener, fd) pair whose Deliver renders a published
// message as "message <ch> <payload>" in the connection's own wire
// dialect (spec §4.7's "well-formed message ch msg line or RESP array
// equivalent").
type subscriberConn struct {
	l  *listener
	fd int
}

func (s subscriberConn) Deliver(channel string, payload []byte) {
	s.l.mu.Lock()
	conn := s.l.conns[s.fd]
	s.l.mu.Unlock()
	if conn == nil {
		return
	}
	var out []byte
	if conn.Proto == connio.ProtoRESP {
		out = EncodeRESP(arrayReply([]Reply{
			bulkReply([]byte("message")),
			bulkReply([]byte(channel)),
			bulkReply(payload),
		}))
	} else {
		out = []byte("message " + channel + " " + string(payload) + "\n")
	}
	s.l.queueWrite(s.fd, conn, out)
}

func (l *listener) queueWrite(fd int, conn *cacheConn, data []byte) {
	if !conn.Enqueue(data) {
		l.closeConn(fd)
		return
	}
	l.flushWrites(fd, conn)
}

func (l *listener) flushWrites(fd int, conn *cacheConn) {
	if conn.WritePending || conn.QueueDepth() == 0 {
		return
	}
	conn.WritePending = true
	l.cache.loop.SubmitWritev(fd, conn.DrainIovecs(listenerBatch), l)
}

func (l *listener) onWriteComplete(fd int, res int32) {
	l.mu.Lock()
	conn, ok := l.conns[fd]
	l.mu.Unlock()
	if !ok {
		return
	}
	conn.WritePending = false
	if res < 0 {
		l.closeConn(fd)
		return
	}
	l.cache.Runtime.Metrics.RecordWrite(int(res))
	conn.CommitBatch()
	l.flushWrites(fd, conn)
}

func (l *listener) closeConn(fd int) {
	l.mu.Lock()
	conn, ok := l.conns[fd]
	l.mu.Unlock()
	if !ok || conn.Closing {
		return
	}
	conn.Closing = true
	l.cache.Runtime.Metrics.Disconnect()
	l.cache.loop.SubmitShutdown(fd, l)
}

// stop half-closes the listener and every wire connection.
func (l *listener) stop() {
	l.cache.loop.SubmitShutdown(l.listenFD, l)
	l.mu.Lock()
	fds := make([]int, 0, len(l.conns))
	for fd := range l.conns {
		fds = append(fds, fd)
	}
	l.mu.Unlock()
	for _, fd := range fds {
		l.closeConn(fd)
	}
}
