// Package clientrt implements the outbound client engine (spec §4.5):
// non-blocking connect, cached address resolution, exponential-backoff
// reconnect, and line/UDP send modes. Its retry-with-backoff shape is
// grounded on the teacher's queue.Runner.Start()/Prime() retry loop for
// a ublk device node's appearance (internal/queue/runner.go), generalized
// from a fixed-interval poll to jittered exponential backoff since a TCP
// peer's availability is far less predictable than a kernel-created
// device node's.
package clientrt

import (
	"math/rand"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/HiImSmiley/socketleyd/internal/connio"
	"github.com/HiImSmiley/socketleyd/internal/engine"
	"github.com/HiImSmiley/socketleyd/internal/errs"
	"github.com/HiImSmiley/socketleyd/internal/logging"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

const (
	maxBackoff  = 30 * time.Second
	maxExponent = 4 // 2^4 = 16s before the 30s cap
)

// backoff computes the exponential-backoff-with-jitter delay for the
// given 0-indexed retry attempt (spec §4.5).
func backoff(attempt int) time.Duration {
	exp := attempt
	if exp > maxExponent {
		exp = maxExponent
	}
	base := time.Duration(1<<uint(exp)) * time.Second
	if base > maxBackoff {
		base = maxBackoff
	}
	jitter := time.Duration(rand.Intn(500)) * time.Millisecond
	return base + jitter
}

// Client runs one client-kind runtime: a single outbound connection with
// automatic reconnect.
type Client struct {
	Runtime *rt.Runtime
	loop    *engine.Loop
	log     *logging.Logger

	fd       int
	conn     *connio.Conn
	attempt  int
	stopping bool

	resolvedAddr *net.TCPAddr

	// OnData, if set, is invoked after every successful read with the
	// connection whose accumulator just grew — the seam a linked-cache
	// follower (internal/cache's replication.go) uses to drain and apply
	// replicated command lines without this package knowing about caches.
	OnData func(*connio.Conn)

	// Sink, if set, receives every raw chunk read from the remote peer,
	// mirroring output to an attached interactive control-channel
	// session (spec §4.8).
	Sink func([]byte)

	// OnConnect, if set, fires after every successful (re)connect —
	// the seam a replication follower uses to announce itself to the
	// leader before the stream starts.
	OnConnect func()
}

// New creates a Client for runtime r.
func New(r *rt.Runtime, loop *engine.Loop, log *logging.Logger) *Client {
	return &Client{Runtime: r, loop: loop, log: log}
}

// Start resolves the remote address (once, cached until a connect
// failure invalidates it) and begins the connect sequence.
func (c *Client) Start() error {
	cfg := c.Runtime.Client
	if cfg == nil {
		return errs.New("clientrt.Start", errs.CodeInvalidArgument, "runtime has no client config")
	}
	if err := c.resolve(); err != nil {
		return err
	}
	c.dial()
	return nil
}

func (c *Client) resolve() error {
	cfg := c.Runtime.Client
	host, portStr, err := net.SplitHostPort(cfg.RemoteAddr)
	if err != nil {
		return errs.Wrap("clientrt.resolve", err)
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return errs.NewForRuntime("clientrt.resolve", c.Runtime.Name, errs.CodeUnavailable, "dns lookup failed")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errs.Wrap("clientrt.resolve", err)
	}
	c.resolvedAddr = &net.TCPAddr{IP: ips[0], Port: port}
	return nil
}

func (c *Client) dial() {
	proto := unix.SOCK_STREAM
	if c.Runtime.Client.Proto == "udp" {
		proto = unix.SOCK_DGRAM
	}
	fd, err := unix.Socket(unix.AF_INET, proto, 0)
	if err != nil {
		c.scheduleReconnect()
		return
	}
	c.fd = fd

	sa := &unix.SockaddrInet4{Port: c.resolvedAddr.Port}
	copy(sa.Addr[:], c.resolvedAddr.IP.To4())

	if proto == unix.SOCK_DGRAM {
		// UDP has no handshake; connect(2) just pins the default peer so
		// plain writes address it.
		if err := unix.Connect(fd, sa); err != nil {
			c.scheduleReconnect()
			return
		}
		c.onConnected(0)
		return
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		c.scheduleReconnect()
		return
	}
	c.loop.SubmitConnect(fd, 0, 0, connectHandler{c})
}

type connectHandler struct{ c *Client }

func (h connectHandler) OnCompletion(_ engine.OpKind, _ int, res int32, _ uint32, _ []byte) {
	h.c.onConnected(res)
}

func (c *Client) onConnected(res int32) {
	if res < 0 {
		c.resolvedAddr = nil // invalidate cached resolution on failure
		c.scheduleReconnect()
		return
	}
	c.attempt = 0
	c.conn = connio.New(c.fd, c.Runtime.Client.RemoteAddr)
	c.Runtime.Metrics.Accept()
	c.loop.SubmitReadProvidedBuffer(c.fd, readHandler{c})
	if c.OnConnect != nil {
		c.OnConnect()
	}
}

type readHandler struct{ c *Client }

func (h readHandler) OnCompletion(_ engine.OpKind, fd int, res int32, _ uint32, buf []byte) {
	h.c.onRead(fd, res, buf)
}

func (c *Client) onRead(fd int, res int32, buf []byte) {
	if res <= 0 {
		c.handleDisconnect()
		return
	}
	c.Runtime.Metrics.RecordRead(int(res))
	if !c.conn.AppendRead(buf) {
		c.handleDisconnect()
		return
	}
	if c.OnData != nil {
		c.OnData(c.conn)
	}
	if c.Sink != nil {
		c.Sink(buf)
	}
}

func (c *Client) handleDisconnect() {
	if c.stopping {
		return
	}
	c.Runtime.Metrics.Disconnect()
	if !c.Runtime.Client.Reconnect {
		return
	}
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	cfg := c.Runtime.Client
	if c.stopping || !cfg.Reconnect {
		return
	}
	if cfg.MaxAttempts > 0 && c.attempt >= cfg.MaxAttempts {
		c.log.Warn("reconnect attempts exhausted", "remote", cfg.RemoteAddr, "attempts", c.attempt)
		c.Runtime.Metrics.RecordError()
		return
	}
	delay := backoff(c.attempt)
	c.attempt++
	c.loop.SubmitTimeout(delay, reconnectHandler{c})
}

type reconnectHandler struct{ c *Client }

func (h reconnectHandler) OnCompletion(engine.OpKind, int, int32, uint32, []byte) {
	c := h.c
	if c.stopping {
		return
	}
	if c.resolvedAddr == nil {
		if err := c.resolve(); err != nil {
			c.scheduleReconnect()
			return
		}
	}
	c.dial()
}

const sendBatch = 32

// Send queues data for transmission over the current connection. In
// line mode an LF is appended if absent (spec §4.5); UDP mode sends the
// payload as one unframed datagram over the connected socket. Queued
// sends behind an in-flight write preserve submission order.
func (c *Client) Send(data []byte) bool {
	if c.conn == nil {
		return false
	}
	if c.Runtime.Client.Proto != "udp" && (len(data) == 0 || data[len(data)-1] != '\n') {
		data = append(append([]byte(nil), data...), '\n')
	}
	if !c.conn.Enqueue(data) {
		return false
	}
	c.Runtime.Metrics.RecordMessage()
	c.flushWrites()
	return true
}

func (c *Client) flushWrites() {
	if c.conn.WritePending || c.conn.QueueDepth() == 0 {
		return
	}
	c.conn.WritePending = true
	c.loop.SubmitWritev(c.fd, c.conn.DrainIovecs(sendBatch), writeHandler{c})
}

type writeHandler struct{ c *Client }

func (h writeHandler) OnCompletion(_ engine.OpKind, _ int, res int32, _ uint32, _ []byte) {
	c := h.c
	if c.conn == nil {
		return
	}
	c.conn.WritePending = false
	if res < 0 {
		c.handleDisconnect()
		return
	}
	c.Runtime.Metrics.RecordWrite(int(res))
	c.conn.CommitBatch()
	c.flushWrites()
}

// Stop half-closes the connection and suppresses further reconnects.
func (c *Client) Stop() {
	c.stopping = true
	if c.fd != 0 {
		c.loop.SubmitShutdown(c.fd, stopHandler{c})
	}
}

type stopHandler struct{ c *Client }

func (h stopHandler) OnCompletion(_ engine.OpKind, fd int, _ int32, _ uint32, _ []byte) {
	h.c.loop.SubmitClose(fd, noopHandler{})
}

type noopHandler struct{}

func (noopHandler) OnCompletion(engine.OpKind, int, int32, uint32, []byte) {}
