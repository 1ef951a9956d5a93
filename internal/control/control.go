// Package control implements the local control channel (spec §4.8): a
// filesystem Unix-domain stream socket, chmod 0666, one line-buffered
// session per client, framed `<status-byte><body>\0` replies, and
// interactive attach mode. It is wired onto the same completion loop as
// every other runtime, following the teacher's queue.Runner submit-then-
// confirm discipline exactly the way internal/server does, since spec
// §2 calls the control channel "itself just another runtime-shaped
// handler attached to the same loop."
package control

import (
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/HiImSmiley/socketleyd/internal/connio"
	"github.com/HiImSmiley/socketleyd/internal/engine"
	"github.com/HiImSmiley/socketleyd/internal/errs"
	"github.com/HiImSmiley/socketleyd/internal/logging"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

// Dispatcher is the narrow interface the control channel executes parsed
// commands and interactive forwarding through, implemented by
// internal/daemon.Daemon. Keeping it narrow avoids an import cycle
// between this package and the orchestration layer that wires every
// engine together.
type Dispatcher interface {
	Execute(cmd string, args []string) (status byte, body string)
	Attach(name string, sessionFD int, sink func([]byte)) (rt.Kind, error)
	Detach(name string, sessionFD int)
	Forward(name string, line []byte) []byte
}

type session struct {
	connio.Conn
	interactive bool
	target      string
}

// Channel runs the control-channel listener and every connected client
// session.
type Channel struct {
	loop       *engine.Loop
	log        *logging.Logger
	disp       Dispatcher
	socketPath string

	listenFD int

	mu       sync.Mutex
	sessions map[int]*session
}

// New creates a Channel bound to loop's completion engine, dispatching
// parsed commands through disp.
func New(loop *engine.Loop, log *logging.Logger, disp Dispatcher, socketPath string) *Channel {
	return &Channel{
		loop: loop, log: log, disp: disp, socketPath: socketPath,
		sessions: make(map[int]*session),
	}
}

// Start binds the control socket, sets its mode to 0666 per spec §4.8,
// and arms a multishot accept.
func (ch *Channel) Start() error {
	_ = os.Remove(ch.socketPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return errs.Wrap("control.Start", err)
	}
	sa := &unix.SockaddrUnix{Name: ch.socketPath}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return errs.Wrap("control.Start", err)
	}
	if err := os.Chmod(ch.socketPath, 0o666); err != nil {
		unix.Close(fd)
		return errs.Wrap("control.Start", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return errs.Wrap("control.Start", err)
	}
	ch.listenFD = fd
	ch.loop.SubmitMultishotAccept(fd, ch)
	return nil
}

// OnCompletion implements engine.Handler.
func (ch *Channel) OnCompletion(kind engine.OpKind, fd int, res int32, flags uint32, buf []byte) {
	switch kind {
	case engine.OpMultishotAccept:
		ch.onAccept(res)
	case engine.OpReadProvidedBuffer:
		ch.onRead(fd, res, buf)
	case engine.OpWritev:
		ch.onWriteComplete(fd, res)
	case engine.OpShutdown:
		ch.loop.SubmitClose(fd, ch)
	case engine.OpClose:
		ch.mu.Lock()
		delete(ch.sessions, fd)
		ch.mu.Unlock()
	}
}

func (ch *Channel) onAccept(res int32) {
	if res < 0 {
		return
	}
	fd := int(res)
	sess := &session{Conn: *connio.New(fd, "")}
	ch.mu.Lock()
	ch.sessions[fd] = sess
	ch.mu.Unlock()
	ch.loop.SubmitReadProvidedBuffer(fd, ch)
}

func (ch *Channel) onRead(fd int, res int32, buf []byte) {
	if res <= 0 {
		ch.closeSession(fd)
		return
	}
	ch.mu.Lock()
	sess, ok := ch.sessions[fd]
	ch.mu.Unlock()
	if !ok {
		return
	}
	if !sess.AppendRead(buf) {
		ch.closeSession(fd)
		return
	}
	ch.pumpLines(fd, sess)
}

func (ch *Channel) pumpLines(fd int, sess *session) {
	for {
		acc := sess.Accumulated()
		idx := indexByte(acc, '\n')
		if idx < 0 {
			return
		}
		line := acc[:idx]
		line = strings.TrimSuffix(string(line), "\r")
		sess.ConsumeRead(idx + 1)
		if line == "" {
			continue
		}
		ch.handleLine(fd, sess, line)
	}
}

func indexByte(b []byte, ch byte) int {
	for i, c := range b {
		if c == ch {
			return i
		}
	}
	return -1
}

// handleLine dispatches one parsed line: either to the interactive
// target (spec §4.8's "subsequent lines from the client are forwarded
// as inputs") or, for a non-interactive session, as a control command
// whose framed reply is written back.
func (ch *Channel) handleLine(fd int, sess *session, line string) {
	if sess.interactive {
		reply := ch.disp.Forward(sess.target, []byte(line))
		if reply != nil {
			ch.queueWrite(fd, sess, reply)
		}
		return
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	interactive := cmd == "start" && len(args) >= 1 && hasFlag(args, "-i")
	if interactive {
		args = stripFlag(args, "-i")
	}

	status, body := ch.disp.Execute(cmd, args)
	if status == 0 && interactive {
		name := args[0]
		_, err := ch.disp.Attach(name, fd, func(out []byte) {
			ch.mu.Lock()
			s := ch.sessions[fd]
			ch.mu.Unlock()
			if s != nil {
				ch.queueWrite(fd, s, out)
			}
		})
		if err == nil {
			sess.interactive = true
			sess.target = name
		}
	}
	ch.reply(fd, sess, status, body)
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func stripFlag(args []string, flag string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a != flag {
			out = append(out, a)
		}
	}
	return out
}

// frameReply renders a command result per spec §6.1: one status byte
// followed by the body followed by a NUL terminator.
func frameReply(status byte, body string) []byte {
	out := make([]byte, 0, len(body)+2)
	out = append(out, status)
	out = append(out, body...)
	out = append(out, 0)
	return out
}

func (ch *Channel) reply(fd int, sess *session, status byte, body string) {
	ch.queueWrite(fd, sess, frameReply(status, body))
}

const maxBatchedBlobs = 32

func (ch *Channel) queueWrite(fd int, sess *session, data []byte) {
	if !sess.Enqueue(data) {
		ch.closeSession(fd)
		return
	}
	if !sess.WritePending {
		sess.WritePending = true
		ch.flushWrites(fd, sess)
	}
}

func (ch *Channel) flushWrites(fd int, sess *session) {
	if sess.QueueDepth() == 0 {
		sess.WritePending = false
		return
	}
	ch.loop.SubmitWritev(fd, sess.DrainIovecs(maxBatchedBlobs), ch)
}

func (ch *Channel) onWriteComplete(fd int, res int32) {
	ch.mu.Lock()
	sess, ok := ch.sessions[fd]
	ch.mu.Unlock()
	if !ok {
		return
	}
	if res < 0 {
		ch.closeSession(fd)
		return
	}
	sess.CommitBatch()
	ch.flushWrites(fd, sess)
}

// closeSession performs the half-close-before-close teardown (spec
// §4.1) and detaches any interactive registration.
func (ch *Channel) closeSession(fd int) {
	ch.mu.Lock()
	sess, ok := ch.sessions[fd]
	ch.mu.Unlock()
	if !ok || sess.Closing {
		return
	}
	sess.Closing = true
	if sess.interactive {
		ch.disp.Detach(sess.target, fd)
	}
	ch.loop.SubmitShutdown(fd, ch)
}

// Stop half-closes the listener and every session, and removes the
// socket file.
func (ch *Channel) Stop() {
	ch.loop.SubmitShutdown(ch.listenFD, ch)
	ch.mu.Lock()
	fds := make([]int, 0, len(ch.sessions))
	for fd := range ch.sessions {
		fds = append(fds, fd)
	}
	ch.mu.Unlock()
	for _, fd := range fds {
		ch.closeSession(fd)
	}
	_ = os.Remove(ch.socketPath)
}
