// Package connio holds the per-connection state machine shared by the
// server and proxy engines (spec §3.3). It generalizes the teacher's
// per-tag TagState discipline (internal/queue/runner.go: a tag is never
// freed while a fetch or commit is in flight) to two independent
// in-flight flags, one per direction, since a socket connection can have
// a read and a write outstanding simultaneously while a ublk tag only
// ever had one op in flight.
package connio

import (
	"syscall"
	"time"
)

// Protocol is the auto-detected wire protocol for a connection (spec §4.4).
type Protocol int

const (
	ProtoUnknown Protocol = iota
	ProtoLine
	ProtoHTTP
	ProtoWebSocket
	ProtoRESP
)

const (
	maxReadAccumulator = 1 << 20 // 1 MiB, spec §5 resource bound
	maxWriteQueue      = 4096    // blobs, spec §5 resource bound
)

// WriteBlob is one queued, refcounted outbound buffer.
type WriteBlob struct {
	Data []byte
	refs int32
}

// Conn is the per-connection state spec §3.3 describes, embedded by both
// server.conn and proxy.conn.
type Conn struct {
	FD     int
	Remote string

	ReadPending  bool
	WritePending bool
	Closing      bool

	readAccum []byte
	writeQ    []*WriteBlob

	// scratch pins the iovec slice and its blobs for the duration of one
	// in-flight vectored write (spec §3.3's "write batch scratch"): the
	// kernel holds raw pointers into these buffers until the completion
	// arrives, so the Conn keeps them reachable rather than relying on
	// the caller's stack frame surviving that long.
	scratch      []syscall.Iovec
	scratchBlobs []*WriteBlob

	Proto Protocol

	// WebSocket handshake state
	WSHandshakeDone bool
	WSHeaders       map[string]string

	// token-bucket rate limiting
	bucket TokenBucket

	LastActivity time.Time
	Meta         map[string]string
}

// New creates a Conn bound to fd.
func New(fd int, remote string) *Conn {
	return &Conn{
		FD: fd, Remote: remote,
		Meta:         map[string]string{},
		LastActivity: time.Now(),
	}
}

// AppendRead appends newly-received bytes to the accumulator, enforcing
// the 1 MiB cap (spec §3.3 invariant I1): once full, further appends are
// rejected so the caller can close the connection rather than grow
// memory unboundedly on a slow or hostile reader.
func (c *Conn) AppendRead(b []byte) bool {
	if len(c.readAccum)+len(b) > maxReadAccumulator {
		return false
	}
	c.readAccum = append(c.readAccum, b...)
	c.LastActivity = time.Now()
	return true
}

// Accumulated returns the current read accumulator.
func (c *Conn) Accumulated() []byte { return c.readAccum }

// ConsumeRead drops the first n bytes of the accumulator after they have
// been framed into a complete message.
func (c *Conn) ConsumeRead(n int) {
	c.readAccum = c.readAccum[n:]
}

// Enqueue appends a blob to the write queue, enforcing the 4096-blob cap
// (spec §3.3 invariant I2). Returns false if the queue is full.
func (c *Conn) Enqueue(data []byte) bool {
	if len(c.writeQ) >= maxWriteQueue {
		return false
	}
	c.writeQ = append(c.writeQ, &WriteBlob{Data: data, refs: 1})
	return true
}

// DrainIovecs moves up to max queued blobs into the scratch batch and
// returns the iovec view over them for a single vectored write (spec
// §4.4's "batch up to 32 pending blobs per writev"). The drained blobs
// stay referenced by the scratch until CommitBatch releases them.
func (c *Conn) DrainIovecs(max int) []syscall.Iovec {
	n := len(c.writeQ)
	if n > max {
		n = max
	}
	c.scratch = make([]syscall.Iovec, n)
	c.scratchBlobs = append(c.scratchBlobs[:0], c.writeQ[:n]...)
	for i, b := range c.scratchBlobs {
		c.scratch[i].Base = &b.Data[0]
		c.scratch[i].SetLen(len(b.Data))
	}
	return c.scratch
}

// CommitBatch removes the blobs of the completed scratch batch from the
// front of the queue and releases the scratch references, returning how
// many blobs were committed.
func (c *Conn) CommitBatch() int {
	n := len(c.scratchBlobs)
	c.writeQ = c.writeQ[n:]
	c.scratch = nil
	c.scratchBlobs = c.scratchBlobs[:0]
	return n
}

// QueueDepth reports the number of blobs currently queued.
func (c *Conn) QueueDepth() int { return len(c.writeQ) }

// PendingData returns the payloads still queued, for the drain-on-stop
// fallback path's best-effort blocking writes.
func (c *Conn) PendingData() [][]byte {
	out := make([][]byte, 0, len(c.writeQ))
	for _, b := range c.writeQ {
		out = append(out, b.Data)
	}
	return out
}

// ReleaseQueued drops every queued blob reference without freeing the
// Conn itself, so teardown can release message memory promptly while
// in-flight completions still reference the struct.
func (c *Conn) ReleaseQueued() {
	c.writeQ = nil
	c.scratch = nil
	c.scratchBlobs = nil
}

// ConfigureTokenBucket sets the rate and burst for this connection's
// token-bucket limiter (spec §3.3's rate-limiting field).
func (c *Conn) ConfigureTokenBucket(ratePerSec, burst float64) {
	c.bucket.Configure(ratePerSec, burst)
}

// Allow reports whether n messages may be admitted under the
// connection's token bucket, refilling proportionally to elapsed time
// since the last check.
func (c *Conn) Allow(n float64) bool {
	return c.bucket.Allow(n)
}

// TokenBucket is a standalone token-bucket rate limiter (spec §3.2's
// per-connection and global message-rate ceilings). Conn embeds one per
// connection; a server also keeps one for the global ceiling shared
// across all of its connections.
type TokenBucket struct {
	rate    float64
	burst   float64
	tokens  float64
	lastRef time.Time
}

// Configure sets the bucket's rate and burst, resetting it to full.
// A non-positive rate disables the check entirely (Allow always true);
// a non-positive burst defaults to one second's worth of tokens.
func (b *TokenBucket) Configure(ratePerSec, burst float64) {
	if burst <= 0 {
		burst = ratePerSec
	}
	b.rate, b.burst = ratePerSec, burst
	b.tokens = burst
	b.lastRef = time.Now()
}

// Allow reports whether n tokens may be admitted, refilling
// proportionally to elapsed time since the last check.
func (b *TokenBucket) Allow(n float64) bool {
	if b.rate <= 0 {
		return true
	}
	now := time.Now()
	elapsed := now.Sub(b.lastRef).Seconds()
	b.lastRef = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}
