package cache

import (
	"strconv"
	"strings"
	"sync"
)

// Linker resolves a cache runtime by name and executes a single line
// against it, implementing the narrow server.CacheLink interface so the
// server engine can forward "cache <cmd>" lines (spec §4.7's "linked
// cache protocol") without importing this package's full surface.
type Linker struct {
	mu     sync.RWMutex
	caches map[string]*Cache
}

// NewLinker creates an empty Linker.
func NewLinker() *Linker {
	return &Linker{caches: make(map[string]*Cache)}
}

// Register makes a cache runtime's engine reachable by name for linked
// lookups. Called when a cache-kind runtime starts.
func (l *Linker) Register(name string, c *Cache) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.caches[name] = c
}

// Unregister removes name, called when a cache-kind runtime stops.
func (l *Linker) Unregister(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.caches, name)
}

// Get returns the named cache engine, if running.
func (l *Linker) Get(name string) (*Cache, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.caches[name]
	return c, ok
}

// HandleLine implements server.CacheLink: it looks up name, parses line
// as a space-separated command, executes it, and renders the reply in
// the default line format.
func (l *Linker) HandleLine(name string, line []byte) []byte {
	c, ok := l.Get(name)
	if !ok {
		return []byte("error: no such cache")
	}
	args := strings.Fields(string(line))
	reply := c.Execute(args)
	return EncodeLine(reply)
}

// HandleRESP implements server.CacheLink's RESP surface: it decodes one
// RESP command from the front of buf, executes it against the named
// cache, and returns the RESP-encoded reply plus bytes consumed.
// ok=false means buf does not yet hold a complete command; consumed < 0
// flags malformed framing so the caller can close the connection.
func (l *Linker) HandleRESP(name string, buf []byte) (reply []byte, consumed int, ok bool) {
	c, found := l.Get(name)
	if !found {
		return EncodeRESP(errReply("no such cache")), len(buf), true
	}
	args, n, complete, err := ParseRESP(buf)
	if err != nil {
		return nil, -1, false
	}
	if !complete {
		return nil, 0, false
	}
	return EncodeRESP(c.Execute(args)), n, true
}

// Store implements the server's "store every message under a
// monotonically increasing key" option (spec §4.7's linked-cache
// protocol second mode): it SETs key = the named cache's own running
// counter against the line-mode value.
func (l *Linker) Store(name string, line []byte) {
	c, ok := l.Get(name)
	if !ok {
		return
	}
	c.mu.Lock()
	c.monoKey++
	key := strconv.FormatUint(c.monoKey, 10)
	c.mu.Unlock()
	c.Execute([]string{"SET", key, string(line)})
}
