// Package cache implements the cache engine (spec §4.7): a multi-type
// in-memory key-value store with TTL expiry, LRU/random eviction,
// pub/sub, RESP2 wire support, and binary snapshots. The command
// dispatcher is a type-switch/map-lookup over command name, the same
// shape the predecessor project's internal/uapi/marshal.go uses to
// dispatch Marshal/Unmarshal over a control-command struct's
// discriminant field, generalized from a closed kernel-protocol command
// set to this engine's open (but still enumerable) command table.
package cache

import (
	"container/list"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/HiImSmiley/socketleyd/internal/clientrt"
	"github.com/HiImSmiley/socketleyd/internal/engine"
	"github.com/HiImSmiley/socketleyd/internal/errs"
	"github.com/HiImSmiley/socketleyd/internal/logging"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

// Kind identifies which field of Value is populated.
type Kind byte

const (
	KindNone Kind = iota
	KindString
	KindList
	KindSet
	KindHash
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	case KindHash:
		return "hash"
	default:
		return "none"
	}
}

// Value is the tagged union over a cache entry's payload (spec §3.4):
// exactly one of the type-specific fields is populated, selected by Kind.
type Value struct {
	Kind Kind
	Str  string
	List []string // double-ended via slice; front=index 0
	Set  map[string]struct{}
	Hash map[string]string
}

// entry is one keyspace slot: its value, optional absolute expiration,
// its LRU list linkage, and its cached byte size (kept current so the
// memory budget never needs a full keyspace walk).
type entry struct {
	key    string
	value  Value
	expiry *time.Time
	size   int64
	elem   *list.Element // element in Cache.lru, value is the key string
}

// entrySize estimates the bytes a slot pins: the key plus every string
// the payload holds. Allocator overhead is not modeled; the budget is a
// data budget, the same coarseness the MEMORY command reports.
func entrySize(key string, v Value) int64 {
	total := int64(len(key))
	switch v.Kind {
	case KindString:
		total += int64(len(v.Str))
	case KindList:
		for _, s := range v.List {
			total += int64(len(s))
		}
	case KindSet:
		for s := range v.Set {
			total += int64(len(s))
		}
	case KindHash:
		for k, hv := range v.Hash {
			total += int64(len(k) + len(hv))
		}
	}
	return total
}

func (e *entry) expired(now time.Time) bool {
	return e.expiry != nil && !now.Before(*e.expiry)
}

// Subscriber is the narrow interface through which the cache delivers a
// published message to a subscribed connection; subscriberConn in
// listener.go implements it for the cache's own wire connections.
type Subscriber interface {
	Deliver(channel string, payload []byte)
}

// Cache runs one cache-kind runtime's keyspace.
type Cache struct {
	Runtime *rt.Runtime
	loop    *engine.Loop
	log     *logging.Logger

	mu   sync.Mutex
	data map[string]*entry
	lru  *list.List // front = most recently used
	used int64      // live byte usage, sum of every entry's cached size

	channels map[string]map[Subscriber]struct{} // channel -> subscribers
	monoKey  uint64                             // linked-cache "store every message" counter

	listener *listener // wire surface, nil when no bind address configured

	replicas      map[int]func([]byte) // follower fd -> mutation sink (leader side)
	replicaClient *clientrt.Client     // non-nil when this runtime follows a leader
	stopped       bool

	// OnExpire, if set, is notified for every entry the TTL sweep or a
	// lazy read check removes (spec §4.7's expiry hook slot). Hooks must
	// not block.
	OnExpire func(key string)
}

// New creates a Cache for runtime r.
func New(r *rt.Runtime, loop *engine.Loop, log *logging.Logger) *Cache {
	return &Cache{
		Runtime:  r,
		loop:     loop,
		log:      log,
		data:     make(map[string]*entry),
		lru:      list.New(),
		channels: make(map[string]map[Subscriber]struct{}),
		replicas: make(map[int]func([]byte)),
	}
}

const ttlSweepInterval = 1 * time.Second
const ttlSampleSize = 20

// Start loads the configured snapshot path (if any) and arms the TTL
// sweep timer (spec §4.7's background expiry sampler).
func (c *Cache) Start() error {
	cfg := c.Runtime.Cache
	if cfg != nil && cfg.SnapshotPath != "" {
		if err := c.Load(cfg.SnapshotPath); err != nil && !errs.IsCode(err, errs.CodeNotFound) {
			return err
		}
	}
	c.loop.SubmitTimeout(ttlSweepInterval, ttlTick{c})
	if err := c.startListener(); err != nil {
		return err
	}
	return c.startReplication()
}

// Stop tears down the TTL sweep and any follower connection. The sweep
// timer checks c.stopped on its own next firing rather than being
// cancelled directly, since the engine has no SQE-cancel-by-handle path
// for a bare timeout.
func (c *Cache) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	if c.listener != nil {
		c.listener.stop()
	}
	c.stopReplication()
}

// addReplica registers a follower connection's mutation sink (leader
// side of spec §4.7's replication: "leader emits every mutation as its
// wire command").
func (c *Cache) addReplica(fd int, sink func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicas[fd] = sink
}

// dropReplica removes a disconnected follower.
func (c *Cache) dropReplica(fd int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.replicas, fd)
}

// propagateLocked forwards a successfully applied mutation to every
// follower as its newline-terminated wire command; callers hold c.mu.
func (c *Cache) propagateLocked(args []string) {
	if len(c.replicas) == 0 {
		return
	}
	line := []byte(strings.Join(args, " ") + "\n")
	for _, sink := range c.replicas {
		sink(line)
	}
}

type ttlTick struct{ c *Cache }

func (t ttlTick) OnCompletion(engine.OpKind, int, int32, uint32, []byte) {
	t.c.mu.Lock()
	stopped := t.c.stopped
	t.c.mu.Unlock()
	if stopped {
		return
	}
	t.c.sweepExpired()
	t.c.loop.SubmitTimeout(ttlSweepInterval, t)
}

// sweepExpired samples a bounded number of random keys and evicts any
// that have passed their expiry, per spec §4.7's lazy-plus-active TTL
// policy (a pure lazy check would let large swaths of expired keys sit
// in memory indefinitely if never read again).
func (c *Cache) sweepExpired() {
	c.mu.Lock()
	now := time.Now()
	checked := 0
	var expired []string
	for k, e := range c.data {
		if checked >= ttlSampleSize {
			break
		}
		checked++
		if e.expired(now) {
			c.removeLocked(k)
			expired = append(expired, k)
		}
	}
	hook := c.OnExpire
	c.mu.Unlock()
	if hook != nil {
		for _, k := range expired {
			hook(k)
		}
	}
}

func (c *Cache) removeLocked(key string) {
	e, ok := c.data[key]
	if !ok {
		return
	}
	c.used -= e.size
	c.lru.Remove(e.elem)
	delete(c.data, key)
}

// resizeLocked refreshes e's cached size after an in-place mutation
// (list push/pop, set add/remove, hash set/del) and adjusts the running
// total.
func (c *Cache) resizeLocked(e *entry) {
	n := entrySize(e.key, e.value)
	c.used += n - e.size
	e.size = n
}

// touchLocked moves e to the front of the LRU list (most-recently-used).
// GET, every write through setLocked, and the list push/pop, SADD and
// HSET paths call it; the other commands leave the LRU order unchanged.
func (c *Cache) touchLocked(e *entry) {
	c.lru.MoveToFront(e.elem)
}

// getLocked returns the live (non-expired) entry for key, lazily
// evicting it first if its TTL has passed (spec §3.4/§4.7: "all
// read/write paths also lazy-check expiration before returning a
// value").
func (c *Cache) getLocked(key string) (*entry, bool) {
	e, ok := c.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		c.removeLocked(key)
		if c.OnExpire != nil {
			c.OnExpire(key)
		}
		return nil, false
	}
	return e, true
}

// setLocked inserts or replaces key's entry with value, evicting under
// the configured key-count and byte budgets first.
func (c *Cache) setLocked(key string, value Value, expiry *time.Time) {
	if e, ok := c.data[key]; ok {
		e.value = value
		e.expiry = expiry
		c.resizeLocked(e)
		c.touchLocked(e)
		c.evictIfNeededLocked(key, 0)
		return
	}
	c.evictIfNeededLocked(key, entrySize(key, value))
	elem := c.lru.PushFront(key)
	e := &entry{key: key, value: value, expiry: expiry, elem: elem}
	e.size = entrySize(key, value)
	c.used += e.size
	c.data[key] = e
}

// overBudgetLocked reports whether the keyspace exceeds either budget
// once incoming extra bytes (and, for incomingKey not yet present, one
// extra entry) are admitted.
func (c *Cache) overBudgetLocked(incomingKey string, incoming int64) bool {
	cfg := c.Runtime.Cache
	if cfg == nil {
		return false
	}
	if cfg.MaxKeys > 0 {
		n := len(c.data)
		if _, exists := c.data[incomingKey]; !exists {
			n++
		}
		if n > cfg.MaxKeys {
			return true
		}
	}
	return cfg.MaxMemory > 0 && c.used+incoming > cfg.MaxMemory
}

// evictIfNeededLocked evicts entries until the keyspace fits both
// budgets with the incoming write admitted (spec §4.7: "evict least
// recently used until under the budget"). keep is never evicted, so an
// in-place growth cannot evict its own entry. Under policy "none"
// nothing is evicted; the write path rejects instead.
func (c *Cache) evictIfNeededLocked(keep string, incoming int64) {
	cfg := c.Runtime.Cache
	if cfg == nil || cfg.Eviction == "" || cfg.Eviction == "none" {
		return
	}
	for c.overBudgetLocked(keep, incoming) {
		victim, ok := c.victimLocked(keep, cfg.Eviction)
		if !ok {
			return
		}
		c.removeLocked(victim)
	}
}

func (c *Cache) victimLocked(keep, policy string) (string, bool) {
	switch policy {
	case "allkeys-random":
		for k := range c.data {
			if k != keep {
				return k, true
			}
		}
	default: // allkeys-lru
		for el := c.lru.Back(); el != nil; el = el.Prev() {
			if k := el.Value.(string); k != keep {
				return k, true
			}
		}
	}
	return "", false
}

// atCapacityLocked reports whether a write of incoming bytes to key
// cannot be admitted under policy "none" (the reject-on-exceed policy;
// budgets at exactly the limit still admit, one byte or key past it
// rejects).
func (c *Cache) atCapacityLocked(key string, incoming int64) bool {
	cfg := c.Runtime.Cache
	if cfg == nil || (cfg.Eviction != "" && cfg.Eviction != "none") {
		return false
	}
	return c.overBudgetLocked(key, incoming)
}

// Size returns the current key count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// typeConflict builds the standard "type conflict" error (spec §3.4
// invariant: the stored value is left unchanged).
func typeConflict(op, key string) error {
	return errs.NewForRuntime(op, key, errs.CodeTypeConflict, "type conflict")
}

// accessAllowed enforces spec §4.7's access-mode gate: readonly denies
// all mutation, admin is required for FLUSH/LOAD.
func (c *Cache) accessAllowed(cmd string) bool {
	mode := "readwrite"
	if c.Runtime.Cache != nil && c.Runtime.Cache.AccessMode != "" {
		mode = c.Runtime.Cache.AccessMode
	}
	switch mode {
	case "admin":
		return true
	case "readonly":
		return isReadCommand(cmd)
	default: // readwrite
		return cmd != "FLUSH" && cmd != "LOAD"
	}
}

var readCommands = map[string]bool{
	"GET": true, "EXISTS": true, "STRLEN": true, "MGET": true, "TYPE": true,
	"KEYS": true, "SCAN": true, "LLEN": true, "LRANGE": true, "LINDEX": true,
	"SCARD": true, "SISMEMBER": true, "SMEMBERS": true, "HGET": true,
	"HLEN": true, "HGETALL": true, "TTL": true, "PTTL": true, "SIZE": true,
	"MEMORY": true,
}

func isReadCommand(cmd string) bool { return readCommands[strings.ToUpper(cmd)] }

// randomKeyLocked returns a uniformly chosen key (expired entries are not
// skipped). Nothing in the package calls it: allkeys-random eviction in
// victimLocked takes the first key of a map iteration instead.
func (c *Cache) randomKeyLocked() (string, bool) {
	if len(c.data) == 0 {
		return "", false
	}
	n := rand.Intn(len(c.data))
	i := 0
	for k := range c.data {
		if i == n {
			return k, true
		}
		i++
	}
	return "", false
}
