package cache

import (
	"strconv"
	"strings"
	"time"
)

// Reply is the result of executing one command: either a value (for the
// line-protocol and RESP encoders to render) or an error message.
type Reply struct {
	Kind  ReplyKind
	Str   string
	Int   int64
	Bulk  []byte
	Array []Reply
	Nil   bool
	Err   string
}

// ReplyKind discriminates how a Reply should be rendered.
type ReplyKind byte

const (
	ReplySimple ReplyKind = iota
	ReplyInt
	ReplyBulk
	ReplyArray
	ReplyError
)

func errReply(msg string) Reply  { return Reply{Kind: ReplyError, Err: msg} }
func simpleReply(s string) Reply { return Reply{Kind: ReplySimple, Str: s} }
func intReply(n int64) Reply     { return Reply{Kind: ReplyInt, Int: n} }
func bulkReply(b []byte) Reply   { return Reply{Kind: ReplyBulk, Bulk: b} }
func nilReply() Reply            { return Reply{Kind: ReplyBulk, Nil: true} }
func arrayReply(items []Reply) Reply {
	return Reply{Kind: ReplyArray, Array: items}
}

// Execute runs one already-split command (a case-insensitive verb
// followed by its arguments) against the cache, per spec §4.7's command
// table.
func (c *Cache) Execute(args []string) Reply {
	if len(args) == 0 {
		return errReply("empty command")
	}
	cmd := strings.ToUpper(args[0])
	rest := args[1:]

	if !c.accessAllowed(cmd) {
		return errReply("access denied: " + cmd)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reply := c.dispatchLocked(cmd, rest)
	if reply.Kind != ReplyError && mutatingCommands[cmd] {
		c.propagateLocked(append([]string{cmd}, rest...))
	}
	return reply
}

// mutatingCommands lists the verbs a leader forwards to its followers;
// admin/node-local verbs (FLUSH, LOAD) and reads are never replicated.
var mutatingCommands = map[string]bool{
	"SET": true, "SETNX": true, "SETEX": true, "PSETEX": true, "GETSET": true,
	"DEL": true, "INCR": true, "INCRBY": true, "DECR": true, "DECRBY": true,
	"APPEND": true, "MSET": true,
	"LPUSH": true, "RPUSH": true, "LPOP": true, "RPOP": true,
	"SADD": true, "SREM": true,
	"HSET": true, "HDEL": true,
	"EXPIRE": true, "PEXPIRE": true, "EXPIREAT": true, "PEXPIREAT": true,
	"PERSIST": true,
}

func (c *Cache) dispatchLocked(cmd string, rest []string) Reply {
	switch cmd {
	case "GET":
		return c.cmdGet(rest)
	case "SET":
		return c.cmdSet(rest)
	case "SETNX":
		return c.cmdSetNX(rest)
	case "SETEX":
		return c.cmdSetEX(rest, time.Second)
	case "PSETEX":
		return c.cmdSetEX(rest, time.Millisecond)
	case "GETSET":
		return c.cmdGetSet(rest)
	case "DEL":
		return c.cmdDel(rest)
	case "EXISTS":
		return c.cmdExists(rest)
	case "INCR":
		return c.cmdIncrBy(rest, 1, true)
	case "INCRBY":
		return c.cmdIncrBy(rest, 0, false)
	case "DECR":
		return c.cmdIncrBy(rest, -1, true)
	case "DECRBY":
		return c.cmdDecrBy(rest)
	case "APPEND":
		return c.cmdAppend(rest)
	case "STRLEN":
		return c.cmdStrlen(rest)
	case "MGET":
		return c.cmdMGet(rest)
	case "MSET":
		return c.cmdMSet(rest)
	case "TYPE":
		return c.cmdType(rest)
	case "KEYS":
		return c.cmdKeys(rest)
	case "SCAN":
		return c.cmdScan(rest)
	case "LPUSH":
		return c.cmdPush(rest, true)
	case "RPUSH":
		return c.cmdPush(rest, false)
	case "LPOP":
		return c.cmdPop(rest, true)
	case "RPOP":
		return c.cmdPop(rest, false)
	case "LLEN":
		return c.cmdLLen(rest)
	case "LRANGE":
		return c.cmdLRange(rest)
	case "LINDEX":
		return c.cmdLIndex(rest)
	case "SADD":
		return c.cmdSAdd(rest)
	case "SREM":
		return c.cmdSRem(rest)
	case "SCARD":
		return c.cmdSCard(rest)
	case "SISMEMBER":
		return c.cmdSIsMember(rest)
	case "SMEMBERS":
		return c.cmdSMembers(rest)
	case "HSET":
		return c.cmdHSet(rest)
	case "HGET":
		return c.cmdHGet(rest)
	case "HDEL":
		return c.cmdHDel(rest)
	case "HLEN":
		return c.cmdHLen(rest)
	case "HGETALL":
		return c.cmdHGetAll(rest)
	case "EXPIRE":
		return c.cmdExpire(rest, time.Second, false)
	case "PEXPIRE":
		return c.cmdExpire(rest, time.Millisecond, false)
	case "EXPIREAT":
		return c.cmdExpire(rest, time.Second, true)
	case "PEXPIREAT":
		return c.cmdExpire(rest, time.Millisecond, true)
	case "TTL":
		return c.cmdTTL(rest, time.Second)
	case "PTTL":
		return c.cmdTTL(rest, time.Millisecond)
	case "PERSIST":
		return c.cmdPersist(rest)
	case "SIZE":
		return intReply(int64(len(c.data)))
	case "MEMORY":
		return c.cmdMemory(rest)
	case "FLUSH":
		return c.cmdFlush(rest)
	case "LOAD":
		return c.cmdLoadCmd(rest)
	case "SUBSCRIBE", "UNSUBSCRIBE", "PUBLISH":
		// These require a connection-shaped caller (a Subscriber); the
		// line-command surface rejects them here and the cache's wire
		// listener (connCommand in listener.go) calls
		// Subscribe/Unsubscribe/Publish directly instead.
		return errReply("use the pub/sub API, not a line command")
	default:
		return errReply("unknown command: " + cmd)
	}
}

func (c *Cache) cmdGet(args []string) Reply {
	if len(args) != 1 {
		return errReply("wrong number of arguments for GET")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindString {
		if ok && e.value.Kind != KindString {
			return nilReply()
		}
		return nilReply()
	}
	c.touchLocked(e)
	return bulkReply([]byte(e.value.Str))
}

func (c *Cache) cmdSet(args []string) Reply {
	if len(args) < 2 {
		return errReply("wrong number of arguments for SET")
	}
	key, val := args[0], args[1]
	incoming := entrySize(key, Value{Kind: KindString, Str: val})
	if e, ok := c.data[key]; ok {
		if e.value.Kind != KindString {
			return errReply(typeConflict("SET", key).Error())
		}
		incoming -= e.size // a replacement only charges its growth
	}
	if c.atCapacityLocked(key, incoming) {
		return errReply("resource limit exceeded")
	}
	c.setLocked(key, Value{Kind: KindString, Str: val}, nil)
	return simpleReply("OK")
}

func (c *Cache) cmdSetNX(args []string) Reply {
	if len(args) != 2 {
		return errReply("wrong number of arguments for SETNX")
	}
	if _, ok := c.getLocked(args[0]); ok {
		return intReply(0)
	}
	c.setLocked(args[0], Value{Kind: KindString, Str: args[1]}, nil)
	return intReply(1)
}

func (c *Cache) cmdSetEX(args []string, unit time.Duration) Reply {
	if len(args) != 3 {
		return errReply("wrong number of arguments for SETEX")
	}
	n, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return errReply("invalid expire time")
	}
	if e, ok := c.getLocked(args[0]); ok && e.value.Kind != KindString {
		return errReply("type conflict")
	}
	exp := time.Now().Add(time.Duration(n) * unit)
	c.setLocked(args[0], Value{Kind: KindString, Str: args[2]}, &exp)
	return simpleReply("OK")
}

func (c *Cache) cmdGetSet(args []string) Reply {
	if len(args) != 2 {
		return errReply("wrong number of arguments for GETSET")
	}
	old, ok := c.getLocked(args[0])
	if ok && old.value.Kind != KindString {
		return errReply("type conflict")
	}
	var prev Reply
	if ok && old.value.Kind == KindString {
		prev = bulkReply([]byte(old.value.Str))
	} else {
		prev = nilReply()
	}
	c.setLocked(args[0], Value{Kind: KindString, Str: args[1]}, nil)
	return prev
}

func (c *Cache) cmdDel(args []string) Reply {
	n := 0
	for _, k := range args {
		if _, ok := c.getLocked(k); ok {
			c.removeLocked(k)
			n++
		}
	}
	return intReply(int64(n))
}

func (c *Cache) cmdExists(args []string) Reply {
	n := 0
	for _, k := range args {
		if _, ok := c.getLocked(k); ok {
			n++
		}
	}
	return intReply(int64(n))
}

func (c *Cache) cmdIncrBy(args []string, fixedDelta int64, useFixed bool) Reply {
	if len(args) < 1 {
		return errReply("wrong number of arguments")
	}
	delta := fixedDelta
	if !useFixed {
		if len(args) != 2 {
			return errReply("wrong number of arguments for INCRBY")
		}
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return errReply("value is not an integer")
		}
		delta = n
	}
	return c.applyDelta(args[0], delta)
}

func (c *Cache) cmdDecrBy(args []string) Reply {
	if len(args) != 2 {
		return errReply("wrong number of arguments for DECRBY")
	}
	n, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return errReply("value is not an integer")
	}
	return c.applyDelta(args[0], -n)
}

func (c *Cache) applyDelta(key string, delta int64) Reply {
	e, ok := c.getLocked(key)
	cur := int64(0)
	if ok {
		if e.value.Kind != KindString {
			return errReply("type conflict")
		}
		n, err := strconv.ParseInt(e.value.Str, 10, 64)
		if err != nil {
			return errReply("value is not an integer")
		}
		cur = n
	}
	cur += delta
	c.setLocked(key, Value{Kind: KindString, Str: strconv.FormatInt(cur, 10)}, nil)
	return intReply(cur)
}

func (c *Cache) cmdAppend(args []string) Reply {
	if len(args) != 2 {
		return errReply("wrong number of arguments for APPEND")
	}
	e, ok := c.getLocked(args[0])
	if ok && e.value.Kind != KindString {
		return errReply("type conflict")
	}
	s := args[1]
	if ok {
		s = e.value.Str + args[1]
	}
	c.setLocked(args[0], Value{Kind: KindString, Str: s}, nil)
	return intReply(int64(len(s)))
}

func (c *Cache) cmdStrlen(args []string) Reply {
	if len(args) != 1 {
		return errReply("wrong number of arguments for STRLEN")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindString {
		return intReply(0)
	}
	return intReply(int64(len(e.value.Str)))
}

func (c *Cache) cmdMGet(args []string) Reply {
	items := make([]Reply, len(args))
	for i, k := range args {
		e, ok := c.getLocked(k)
		if ok && e.value.Kind == KindString {
			items[i] = bulkReply([]byte(e.value.Str))
		} else {
			items[i] = nilReply()
		}
	}
	return arrayReply(items)
}

func (c *Cache) cmdMSet(args []string) Reply {
	if len(args) == 0 || len(args)%2 != 0 {
		return errReply("wrong number of arguments for MSET")
	}
	for i := 0; i < len(args); i += 2 {
		if e, ok := c.getLocked(args[i]); ok && e.value.Kind != KindString {
			return errReply("type conflict")
		}
	}
	for i := 0; i < len(args); i += 2 {
		c.setLocked(args[i], Value{Kind: KindString, Str: args[i+1]}, nil)
	}
	return simpleReply("OK")
}

func (c *Cache) cmdType(args []string) Reply {
	if len(args) != 1 {
		return errReply("wrong number of arguments for TYPE")
	}
	e, ok := c.getLocked(args[0])
	if !ok {
		return simpleReply("none")
	}
	return simpleReply(e.value.Kind.String())
}

func (c *Cache) cmdKeys(args []string) Reply {
	pattern := "*"
	if len(args) == 1 {
		pattern = args[0]
	}
	var items []Reply
	now := time.Now()
	for k, e := range c.data {
		if e.expired(now) {
			continue
		}
		if ok, _ := globMatch(pattern, k); ok {
			items = append(items, bulkReply([]byte(k)))
		}
	}
	return arrayReply(items)
}

func (c *Cache) cmdScan(args []string) Reply {
	// Cursor-less full-scan variant: accepts "SCAN 0 [MATCH pat]" and
	// always returns cursor "0" (scan complete in one round), since the
	// keyspace is held entirely in memory and an incremental cursor adds
	// no value spec §4.7 calls for.
	pattern := "*"
	for i := 0; i+1 < len(args); i++ {
		if strings.EqualFold(args[i], "MATCH") {
			pattern = args[i+1]
		}
	}
	var keys []Reply
	now := time.Now()
	for k, e := range c.data {
		if e.expired(now) {
			continue
		}
		if ok, _ := globMatch(pattern, k); ok {
			keys = append(keys, bulkReply([]byte(k)))
		}
	}
	return arrayReply([]Reply{bulkReply([]byte("0")), arrayReply(keys)})
}

func (c *Cache) cmdPush(args []string, left bool) Reply {
	if len(args) < 2 {
		return errReply("wrong number of arguments for PUSH")
	}
	key := args[0]
	e, ok := c.data[key]
	if ok && e.value.Kind != KindList {
		return errReply("type conflict")
	}
	if !ok {
		c.setLocked(key, Value{Kind: KindList}, nil)
		e = c.data[key]
	}
	for _, v := range args[1:] {
		if left {
			e.value.List = append([]string{v}, e.value.List...)
		} else {
			e.value.List = append(e.value.List, v)
		}
	}
	c.resizeLocked(e)
	c.touchLocked(e)
	c.evictIfNeededLocked(key, 0)
	return intReply(int64(len(e.value.List)))
}

func (c *Cache) cmdPop(args []string, left bool) Reply {
	if len(args) != 1 {
		return errReply("wrong number of arguments for POP")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindList || len(e.value.List) == 0 {
		return nilReply()
	}
	var v string
	if left {
		v, e.value.List = e.value.List[0], e.value.List[1:]
	} else {
		last := len(e.value.List) - 1
		v, e.value.List = e.value.List[last], e.value.List[:last]
	}
	c.resizeLocked(e)
	c.touchLocked(e)
	return bulkReply([]byte(v))
}

func (c *Cache) cmdLLen(args []string) Reply {
	if len(args) != 1 {
		return errReply("wrong number of arguments for LLEN")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindList {
		return intReply(0)
	}
	return intReply(int64(len(e.value.List)))
}

func (c *Cache) cmdLRange(args []string) Reply {
	if len(args) != 3 {
		return errReply("wrong number of arguments for LRANGE")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindList {
		return arrayReply(nil)
	}
	start, err1 := strconv.Atoi(args[1])
	stop, err2 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil {
		return errReply("value is not an integer")
	}
	n := len(e.value.List)
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		return arrayReply(nil)
	}
	var items []Reply
	for i := start; i <= stop; i++ {
		items = append(items, bulkReply([]byte(e.value.List[i])))
	}
	return arrayReply(items)
}

func normalizeRange(start, stop, n int) (int, int) {
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func (c *Cache) cmdLIndex(args []string) Reply {
	if len(args) != 2 {
		return errReply("wrong number of arguments for LINDEX")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindList {
		return nilReply()
	}
	idx, err := strconv.Atoi(args[1])
	if err != nil {
		return errReply("value is not an integer")
	}
	n := len(e.value.List)
	if idx < 0 {
		idx = n + idx
	}
	if idx < 0 || idx >= n {
		return nilReply()
	}
	return bulkReply([]byte(e.value.List[idx]))
}

func (c *Cache) cmdSAdd(args []string) Reply {
	if len(args) < 2 {
		return errReply("wrong number of arguments for SADD")
	}
	key := args[0]
	e, ok := c.data[key]
	if ok && e.value.Kind != KindSet {
		return errReply("type conflict")
	}
	if !ok {
		c.setLocked(key, Value{Kind: KindSet, Set: map[string]struct{}{}}, nil)
		e = c.data[key]
	}
	added := 0
	for _, m := range args[1:] {
		if _, exists := e.value.Set[m]; !exists {
			e.value.Set[m] = struct{}{}
			added++
		}
	}
	c.resizeLocked(e)
	c.touchLocked(e)
	c.evictIfNeededLocked(key, 0)
	return intReply(int64(added))
}

func (c *Cache) cmdSRem(args []string) Reply {
	if len(args) < 2 {
		return errReply("wrong number of arguments for SREM")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindSet {
		return intReply(0)
	}
	removed := 0
	for _, m := range args[1:] {
		if _, exists := e.value.Set[m]; exists {
			delete(e.value.Set, m)
			removed++
		}
	}
	c.resizeLocked(e)
	return intReply(int64(removed))
}

func (c *Cache) cmdSCard(args []string) Reply {
	if len(args) != 1 {
		return errReply("wrong number of arguments for SCARD")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindSet {
		return intReply(0)
	}
	return intReply(int64(len(e.value.Set)))
}

func (c *Cache) cmdSIsMember(args []string) Reply {
	if len(args) != 2 {
		return errReply("wrong number of arguments for SISMEMBER")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindSet {
		return intReply(0)
	}
	if _, exists := e.value.Set[args[1]]; exists {
		return intReply(1)
	}
	return intReply(0)
}

func (c *Cache) cmdSMembers(args []string) Reply {
	if len(args) != 1 {
		return errReply("wrong number of arguments for SMEMBERS")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindSet {
		return arrayReply(nil)
	}
	var items []Reply
	for m := range e.value.Set {
		items = append(items, bulkReply([]byte(m)))
	}
	return arrayReply(items)
}

func (c *Cache) cmdHSet(args []string) Reply {
	if len(args) < 3 || len(args)%2 != 1 {
		return errReply("wrong number of arguments for HSET")
	}
	key := args[0]
	e, ok := c.data[key]
	if ok && e.value.Kind != KindHash {
		return errReply("type conflict")
	}
	if !ok {
		c.setLocked(key, Value{Kind: KindHash, Hash: map[string]string{}}, nil)
		e = c.data[key]
	}
	added := 0
	for i := 1; i+1 < len(args); i += 2 {
		if _, exists := e.value.Hash[args[i]]; !exists {
			added++
		}
		e.value.Hash[args[i]] = args[i+1]
	}
	c.resizeLocked(e)
	c.touchLocked(e)
	c.evictIfNeededLocked(key, 0)
	return intReply(int64(added))
}

func (c *Cache) cmdHGet(args []string) Reply {
	if len(args) != 2 {
		return errReply("wrong number of arguments for HGET")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindHash {
		return nilReply()
	}
	v, exists := e.value.Hash[args[1]]
	if !exists {
		return nilReply()
	}
	return bulkReply([]byte(v))
}

func (c *Cache) cmdHDel(args []string) Reply {
	if len(args) < 2 {
		return errReply("wrong number of arguments for HDEL")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindHash {
		return intReply(0)
	}
	removed := 0
	for _, f := range args[1:] {
		if _, exists := e.value.Hash[f]; exists {
			delete(e.value.Hash, f)
			removed++
		}
	}
	c.resizeLocked(e)
	return intReply(int64(removed))
}

func (c *Cache) cmdHLen(args []string) Reply {
	if len(args) != 1 {
		return errReply("wrong number of arguments for HLEN")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindHash {
		return intReply(0)
	}
	return intReply(int64(len(e.value.Hash)))
}

func (c *Cache) cmdHGetAll(args []string) Reply {
	if len(args) != 1 {
		return errReply("wrong number of arguments for HGETALL")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.value.Kind != KindHash {
		return arrayReply(nil)
	}
	var items []Reply
	for k, v := range e.value.Hash {
		items = append(items, bulkReply([]byte(k)), bulkReply([]byte(v)))
	}
	return arrayReply(items)
}

func (c *Cache) cmdExpire(args []string, unit time.Duration, absolute bool) Reply {
	if len(args) != 2 {
		return errReply("wrong number of arguments for EXPIRE")
	}
	e, ok := c.getLocked(args[0])
	if !ok {
		return intReply(0)
	}
	n, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return errReply("value is not an integer")
	}
	var exp time.Time
	if absolute {
		exp = time.Unix(0, 0).Add(time.Duration(n) * unit)
	} else {
		exp = time.Now().Add(time.Duration(n) * unit)
	}
	e.expiry = &exp
	return intReply(1)
}

func (c *Cache) cmdTTL(args []string, unit time.Duration) Reply {
	if len(args) != 1 {
		return errReply("wrong number of arguments for TTL")
	}
	e, ok := c.getLocked(args[0])
	if !ok {
		return intReply(-2)
	}
	if e.expiry == nil {
		return intReply(-1)
	}
	remaining := time.Until(*e.expiry)
	if remaining < 0 {
		return intReply(-2)
	}
	return intReply(int64(remaining / unit))
}

func (c *Cache) cmdPersist(args []string) Reply {
	if len(args) != 1 {
		return errReply("wrong number of arguments for PERSIST")
	}
	e, ok := c.getLocked(args[0])
	if !ok || e.expiry == nil {
		return intReply(0)
	}
	e.expiry = nil
	return intReply(1)
}

func (c *Cache) cmdMemory(args []string) Reply {
	// The same running total the maxmemory eviction budget is enforced
	// against (entrySize per slot, kept current on every mutation).
	return intReply(c.used)
}

func (c *Cache) cmdFlush(args []string) Reply {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else if c.Runtime.Cache != nil {
		path = c.Runtime.Cache.SnapshotPath
	}
	if path == "" {
		return errReply("no snapshot path configured")
	}
	if err := c.saveLocked(path); err != nil {
		return errReply(err.Error())
	}
	return simpleReply("OK")
}

func (c *Cache) cmdLoadCmd(args []string) Reply {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else if c.Runtime.Cache != nil {
		path = c.Runtime.Cache.SnapshotPath
	}
	if path == "" {
		return errReply("no snapshot path configured")
	}
	if err := c.loadLocked(path); err != nil {
		return errReply(err.Error())
	}
	return simpleReply("OK")
}
