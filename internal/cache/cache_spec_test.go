package cache_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/HiImSmiley/socketleyd/internal/cache"
	"github.com/HiImSmiley/socketleyd/internal/logging"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

func newTestCache(cfg *rt.CacheConfig) *cache.Cache {
	r := rt.New("test-cache", rt.KindCache)
	r.Cache = cfg
	return cache.New(r, nil, logging.NewLogger(nil))
}

var _ = Describe("string commands", func() {
	var c *cache.Cache

	BeforeEach(func() {
		c = newTestCache(&rt.CacheConfig{})
	})

	It("rejects an unknown command", func() {
		reply := c.Execute([]string{"NOPE"})
		Expect(reply.Kind).To(Equal(cache.ReplyError))
	})

	It("returns nil for a missing key", func() {
		reply := c.Execute([]string{"GET", "missing"})
		Expect(reply.Nil).To(BeTrue())
	})

	It("sets and gets a string", func() {
		Expect(c.Execute([]string{"SET", "k", "v"}).Str).To(Equal("OK"))
		reply := c.Execute([]string{"GET", "k"})
		Expect(reply.Bulk).To(Equal([]byte("v")))
	})

	It("refuses SET against a differently-typed key", func() {
		c.Execute([]string{"LPUSH", "k", "a"})
		reply := c.Execute([]string{"SET", "k", "v"})
		Expect(reply.Kind).To(Equal(cache.ReplyError))
	})

	It("increments a fresh key from zero", func() {
		reply := c.Execute([]string{"INCR", "counter"})
		Expect(reply.Int).To(BeEquivalentTo(1))
		reply = c.Execute([]string{"INCRBY", "counter", "41"})
		Expect(reply.Int).To(BeEquivalentTo(42))
	})

	It("rejects INCR on a non-numeric string", func() {
		c.Execute([]string{"SET", "k", "not-a-number"})
		reply := c.Execute([]string{"INCR", "k"})
		Expect(reply.Kind).To(Equal(cache.ReplyError))
	})

	It("appends to an existing string and reports the new length", func() {
		c.Execute([]string{"SET", "k", "hello"})
		reply := c.Execute([]string{"APPEND", "k", " world"})
		Expect(reply.Int).To(BeEquivalentTo(11))
	})

	It("deletes keys and counts how many existed", func() {
		c.Execute([]string{"SET", "a", "1"})
		c.Execute([]string{"SET", "b", "2"})
		reply := c.Execute([]string{"DEL", "a", "b", "c"})
		Expect(reply.Int).To(BeEquivalentTo(2))
	})

	It("matches KEYS against a glob pattern", func() {
		c.Execute([]string{"SET", "user:1", "a"})
		c.Execute([]string{"SET", "user:2", "b"})
		c.Execute([]string{"SET", "order:1", "c"})
		reply := c.Execute([]string{"KEYS", "user:*"})
		Expect(reply.Array).To(HaveLen(2))
	})
})

var _ = Describe("list, set, and hash commands", func() {
	var c *cache.Cache

	BeforeEach(func() {
		c = newTestCache(&rt.CacheConfig{})
	})

	It("pushes and pops in FIFO order via RPUSH/LPOP", func() {
		c.Execute([]string{"RPUSH", "q", "first", "second"})
		reply := c.Execute([]string{"LPOP", "q"})
		Expect(reply.Bulk).To(Equal([]byte("first")))
	})

	It("ranges over a list with negative indices", func() {
		c.Execute([]string{"RPUSH", "l", "a", "b", "c", "d"})
		reply := c.Execute([]string{"LRANGE", "l", "-2", "-1"})
		Expect(reply.Array).To(HaveLen(2))
		Expect(reply.Array[0].Bulk).To(Equal([]byte("c")))
		Expect(reply.Array[1].Bulk).To(Equal([]byte("d")))
	})

	It("dedupes SADD members and reports membership", func() {
		c.Execute([]string{"SADD", "s", "x", "y", "x"})
		Expect(c.Execute([]string{"SCARD", "s"}).Int).To(BeEquivalentTo(2))
		Expect(c.Execute([]string{"SISMEMBER", "s", "x"}).Int).To(BeEquivalentTo(1))
		Expect(c.Execute([]string{"SISMEMBER", "s", "z"}).Int).To(BeEquivalentTo(0))
	})

	It("stores and retrieves hash fields", func() {
		c.Execute([]string{"HSET", "h", "f1", "v1", "f2", "v2"})
		Expect(c.Execute([]string{"HGET", "h", "f1"}).Bulk).To(Equal([]byte("v1")))
		Expect(c.Execute([]string{"HLEN", "h"}).Int).To(BeEquivalentTo(2))
	})
})

var _ = Describe("expiration", func() {
	var c *cache.Cache

	BeforeEach(func() {
		c = newTestCache(&rt.CacheConfig{})
	})

	It("reports -2 TTL for a key that was never set", func() {
		Expect(c.Execute([]string{"TTL", "absent"}).Int).To(BeEquivalentTo(-2))
	})

	It("reports -1 TTL for a key with no expiry", func() {
		c.Execute([]string{"SET", "k", "v"})
		Expect(c.Execute([]string{"TTL", "k"}).Int).To(BeEquivalentTo(-1))
	})

	It("makes an expired key invisible to GET", func() {
		c.Execute([]string{"SET", "k", "v"})
		c.Execute([]string{"PEXPIRE", "k", "1"})
		Eventually(func() bool {
			return c.Execute([]string{"GET", "k"}).Nil
		}).Should(BeTrue())
	})

	It("clears an expiry with PERSIST", func() {
		c.Execute([]string{"SET", "k", "v"})
		c.Execute([]string{"EXPIRE", "k", "100"})
		Expect(c.Execute([]string{"PERSIST", "k"}).Int).To(BeEquivalentTo(1))
		Expect(c.Execute([]string{"TTL", "k"}).Int).To(BeEquivalentTo(-1))
	})
})

var _ = Describe("eviction and capacity", func() {
	It("rejects new keys under the none policy once at capacity", func() {
		c := newTestCache(&rt.CacheConfig{MaxKeys: 1, Eviction: "none"})
		Expect(c.Execute([]string{"SET", "a", "1"}).Str).To(Equal("OK"))
		reply := c.Execute([]string{"SET", "b", "2"})
		Expect(reply.Kind).To(Equal(cache.ReplyError))
	})

	It("evicts the least-recently-used key under allkeys-lru", func() {
		c := newTestCache(&rt.CacheConfig{MaxKeys: 2, Eviction: "allkeys-lru"})
		c.Execute([]string{"SET", "a", "1"})
		c.Execute([]string{"SET", "b", "2"})
		c.Execute([]string{"GET", "a"}) // touches a, leaving b least-recently-used
		c.Execute([]string{"SET", "c", "3"})
		Expect(c.Execute([]string{"EXISTS", "b"}).Int).To(BeEquivalentTo(0))
		Expect(c.Execute([]string{"EXISTS", "a"}).Int).To(BeEquivalentTo(1))
		Expect(c.Execute([]string{"EXISTS", "c"}).Int).To(BeEquivalentTo(1))
	})

	It("keeps the keyspace under a byte budget, retaining the most recent keys", func() {
		c := newTestCache(&rt.CacheConfig{MaxMemory: 1024, Eviction: "allkeys-lru"})
		payload := strings.Repeat("x", 100)
		for i := 0; i < 100; i++ {
			key := fmt.Sprintf("key-%03d", i)
			Expect(c.Execute([]string{"SET", key, payload}).Str).To(Equal("OK"))
		}
		size := c.Execute([]string{"SIZE"}).Int
		Expect(size).To(BeNumerically("<", 100))
		Expect(c.Execute([]string{"MEMORY"}).Int).To(BeNumerically("<=", 1024))
		Expect(c.Execute([]string{"EXISTS", "key-099"}).Int).To(BeEquivalentTo(1),
			"the most recently written key must survive")
		Expect(c.Execute([]string{"EXISTS", "key-000"}).Int).To(BeEquivalentTo(0),
			"the oldest key must have been evicted")
	})

	It("admits a write exactly at the byte budget and rejects one past it under none", func() {
		c := newTestCache(&rt.CacheConfig{MaxMemory: 8, Eviction: "none"})
		// key "ab" (2) + value "123456" (6) == 8, exactly the budget.
		Expect(c.Execute([]string{"SET", "ab", "123456"}).Str).To(Equal("OK"))
		reply := c.Execute([]string{"SET", "c", "x"})
		Expect(reply.Kind).To(Equal(cache.ReplyError))
	})

	It("evicts several entries when one large write needs the room", func() {
		c := newTestCache(&rt.CacheConfig{MaxMemory: 30, Eviction: "allkeys-lru"})
		c.Execute([]string{"SET", "a", "12345678"})              // 9 bytes
		c.Execute([]string{"SET", "b", "12345678"})              // 9 bytes
		c.Execute([]string{"SET", "c", strings.Repeat("y", 25)}) // 26 bytes, needs both evicted
		Expect(c.Execute([]string{"EXISTS", "a"}).Int).To(BeEquivalentTo(0))
		Expect(c.Execute([]string{"EXISTS", "b"}).Int).To(BeEquivalentTo(0))
		Expect(c.Execute([]string{"EXISTS", "c"}).Int).To(BeEquivalentTo(1))
	})

	It("tracks in-place growth against the MEMORY total", func() {
		c := newTestCache(&rt.CacheConfig{})
		c.Execute([]string{"LPUSH", "l", "aaaa"})
		before := c.Execute([]string{"MEMORY"}).Int
		c.Execute([]string{"RPUSH", "l", "bbbb"})
		Expect(c.Execute([]string{"MEMORY"}).Int).To(Equal(before + 4))
		c.Execute([]string{"RPOP", "l"})
		Expect(c.Execute([]string{"MEMORY"}).Int).To(Equal(before))
	})
})

var _ = Describe("access modes", func() {
	It("denies every mutation under readonly", func() {
		c := newTestCache(&rt.CacheConfig{AccessMode: "readonly"})
		reply := c.Execute([]string{"SET", "k", "v"})
		Expect(reply.Kind).To(Equal(cache.ReplyError))
	})

	It("allows reads under readonly", func() {
		c := newTestCache(&rt.CacheConfig{AccessMode: "admin"})
		c.Execute([]string{"SET", "k", "v"})
		c.Runtime.Cache.AccessMode = "readonly"
		reply := c.Execute([]string{"GET", "k"})
		Expect(reply.Bulk).To(Equal([]byte("v")))
	})

	It("denies FLUSH and LOAD under plain readwrite", func() {
		c := newTestCache(&rt.CacheConfig{})
		Expect(c.Execute([]string{"FLUSH"}).Kind).To(Equal(cache.ReplyError))
		Expect(c.Execute([]string{"LOAD"}).Kind).To(Equal(cache.ReplyError))
	})

	It("permits FLUSH and LOAD under admin", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "snap.bin")
		c := newTestCache(&rt.CacheConfig{AccessMode: "admin", SnapshotPath: path})
		c.Execute([]string{"SET", "k", "v"})
		Expect(c.Execute([]string{"FLUSH"}).Kind).To(Equal(cache.ReplySimple))
		_, err := os.Stat(path)
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("snapshot persistence", func() {
	It("round-trips the keyspace through Save and Load", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "snap.bin")

		c1 := newTestCache(&rt.CacheConfig{})
		c1.Execute([]string{"SET", "str", "hello"})
		c1.Execute([]string{"RPUSH", "list", "a", "b"})
		c1.Execute([]string{"SADD", "set", "x", "y"})
		c1.Execute([]string{"HSET", "hash", "f", "v"})
		Expect(c1.Save(path)).To(Succeed())

		c2 := newTestCache(&rt.CacheConfig{})
		Expect(c2.Load(path)).To(Succeed())

		Expect(c2.Execute([]string{"GET", "str"}).Bulk).To(Equal([]byte("hello")))
		Expect(c2.Execute([]string{"LLEN", "list"}).Int).To(BeEquivalentTo(2))
		Expect(c2.Execute([]string{"SCARD", "set"}).Int).To(BeEquivalentTo(2))
		Expect(c2.Execute([]string{"HGET", "hash", "f"}).Bulk).To(Equal([]byte("v")))
	})

	It("rejects a snapshot with a bad magic number", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "bad.bin")
		Expect(os.WriteFile(path, []byte("not a snapshot at all"), 0o644)).To(Succeed())

		c := newTestCache(&rt.CacheConfig{})
		err := c.Load(path)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("RESP2 codec", func() {
	It("encodes a bulk reply", func() {
		out := cache.EncodeRESP(cache.Reply{Kind: cache.ReplyBulk, Bulk: []byte("hi")})
		Expect(string(out)).To(Equal("$2\r\nhi\r\n"))
	})

	It("encodes a nil bulk reply", func() {
		out := cache.EncodeRESP(cache.Reply{Kind: cache.ReplyBulk, Nil: true})
		Expect(string(out)).To(Equal("$-1\r\n"))
	})

	It("parses a RESP array into command arguments", func() {
		args, consumed, ok, err := cache.ParseRESP([]byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(consumed).To(Equal(len("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n")))
		Expect(args).To(Equal([]string{"GET", "k"}))
	})
})

var _ = Describe("pub/sub", func() {
	It("delivers a published message to every subscriber of a channel", func() {
		c := newTestCache(&rt.CacheConfig{})
		var got []string
		sub := &recordingSubscriber{func(ch string, payload []byte) {
			got = append(got, ch+":"+string(payload))
		}}
		c.Subscribe(sub, "news")
		n := c.Publish("news", []byte("hello"))
		Expect(n).To(Equal(1))
		Expect(got).To(ConsistOf("news:hello"))
	})

	It("stops delivering after Unsubscribe", func() {
		c := newTestCache(&rt.CacheConfig{})
		sub := &recordingSubscriber{func(string, []byte) {}}
		c.Subscribe(sub, "news")
		c.Unsubscribe(sub, "news")
		Expect(c.Publish("news", []byte("x"))).To(Equal(0))
	})
})

type recordingSubscriber struct {
	fn func(channel string, payload []byte)
}

func (r *recordingSubscriber) Deliver(channel string, payload []byte) { r.fn(channel, payload) }
