package cache

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/HiImSmiley/socketleyd/internal/logging"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

func newLeader() *Cache {
	r := rt.New("leader", rt.KindCache)
	r.Cache = &rt.CacheConfig{}
	return New(r, nil, logging.NewLogger(nil))
}

var _ = Describe("replication fan-out", func() {
	var (
		leader *Cache
		lines  [][]byte
	)

	BeforeEach(func() {
		leader = newLeader()
		lines = nil
		leader.addReplica(9, func(line []byte) { lines = append(lines, line) })
	})

	It("forwards a mutation to every registered follower", func() {
		leader.Execute([]string{"SET", "k", "v"})
		Expect(lines).To(HaveLen(1))
		Expect(string(lines[0])).To(Equal("SET k v\n"))
	})

	It("does not forward reads", func() {
		leader.Execute([]string{"SET", "k", "v"})
		lines = nil
		leader.Execute([]string{"GET", "k"})
		Expect(lines).To(BeEmpty())
	})

	It("does not forward failed mutations", func() {
		leader.Execute([]string{"LPUSH", "k", "a"})
		lines = nil
		leader.Execute([]string{"SET", "k", "v"}) // type conflict
		Expect(lines).To(BeEmpty())
	})

	It("stops forwarding once the follower is dropped", func() {
		leader.dropReplica(9)
		leader.Execute([]string{"SET", "k", "v"})
		Expect(lines).To(BeEmpty())
	})
})

var _ = Describe("linked-cache surface", func() {
	var (
		linker *Linker
		c      *Cache
	)

	BeforeEach(func() {
		linker = NewLinker()
		c = newLeader()
		linker.Register("leader", c)
	})

	It("executes a line command against the named cache", func() {
		out := linker.HandleLine("leader", []byte("SET k v"))
		Expect(string(out)).To(Equal("OK"))
		Expect(string(linker.HandleLine("leader", []byte("GET k")))).To(Equal("v"))
	})

	It("reports a missing cache by name", func() {
		out := linker.HandleLine("nope", []byte("GET k"))
		Expect(string(out)).To(ContainSubstring("no such cache"))
	})

	It("decodes, executes, and re-encodes a RESP command", func() {
		wire := []byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n")
		reply, consumed, ok := linker.HandleRESP("leader", wire)
		Expect(ok).To(BeTrue())
		Expect(consumed).To(Equal(len(wire)))
		Expect(string(reply)).To(Equal("+OK\r\n"))
	})

	It("asks for more bytes on a partial RESP command", func() {
		_, consumed, ok := linker.HandleRESP("leader", []byte("*3\r\n$3\r\nSE"))
		Expect(ok).To(BeFalse())
		Expect(consumed).To(BeZero())
	})

	It("stores messages under monotonically increasing keys", func() {
		linker.Store("leader", []byte("first"))
		linker.Store("leader", []byte("second"))
		Expect(c.Execute([]string{"GET", "1"}).Bulk).To(Equal([]byte("first")))
		Expect(c.Execute([]string{"GET", "2"}).Bulk).To(Equal([]byte("second")))
	})
})

var _ = Describe("expiry hook", func() {
	It("notifies the hook when a lazy read removes an expired key", func() {
		c := newLeader()
		var expired []string
		c.OnExpire = func(key string) { expired = append(expired, key) }
		c.Execute([]string{"PSETEX", "k", "1", "v"})
		Eventually(func() bool {
			return c.Execute([]string{"GET", "k"}).Nil
		}).Should(BeTrue())
		Expect(expired).To(ContainElement("k"))
	})
})
