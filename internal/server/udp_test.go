package server

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestUDPTableAddAndGet(t *testing.T) {
	tbl := newUDPTable()
	addr := &unix.SockaddrInet4{Port: 9000}
	tbl.Add("peer1", addr)

	got, ok := tbl.Get("peer1")
	require.True(t, ok, "expected peer1 to be present")
	assert.Same(t, addr, got, "Get returned a different sockaddr than was added")
	assert.Equal(t, 1, tbl.Len())
}

func TestUDPTableAddIsIdempotentForExistingKey(t *testing.T) {
	tbl := newUDPTable()
	tbl.Add("peer1", &unix.SockaddrInet4{Port: 1})
	tbl.Add("peer1", &unix.SockaddrInet4{Port: 2})
	assert.Equal(t, 1, tbl.Len(), "Len() should stay 1 after re-adding the same key")
}

func TestUDPTableRemove(t *testing.T) {
	tbl := newUDPTable()
	tbl.Add("peer1", &unix.SockaddrInet4{Port: 9000})
	tbl.Remove("peer1")
	_, ok := tbl.Get("peer1")
	assert.False(t, ok, "peer1 should be gone after Remove")
	assert.Zero(t, tbl.Len())
}

func TestUDPTableEvictsOldestWhenFull(t *testing.T) {
	tbl := newUDPTable()
	for i := 0; i < maxUDPPeers; i++ {
		tbl.Add(fmt.Sprintf("peer-%d", i), &unix.SockaddrInet4{Port: i})
	}
	require.Equal(t, maxUDPPeers, tbl.Len(), "Len() after filling the table")

	tbl.Add("overflow", &unix.SockaddrInet4{Port: 99999})
	assert.Equal(t, maxUDPPeers, tbl.Len(), "Len() after an eviction-triggering insert")
	_, ok := tbl.Get("peer-0")
	assert.False(t, ok, "expected the oldest peer to be evicted")
	_, ok = tbl.Get("overflow")
	assert.True(t, ok, "expected the new peer to be present after eviction")
}
