package server

import (
	"github.com/bits-and-blooms/bitset"

	"golang.org/x/sys/unix"
)

// maxUDPPeers bounds the peer table (spec §5 resource bound: 10,000 UDP
// peers). A bitset tracks free slot indices the way the predecessor
// project's pack member nabbar/golib uses bits-and-blooms/bitset for
// compact membership sets, avoiding a second map just to find a free slot
// to evict when the table is full.
const maxUDPPeers = 10000

// udpTable is a bounded, slot-indexed table of UDP peer addresses with
// eviction of the oldest-inserted entry when full.
type udpTable struct {
	used  *bitset.BitSet // bit set = slot occupied, bit clear = slot free
	slots []unix.Sockaddr
	order []string // slot keys in insertion order, for oldest-eviction
	index map[string]uint
}

func newUDPTable() *udpTable {
	return &udpTable{
		used:  bitset.New(maxUDPPeers),
		slots: make([]unix.Sockaddr, maxUDPPeers),
		index: make(map[string]uint),
	}
}

// Add inserts a peer keyed by its string representation, evicting the
// oldest-inserted entry if the table is at capacity. A key already present
// is left as it is: neither its address nor its age is updated.
func (t *udpTable) Add(key string, addr unix.Sockaddr) {
	if _, exists := t.index[key]; exists {
		return
	}
	slot, ok := t.used.NextClear(0)
	if !ok || slot >= maxUDPPeers {
		if len(t.order) == 0 {
			return
		}
		oldest := t.order[0]
		t.order = t.order[1:]
		slot = t.index[oldest]
		delete(t.index, oldest)
	} else {
		t.used.Set(slot)
	}
	t.slots[slot] = addr
	t.index[key] = slot
	t.order = append(t.order, key)
}

// Get returns the stored sockaddr for key, if present.
func (t *udpTable) Get(key string) (unix.Sockaddr, bool) {
	slot, ok := t.index[key]
	if !ok {
		return nil, false
	}
	return t.slots[slot], true
}

// Remove frees key's slot.
func (t *udpTable) Remove(key string) {
	slot, ok := t.index[key]
	if !ok {
		return
	}
	delete(t.index, key)
	t.used.Clear(slot)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Len reports the current peer count.
func (t *udpTable) Len() int { return len(t.index) }

// All returns a snapshot of every tracked key/address pair, used by
// broadcast to iterate the peer set without holding the table locked for
// the duration of the sendmsg fan-out.
func (t *udpTable) All() map[string]unix.Sockaddr {
	out := make(map[string]unix.Sockaddr, len(t.index))
	for key, slot := range t.index {
		out[key] = t.slots[slot]
	}
	return out
}
