package cache

import (
	"container/list"
	"encoding/binary"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/HiImSmiley/socketleyd/internal/errs"
)

// Snapshot format (spec §9 open question (c): "a new implementation
// should add a format magic + version and reject unknown versions"): a
// small hand-rolled fixed header carries the versioning contract, the
// per-entry payload is encoded with fxamacker/cbor/v2 rather than a
// hand-rolled TLV loop, since the entry shape (key, type tag,
// type-specific payload, optional expiry) is exactly the kind of compact
// struct encoding that library exists for.
const (
	snapshotMagic   uint32 = 0x534f434b // "SOCK"
	snapshotVersion uint16 = 1
)

// snapshotEntry is the CBOR-encoded shape of one keyspace entry.
type snapshotEntry struct {
	Key        string            `cbor:"key"`
	Kind       byte              `cbor:"kind"`
	Str        string            `cbor:"str,omitempty"`
	List       []string          `cbor:"list,omitempty"`
	Set        []string          `cbor:"set,omitempty"`
	Hash       map[string]string `cbor:"hash,omitempty"`
	ExpiryUnix int64             `cbor:"expiry,omitempty"` // 0 = no expiry
}

// Save writes the entire keyspace to path (spec §4.7's `FLUSH`).
func (c *Cache) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(path)
}

func (c *Cache) saveLocked(path string) error {
	entries := make([]snapshotEntry, 0, len(c.data))
	for _, e := range c.data {
		se := snapshotEntry{Key: e.key, Kind: byte(e.value.Kind)}
		switch e.value.Kind {
		case KindString:
			se.Str = e.value.Str
		case KindList:
			se.List = e.value.List
		case KindSet:
			for m := range e.value.Set {
				se.Set = append(se.Set, m)
			}
		case KindHash:
			se.Hash = e.value.Hash
		}
		if e.expiry != nil {
			se.ExpiryUnix = e.expiry.UnixNano()
		}
		entries = append(entries, se)
	}

	body, err := cbor.Marshal(entries)
	if err != nil {
		return errs.Wrap("cache.Save", err)
	}

	header := make([]byte, 10)
	binary.LittleEndian.PutUint32(header[0:4], snapshotMagic)
	binary.LittleEndian.PutUint16(header[4:6], snapshotVersion)
	binary.LittleEndian.PutUint32(header[6:10], uint32(len(entries)))

	out := append(header, body...)
	return errs.Wrap("cache.Save", os.WriteFile(path, out, 0o644))
}

// Load reads and atomically applies a snapshot, replacing the current
// keyspace entirely (spec §4.7's `LOAD`).
func (c *Cache) Load(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(path)
}

func (c *Cache) loadLocked(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.New("cache.Load", errs.CodeNotFound, "no snapshot at "+path)
		}
		return errs.Wrap("cache.Load", err)
	}
	if len(data) < 10 {
		return errs.New("cache.Load", errs.CodeProtocol, "snapshot too short")
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	version := binary.LittleEndian.Uint16(data[4:6])
	count := binary.LittleEndian.Uint32(data[6:10])
	if magic != snapshotMagic {
		return errs.New("cache.Load", errs.CodeProtocol, "bad snapshot magic")
	}
	if version != snapshotVersion {
		return errs.New("cache.Load", errs.CodeProtocol, "unsupported snapshot version")
	}

	var entries []snapshotEntry
	if err := cbor.Unmarshal(data[10:], &entries); err != nil {
		return errs.Wrap("cache.Load", err)
	}
	if uint32(len(entries)) != count {
		return errs.New("cache.Load", errs.CodeProtocol, "snapshot entry count mismatch")
	}

	newData := make(map[string]*entry, len(entries))
	newLRU := list.New()
	for _, se := range entries {
		v := Value{Kind: Kind(se.Kind)}
		switch v.Kind {
		case KindString:
			v.Str = se.Str
		case KindList:
			v.List = se.List
		case KindSet:
			v.Set = make(map[string]struct{}, len(se.Set))
			for _, m := range se.Set {
				v.Set[m] = struct{}{}
			}
		case KindHash:
			v.Hash = se.Hash
		}
		var expiry *time.Time
		if se.ExpiryUnix != 0 {
			t := time.Unix(0, se.ExpiryUnix)
			expiry = &t
		}
		elem := newLRU.PushFront(se.Key)
		e := &entry{key: se.Key, value: v, expiry: expiry, elem: elem}
		e.size = entrySize(se.Key, v)
		newData[se.Key] = e
	}

	used := int64(0)
	for _, e := range newData {
		used += e.size
	}
	c.data = newData
	c.lru = newLRU
	c.used = used
	return nil
}
