// Package pagelock implements the sharded reader/writer locks that guard
// individual cached pages, including the ordered batch acquisition used
// for multi-page operations.
package pagelock

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Partitions is the number of lock shards. Must be a power of two.
const Partitions = 256

// PageKey identifies one page of one file. Keys order by file id first
// and page index second; every multi-page lock acquisition follows this
// order.
type PageKey struct {
	FileID    int32
	PageIndex int64
}

// Compare returns -1, 0 or 1 depending on whether k orders before, equal
// to or after other.
func (k PageKey) Compare(other PageKey) int {
	if k.FileID < other.FileID {
		return -1
	}
	if k.FileID > other.FileID {
		return 1
	}
	if k.PageIndex < other.PageIndex {
		return -1
	}
	if k.PageIndex > other.PageIndex {
		return 1
	}
	return 0
}

// Less reports whether k orders strictly before other.
func (k PageKey) Less(other PageKey) bool {
	return k.Compare(other) < 0
}

// partition maps a key onto its lock shard.
func partition(key PageKey) uint {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(key.FileID))
	binary.LittleEndian.PutUint64(buf[4:], uint64(key.PageIndex))
	return uint(murmur3.Sum64(buf[:]) & (Partitions - 1))
}

// Manager is a fixed array of reader/writer locks indexed by the hash of
// the page key. All state of a cached page (apart from atomic counters)
// is accessed while its partition is held.
type Manager struct {
	partitions [Partitions]sync.RWMutex
}

// NewManager returns a lock manager with all partitions unlocked.
func NewManager() *Manager {
	return &Manager{}
}

// Guard is one held partition lock. Release must be called exactly once.
type Guard struct {
	mu     *sync.RWMutex
	shared bool
}

// Release unlocks the partition.
func (g Guard) Release() {
	if g.shared {
		g.mu.RUnlock()
	} else {
		g.mu.Unlock()
	}
}

// Shared acquires the partition of key for reading.
func (m *Manager) Shared(key PageKey) Guard {
	mu := &m.partitions[partition(key)]
	mu.RLock()
	return Guard{mu: mu, shared: true}
}

// Exclusive acquires the partition of key for writing.
func (m *Manager) Exclusive(key PageKey) Guard {
	mu := &m.partitions[partition(key)]
	mu.Lock()
	return Guard{mu: mu, shared: false}
}

// SharedBatch acquires the partitions of all keys for reading, in key
// order, coalescing keys that land on the same partition.
func (m *Manager) SharedBatch(keys []PageKey) []Guard {
	return m.batch(keys, true)
}

// ExclusiveBatch acquires the partitions of all keys for writing, in key
// order, coalescing keys that land on the same partition.
func (m *Manager) ExclusiveBatch(keys []PageKey) []Guard {
	return m.batch(keys, false)
}

func (m *Manager) batch(keys []PageKey, shared bool) []Guard {
	sorted := make([]PageKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Less(sorted[j])
	})

	guards := make([]Guard, 0, len(sorted))
	taken := make(map[uint]struct{}, len(sorted))
	for _, key := range sorted {
		p := partition(key)
		if _, ok := taken[p]; ok {
			continue
		}
		taken[p] = struct{}{}

		mu := &m.partitions[p]
		if shared {
			mu.RLock()
		} else {
			mu.Lock()
		}
		guards = append(guards, Guard{mu: mu, shared: shared})
	}
	return guards
}

// ReleaseAll releases every guard of a batch.
func ReleaseAll(guards []Guard) {
	for _, g := range guards {
		g.Release()
	}
}
