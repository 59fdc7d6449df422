package cache

import (
	"math"
	"sort"
	"sync"
)

// pageMap is the ordered directory of cached pages. Point lookups and
// mutations take the lock briefly; the flusher iterates over key
// snapshots and re-checks every key under its partition lock, so the
// iteration itself needs no snapshot consistency.
type pageMap struct {
	mu    sync.RWMutex
	pages map[PageKey]*CachePointer
	keys  []PageKey // sorted ascending
}

func newPageMap() *pageMap {
	return &pageMap{pages: make(map[PageKey]*CachePointer)}
}

func (m *pageMap) search(key PageKey) int {
	return sort.Search(len(m.keys), func(i int) bool {
		return !m.keys[i].Less(key)
	})
}

// Get returns the pointer stored for key, or nil.
func (m *pageMap) Get(key PageKey) *CachePointer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pages[key]
}

// Put inserts or replaces the pointer for key.
func (m *pageMap) Put(key PageKey, ptr *CachePointer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pages[key]; !ok {
		i := m.search(key)
		m.keys = append(m.keys, PageKey{})
		copy(m.keys[i+1:], m.keys[i:])
		m.keys[i] = key
	}
	m.pages[key] = ptr
}

// Remove deletes the entry for key if present.
func (m *pageMap) Remove(key PageKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pages[key]; !ok {
		return
	}
	delete(m.pages, key)
	i := m.search(key)
	m.keys = append(m.keys[:i], m.keys[i+1:]...)
}

// Len returns the number of cached pages.
func (m *pageMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// KeysFrom returns a snapshot of all keys that order at or after start.
func (m *pageMap) KeysFrom(start PageKey) []PageKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := m.search(start)
	snapshot := make([]PageKey, len(m.keys)-i)
	copy(snapshot, m.keys[i:])
	return snapshot
}

// Keys returns a snapshot of all keys in order.
func (m *pageMap) Keys() []PageKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make([]PageKey, len(m.keys))
	copy(snapshot, m.keys)
	return snapshot
}

// FileKeys returns a snapshot of the keys of one file, in page order.
func (m *pageMap) FileKeys(fileID int32) []PageKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lo := m.search(PageKey{FileID: fileID, PageIndex: 0})
	hi := m.search(PageKey{FileID: fileID, PageIndex: math.MaxInt64})
	if hi < len(m.keys) && m.keys[hi].FileID == fileID {
		hi++
	}

	snapshot := make([]PageKey, hi-lo)
	copy(snapshot, m.keys[lo:hi])
	return snapshot
}

// keySet is the ordered set of exclusively-held page keys. Mutated from
// producer threads through the writers listener, iterated by the flusher
// via snapshots.
type keySet struct {
	mu   sync.RWMutex
	set  map[PageKey]struct{}
	keys []PageKey // sorted ascending
}

func newKeySet() *keySet {
	return &keySet{set: make(map[PageKey]struct{})}
}

func (s *keySet) search(key PageKey) int {
	return sort.Search(len(s.keys), func(i int) bool {
		return !s.keys[i].Less(key)
	})
}

// Add inserts key into the set.
func (s *keySet) Add(key PageKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.set[key]; ok {
		return
	}
	s.set[key] = struct{}{}
	i := s.search(key)
	s.keys = append(s.keys, PageKey{})
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = key
}

// Remove deletes key from the set.
func (s *keySet) Remove(key PageKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.set[key]; !ok {
		return
	}
	delete(s.set, key)
	i := s.search(key)
	s.keys = append(s.keys[:i], s.keys[i+1:]...)
}

// Len returns the set size.
func (s *keySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Keys returns an ordered snapshot of the set.
func (s *keySet) Keys() []PageKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make([]PageKey, len(s.keys))
	copy(snapshot, s.keys)
	return snapshot
}
