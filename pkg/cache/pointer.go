package cache

import (
	"sync"
	"sync/atomic"

	"wowcache/pkg/pool"
)

// WritersListener is the capability by which a pointer tells the cache
// that its writer/reader counts crossed the exclusivity boundary, so the
// cache can maintain the exclusive-pages set.
type WritersListener interface {
	AddOnlyWriters(fileID int64, pageIndex int64)
	RemoveOnlyWriters(fileID int64, pageIndex int64)
}

// CachePointer pins one page-sized buffer. The buffer is recycled into
// the pool when both reference counts reach zero; until then the read
// cache above and the write cache share it.
//
// Both counts live packed in one atomic word (writers in the high half,
// readers in the low half) so exclusivity transitions are decided by a
// single compare-and-swap.
type CachePointer struct {
	buf  pool.Buffer
	pool *pool.BufferPool

	fileID    int64
	pageIndex int64

	state   atomic.Int64
	version atomic.Int64

	inWriteCache atomic.Bool
	notFlushed   atomic.Bool

	rw sync.RWMutex

	listenerMu sync.Mutex
	listener   WritersListener
}

// NewCachePointer pins buf for the page (fileID, pageIndex). fileID is
// the external composed id.
func NewCachePointer(buf pool.Buffer, bufferPool *pool.BufferPool, fileID, pageIndex int64) *CachePointer {
	return &CachePointer{
		buf:       buf,
		pool:      bufferPool,
		fileID:    fileID,
		pageIndex: pageIndex,
	}
}

// FileID returns the external file id the pointer belongs to.
func (p *CachePointer) FileID() int64 {
	return p.fileID
}

// PageIndex returns the page index the pointer belongs to.
func (p *CachePointer) PageIndex() int64 {
	return p.pageIndex
}

func packState(writers, readers int32) int64 {
	return int64(writers)<<32 | int64(uint32(readers))
}

func unpackState(state int64) (writers, readers int32) {
	return int32(state >> 32), int32(uint32(state))
}

// SetWritersListener installs or clears the cache back-reference.
func (p *CachePointer) SetWritersListener(listener WritersListener) {
	p.listenerMu.Lock()
	p.listener = listener
	p.listenerMu.Unlock()
}

func (p *CachePointer) fireAddOnlyWriters() {
	p.listenerMu.Lock()
	listener := p.listener
	p.listenerMu.Unlock()
	if listener != nil {
		listener.AddOnlyWriters(p.fileID, p.pageIndex)
	}
}

func (p *CachePointer) fireRemoveOnlyWriters() {
	p.listenerMu.Lock()
	listener := p.listener
	p.listenerMu.Unlock()
	if listener != nil {
		listener.RemoveOnlyWriters(p.fileID, p.pageIndex)
	}
}

// IncrementReaders registers one external reader. A page with writers
// stops being exclusive when its first reader arrives.
func (p *CachePointer) IncrementReaders() {
	for {
		state := p.state.Load()
		writers, readers := unpackState(state)
		if p.state.CompareAndSwap(state, packState(writers, readers+1)) {
			if readers == 0 && writers > 0 {
				p.fireRemoveOnlyWriters()
			}
			return
		}
	}
}

// DecrementReaders drops one external reader. The last reader of a page
// that still has writers makes it exclusive again; the last reference
// overall recycles the buffer.
func (p *CachePointer) DecrementReaders() {
	for {
		state := p.state.Load()
		writers, readers := unpackState(state)
		if p.state.CompareAndSwap(state, packState(writers, readers-1)) {
			if readers-1 == 0 {
				if writers > 0 {
					p.fireAddOnlyWriters()
				} else {
					p.recycle()
				}
			}
			return
		}
	}
}

// IncrementWriters registers the write cache's reference.
func (p *CachePointer) IncrementWriters() {
	for {
		state := p.state.Load()
		writers, readers := unpackState(state)
		if p.state.CompareAndSwap(state, packState(writers+1, readers)) {
			if writers+1 == 1 && readers == 0 {
				p.fireAddOnlyWriters()
			}
			return
		}
	}
}

// DecrementWriters drops the write cache's reference.
func (p *CachePointer) DecrementWriters() {
	for {
		state := p.state.Load()
		writers, readers := unpackState(state)
		if p.state.CompareAndSwap(state, packState(writers-1, readers)) {
			if writers-1 == 0 && readers == 0 {
				p.fireRemoveOnlyWriters()
				p.recycle()
			}
			return
		}
	}
}

// ReadersCount returns the current number of external readers.
func (p *CachePointer) ReadersCount() int32 {
	_, readers := unpackState(p.state.Load())
	return readers
}

// WritersCount returns the current number of write-cache referrers.
func (p *CachePointer) WritersCount() int32 {
	writers, _ := unpackState(p.state.Load())
	return writers
}

func (p *CachePointer) recycle() {
	_ = p.pool.Release(p.buf)
}

// Version returns the mutation counter of the buffer contents.
func (p *CachePointer) Version() int64 {
	return p.version.Load()
}

// AcquireSharedLock guards the buffer contents for reading.
func (p *CachePointer) AcquireSharedLock() {
	p.rw.RLock()
}

// TryAcquireSharedLock is the non-blocking variant the flusher uses to
// skip pages under exclusive mutation.
func (p *CachePointer) TryAcquireSharedLock() bool {
	return p.rw.TryRLock()
}

// ReleaseSharedLock releases a shared buffer hold.
func (p *CachePointer) ReleaseSharedLock() {
	p.rw.RUnlock()
}

// AcquireExclusiveLock guards the buffer contents for mutation.
func (p *CachePointer) AcquireExclusiveLock() {
	p.rw.Lock()
}

// ReleaseExclusiveLock releases an exclusive hold and bumps the version;
// exclusive holds exist to mutate the page.
func (p *CachePointer) ReleaseExclusiveLock() {
	p.version.Add(1)
	p.rw.Unlock()
}

// Buffer exposes the pinned page bytes. The caller must hold the shared
// or exclusive buffer lock.
func (p *CachePointer) Buffer() []byte {
	return p.buf.Data
}

// SetInWriteCache flips the flag recording whether the page still awaits
// a flusher snapshot.
func (p *CachePointer) SetInWriteCache(in bool) {
	p.inWriteCache.Store(in)
}

// IsInWriteCache reports whether the page is in the write cache and has
// not been snapshotted yet.
func (p *CachePointer) IsInWriteCache() bool {
	return p.inWriteCache.Load()
}

// SetNotFlushed marks the page as allocated-but-never-written; such
// pages are counted against free disk space.
func (p *CachePointer) SetNotFlushed(notFlushed bool) {
	p.notFlushed.Store(notFlushed)
}

// IsNotFlushed reports whether the page has never reached disk.
func (p *CachePointer) IsNotFlushed() bool {
	return p.notFlushed.Load()
}
