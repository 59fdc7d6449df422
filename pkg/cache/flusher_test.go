package cache

import (
	"sync"
	"testing"
	"time"

	"wowcache/pkg/config"
	"wowcache/pkg/pool"
	"wowcache/pkg/storage"
	"wowcache/pkg/wal"

	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

// memFile is an in-memory FileHandle that records every vectored write,
// so tests can observe chunk coalescing and write ordering.
type memFile struct {
	mu     sync.Mutex
	name   string
	data   []byte
	opened bool

	writes      []memWrite
	beforeWrite func()
}

type memWrite struct {
	offset int64
	sizes  []int
}

func newMemFile(name string, size int64) *memFile {
	return &memFile{name: name, data: make([]byte, size), opened: true}
}

func (f *memFile) Name() string { return f.name }

func (f *memFile) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (f *memFile) Allocate(n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, make([]byte, n)...)
	return nil
}

func (f *memFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = f.data[:size]
	return nil
}

func (f *memFile) ReadAt(offset int64, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset >= int64(len(f.data)) {
		return 0, nil
	}
	return copy(buf, f.data[offset:]), nil
}

func (f *memFile) ReadVec(offset int64, bufs [][]byte) (int64, error) {
	var total int64
	for _, buf := range bufs {
		n, err := f.ReadAt(offset+total, buf)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if n < len(buf) {
			break
		}
	}
	return total, nil
}

func (f *memFile) WriteAt(offset int64, buf []byte) error {
	return f.WriteVec(offset, [][]byte{buf})
}

func (f *memFile) WriteVec(offset int64, bufs [][]byte) error {
	if f.beforeWrite != nil {
		f.beforeWrite()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	write := memWrite{offset: offset}
	pos := offset
	for _, buf := range bufs {
		if need := pos + int64(len(buf)); need > int64(len(f.data)) {
			f.data = append(f.data, make([]byte, need-int64(len(f.data)))...)
		}
		copy(f.data[pos:], buf)
		pos += int64(len(buf))
		write.sizes = append(write.sizes, len(buf))
	}
	f.writes = append(f.writes, write)
	return nil
}

func (f *memFile) Sync() error                 { return nil }
func (f *memFile) Rename(newName string) error { f.name = newName; return nil }
func (f *memFile) Delete() error               { f.opened = false; return nil }
func (f *memFile) Open() error                 { f.opened = true; return nil }
func (f *memFile) Create() error               { f.opened = true; return nil }
func (f *memFile) Close() error                { f.opened = false; return nil }
func (f *memFile) IsOpen() bool                { return f.opened }
func (f *memFile) Exists() bool                { return true }

// stubWAL is a controllable WriteAheadLog for flusher tests.
type stubWAL struct {
	mu         sync.Mutex
	end        wal.LSN
	hasEnd     bool
	flushed    wal.LSN
	hasFlushed bool
	size       int64
	flushCalls int
}

func (w *stubWAL) End() (wal.LSN, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.end, w.hasEnd
}

func (w *stubWAL) Begin(segment int64) (wal.LSN, bool) {
	return wal.LSN{Segment: segment}, true
}

func (w *stubWAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushCalls++
	if w.hasEnd {
		w.flushed = w.end
		w.hasFlushed = true
	}
	return nil
}

func (w *stubWAL) FlushedLSN() (wal.LSN, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushed, w.hasFlushed
}

func (w *stubWAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *stubWAL) LogFuzzyCheckpointStart(start wal.LSN) error { return nil }
func (w *stubWAL) LogFuzzyCheckpointEnd() error                { return nil }
func (w *stubWAL) CutSegmentsSmallerThan(segment int64) error  { return nil }

// newFlusherCache wires a cache over one in-memory file of the given
// page count. The periodic task is disabled; tests drive the flusher.
func newFlusherCache(t *testing.T, walLog wal.WriteAheadLog, exclusiveMaxPages, filePages int) (*WriteCache, *memFile, int64) {
	t.Helper()

	cfg := config.Config{
		PageSize:                   testPageSize,
		ExclusiveWriteCacheMaxSize: int64(exclusiveMaxPages * testPageSize),
		BackgroundFlushInterval:    200 * time.Millisecond,
		ChunkSize:                  4,
		MinSizeCheck:               false,
	}

	c, err := New(t.TempDir(), 1, cfg, pool.New(testPageSize, 128), walLog, storage.NewContainer(8))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.flusher.shutdown() })

	mf := newMemFile("data.pcl", int64(filePages)*testPageSize)
	fileID := ComposeFileID(1, 1)
	c.files.Add(fileID, mf)
	return c, mf, fileID
}

// storePage pins a fresh pointer with recognizable content and puts it
// into the write cache.
func storePage(t *testing.T, c *WriteCache, fileID int64, index int64, fill byte, lsn wal.LSN) *CachePointer {
	t.Helper()

	buf := c.bufferPool.Acquire(true)
	for i := BodyOffset + 16; i < len(buf.Data); i++ {
		buf.Data[i] = fill
	}
	WritePageLSN(buf.Data, lsn)

	ptr := NewCachePointer(buf, c.bufferPool, fileID, index)
	c.UpdateDirtyPagesTable(ptr)
	if latch := c.Store(fileID, index, ptr); latch != nil {
		latch.Await()
	}
	return ptr
}

func TestFlusher_CoalescesAdjacentPages(t *testing.T) {
	c, mf, fileID := newFlusherCache(t, nil, 64, 5)

	for _, index := range []int64{0, 1, 2, 4} {
		storePage(t, c, fileID, index, byte(0x10+index), wal.LSN{})
	}

	require.NoError(t, c.flusher.submit(func() error {
		return c.flusher.flushWriteCacheFromMinLSN()
	}))

	require.Len(t, mf.writes, 2, "expected one run of three pages and one singleton")
	require.Equal(t, int64(0), mf.writes[0].offset)
	require.Equal(t, []int{testPageSize, testPageSize, testPageSize}, mf.writes[0].sizes)
	require.Equal(t, int64(4*testPageSize), mf.writes[1].offset)
	require.Equal(t, []int{testPageSize}, mf.writes[1].sizes)

	magicOK, crcOK := CheckFooter(mf.data[:testPageSize])
	require.True(t, magicOK, "flushed page must carry the magic number")
	require.True(t, crcOK, "flushed page must carry a valid checksum")

	require.Equal(t, int64(0), c.WriteCacheSize())
	require.Equal(t, 0, c.writeCachePages.Len())
	require.Equal(t, int64(0), c.ExclusiveWriteCacheSize())
}

func TestFlusher_WALGateBeforePageWrite(t *testing.T) {
	stub := &stubWAL{end: wal.LSN{Segment: 0, Position: 10}, hasEnd: true}
	stub.flushed = wal.LSN{}
	stub.hasFlushed = true

	c, mf, fileID := newFlusherCache(t, stub, 64, 1)

	pageLSN := wal.LSN{Segment: 0, Position: 10}
	storePage(t, c, fileID, 0, 0x42, pageLSN)

	var violated bool
	mf.beforeWrite = func() {
		flushed, ok := stub.FlushedLSN()
		if !ok || flushed.Less(pageLSN) {
			violated = true
		}
	}

	require.NoError(t, c.flusher.submit(func() error {
		return c.flusher.flushWriteCacheFromMinLSN()
	}))

	require.False(t, violated, "page reached disk before its WAL record was durable")
	require.Equal(t, 1, stub.flushCalls)
	require.Len(t, mf.writes, 1)
}

func TestFlusher_OverflowLatchAndDrain(t *testing.T) {
	c, _, fileID := newFlusherCache(t, nil, 10, 11)

	var latch *Latch
	for index := int64(0); index <= 10; index++ {
		buf := c.bufferPool.Acquire(true)
		ptr := NewCachePointer(buf, c.bufferPool, fileID, index)
		latch = c.Store(fileID, index, ptr)
	}
	require.NotNil(t, latch, "the 11th store must return a latch")
	require.Equal(t, int64(1), c.CacheOverflowCount())

	require.NoError(t, c.flusher.submit(func() error {
		c.flusher.periodicFlush()
		return nil
	}))

	select {
	case <-latch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("latch was not released within one flusher tick")
	}
	require.LessOrEqual(t, c.ExclusiveWriteCacheSize(), int64(5))
}

func TestFlusher_ModifiedPageStaysCached(t *testing.T) {
	// A WAL is needed so that storing the page records a dirty entry.
	stub := &stubWAL{end: wal.LSN{Segment: 0, Position: 1}, hasEnd: true}
	c, mf, fileID := newFlusherCache(t, stub, 64, 1)

	ptr := storePage(t, c, fileID, 0, 0x77, wal.LSN{})
	key := PageKey{FileID: 1, PageIndex: 0}

	entry := c.flusher.snapshotPage(key, ptr)

	// The page is mutated between the snapshot and the chunk write.
	ptr.AcquireExclusiveLock()
	ptr.Buffer()[BodyOffset+64] = 0xFF
	ptr.ReleaseExclusiveLock()

	_, err := c.flusher.flushPagesChunk([]chunkEntry{entry})
	require.NoError(t, err)

	require.Len(t, mf.writes, 1, "the stale snapshot is still written")
	require.NotNil(t, c.writeCachePages.Get(key), "modified page must stay cached")
	require.Equal(t, int64(1), c.WriteCacheSize())

	c.dirtyMu.Lock()
	_, dirty := c.dirtyPages[key]
	c.dirtyMu.Unlock()
	require.False(t, dirty, "snapshot must have removed the dirty entry")
}

func TestFlusher_FileFlushSkipsContendedPages(t *testing.T) {
	c, mf, fileID := newFlusherCache(t, nil, 64, 2)

	held := storePage(t, c, fileID, 0, 0x01, wal.LSN{})
	storePage(t, c, fileID, 1, 0x02, wal.LSN{})

	// Page 0 is under exclusive mutation while the file is flushed.
	held.AcquireExclusiveLock()
	require.NoError(t, c.flusher.submit(func() error {
		return c.flusher.fileFlush(1)
	}))
	held.ReleaseExclusiveLock()

	require.Len(t, mf.writes, 1, "only the uncontended page is written")
	require.Equal(t, int64(testPageSize), mf.writes[0].offset)
	require.NotNil(t, c.writeCachePages.Get(PageKey{FileID: 1, PageIndex: 0}))
	require.Nil(t, c.writeCachePages.Get(PageKey{FileID: 1, PageIndex: 1}))
}

func TestFlusher_RemoveFilePagesDropsWithoutWriting(t *testing.T) {
	c, mf, fileID := newFlusherCache(t, nil, 64, 3)

	for index := int64(0); index < 3; index++ {
		storePage(t, c, fileID, index, byte(index), wal.LSN{})
	}

	require.NoError(t, c.flusher.submit(func() error {
		c.flusher.removeFilePages(1)
		return nil
	}))

	require.Empty(t, mf.writes, "removal must not write pages")
	require.Equal(t, int64(0), c.WriteCacheSize())
	require.Equal(t, int64(0), c.ExclusiveWriteCacheSize())
	require.Equal(t, 0, c.exclusivePages.Len())
}

func TestFlusher_FlushTillSegmentDrainsOldDirtyPages(t *testing.T) {
	stub := &stubWAL{end: wal.LSN{Segment: 0, Position: 5}, hasEnd: true}
	c, mf, fileID := newFlusherCache(t, stub, 64, 2)

	storePage(t, c, fileID, 0, 0x31, wal.LSN{Segment: 0, Position: 5})
	storePage(t, c, fileID, 1, 0x32, wal.LSN{Segment: 0, Position: 5})

	minLSN, ok, err := c.MinimalNotFlushedLSN()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, wal.LSN{Segment: 0, Position: 5}, minLSN)

	require.NoError(t, c.FlushTillSegment(1))
	require.NotEmpty(t, mf.writes)

	_, ok, err = c.MinimalNotFlushedLSN()
	require.NoError(t, err)
	require.False(t, ok, "no dirty page may remain below the segment")
}

func TestFlusher_PeriodicFlushHonorsWALHysteresis(t *testing.T) {
	stub := &stubWAL{end: wal.LSN{Segment: 0, Position: 1}, hasEnd: true}
	c, mf, fileID := newFlusherCache(t, stub, 64, 1)

	storePage(t, c, fileID, 0, 0x55, wal.LSN{Segment: 0, Position: 1})

	// Short WAL: the LSN-ordered flush must not start.
	stub.mu.Lock()
	stub.size = c.cfg.WALSizeLowWater / 2
	stub.mu.Unlock()
	require.NoError(t, c.flusher.submit(func() error {
		c.flusher.periodicFlush()
		return nil
	}))
	require.Empty(t, mf.writes)

	// Long WAL: flushing starts.
	stub.mu.Lock()
	stub.size = c.cfg.WALSizeHighWater + 1
	stub.mu.Unlock()
	require.NoError(t, c.flusher.submit(func() error {
		c.flusher.periodicFlush()
		return nil
	}))
	require.NotEmpty(t, mf.writes)
}

// Accounting invariants that must hold between flusher iterations.
func TestCache_CountersMatchDirectory(t *testing.T) {
	c, _, fileID := newFlusherCache(t, nil, 64, 8)

	pointers := make([]*CachePointer, 0, 8)
	for index := int64(0); index < 8; index++ {
		pointers = append(pointers, storePage(t, c, fileID, index, byte(index), wal.LSN{}))
	}

	// Three pages gain a reader, so they stop being exclusive.
	for _, ptr := range pointers[:3] {
		ptr.IncrementReaders()
	}

	require.Equal(t, int64(c.writeCachePages.Len()), c.WriteCacheSize())
	require.Equal(t, int64(c.exclusivePages.Len()), c.ExclusiveWriteCacheSize())

	exclusive := 0
	for _, key := range c.writeCachePages.Keys() {
		ptr := c.writeCachePages.Get(key)
		if ptr.ReadersCount() == 0 && ptr.WritersCount() > 0 {
			exclusive++
		}
	}
	require.Equal(t, int64(exclusive), c.ExclusiveWriteCacheSize())

	for _, ptr := range pointers[:3] {
		ptr.DecrementReaders()
	}
	require.Equal(t, int64(8), c.ExclusiveWriteCacheSize())
}
