package cache

import (
	"math"
	"sync"
	"time"

	"wowcache/pkg/pool"
	"wowcache/pkg/wal"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// shutdownTimeout bounds how long CloseAll and DeleteAll wait for the
// flush worker.
const shutdownTimeout = 5 * time.Minute

// chunkEntry is one snapshotted page queued for a vectored write.
type chunkEntry struct {
	version int64
	copy    pool.Buffer
	ptr     *CachePointer
}

type flushTask struct {
	fn   func() error
	errc chan error // nil for fire-and-forget triggers
}

// flusher runs every flush routine on one dedicated worker goroutine, so
// the flusher-private dirty tables and the last-flushed position need no
// locks. Shared structures (directory, exclusive set, dirty map) are
// safe for concurrent use.
type flusher struct {
	cache *WriteCache

	tasks chan flushTask
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once

	// Worker-private state below.
	localDirty      *dirtyIndex
	lastFlushedKey  *PageKey
	lsnFlushStarted bool
}

func newFlusher(c *WriteCache) *flusher {
	return &flusher{
		cache:      c,
		tasks:      make(chan flushTask, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		localDirty: newDirtyIndex(),
	}
}

func (f *flusher) start() {
	go f.run()
}

func (f *flusher) run() {
	defer close(f.done)

	var tick <-chan time.Time
	if interval := f.cache.cfg.PageFlushInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-f.stop:
			// Serve tasks already queued, then leave.
			for {
				select {
				case task := <-f.tasks:
					f.serve(task)
				default:
					return
				}
			}
		case task := <-f.tasks:
			f.serve(task)
		case <-tick:
			f.periodicFlush()
		}
	}
}

func (f *flusher) serve(task flushTask) {
	err := task.fn()
	if task.errc != nil {
		task.errc <- err
	}
}

// submit runs fn on the worker and waits for its result.
func (f *flusher) submit(fn func() error) error {
	task := flushTask{fn: fn, errc: make(chan error, 1)}
	select {
	case f.tasks <- task:
	case <-f.done:
		return ErrCacheClosed
	}
	select {
	case err := <-task.errc:
		return err
	case <-f.done:
		return ErrCacheClosed
	}
}

// trigger queues one immediate flush pass without waiting for it.
func (f *flusher) trigger() {
	task := flushTask{fn: func() error {
		f.periodicFlush()
		return nil
	}}
	select {
	case f.tasks <- task:
	default:
		// The task queue is full; no extra pass is queued.
	}
}

// shutdown stops the worker, waiting up to the close bound.
func (f *flusher) shutdown() error {
	f.stopOnce.Do(func() { close(f.stop) })

	select {
	case <-f.done:
		return nil
	case <-time.After(shutdownTimeout):
		return ErrShutdownTimeout
	}
}

// periodicFlush is one cooperative tick: relieve exclusive-cache
// pressure first, then flush in LSN order while the WAL is long. Errors
// never stop the loop; they are logged and fanned out to the background
// exception listeners.
func (f *flusher) periodicFlush() {
	c := f.cache

	if c.writeCachePages.Len() == 0 {
		return
	}

	err := f.flushExclusivePagesIfNeeded()

	if err == nil && c.walLog != nil {
		walSize := c.walLog.Size()
		switch {
		case walSize >= c.cfg.WALSizeHighWater:
			f.lsnFlushStarted = true
			err = f.flushWriteCacheFromMinLSN()
		case walSize <= c.cfg.WALSizeLowWater:
			f.lsnFlushStarted = false
		case f.lsnFlushStarted:
			err = f.flushWriteCacheFromMinLSN()
		}
	}

	if err != nil {
		log.WithError(err).Error("exception during data flush")
		c.events.publish(func() {
			c.bgErrorListeners.notify(err)
		})
	}
}

func (f *flusher) exclusiveThreshold() float64 {
	return float64(f.cache.exclusiveWriteCacheSize.Load()) / float64(f.cache.exclusiveWriteCacheMaxSize)
}

func (f *flusher) flushExclusivePagesIfNeeded() error {
	if f.exclusiveThreshold() > f.cache.cfg.ExclusiveHighWater {
		return f.flushExclusiveWriteCache()
	}
	f.releaseExclusiveLatch()
	return nil
}

// releaseExclusiveLatch opens the overflow latch once the exclusive
// cache dropped under the low water. The low water sits above the high
// water on purpose: it is evaluated after a flush already reduced the
// pressure, and a tighter bound would thrash.
func (f *flusher) releaseExclusiveLatch() {
	if f.exclusiveThreshold() > f.cache.cfg.ExclusiveLowWater {
		return
	}
	if latch := f.cache.exclusiveLatch.Swap(nil); latch != nil {
		latch.CountDown()
	}
}

// convertSharedDirtyPagesToLocal drains the shared dirty map into the
// worker-private tables.
func (f *flusher) convertSharedDirtyPagesToLocal() {
	c := f.cache

	c.dirtyMu.Lock()
	for key, lsn := range c.dirtyPages {
		f.localDirty.insert(key, lsn)
	}
	clear(c.dirtyPages)
	c.dirtyMu.Unlock()
}

// removeFromDirtyPages forgets the page in both the shared map and the
// worker-private tables.
func (f *flusher) removeFromDirtyPages(key PageKey) {
	c := f.cache

	c.dirtyMu.Lock()
	delete(c.dirtyPages, key)
	c.dirtyMu.Unlock()

	f.localDirty.remove(key)
}

// snapshotPage copies the page under its shared lock, stamps the footer,
// forgets its dirty entry and gates the copy on the WAL. The returned
// entry is ready to be queued into a chunk.
func (f *flusher) snapshotPage(key PageKey, ptr *CachePointer) chunkEntry {
	c := f.cache

	ptr.AcquireSharedLock()
	version := ptr.Version()

	buf := ptr.Buffer()
	PrepareFooter(buf)

	copyBuf := c.bufferPool.Acquire(false)
	copy(copyBuf.Data, buf)

	f.removeFromDirtyPages(key)
	ptr.SetInWriteCache(false)
	ptr.ReleaseSharedLock()

	f.flushWriteCacheTillLSN(copyBuf.Data)

	return chunkEntry{version: version, copy: copyBuf, ptr: ptr}
}

// flushWriteCacheTillLSN is the WAL gate: no page copy may reach disk
// before the log record it carries is durable.
func (f *flusher) flushWriteCacheTillLSN(page []byte) {
	c := f.cache
	if c.walLog == nil {
		return
	}

	lsn := ReadPageLSN(page)
	flushed, ok := c.walLog.FlushedLSN()
	if !ok || flushed.Less(lsn) {
		start := time.Now()
		if err := c.walLog.Flush(); err != nil {
			log.WithError(err).Error("cannot flush write-ahead log before page write")
		}
		c.stats.addWALGateTime(time.Since(start))
	}
}

// flushPagesChunk writes the chunk as one vectored write and retires
// every entry whose page did not change since its snapshot.
func (f *flusher) flushPagesChunk(chunk []chunkEntry) (int, error) {
	if len(chunk) == 0 {
		return 0, nil
	}
	c := f.cache

	bufs := make([][]byte, len(chunk))
	for i, entry := range chunk {
		bufs[i] = entry.copy.Data
	}

	first := chunk[0].ptr
	firstFileID := first.FileID()
	firstPageIndex := first.PageIndex()

	fileEntry, err := c.files.Acquire(firstFileID)
	if err == nil && fileEntry == nil {
		err = errors.Wrapf(ErrFileNotRegistered, "file id %d", ExtractFileID(firstFileID))
	}
	if err == nil {
		start := time.Now()
		err = fileEntry.Handle().WriteVec(firstPageIndex*int64(c.cfg.PageSize), bufs)
		if err == nil {
			c.stats.addChunk(len(chunk), time.Since(start))
		}
		c.files.Release(fileEntry)
	}
	if err != nil {
		free, spaceErr := usableSpace(c.dir)
		if spaceErr == nil {
			log.WithFields(log.Fields{
				"free_space":        free,
				"not_flushed_space": c.countOfNotFlushedPages.Load() * int64(c.cfg.PageSize),
			}).Error("chunk write failed")
		}
		for _, entry := range chunk {
			_ = c.bufferPool.Release(entry.copy)
		}
		return 0, err
	}

	for _, entry := range chunk {
		_ = c.bufferPool.Release(entry.copy)
	}

	for _, entry := range chunk {
		ptr := entry.ptr
		key := PageKey{FileID: ExtractFileID(ptr.FileID()), PageIndex: ptr.PageIndex()}

		guard := c.locks.Exclusive(key)
		if !ptr.TryAcquireSharedLock() {
			// Re-acquired for mutation since the snapshot; the page
			// stays cached and will be flushed again.
			guard.Release()
			continue
		}

		if ptr.Version() == entry.version {
			c.writeCachePages.Remove(key)
			c.writeCacheSize.Add(-1)

			ptr.ReleaseSharedLock()
			ptr.DecrementWriters()
			ptr.SetWritersListener(nil)
		} else {
			ptr.ReleaseSharedLock()
		}

		if ptr.IsNotFlushed() {
			ptr.SetNotFlushed(false)
			c.countOfNotFlushedPages.Add(-1)
		}
		guard.Release()
	}

	lastPtr := chunk[len(chunk)-1].ptr
	lastKey := PageKey{FileID: ExtractFileID(lastPtr.FileID()), PageIndex: lastPtr.PageIndex()}
	f.lastFlushedKey = &lastKey

	return len(chunk), nil
}

func adjacent(prev *CachePointer, next *CachePointer) bool {
	return prev.FileID() == next.FileID() && prev.PageIndex()+1 == next.PageIndex()
}

// flushWriteCacheFromMinLSN flushes pages covering the oldest WAL
// records first, coalescing physically adjacent pages into chunks, for
// at most one background interval.
func (f *flusher) flushWriteCacheFromMinLSN() error {
	c := f.cache
	chunkSize := c.cfg.ChunkSizeOrDefault()

	f.convertSharedDirtyPagesToLocal()
	start := time.Now()

	var chunk []chunkEntry

flushCycle:
	for time.Since(start) < c.cfg.BackgroundFlushInterval {
		// Position at the page holding the oldest dirty record, if any;
		// otherwise sweep from the beginning.
		var keys []PageKey
		if _, minKey, ok := f.localDirty.min(); ok {
			keys = c.writeCachePages.KeysFrom(minKey)
		} else {
			keys = c.writeCachePages.Keys()
		}
		if len(keys) == 0 {
			keys = c.writeCachePages.Keys()
		}
		if len(keys) == 0 {
			break
		}

		for _, key := range keys {
			if time.Since(start) >= c.cfg.BackgroundFlushInterval {
				break flushCycle
			}

			ptr := c.writeCachePages.Get(key)
			if ptr == nil {
				continue
			}

			entry := f.snapshotPage(key, ptr)

			if len(chunk) > 0 && !adjacent(chunk[len(chunk)-1].ptr, entry.ptr) {
				if _, err := f.flushPagesChunk(chunk); err != nil {
					return err
				}
				f.releaseExclusiveLatch()
				chunk = chunk[:0]
			}
			chunk = append(chunk, entry)

			if len(chunk) >= chunkSize {
				if _, err := f.flushPagesChunk(chunk); err != nil {
					return err
				}
				f.releaseExclusiveLatch()
				chunk = chunk[:0]
				continue flushCycle
			}
		}

		// Snapshot exhausted: flush what we have and restart the ring.
		if _, err := f.flushPagesChunk(chunk); err != nil {
			return err
		}
		f.releaseExclusiveLatch()
		chunk = chunk[:0]
	}

	if _, err := f.flushPagesChunk(chunk); err != nil {
		return err
	}
	f.releaseExclusiveLatch()
	return nil
}

// flushExclusiveWriteCache drains exclusively-held pages until the
// exclusive cache is pulled back toward the high water.
func (f *flusher) flushExclusiveWriteCache() error {
	c := f.cache
	chunkSize := c.cfg.ChunkSizeOrDefault()

	threshold := f.exclusiveThreshold()
	pagesToFlush := int64(math.Ceil((threshold - c.cfg.ExclusiveHighWater) * float64(c.exclusiveWriteCacheMaxSize)))
	if pagesToFlush < 1 {
		pagesToFlush = 1
	}

	flushed := int64(0)
	var chunk []chunkEntry

	keys := c.exclusivePages.Keys()
	pos := 0

	for flushed < pagesToFlush {
		if pos >= len(keys) {
			// Ring restart.
			if n, err := f.flushPagesChunk(chunk); err != nil {
				return err
			} else {
				flushed += int64(n)
			}
			f.releaseExclusiveLatch()
			chunk = chunk[:0]

			keys = c.exclusivePages.Keys()
			pos = 0
			if len(keys) == 0 {
				break
			}
		}

		key := keys[pos]
		pos++

		ptr := c.writeCachePages.Get(key)
		if ptr == nil {
			c.exclusivePages.Remove(key)
			continue
		}

		entry := f.snapshotPage(key, ptr)

		if len(chunk) > 0 && !adjacent(chunk[len(chunk)-1].ptr, entry.ptr) {
			if n, err := f.flushPagesChunk(chunk); err != nil {
				return err
			} else {
				flushed += int64(n)
			}
			f.releaseExclusiveLatch()
			chunk = chunk[:0]
		}
		chunk = append(chunk, entry)

		if len(chunk) >= chunkSize {
			if n, err := f.flushPagesChunk(chunk); err != nil {
				return err
			} else {
				flushed += int64(n)
			}
			f.releaseExclusiveLatch()
			chunk = chunk[:0]
		}
	}

	if _, err := f.flushPagesChunk(chunk); err != nil {
		return err
	}
	f.releaseExclusiveLatch()
	return nil
}

// flushPage is the single-page path used by per-file flushes: gate on
// the WAL, materialize the footer into a fresh copy (the source may
// still be read concurrently) and write it out.
func (f *flusher) flushPage(intID int32, pageIndex int64, page []byte) error {
	c := f.cache

	f.flushWriteCacheTillLSN(page)

	content := c.bufferPool.Acquire(false)
	defer func() { _ = c.bufferPool.Release(content) }()

	copy(content.Data, page)
	PrepareFooter(content.Data)

	fileEntry, err := c.files.Acquire(c.externalID(intID))
	if err != nil {
		return err
	}
	if fileEntry == nil {
		return errors.Wrapf(ErrFileNotRegistered, "file id %d", intID)
	}
	defer c.files.Release(fileEntry)

	handle := fileEntry.Handle()
	if err := handle.WriteAt(pageIndex*int64(c.cfg.PageSize), content.Data); err != nil {
		return err
	}
	if c.cfg.SyncOnPageFlush {
		return handle.Sync()
	}
	return nil
}

// fileFlush writes out every cached page of one file, skipping pages
// under exclusive mutation, then syncs the file.
func (f *flusher) fileFlush(intID int32) error {
	c := f.cache

	for _, key := range c.writeCachePages.FileKeys(intID) {
		guard := c.locks.Exclusive(key)

		ptr := c.writeCachePages.Get(key)
		if ptr == nil {
			guard.Release()
			continue
		}
		if !ptr.TryAcquireSharedLock() {
			guard.Release()
			continue
		}

		err := f.flushPage(intID, key.PageIndex, ptr.Buffer())
		if err != nil {
			ptr.ReleaseSharedLock()
			guard.Release()
			return err
		}

		f.removeFromDirtyPages(key)
		ptr.SetInWriteCache(false)
		ptr.ReleaseSharedLock()

		ptr.DecrementWriters()
		ptr.SetWritersListener(nil)

		c.writeCachePages.Remove(key)
		c.writeCacheSize.Add(-1)

		if ptr.IsNotFlushed() {
			ptr.SetNotFlushed(false)
			c.countOfNotFlushedPages.Add(-1)
		}
		guard.Release()
	}

	fileEntry, err := c.files.Acquire(c.externalID(intID))
	if err != nil {
		return err
	}
	if fileEntry == nil {
		return errors.Wrapf(ErrFileNotRegistered, "file id %d", intID)
	}
	defer c.files.Release(fileEntry)
	return fileEntry.Handle().Sync()
}

// removeFilePages drops every cached page of one file without writing
// it, under full exclusive locks.
func (f *flusher) removeFilePages(intID int32) {
	c := f.cache

	for _, key := range c.writeCachePages.FileKeys(intID) {
		guard := c.locks.Exclusive(key)

		ptr := c.writeCachePages.Get(key)
		if ptr == nil {
			guard.Release()
			continue
		}

		ptr.AcquireExclusiveLock()
		ptr.DecrementWriters()
		ptr.SetWritersListener(nil)
		c.writeCacheSize.Add(-1)

		f.removeFromDirtyPages(key)
		ptr.SetInWriteCache(false)
		ptr.ReleaseExclusiveLock()

		c.writeCachePages.Remove(key)

		if ptr.IsNotFlushed() {
			ptr.SetNotFlushed(false)
			c.countOfNotFlushedPages.Add(-1)
		}
		guard.Release()
	}
}

// flushTillSegment drains dirty pages until none references a WAL
// segment older than the given one.
func (f *flusher) flushTillSegment(segment int64) error {
	f.convertSharedDirtyPagesToLocal()

	for {
		minLSN, _, ok := f.localDirty.min()
		if !ok || minLSN.Segment >= segment {
			return nil
		}
		if err := f.flushExclusivePagesIfNeeded(); err != nil {
			return err
		}
		if err := f.flushWriteCacheFromMinLSN(); err != nil {
			return err
		}
	}
}

// findMinDirtyLSN reports the oldest LSN a dirty page still covers.
func (f *flusher) findMinDirtyLSN() (wal.LSN, bool) {
	f.convertSharedDirtyPagesToLocal()

	minLSN, _, ok := f.localDirty.min()
	return minLSN, ok
}

// dirtyIndex is the flusher-private reflection of the dirty-pages map,
// indexed both by key and by LSN so the oldest record is found quickly.
type dirtyIndex struct {
	byKey map[PageKey]wal.LSN
	byLSN map[wal.LSN]map[PageKey]struct{}
	lsns  []wal.LSN // sorted ascending
}

func newDirtyIndex() *dirtyIndex {
	return &dirtyIndex{
		byKey: make(map[PageKey]wal.LSN),
		byLSN: make(map[wal.LSN]map[PageKey]struct{}),
	}
}

func (d *dirtyIndex) searchLSN(lsn wal.LSN) int {
	lo, hi := 0, len(d.lsns)
	for lo < hi {
		mid := (lo + hi) / 2
		if d.lsns[mid].Less(lsn) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// insert adds the pair unless the key is already tracked; the earliest
// recorded LSN wins.
func (d *dirtyIndex) insert(key PageKey, lsn wal.LSN) {
	if _, ok := d.byKey[key]; ok {
		return
	}
	d.byKey[key] = lsn

	pages, ok := d.byLSN[lsn]
	if !ok {
		pages = make(map[PageKey]struct{})
		d.byLSN[lsn] = pages

		i := d.searchLSN(lsn)
		d.lsns = append(d.lsns, wal.LSN{})
		copy(d.lsns[i+1:], d.lsns[i:])
		d.lsns[i] = lsn
	}
	pages[key] = struct{}{}
}

func (d *dirtyIndex) remove(key PageKey) {
	lsn, ok := d.byKey[key]
	if !ok {
		return
	}
	delete(d.byKey, key)

	pages := d.byLSN[lsn]
	delete(pages, key)
	if len(pages) == 0 {
		delete(d.byLSN, lsn)
		i := d.searchLSN(lsn)
		d.lsns = append(d.lsns[:i], d.lsns[i+1:]...)
	}
}

// min returns the smallest tracked LSN and one of its pages.
func (d *dirtyIndex) min() (wal.LSN, PageKey, bool) {
	if len(d.lsns) == 0 {
		return wal.LSN{}, PageKey{}, false
	}
	lsn := d.lsns[0]
	for key := range d.byLSN[lsn] {
		return lsn, key, true
	}
	return wal.LSN{}, PageKey{}, false
}

func (d *dirtyIndex) len() int {
	return len(d.byKey)
}
