package cache

import (
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"wowcache/pkg/config"
	"wowcache/pkg/pagelock"
	"wowcache/pkg/pool"
	"wowcache/pkg/registry"
	"wowcache/pkg/storage"
	"wowcache/pkg/wal"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// WriteCache is the write-back page cache of one storage directory. It
// accepts page-sized stores from the layers above, pins them in pooled
// buffers and persists them in the background in WAL-safe order.
type WriteCache struct {
	cfg       config.Config
	dir       string
	storageID int32

	bufferPool *pool.BufferPool
	walLog     wal.WriteAheadLog // nil when the storage runs without a WAL
	files      *storage.Container
	locks      *pagelock.Manager

	// filesLock guards the registry and the set of registered files:
	// read mode for lookups and page traffic, write mode for file
	// lifecycle changes.
	filesLock sync.RWMutex
	registry  *registry.FileRegistry

	writeCachePages *pageMap
	exclusivePages  *keySet

	// dirtyMu guards dirtyPages. Producers insert-if-absent; the flusher
	// periodically drains the whole map into its private tables.
	dirtyMu    sync.Mutex
	dirtyPages map[PageKey]wal.LSN

	writeCacheSize          atomic.Int64
	exclusiveWriteCacheSize atomic.Int64
	countOfNotFlushedPages  atomic.Int64
	amountOfNewPagesAdded   atomic.Int64
	lastDiskSpaceCheck      atomic.Int64
	cacheOverflowCount      atomic.Int64

	// exclusiveWriteCacheMaxSize is the overflow limit in pages.
	exclusiveWriteCacheMaxSize int64

	exclusiveLatch atomic.Pointer[Latch]

	flusher *flusher

	lowSpaceListeners *listenerList[LowDiskSpaceInfo]
	bgErrorListeners  *listenerList[error]
	events            publisher

	stats *chunkStats
}

// New constructs a write cache over the given storage directory. The
// write-ahead log may be nil. The container owns every file handle the
// cache will use.
func New(dir string, storageID int32, cfg config.Config, bufferPool *pool.BufferPool,
	walLog wal.WriteAheadLog, files *storage.Container) (*WriteCache, error) {

	cfg = cfg.WithDefaults()
	if cfg.PageSize < MinPageSize {
		return nil, ErrPageSizeTooSmall
	}

	maxPages := cfg.ExclusiveWriteCacheMaxSize / int64(cfg.PageSize)
	if cfg.MinSizeCheck && maxPages < config.MinExclusiveCachePages {
		maxPages = config.MinExclusiveCachePages
	}

	c := &WriteCache{
		cfg:                        cfg,
		dir:                        dir,
		storageID:                  storageID,
		bufferPool:                 bufferPool,
		walLog:                     walLog,
		files:                      files,
		locks:                      pagelock.NewManager(),
		writeCachePages:            newPageMap(),
		exclusivePages:             newKeySet(),
		dirtyPages:                 make(map[PageKey]wal.LSN),
		exclusiveWriteCacheMaxSize: maxPages,
		lowSpaceListeners:          newListenerList[LowDiskSpaceInfo](),
		bgErrorListeners:           newListenerList[error](),
		stats:                      newChunkStats(cfg.ChunkSizeOrDefault()),
	}
	c.flusher = newFlusher(c)
	c.flusher.start()
	return c, nil
}

// Dir returns the storage directory all managed files live in.
func (c *WriteCache) Dir() string {
	return c.dir
}

// StorageID returns the id composed into the high half of external file
// ids.
func (c *WriteCache) StorageID() int32 {
	return c.storageID
}

// PageSize returns the unit of caching and I/O.
func (c *WriteCache) PageSize() int {
	return c.cfg.PageSize
}

func (c *WriteCache) externalID(intID int32) int64 {
	return ComposeFileID(c.storageID, intID)
}

func (c *WriteCache) filePath(name string) string {
	return filepath.Join(c.dir, name)
}

// LoadRegisteredFiles materializes the name-id map and opens the handles
// of every live file. Must be called before the cache is used.
func (c *WriteCache) LoadRegisteredFiles() error {
	c.filesLock.Lock()
	defer c.filesLock.Unlock()

	reg, err := registry.LoadOrCreate(c.dir)
	if err != nil {
		return err
	}
	c.registry = reg

	for name, intID := range reg.Entries() {
		if intID <= 0 {
			continue
		}

		externalID := c.externalID(intID)
		if c.files.Get(externalID) != nil {
			continue
		}

		handle := storage.NewDiskFile(c.filePath(name), c.cfg.DirectIO)
		if handle.Exists() {
			if err := c.files.OpenSlot(); err != nil {
				return err
			}
			if err := handle.Open(); err != nil {
				c.files.CancelSlot()
				return err
			}
			c.files.Add(externalID, handle)
		} else {
			// Registered but gone from disk: keep the id reserved.
			reg.Adjust(name, -intID)
		}
	}
	return nil
}

// AddFile registers a new file under the given name and returns its
// external id. A tombstoned name revives its previous id.
func (c *WriteCache) AddFile(name string) (int64, error) {
	c.filesLock.Lock()
	defer c.filesLock.Unlock()

	if id, ok := c.registry.Get(name); ok && id >= 0 {
		return 0, errors.Wrapf(ErrFileAlreadyExists, "file %q", name)
	}

	intID := c.registry.NextID(name)
	handle := storage.NewDiskFile(c.filePath(name), c.cfg.DirectIO)
	if handle.Exists() {
		return 0, errors.Errorf("file %q already exists on disk", name)
	}
	if err := c.files.OpenSlot(); err != nil {
		return 0, err
	}
	if err := handle.Create(); err != nil {
		c.files.CancelSlot()
		return 0, err
	}

	externalID := c.externalID(intID)
	c.files.Add(externalID, handle)

	if err := c.registry.Set(name, intID, true); err != nil {
		return 0, err
	}
	return externalID, nil
}

// AddFileWithID registers a file under a caller-chosen id, as used when
// replaying storage-level operations.
func (c *WriteCache) AddFileWithID(name string, fileID int64) (int64, error) {
	c.filesLock.Lock()
	defer c.filesLock.Unlock()

	intID := ExtractFileID(fileID)
	if existing, ok := c.registry.Get(name); ok && existing >= 0 {
		if existing == intID {
			return 0, errors.Wrapf(ErrFileAlreadyExists, "file %q", name)
		}
		return 0, errors.Errorf("file %q already exists with id %d, proposed %d", name, existing, intID)
	}

	externalID := c.externalID(intID)
	if handle := c.files.Get(externalID); handle != nil {
		if handle.Name() != name {
			return 0, errors.Errorf("file id %d exists with name %q, proposed %q", intID, handle.Name(), name)
		}
	} else {
		handle := storage.NewDiskFile(c.filePath(name), c.cfg.DirectIO)
		if err := c.files.OpenSlot(); err != nil {
			return 0, err
		}
		if err := handle.Create(); err != nil {
			c.files.CancelSlot()
			return 0, err
		}
		c.files.Add(externalID, handle)
	}

	if err := c.registry.Set(name, intID, true); err != nil {
		return 0, err
	}
	return externalID, nil
}

// BookFileID reserves an external id for the given name; a tombstoned
// name gets its previous id back. AddFile does not consult reservations;
// the booked id is registered through AddFileWithID.
func (c *WriteCache) BookFileID(name string) int64 {
	c.filesLock.Lock()
	defer c.filesLock.Unlock()
	return c.externalID(c.registry.Book(name))
}

// LoadFile returns the external id of a file that exists on disk,
// registering it on the fly if the map lost track of it.
func (c *WriteCache) LoadFile(name string) (int64, error) {
	c.filesLock.Lock()
	defer c.filesLock.Unlock()

	if intID, ok := c.registry.Get(name); ok && intID >= 0 {
		externalID := c.externalID(intID)
		if c.files.Get(externalID) == nil {
			return 0, errors.Errorf("file %q is only partially registered in storage", name)
		}
		return externalID, nil
	}

	handle := storage.NewDiskFile(c.filePath(name), c.cfg.DirectIO)
	if !handle.Exists() {
		return 0, errors.Wrapf(ErrFileNotRegistered, "file %q", name)
	}

	log.WithField("file", name).Debug("file exists on disk but is not registered, registering it")

	intID := c.registry.NextID(name)
	if err := c.files.OpenSlot(); err != nil {
		return 0, err
	}
	if err := handle.Open(); err != nil {
		c.files.CancelSlot()
		return 0, err
	}

	externalID := c.externalID(intID)
	c.files.Add(externalID, handle)

	if err := c.registry.Set(name, intID, true); err != nil {
		return 0, err
	}
	return externalID, nil
}

// Exists reports whether a live file is registered under the name, or a
// file with that name sits in the storage directory.
func (c *WriteCache) Exists(name string) bool {
	c.filesLock.RLock()
	defer c.filesLock.RUnlock()

	if c.registry != nil {
		if id, ok := c.registry.Get(name); ok && id >= 0 {
			return true
		}
	}
	return storage.NewDiskFile(c.filePath(name), c.cfg.DirectIO).Exists()
}

// ExistsID reports whether the file with the given id is registered and
// present on disk.
func (c *WriteCache) ExistsID(fileID int64) bool {
	c.filesLock.RLock()
	defer c.filesLock.RUnlock()

	handle := c.files.Get(c.externalID(ExtractFileID(fileID)))
	return handle != nil && handle.Exists()
}

// FileIDByName returns the external id of a live file, or -1.
func (c *WriteCache) FileIDByName(name string) int64 {
	c.filesLock.RLock()
	defer c.filesLock.RUnlock()

	if intID, ok := c.registry.Get(name); ok && intID >= 0 {
		return c.externalID(intID)
	}
	return -1
}

// FileNameByID returns the name of a registered file, or "".
func (c *WriteCache) FileNameByID(fileID int64) string {
	c.filesLock.RLock()
	defer c.filesLock.RUnlock()

	if handle := c.files.Get(c.externalID(ExtractFileID(fileID))); handle != nil {
		return handle.Name()
	}
	return ""
}

// Files returns a snapshot of all live files and their external ids.
func (c *WriteCache) Files() map[string]int64 {
	c.filesLock.RLock()
	defer c.filesLock.RUnlock()

	result := make(map[string]int64)
	for name, intID := range c.registry.Entries() {
		if intID > 0 {
			result[name] = c.externalID(intID)
		}
	}
	return result
}

// liveInternalIDs returns the internal ids of all live files. Caller
// holds filesLock.
func (c *WriteCache) liveInternalIDs() []int32 {
	if c.registry == nil {
		return nil
	}
	var ids []int32
	for _, intID := range c.registry.Entries() {
		if intID > 0 {
			ids = append(ids, intID)
		}
	}
	return ids
}

// Store puts the pinned page into the write cache. When the exclusive
// part of the cache overflows, a latch is returned and the caller must
// await it before issuing further stores.
func (c *WriteCache) Store(fileID int64, pageIndex int64, ptr *CachePointer) *Latch {
	intID := ExtractFileID(fileID)

	c.filesLock.RLock()
	defer c.filesLock.RUnlock()

	key := PageKey{FileID: intID, PageIndex: pageIndex}

	guard := c.locks.Exclusive(key)
	existing := c.writeCachePages.Get(key)
	if existing == nil {
		c.doPutInCache(ptr, key)
	} else if existing != ptr {
		// Stores are idempotent: the read cache re-hands the same
		// pinned pointer.
		guard.Release()
		panic("store of a different pointer for an already cached page")
	}
	guard.Release()

	if latch := c.exclusiveLatch.Load(); latch != nil {
		return latch
	}

	if c.exclusiveWriteCacheSize.Load() > c.exclusiveWriteCacheMaxSize {
		c.cacheOverflowCount.Add(1)

		latch := NewLatch()
		if !c.exclusiveLatch.CompareAndSwap(nil, latch) {
			latch = c.exclusiveLatch.Load()
		}
		c.flusher.trigger()
		return latch
	}
	return nil
}

func (c *WriteCache) doPutInCache(ptr *CachePointer, key PageKey) {
	c.writeCachePages.Put(key, ptr)
	c.writeCacheSize.Add(1)

	ptr.SetWritersListener(c)
	ptr.IncrementWriters()
	ptr.SetInWriteCache(true)
}

// AddOnlyWriters is the writers-listener callback fired when a page
// becomes exclusively held by the write cache.
func (c *WriteCache) AddOnlyWriters(fileID int64, pageIndex int64) {
	c.exclusiveWriteCacheSize.Add(1)
	c.exclusivePages.Add(PageKey{FileID: ExtractFileID(fileID), PageIndex: pageIndex})
}

// RemoveOnlyWriters is the inverse callback.
func (c *WriteCache) RemoveOnlyWriters(fileID int64, pageIndex int64) {
	c.exclusiveWriteCacheSize.Add(-1)
	c.exclusivePages.Remove(PageKey{FileID: ExtractFileID(fileID), PageIndex: pageIndex})
}

// UpdateDirtyPagesTable records the WAL position at which the page was
// first dirtied. Pages already in the write cache are covered by their
// earlier entry.
func (c *WriteCache) UpdateDirtyPagesTable(ptr *CachePointer) {
	if c.walLog == nil || ptr.IsInWriteCache() {
		return
	}

	key := PageKey{FileID: ExtractFileID(ptr.FileID()), PageIndex: ptr.PageIndex()}

	dirtyLSN, ok := c.walLog.End()
	if !ok {
		dirtyLSN = wal.LSN{}
	}

	c.dirtyMu.Lock()
	if _, present := c.dirtyPages[key]; !present {
		c.dirtyPages[key] = dirtyLSN
	}
	c.dirtyMu.Unlock()
}

// Load returns pinned pointers for up to pageCount pages starting at
// startPage. With addNewPages set, a request beyond the end of the file
// allocates every page between the current end and the requested index.
// The second result reports whether the first page came from the cache.
func (c *WriteCache) Load(fileID int64, startPage int64, pageCount int, addNewPages bool) ([]*CachePointer, bool, error) {
	if pageCount < 1 {
		return nil, false, errors.Wrapf(ErrPageCount, "provided value is %d", pageCount)
	}

	intID := ExtractFileID(fileID)
	externalID := c.externalID(intID)

	c.filesLock.RLock()
	defer c.filesLock.RUnlock()

	startKey := PageKey{FileID: intID, PageIndex: startPage}
	startGuard := c.locks.Shared(startKey)

	if ptr := c.writeCachePages.Get(startKey); ptr != nil {
		ptr.IncrementReaders()
		startGuard.Release()
		return []*CachePointer{ptr}, true, nil
	}

	// Miss: read from the file, preloading up to pageCount pages.
	var guards []pagelock.Guard
	if pageCount > 1 {
		startGuard.Release()

		keys := make([]PageKey, pageCount)
		for i := 0; i < pageCount; i++ {
			keys[i] = PageKey{FileID: intID, PageIndex: startPage + int64(i)}
		}
		guards = c.locks.SharedBatch(keys)
	} else {
		guards = []pagelock.Guard{startGuard}
	}

	pointers, err := c.loadFileContent(intID, startPage, pageCount)
	if err != nil {
		pagelock.ReleaseAll(guards)
		return nil, false, err
	}
	if pointers != nil {
		for n, ptr := range pointers {
			ptr.IncrementReaders()

			if n > 0 {
				key := PageKey{FileID: intID, PageIndex: startPage + int64(n)}
				if cached := c.writeCachePages.Get(key); cached != nil {
					// A newer copy was stored while we were reading;
					// prefer it over the bytes from disk.
					ptr.DecrementReaders()
					cached.IncrementReaders()
					pointers[n] = cached
				}
			}
		}
		pagelock.ReleaseAll(guards)
		return pointers, false, nil
	}
	pagelock.ReleaseAll(guards)

	// Requested page is beyond the end of the file.
	if !addNewPages {
		return nil, false, nil
	}

	entry, err := c.files.Acquire(externalID)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, errors.Wrapf(ErrFileNotRegistered, "file id %d", intID)
	}

	resultPtr, err := c.allocateNewPages(entry, intID, startPage)
	c.files.Release(entry)
	if err != nil {
		return nil, false, err
	}

	if resultPtr != nil {
		return []*CachePointer{resultPtr}, true, nil
	}

	// Space was allocated by a concurrent call and the requested page
	// now lies inside the file: read it the regular way.
	c.filesLock.RUnlock()
	pointers, hit, err := c.Load(fileID, startPage, pageCount, true)
	c.filesLock.RLock()
	return pointers, hit, err
}

// allocateNewPages grows the file up to and including startPage and puts
// zeroed pointers for every fresh page into the directory. Returns the
// pointer of startPage with its reader count incremented, or nil if the
// file already covered it.
func (c *WriteCache) allocateNewPages(entry *storage.Entry, intID int32, startPage int64) (*CachePointer, error) {
	handle := entry.Handle()
	pageSize := int64(c.cfg.PageSize)

	size, err := handle.Size()
	if err != nil {
		return nil, err
	}

	allocationStart := size / pageSize
	allocationStop := startPage

	keys := make([]PageKey, 0, allocationStop-allocationStart+1)
	for index := allocationStart; index <= allocationStop; index++ {
		keys = append(keys, PageKey{FileID: intID, PageIndex: index})
	}

	// Exclusive locks prevent a concurrent store from installing a
	// pointer for an index whose space is being allocated right now.
	guards := c.locks.ExclusiveBatch(keys)
	defer pagelock.ReleaseAll(guards)

	size, err = handle.Size()
	if err != nil {
		return nil, err
	}
	spaceToAllocate := (allocationStop+1)*pageSize - size
	if spaceToAllocate <= 0 {
		return nil, nil
	}

	if err := handle.Allocate(spaceToAllocate); err != nil {
		return nil, err
	}
	allocationStart = size / pageSize

	var resultPtr *CachePointer
	externalID := c.externalID(intID)
	for index := allocationStart; index <= allocationStop; index++ {
		buf := c.bufferPool.Acquire(true)
		ptr := NewCachePointer(buf, c.bufferPool, externalID, index)
		ptr.SetNotFlushed(true)
		c.countOfNotFlushedPages.Add(1)

		// The page belongs only to the write cache until it is handed
		// back to a reader, so the writer increment below counts it as
		// exclusive right away.
		c.doPutInCache(ptr, PageKey{FileID: intID, PageIndex: index})

		if index == startPage {
			resultPtr = ptr
		}
	}

	c.freeSpaceCheckAfterNewPageAdd(allocationStop - allocationStart + 1)

	if resultPtr != nil {
		resultPtr.IncrementReaders()
	}
	return resultPtr, nil
}

// loadFileContent reads up to pageCount pages from disk, returning nil
// (not an empty slice) when the first requested page lies beyond the end
// of the file.
func (c *WriteCache) loadFileContent(intID int32, startPage int64, pageCount int) ([]*CachePointer, error) {
	externalID := c.externalID(intID)

	entry, err := c.files.Acquire(externalID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errors.Wrapf(ErrFileNotRegistered, "file id %d", intID)
	}
	defer c.files.Release(entry)

	handle := entry.Handle()
	pageSize := int64(c.cfg.PageSize)

	size, err := handle.Size()
	if err != nil {
		return nil, err
	}

	firstPageStart := startPage * pageSize
	if size < firstPageStart+pageSize {
		return nil, nil
	}

	if pageCount == 1 {
		buf := c.bufferPool.Acquire(false)
		if _, err := handle.ReadAt(firstPageStart, buf.Data); err != nil {
			_ = c.bufferPool.Release(buf)
			return nil, err
		}
		return []*CachePointer{NewCachePointer(buf, c.bufferPool, externalID, startPage)}, nil
	}

	maxPageCount := (size - firstPageStart) / pageSize
	realCount := pageCount
	if int64(realCount) > maxPageCount {
		realCount = int(maxPageCount)
	}

	bufs := make([]pool.Buffer, realCount)
	vec := make([][]byte, realCount)
	for i := range bufs {
		bufs[i] = c.bufferPool.Acquire(false)
		vec[i] = bufs[i].Data
	}

	bytesRead, err := handle.ReadVec(firstPageStart, vec)
	if err != nil {
		for _, buf := range bufs {
			_ = c.bufferPool.Release(buf)
		}
		return nil, err
	}

	buffersRead := int(bytesRead / pageSize)
	pointers := make([]*CachePointer, buffersRead)
	for n := 0; n < buffersRead; n++ {
		pointers[n] = NewCachePointer(bufs[n], c.bufferPool, externalID, startPage+int64(n))
	}
	for n := buffersRead; n < len(bufs); n++ {
		_ = c.bufferPool.Release(bufs[n])
	}
	return pointers, nil
}

// GetFilledUpTo returns the page count of the file on disk.
func (c *WriteCache) GetFilledUpTo(fileID int64) (int64, error) {
	externalID := c.externalID(ExtractFileID(fileID))

	c.filesLock.RLock()
	defer c.filesLock.RUnlock()

	entry, err := c.files.Acquire(externalID)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		return 0, errors.Wrapf(ErrFileNotRegistered, "file id %d", ExtractFileID(fileID))
	}
	defer c.files.Release(entry)

	size, err := entry.Handle().Size()
	if err != nil {
		return 0, err
	}
	return size / int64(c.cfg.PageSize), nil
}

// Flush writes the cached pages of one file to disk and syncs it. Pages
// under exclusive mutation at that moment are skipped and stay cached.
func (c *WriteCache) Flush(fileID int64) error {
	return c.flusher.submit(func() error {
		return c.flusher.fileFlush(ExtractFileID(fileID))
	})
}

// FlushAll flushes every live file.
func (c *WriteCache) FlushAll() error {
	c.filesLock.RLock()
	ids := c.liveInternalIDs()
	c.filesLock.RUnlock()

	for _, intID := range ids {
		if err := c.Flush(c.externalID(intID)); err != nil {
			return err
		}
	}
	return nil
}

// FlushTillSegment drains dirty pages until no dirty page references a
// WAL segment older than the given one.
func (c *WriteCache) FlushTillSegment(segment int64) error {
	return c.flusher.submit(func() error {
		return c.flusher.flushTillSegment(segment)
	})
}

// MinimalNotFlushedLSN returns the oldest LSN still covered by a dirty
// page, if any.
func (c *WriteCache) MinimalNotFlushedLSN() (wal.LSN, bool, error) {
	var minLSN wal.LSN
	var ok bool
	err := c.flusher.submit(func() error {
		minLSN, ok = c.flusher.findMinDirtyLSN()
		return nil
	})
	return minLSN, ok, err
}

// MakeFuzzyCheckpoint brackets an fsync of all data files between fuzzy
// checkpoint markers and cuts the WAL segments before the given one.
func (c *WriteCache) MakeFuzzyCheckpoint(segment int64) error {
	if c.walLog == nil {
		return nil
	}

	c.filesLock.RLock()
	defer c.filesLock.RUnlock()

	startLSN, ok := c.walLog.Begin(segment)
	if !ok {
		return nil
	}

	if err := c.walLog.LogFuzzyCheckpointStart(startLSN); err != nil {
		return err
	}

	for _, intID := range c.liveInternalIDs() {
		entry, err := c.files.Acquire(c.externalID(intID))
		if err != nil {
			return err
		}
		if entry == nil {
			continue
		}
		err = entry.Handle().Sync()
		c.files.Release(entry)
		if err != nil {
			return err
		}
	}

	if err := c.walLog.LogFuzzyCheckpointEnd(); err != nil {
		return err
	}
	if err := c.walLog.Flush(); err != nil {
		return err
	}
	return c.walLog.CutSegmentsSmallerThan(segment)
}

// TruncateFile drops the cached pages of the file and shrinks it to
// zero bytes.
func (c *WriteCache) TruncateFile(fileID int64) error {
	intID := ExtractFileID(fileID)
	externalID := c.externalID(intID)

	c.filesLock.Lock()
	defer c.filesLock.Unlock()

	if err := c.removeCachedPages(intID); err != nil {
		return err
	}

	entry, err := c.files.Acquire(externalID)
	if err != nil {
		return err
	}
	if entry == nil {
		return errors.Wrapf(ErrFileNotRegistered, "file id %d", intID)
	}
	defer c.files.Release(entry)

	return entry.Handle().Truncate(0)
}

// RenameFile renames a live file on disk and in the registry. Suffixes
// after the old name are preserved on disk.
func (c *WriteCache) RenameFile(fileID int64, oldName, newName string) error {
	intID := ExtractFileID(fileID)
	externalID := c.externalID(intID)

	c.filesLock.Lock()
	defer c.filesLock.Unlock()

	if id, ok := c.registry.Get(newName); ok && id >= 0 {
		return errors.Wrapf(ErrFileAlreadyExists, "file %q", newName)
	}

	entry, err := c.files.Acquire(externalID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	handle := entry.Handle()
	osName := handle.Name()
	if strings.HasPrefix(osName, oldName) {
		err = handle.Rename(newName + osName[len(oldName):])
	}
	c.files.Release(entry)
	if err != nil {
		return err
	}

	if err := c.registry.Unset(oldName, false); err != nil {
		return err
	}
	return c.registry.Set(newName, intID, true)
}

// DeleteFile removes the file from disk and tombstones its name so the
// id survives for a later reopen.
func (c *WriteCache) DeleteFile(fileID int64) error {
	intID := ExtractFileID(fileID)

	c.filesLock.Lock()
	defer c.filesLock.Unlock()

	name, err := c.doDeleteFile(intID)
	if err != nil {
		return err
	}
	if name != "" {
		return c.registry.Set(name, -intID, true)
	}
	return nil
}

// doDeleteFile drops the cached pages, unregisters the handle and
// removes the file from disk, returning the file's name. Caller holds
// filesLock in write mode.
func (c *WriteCache) doDeleteFile(intID int32) (string, error) {
	if err := c.removeCachedPages(intID); err != nil {
		return "", err
	}

	handle, err := c.files.Remove(c.externalID(intID))
	if err != nil {
		return "", err
	}
	if handle == nil {
		return "", nil
	}

	name := handle.Name()
	if handle.Exists() {
		if err := handle.Delete(); err != nil {
			return name, err
		}
	}
	return name, nil
}

// removeCachedPages drops every cached page of the file without writing
// it. Caller holds filesLock.
func (c *WriteCache) removeCachedPages(intID int32) error {
	err := c.flusher.submit(func() error {
		c.flusher.removeFilePages(intID)
		return nil
	})
	if errors.Is(err, ErrCacheClosed) {
		// Cache already closed or deleted; nothing cached anymore.
		return nil
	}
	return err
}

// Close flushes or drops the cached pages of one file and closes its
// descriptor. The file stays registered and is reopened on its next use.
func (c *WriteCache) Close(fileID int64, flush bool) error {
	intID := ExtractFileID(fileID)

	c.filesLock.Lock()
	defer c.filesLock.Unlock()

	if flush {
		if err := c.flusher.submit(func() error {
			return c.flusher.fileFlush(intID)
		}); err != nil {
			return err
		}
	} else {
		if err := c.removeCachedPages(intID); err != nil {
			return err
		}
	}
	return c.files.CloseHandle(c.externalID(intID))
}

// CloseAll flushes everything, stops the flush worker and closes every
// file plus the compacted registry. Returns the external ids of the
// files that were open.
func (c *WriteCache) CloseAll() ([]int64, error) {
	if err := c.FlushAll(); err != nil {
		return nil, err
	}
	if err := c.flusher.shutdown(); err != nil {
		return nil, err
	}
	c.events.close()

	c.filesLock.Lock()
	defer c.filesLock.Unlock()

	var result []int64
	for _, intID := range c.liveInternalIDs() {
		externalID := c.externalID(intID)
		handle, err := c.files.Remove(externalID)
		if err != nil {
			return nil, err
		}
		if handle != nil {
			if err := handle.Close(); err != nil {
				return nil, err
			}
		}
		result = append(result, externalID)
	}

	if c.registry != nil {
		if err := c.registry.Close(); err != nil {
			return nil, err
		}
	}

	c.stats.log()
	return result, nil
}

// DeleteAll removes every live file and the registry holder from disk,
// then stops the flush worker. Returns the external ids of the deleted
// files.
func (c *WriteCache) DeleteAll() ([]int64, error) {
	var result []int64

	c.filesLock.Lock()
	for _, intID := range c.liveInternalIDs() {
		if _, err := c.doDeleteFile(intID); err != nil {
			c.filesLock.Unlock()
			return nil, err
		}
		result = append(result, c.externalID(intID))
	}
	if c.registry != nil {
		if err := c.registry.Drop(); err != nil {
			c.filesLock.Unlock()
			return nil, err
		}
	}
	c.filesLock.Unlock()

	if err := c.flusher.shutdown(); err != nil {
		return nil, err
	}
	c.events.close()
	return result, nil
}

// RegisterLowDiskSpaceListener registers a callback for low-space
// events; the handle unregisters it.
func (c *WriteCache) RegisterLowDiskSpaceListener(fn func(LowDiskSpaceInfo)) uuid.UUID {
	return c.lowSpaceListeners.register(fn)
}

// UnregisterLowDiskSpaceListener removes a previously registered
// callback.
func (c *WriteCache) UnregisterLowDiskSpaceListener(id uuid.UUID) {
	c.lowSpaceListeners.unregister(id)
}

// RegisterBackgroundExceptionListener registers a callback fired when
// the flush worker hits an error.
func (c *WriteCache) RegisterBackgroundExceptionListener(fn func(error)) uuid.UUID {
	return c.bgErrorListeners.register(fn)
}

// UnregisterBackgroundExceptionListener removes a previously registered
// callback.
func (c *WriteCache) UnregisterBackgroundExceptionListener(id uuid.UUID) {
	c.bgErrorListeners.unregister(id)
}

// CheckLowDiskSpace samples the usable space of the storage directory
// against the configured limit, counting booked-but-unwritten pages as
// already consumed.
func (c *WriteCache) CheckLowDiskSpace() bool {
	free, err := usableSpace(c.dir)
	if err != nil {
		return false
	}
	notFlushed := c.countOfNotFlushedPages.Load() * int64(c.cfg.PageSize)
	return free-notFlushed < c.cfg.FreeSpaceLimit
}

// freeSpaceCheckAfterNewPageAdd samples the disk every
// FreeSpaceCheckInterval freshly allocated pages and notifies low-space
// listeners when the headroom is gone.
func (c *WriteCache) freeSpaceCheckAfterNewPageAdd(pagesAdded int64) {
	newPagesAdded := c.amountOfNewPagesAdded.Add(pagesAdded)
	lastSpaceCheck := c.lastDiskSpaceCheck.Load()

	if newPagesAdded-lastSpaceCheck <= c.cfg.FreeSpaceCheckInterval && lastSpaceCheck != 0 {
		return
	}

	free, err := usableSpace(c.dir)
	if err != nil {
		log.WithError(err).Warn("cannot sample usable disk space")
		return
	}

	notFlushed := c.countOfNotFlushedPages.Load() * int64(c.cfg.PageSize)
	if free-notFlushed < c.cfg.FreeSpaceLimit {
		info := LowDiskSpaceInfo{FreeBytes: free, LimitBytes: c.cfg.FreeSpaceLimit}
		c.events.publish(func() {
			c.lowSpaceListeners.notify(info)
		})
	}
	c.lastDiskSpaceCheck.Store(newPagesAdded)
}

// WriteCacheSize returns the number of cached pages.
func (c *WriteCache) WriteCacheSize() int64 {
	return c.writeCacheSize.Load()
}

// ExclusiveWriteCacheSize returns the number of exclusively-held pages.
func (c *WriteCache) ExclusiveWriteCacheSize() int64 {
	return c.exclusiveWriteCacheSize.Load()
}

// CacheOverflowCount returns how many stores hit the exclusive limit.
func (c *WriteCache) CacheOverflowCount() int64 {
	return c.cacheOverflowCount.Load()
}

// NotFlushedPages returns the number of pages booked in files but never
// written.
func (c *WriteCache) NotFlushedPages() int64 {
	return c.countOfNotFlushedPages.Load()
}
