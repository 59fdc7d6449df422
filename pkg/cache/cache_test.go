package cache_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"wowcache/pkg/cache"
	"wowcache/pkg/config"
	"wowcache/pkg/pool"
	"wowcache/pkg/storage"

	"github.com/stretchr/testify/require"
)

const pageSize = 4096

// openCache builds a cache over a real storage directory with on-demand
// flushing only.
func openCache(t *testing.T, dir string) *cache.WriteCache {
	t.Helper()

	cfg := config.Config{
		PageSize:                   pageSize,
		ExclusiveWriteCacheMaxSize: 256 * pageSize,
		MinSizeCheck:               false,
	}

	c, err := cache.New(dir, 1, cfg, pool.New(pageSize, 512), nil, storage.NewContainer(16))
	require.NoError(t, err)
	require.NoError(t, c.LoadRegisteredFiles())
	return c
}

// writeBody fills the page body of a pinned pointer and hands it to the
// write cache, releasing the caller's pin.
func writeBody(t *testing.T, c *cache.WriteCache, fileID, index int64, body []byte) {
	t.Helper()

	pointers, _, err := c.Load(fileID, index, 1, true)
	require.NoError(t, err)
	require.Len(t, pointers, 1)

	ptr := pointers[0]
	ptr.AcquireExclusiveLock()
	copy(ptr.Buffer()[cache.BodyOffset+16:], body)
	ptr.ReleaseExclusiveLock()

	c.Store(fileID, index, ptr)
	ptr.DecrementReaders()
}

// readBody loads a page and copies its body out.
func readBody(t *testing.T, c *cache.WriteCache, fileID, index int64) []byte {
	t.Helper()

	pointers, _, err := c.Load(fileID, index, 1, false)
	require.NoError(t, err)
	require.Len(t, pointers, 1)

	ptr := pointers[0]
	ptr.AcquireSharedLock()
	body := make([]byte, pageSize-cache.BodyOffset-16)
	copy(body, ptr.Buffer()[cache.BodyOffset+16:])
	ptr.ReleaseSharedLock()
	ptr.DecrementReaders()
	return body
}

func TestCache_StoreThenLoadReturnsSameContents(t *testing.T) {
	c := openCache(t, t.TempDir())
	defer c.CloseAll()

	fileID, err := c.AddFile("data.pcl")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("cached"), 32)
	writeBody(t, c, fileID, 0, payload)

	got := readBody(t, c, fileID, 0)
	require.Equal(t, payload, got[:len(payload)])
}

func TestCache_FlushThenReadBackFromDisk(t *testing.T) {
	dir := t.TempDir()
	c := openCache(t, dir)
	defer c.CloseAll()

	fileID, err := c.AddFile("data.pcl")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xC5}, 100)
	writeBody(t, c, fileID, 0, payload)
	require.NoError(t, c.Flush(fileID))

	raw, err := os.ReadFile(filepath.Join(dir, "data.pcl"))
	require.NoError(t, err)
	require.Len(t, raw, pageSize)

	magicOK, crcOK := cache.CheckFooter(raw)
	require.True(t, magicOK)
	require.True(t, crcOK)
	require.Equal(t, payload, raw[cache.BodyOffset+16:cache.BodyOffset+16+len(payload)])
}

func TestCache_LoadBeyondEOFWithoutAllocation(t *testing.T) {
	c := openCache(t, t.TempDir())
	defer c.CloseAll()

	fileID, err := c.AddFile("data.pcl")
	require.NoError(t, err)

	pointers, _, err := c.Load(fileID, 7, 1, false)
	require.NoError(t, err)
	require.Empty(t, pointers, "a read past EOF without allocation returns nothing")

	filled, err := c.GetFilledUpTo(fileID)
	require.NoError(t, err)
	require.Equal(t, int64(0), filled, "no allocation may have happened")
}

func TestCache_AllocationGapCreatesIntermediatePages(t *testing.T) {
	c := openCache(t, t.TempDir())
	defer c.CloseAll()

	fileID, err := c.AddFile("data.pcl")
	require.NoError(t, err)

	pointers, _, err := c.Load(fileID, 3, 1, true)
	require.NoError(t, err)
	require.Len(t, pointers, 1)
	require.Equal(t, int64(3), pointers[0].PageIndex())
	pointers[0].DecrementReaders()

	filled, err := c.GetFilledUpTo(fileID)
	require.NoError(t, err)
	require.Equal(t, int64(4), filled, "pages 0..3 must be allocated")
	require.Equal(t, int64(4), c.NotFlushedPages())

	require.NoError(t, c.Flush(fileID))
	require.Equal(t, int64(0), c.NotFlushedPages())
}

func TestCache_LoadRejectsBadPageCount(t *testing.T) {
	c := openCache(t, t.TempDir())
	defer c.CloseAll()

	fileID, err := c.AddFile("data.pcl")
	require.NoError(t, err)

	_, _, err = c.Load(fileID, 0, 0, false)
	require.ErrorIs(t, err, cache.ErrPageCount)
}

func TestCache_AddExistingFileFails(t *testing.T) {
	c := openCache(t, t.TempDir())
	defer c.CloseAll()

	_, err := c.AddFile("data.pcl")
	require.NoError(t, err)

	_, err = c.AddFile("data.pcl")
	require.ErrorIs(t, err, cache.ErrFileAlreadyExists)
}

func TestCache_MultiPageLoadReadsRun(t *testing.T) {
	c := openCache(t, t.TempDir())
	defer c.CloseAll()

	fileID, err := c.AddFile("data.pcl")
	require.NoError(t, err)

	for index := int64(0); index < 4; index++ {
		writeBody(t, c, fileID, index, bytes.Repeat([]byte{byte(0xA0 + index)}, 64))
	}
	require.NoError(t, c.Flush(fileID))

	pointers, hit, err := c.Load(fileID, 0, 4, false)
	require.NoError(t, err)
	require.False(t, hit)
	require.Len(t, pointers, 4)

	for i, ptr := range pointers {
		require.Equal(t, int64(i), ptr.PageIndex())
		ptr.AcquireSharedLock()
		require.Equal(t, byte(0xA0+i), ptr.Buffer()[cache.BodyOffset+16])
		ptr.ReleaseSharedLock()
		ptr.DecrementReaders()
	}
}

func TestCache_VerifyDetectsTamperedPage(t *testing.T) {
	dir := t.TempDir()
	c := openCache(t, dir)
	defer c.CloseAll()

	fileID, err := c.AddFile("data.pcl")
	require.NoError(t, err)
	writeBody(t, c, fileID, 0, bytes.Repeat([]byte{0x11}, 256))
	require.NoError(t, c.FlushAll())

	errs, err := c.Verify(nil)
	require.NoError(t, err)
	require.Empty(t, errs, "freshly flushed storage must verify clean")

	// Flip one byte inside the page body.
	f, err := os.OpenFile(filepath.Join(dir, "data.pcl"), os.O_RDWR, 0666)
	require.NoError(t, err)
	one := make([]byte, 1)
	_, err = f.ReadAt(one, 1000)
	require.NoError(t, err)
	one[0] ^= 0xFF
	_, err = f.WriteAt(one, 1000)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	errs, err = c.Verify(nil)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, "data.pcl", errs[0].FileName)
	require.Equal(t, int64(0), errs[0].PageIndex)
	require.True(t, errs[0].ChecksumWrong)
	require.False(t, errs[0].MagicWrong)
}

func TestCache_RenameSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	c := openCache(t, dir)

	fileID, err := c.AddFile("a.pcl")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xD7}, 128)
	writeBody(t, c, fileID, 0, payload)
	require.NoError(t, c.Flush(fileID))
	require.NoError(t, c.RenameFile(fileID, "a.pcl", "b.pcl"))

	_, err = c.CloseAll()
	require.NoError(t, err)

	reopened := openCache(t, dir)
	defer reopened.CloseAll()

	newID, err := reopened.LoadFile("b.pcl")
	require.NoError(t, err)
	require.Equal(t, cache.ExtractFileID(fileID), cache.ExtractFileID(newID))

	_, err = reopened.LoadFile("a.pcl")
	require.ErrorIs(t, err, cache.ErrFileNotRegistered)

	got := readBody(t, reopened, newID, 0)
	require.Equal(t, payload, got[:len(payload)])
}

func TestCache_DeleteFileTombstonesName(t *testing.T) {
	dir := t.TempDir()
	c := openCache(t, dir)

	fileID, err := c.AddFile("data.pcl")
	require.NoError(t, err)
	require.NoError(t, c.DeleteFile(fileID))

	require.Equal(t, int64(-1), c.FileIDByName("data.pcl"))
	require.NoFileExists(t, filepath.Join(dir, "data.pcl"))

	// Re-adding revives the old id.
	again, err := c.AddFile("data.pcl")
	require.NoError(t, err)
	require.Equal(t, cache.ExtractFileID(fileID), cache.ExtractFileID(again))

	_, err = c.CloseAll()
	require.NoError(t, err)
}

func TestCache_TruncateDropsPages(t *testing.T) {
	c := openCache(t, t.TempDir())
	defer c.CloseAll()

	fileID, err := c.AddFile("data.pcl")
	require.NoError(t, err)
	writeBody(t, c, fileID, 0, []byte("gone soon"))
	require.NoError(t, c.TruncateFile(fileID))

	filled, err := c.GetFilledUpTo(fileID)
	require.NoError(t, err)
	require.Equal(t, int64(0), filled)
	require.Equal(t, int64(0), c.WriteCacheSize())
}

func TestCache_BackupCopiesStorage(t *testing.T) {
	dir := t.TempDir()
	c := openCache(t, dir)
	defer c.CloseAll()

	fileID, err := c.AddFile("data.pcl")
	require.NoError(t, err)
	writeBody(t, c, fileID, 0, []byte("backed up"))

	dest := filepath.Join(t.TempDir(), "backup")
	require.NoError(t, c.Backup(dest))

	require.FileExists(t, filepath.Join(dest, "data.pcl"))
	original, err := os.ReadFile(filepath.Join(dir, "data.pcl"))
	require.NoError(t, err)
	copied, err := os.ReadFile(filepath.Join(dest, "data.pcl"))
	require.NoError(t, err)
	require.Equal(t, original, copied)
}

func TestCache_RejectsTinyPageSize(t *testing.T) {
	cfg := config.Config{PageSize: 12}
	_, err := cache.New(t.TempDir(), 1, cfg, pool.New(64, 4), nil, storage.NewContainer(4))
	require.ErrorIs(t, err, cache.ErrPageSizeTooSmall)
}

func TestCache_FilesSnapshot(t *testing.T) {
	c := openCache(t, t.TempDir())
	defer c.CloseAll()

	a, err := c.AddFile("a.pcl")
	require.NoError(t, err)
	b, err := c.AddFile("b.pcl")
	require.NoError(t, err)

	files := c.Files()
	require.Equal(t, map[string]int64{"a.pcl": a, "b.pcl": b}, files)
	require.Equal(t, "a.pcl", c.FileNameByID(a))
	require.True(t, c.Exists("a.pcl"))
	require.False(t, c.Exists("missing.pcl"))
	require.Equal(t, b, c.FileIDByName("b.pcl"))
}
