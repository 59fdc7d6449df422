// Package cache implements the write-back page cache: the page directory
// of pinned buffers, the public load/store API and the background flusher
// that persists pages while respecting write-ahead-log ordering.
package cache

import (
	"encoding/binary"
	"hash/crc32"

	"wowcache/pkg/pagelock"
	"wowcache/pkg/wal"
)

// PageKey identifies one cached page; ordering and hashing live in
// pagelock so the lock manager and the directory agree on both.
type PageKey = pagelock.PageKey

// MagicNumber is stored in the first eight bytes of every flushed page.
const MagicNumber uint64 = 0xFACB03FE

// Page layout: magic, then the CRC32 of the body, then the body itself.
// The first sixteen body bytes hold the page's log sequence number, as
// laid down by the durable-page contract of the consumer.
const (
	magicOffset    = 0
	checksumOffset = 8

	// BodyOffset is where the checksummed page body starts.
	BodyOffset = 12

	lsnSegmentOffset  = BodyOffset
	lsnPositionOffset = BodyOffset + 8

	// MinPageSize is the smallest page size with a non-empty body.
	MinPageSize = BodyOffset + 1
)

// ComposeFileID builds the external 64-bit file id from a storage id and
// an internal file id.
func ComposeFileID(storageID int32, fileID int32) int64 {
	return int64(storageID)<<32 | int64(uint32(fileID))
}

// ExtractFileID returns the internal file id of an external id. Internal
// ids pass through unchanged.
func ExtractFileID(externalID int64) int32 {
	return int32(externalID & 0xFFFFFFFF)
}

// PageCRC computes the checksum of a page's body.
func PageCRC(page []byte) int32 {
	return int32(crc32.ChecksumIEEE(page[BodyOffset:]))
}

// PrepareFooter stamps the magic number and body checksum into the page.
func PrepareFooter(page []byte) {
	binary.LittleEndian.PutUint64(page[magicOffset:], MagicNumber)
	binary.LittleEndian.PutUint32(page[checksumOffset:], uint32(PageCRC(page)))
}

// CheckFooter verifies the magic number and checksum of a page read back
// from disk.
func CheckFooter(page []byte) (magicOK, crcOK bool) {
	magicOK = binary.LittleEndian.Uint64(page[magicOffset:]) == MagicNumber
	stored := int32(binary.LittleEndian.Uint32(page[checksumOffset:]))
	crcOK = stored == PageCRC(page)
	return magicOK, crcOK
}

// ReadPageLSN returns the log sequence number embedded in the page body.
func ReadPageLSN(page []byte) wal.LSN {
	return wal.LSN{
		Segment:  int64(binary.LittleEndian.Uint64(page[lsnSegmentOffset:])),
		Position: int64(binary.LittleEndian.Uint64(page[lsnPositionOffset:])),
	}
}

// WritePageLSN embeds a log sequence number into the page body. The
// durable-page producers call this before handing pages to the cache.
func WritePageLSN(page []byte, lsn wal.LSN) {
	binary.LittleEndian.PutUint64(page[lsnSegmentOffset:], uint64(lsn.Segment))
	binary.LittleEndian.PutUint64(page[lsnPositionOffset:], uint64(lsn.Position))
}
