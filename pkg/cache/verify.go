package cache

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash"
)

// verifyNotificationInterval paces progress messages to the listener.
const verifyNotificationInterval = 5 * time.Second

// PageVerificationError describes one corrupted page found by Verify.
type PageVerificationError struct {
	FileName      string
	PageIndex     int64
	MagicWrong    bool
	ChecksumWrong bool
}

func (e PageVerificationError) Error() string {
	return fmt.Sprintf("page %d of file %s is corrupted (magic wrong: %v, checksum wrong: %v)",
		e.PageIndex, e.FileName, e.MagicWrong, e.ChecksumWrong)
}

// Verify flushes every live file and re-reads it page by page, checking
// the magic number and the body checksum of each page. Progress messages,
// and a content digest for each file that verifies clean, go to the
// listener, which may be nil.
func (c *WriteCache) Verify(listener func(message string)) ([]PageVerificationError, error) {
	notify := func(format string, args ...any) {
		if listener != nil {
			listener(fmt.Sprintf(format, args...))
		}
	}

	var result []PageVerificationError

	c.filesLock.Lock()
	defer c.filesLock.Unlock()

	pageSize := int64(c.cfg.PageSize)

	for name, intID := range c.registry.Entries() {
		if intID <= 0 {
			continue
		}

		notify("flushing file %s...", name)
		if err := c.flusher.submit(func() error {
			return c.flusher.fileFlush(intID)
		}); err != nil {
			return result, err
		}

		notify("start verification of content of %s...", name)

		entry, err := c.files.Acquire(c.externalID(intID))
		if err != nil {
			return result, err
		}
		if entry == nil {
			continue
		}

		fileErrors, digest, err := c.verifyFile(entry.Handle(), name, pageSize, notify)
		c.files.Release(entry)
		if err != nil {
			notify("error during processing of file %s: %s", name, err)
			continue
		}
		result = append(result, fileErrors...)

		if len(fileErrors) == 0 {
			notify("verification of file %s is successfully finished (digest %016x)", name, digest)
		} else {
			notify("verification of file %s is finished with %d errors", name, len(fileErrors))
		}
	}
	return result, nil
}

type fileReader interface {
	Size() (int64, error)
	ReadAt(offset int64, buf []byte) (int, error)
}

func (c *WriteCache) verifyFile(handle fileReader, name string, pageSize int64,
	notify func(format string, args ...any)) ([]PageVerificationError, uint64, error) {

	size, err := handle.Size()
	if err != nil {
		return nil, 0, err
	}

	buf := c.bufferPool.Acquire(false)
	defer func() { _ = c.bufferPool.Release(buf) }()

	digest := xxhash.New()
	lastNotification := time.Now()

	var errs []PageVerificationError
	for pos := int64(0); pos < size; pos += pageSize {
		if _, err := handle.ReadAt(pos, buf.Data); err != nil {
			return errs, 0, err
		}
		_, _ = digest.Write(buf.Data)

		pageIndex := pos / pageSize
		if time.Since(lastNotification) > verifyNotificationInterval {
			notify("%d pages were processed...", pageIndex)
			lastNotification = time.Now()
		}

		magicOK, crcOK := CheckFooter(buf.Data)
		if magicOK && crcOK {
			continue
		}
		if !magicOK {
			notify("error: magic number for page %d in file %s does not match", pageIndex, name)
		}
		if !crcOK {
			notify("error: checksum for page %d in file %s is incorrect", pageIndex, name)
		}
		errs = append(errs, PageVerificationError{
			FileName:      name,
			PageIndex:     pageIndex,
			MagicWrong:    !magicOK,
			ChecksumWrong: !crcOK,
		})
	}
	return errs, digest.Sum64(), nil
}
