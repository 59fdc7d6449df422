package cache

import (
	"github.com/otiai10/copy"
	"github.com/pkg/errors"
)

// Backup flushes every live file and copies the whole storage directory,
// registry holder included, to destDir. The copy is taken under the file
// write lock, so no file lifecycle change can interleave; page traffic
// flushed after the backup started is not guaranteed to be included.
func (c *WriteCache) Backup(destDir string) error {
	if err := c.FlushAll(); err != nil {
		return err
	}

	c.filesLock.Lock()
	defer c.filesLock.Unlock()

	if err := copy.Copy(c.dir, destDir); err != nil {
		return errors.Wrapf(err, "copying storage directory to %s", destDir)
	}
	return nil
}
