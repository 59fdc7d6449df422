// Package storage implements the file layer of the write cache: the
// handle abstraction over page-aligned data files and the bounded
// container of open handles.
package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
)

// FileHandle is the contract the cache uses for all data-file I/O. Every
// call site acquires the handle through the Container first.
type FileHandle interface {
	// Name returns the file's base name.
	Name() string

	// Size returns the current size of the file in bytes.
	Size() (int64, error)

	// Allocate grows the file by n bytes.
	Allocate(n int64) error

	// Truncate resizes the file to exactly size bytes.
	Truncate(size int64) error

	// ReadAt reads len(buf) bytes at the given offset. A read past the
	// end of the file returns the number of bytes actually read.
	ReadAt(offset int64, buf []byte) (int, error)

	// ReadVec fills the given buffers from consecutive file positions
	// starting at offset and returns the total bytes read.
	ReadVec(offset int64, bufs [][]byte) (int64, error)

	// WriteAt writes buf at the given offset.
	WriteAt(offset int64, buf []byte) error

	// WriteVec writes the buffers to consecutive file positions
	// starting at offset.
	WriteVec(offset int64, bufs [][]byte) error

	// Sync flushes the file to stable storage.
	Sync() error

	// Rename moves the file to a new base name within its directory.
	Rename(newName string) error

	// Delete closes and removes the file.
	Delete() error

	// Open opens an existing file.
	Open() error

	// Create creates the file, failing if it already exists.
	Create() error

	// Close closes the file without removing it.
	Close() error

	// IsOpen reports whether the handle currently has an open descriptor.
	IsOpen() bool

	// Exists reports whether the file exists on disk.
	Exists() bool
}

// DiskFile is the on-disk FileHandle implementation.
type DiskFile struct {
	path     string
	file     *os.File
	directIO bool
}

// NewDiskFile returns an unopened handle for the given path.
func NewDiskFile(path string, directIO bool) *DiskFile {
	return &DiskFile{path: path, directIO: directIO}
}

// Name returns the file's base name.
func (f *DiskFile) Name() string {
	return filepath.Base(f.path)
}

// Path returns the file's full path.
func (f *DiskFile) Path() string {
	return f.path
}

func (f *DiskFile) open(flag int) error {
	var file *os.File
	var err error
	if f.directIO {
		file, err = directio.OpenFile(f.path, flag, 0666)
	} else {
		file, err = os.OpenFile(f.path, flag, 0666)
	}
	if err != nil {
		return errors.Wrapf(err, "opening %s", f.path)
	}
	f.file = file
	return nil
}

// Open opens an existing file.
func (f *DiskFile) Open() error {
	if f.file != nil {
		return nil
	}
	return f.open(os.O_RDWR)
}

// Create creates the file and syncs the new inode.
func (f *DiskFile) Create() error {
	if err := f.open(os.O_RDWR | os.O_CREATE | os.O_EXCL); err != nil {
		return err
	}
	return f.Sync()
}

// Close closes the descriptor, keeping the file on disk.
func (f *DiskFile) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// IsOpen reports whether the handle has an open descriptor.
func (f *DiskFile) IsOpen() bool {
	return f.file != nil
}

// Exists reports whether the file exists on disk.
func (f *DiskFile) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Size returns the file size in bytes.
func (f *DiskFile) Size() (int64, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stating %s", f.path)
	}
	return info.Size(), nil
}

// Allocate grows the file by n bytes.
func (f *DiskFile) Allocate(n int64) error {
	size, err := f.Size()
	if err != nil {
		return err
	}
	if err := f.file.Truncate(size + n); err != nil {
		return errors.Wrapf(err, "allocating %d bytes in %s", n, f.path)
	}
	return nil
}

// Truncate resizes the file to exactly size bytes.
func (f *DiskFile) Truncate(size int64) error {
	if err := f.file.Truncate(size); err != nil {
		return errors.Wrapf(err, "truncating %s to %d", f.path, size)
	}
	return nil
}

// ReadAt reads len(buf) bytes at offset. Short reads at the end of the
// file are not an error; the byte count tells the caller how much is
// valid.
func (f *DiskFile) ReadAt(offset int64, buf []byte) (int, error) {
	n, err := f.file.ReadAt(buf, offset)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return n, errors.Wrapf(err, "reading %s at %d", f.path, offset)
	}
	return n, nil
}

// ReadVec fills the buffers from consecutive positions starting at
// offset.
func (f *DiskFile) ReadVec(offset int64, bufs [][]byte) (int64, error) {
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

// WriteAt writes buf at offset.
func (f *DiskFile) WriteAt(offset int64, buf []byte) error {
	if _, err := f.file.WriteAt(buf, offset); err != nil {
		return errors.Wrapf(err, "writing %s at %d", f.path, offset)
	}
	return nil
}

// WriteVec writes the buffers to consecutive positions starting at
// offset.
func (f *DiskFile) WriteVec(offset int64, bufs [][]byte) error {
	for _, buf := range bufs {
		if err := f.WriteAt(offset, buf); err != nil {
			return err
		}
		offset += int64(len(buf))
	}
	return nil
}

// Sync flushes the file to stable storage.
func (f *DiskFile) Sync() error {
	if err := f.file.Sync(); err != nil {
		return errors.Wrapf(err, "syncing %s", f.path)
	}
	return nil
}

// Rename moves the file to a new base name in the same directory,
// reopening the descriptor if one was open.
func (f *DiskFile) Rename(newName string) error {
	wasOpen := f.file != nil
	if wasOpen {
		if err := f.Close(); err != nil {
			return err
		}
	}

	newPath := filepath.Join(filepath.Dir(f.path), newName)
	if err := os.Rename(f.path, newPath); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", f.path, newName)
	}
	f.path = newPath

	if wasOpen {
		return f.Open()
	}
	return nil
}

// Delete closes and removes the file.
func (f *DiskFile) Delete() error {
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "deleting %s", f.path)
	}
	return nil
}
