// Package registry maintains the durable name → file-id map of a storage
// directory. The holder file is append-structured: later records override
// earlier ones, negative ids are tombstones that keep the id reserved for
// a later reopen, and the whole map is compacted into one record per name
// on close.
package registry

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// HolderName is the base name of the registry holder file.
const HolderName = "name_id_map.cm"

// maxNameLen guards the record format's 32-bit name length against
// corrupted holders.
const maxNameLen = 1 << 20

// ErrClosed is returned when the registry is used after Close or Drop.
var ErrClosed = errors.New("registry holder is closed")

// FileRegistry is the materialized name→id map backed by the holder file.
//
// The registry performs no locking of its own: the cache serializes all
// calls under its files lock.
type FileRegistry struct {
	dir    string
	holder *os.File

	nameID  map[string]int32
	counter int32
}

// LoadOrCreate opens the holder file in dir, creating it if absent, and
// materializes the map by replaying all records.
func LoadOrCreate(dir string) (*FileRegistry, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, errors.Wrap(err, "creating storage directory")
	}

	holder, err := os.OpenFile(filepath.Join(dir, HolderName), os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "opening name-id map holder")
	}

	r := &FileRegistry{
		dir:    dir,
		holder: holder,
		nameID: make(map[string]int32),
	}
	if err := r.replay(); err != nil {
		holder.Close()
		return nil, err
	}
	return r, nil
}

// replay reads every record in the holder; for each name the last record
// wins. The id counter advances to the largest absolute id seen.
func (r *FileRegistry) replay() error {
	if _, err := r.holder.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seeking name-id map holder")
	}

	reader := io.Reader(r.holder)
	for {
		name, id, err := readRecord(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		r.nameID[name] = id
		abs := id
		if abs < 0 {
			abs = -abs
		}
		if abs > r.counter {
			r.counter = abs
		}
	}
	return nil
}

func readRecord(reader io.Reader) (string, int32, error) {
	var nameLen int32
	if err := binary.Read(reader, binary.BigEndian, &nameLen); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", 0, io.EOF
		}
		return "", 0, errors.Wrap(err, "reading name-id record size")
	}
	if nameLen < 0 || nameLen > maxNameLen {
		return "", 0, errors.Errorf("corrupted name-id record: name size %d", nameLen)
	}

	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(reader, nameBytes); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", 0, io.EOF
		}
		return "", 0, errors.Wrap(err, "reading name-id record name")
	}

	var id int64
	if err := binary.Read(reader, binary.BigEndian, &id); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", 0, io.EOF
		}
		return "", 0, errors.Wrap(err, "reading name-id record id")
	}
	return string(nameBytes), int32(id), nil
}

// appendRecord writes one record at the end of the holder, syncing if
// asked to.
func (r *FileRegistry) appendRecord(name string, id int32, sync bool) error {
	if r.holder == nil {
		return ErrClosed
	}
	if _, err := r.holder.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrap(err, "seeking name-id map holder")
	}

	record := make([]byte, 4+len(name)+8)
	binary.BigEndian.PutUint32(record[0:], uint32(len(name)))
	copy(record[4:], name)
	binary.BigEndian.PutUint64(record[4+len(name):], uint64(int64(id)))

	if _, err := r.holder.Write(record); err != nil {
		return errors.Wrap(err, "appending name-id record")
	}
	if sync {
		if err := r.holder.Sync(); err != nil {
			return errors.Wrap(err, "syncing name-id map holder")
		}
	}
	return nil
}

// Get returns the raw id recorded for name. Tombstoned names return
// their negative id with ok = true.
func (r *FileRegistry) Get(name string) (int32, bool) {
	id, ok := r.nameID[name]
	return id, ok
}

// Entries returns a snapshot of the materialized map, tombstones
// included.
func (r *FileRegistry) Entries() map[string]int32 {
	snapshot := make(map[string]int32, len(r.nameID))
	for name, id := range r.nameID {
		snapshot[name] = id
	}
	return snapshot
}

// Counter returns the largest absolute id ever assigned.
func (r *FileRegistry) Counter() int32 {
	return r.counter
}

// NextID returns the id the given name would be assigned, without
// reserving it: a tombstoned name revives its old id, anything else gets
// a fresh one. The counter only advances once the assignment is recorded
// with Set.
func (r *FileRegistry) NextID(name string) int32 {
	if id, ok := r.nameID[name]; ok && id < 0 {
		return -id
	}
	return r.counter + 1
}

// Book reserves an id for the given name: tombstoned names revive their
// old id, fresh names consume the counter. NextID does not see the
// reservation. Nothing is logged; the reservation is made durable by a
// later Set with the booked id.
func (r *FileRegistry) Book(name string) int32 {
	if id, ok := r.nameID[name]; ok && id < 0 {
		return -id
	}
	r.counter++
	return r.counter
}

// Adjust mutates the materialized map without logging a record. Used on
// load when a registered file turns out to be missing from disk.
func (r *FileRegistry) Adjust(name string, id int32) {
	r.nameID[name] = id

	abs := id
	if abs < 0 {
		abs = -abs
	}
	if abs > r.counter {
		r.counter = abs
	}
}

// Set records the assignment name → id, both in the map and the holder
// log. Ids must never be zero; negative ids mark tombstones.
func (r *FileRegistry) Set(name string, id int32, sync bool) error {
	if id == 0 {
		return errors.New("file id 0 is reserved")
	}
	if err := r.appendRecord(name, id, sync); err != nil {
		return err
	}
	r.nameID[name] = id

	abs := id
	if abs < 0 {
		abs = -abs
	}
	if abs > r.counter {
		r.counter = abs
	}
	return nil
}

// Unset removes a name from the materialized map and appends a -1
// record, the marker used when a name is renamed away.
func (r *FileRegistry) Unset(name string, sync bool) error {
	if err := r.appendRecord(name, -1, sync); err != nil {
		return err
	}
	delete(r.nameID, name)
	return nil
}

// Rewrite truncates the holder and writes one record per name in the
// materialized map, tombstones included, then syncs.
func (r *FileRegistry) Rewrite() error {
	if r.holder == nil {
		return ErrClosed
	}
	if err := r.holder.Truncate(0); err != nil {
		return errors.Wrap(err, "truncating name-id map holder")
	}
	for name, id := range r.nameID {
		if err := r.appendRecord(name, id, false); err != nil {
			return err
		}
	}
	return errors.Wrap(r.holder.Sync(), "syncing name-id map holder")
}

// Close compacts the holder and closes it.
func (r *FileRegistry) Close() error {
	if r.holder == nil {
		return nil
	}
	if err := r.Rewrite(); err != nil {
		return err
	}
	err := r.holder.Close()
	r.holder = nil
	return err
}

// Drop closes and deletes the holder file. Used when the whole storage
// is deleted.
func (r *FileRegistry) Drop() error {
	if r.holder == nil {
		return nil
	}
	if err := r.holder.Close(); err != nil {
		return errors.Wrap(err, "closing name-id map holder")
	}
	r.holder = nil

	if err := os.Remove(filepath.Join(r.dir, HolderName)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "deleting name-id map holder")
	}
	return nil
}
