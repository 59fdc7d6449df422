package wal

import (
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/icza/backscanner"
	"github.com/pkg/errors"
)

// SegmentSize is the size at which a segment file is closed and a new one
// is started.
const SegmentSize = 16 * 1024 * 1024

const segmentPrefix = "wal_"
const segmentSuffix = ".log"

// Marker kinds recorded by the cache around fuzzy checkpoints.
const (
	recordKindData       = "data"
	recordKindFuzzyStart = "fuzzy-start"
	recordKindFuzzyEnd   = "fuzzy-end"
)

// FileWAL is a minimal file-backed WriteAheadLog. One record per line:
//
//	<kind> <crc32-hex> <payload-hex>\n
//
// An LSN is the segment id plus the byte offset of the record's line inside
// the segment, so positions stay stable across reopen.
type FileWAL struct {
	dir string

	mu          sync.Mutex
	curr        *os.File
	currID      int64
	currSize    int64
	closedSizes map[int64]int64

	end        LSN
	hasEnd     bool
	flushed    LSN
	hasFlushed bool
}

// OpenFileWAL opens (or creates) the log in the given directory and
// positions the end LSN after the last complete record.
func OpenFileWAL(dir string) (*FileWAL, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, errors.Wrap(err, "creating wal directory")
	}

	w := &FileWAL{
		dir:         dir,
		closedSizes: make(map[int64]int64),
	}

	ids, err := w.segmentIDs()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		if err := w.openSegment(0); err != nil {
			return nil, err
		}
		return w, nil
	}

	for _, id := range ids[:len(ids)-1] {
		info, err := os.Stat(w.segmentPath(id))
		if err != nil {
			return nil, errors.Wrap(err, "sizing wal segment")
		}
		w.closedSizes[id] = info.Size()
	}

	last := ids[len(ids)-1]
	if err := w.openSegment(last); err != nil {
		return nil, err
	}
	if err := w.recoverEnd(); err != nil {
		return nil, err
	}
	return w, nil
}

// recoverEnd scans the current segment backwards for its last complete
// record and derives the end LSN from it. Everything on disk at open time
// is considered flushed.
func (w *FileWAL) recoverEnd() error {
	if w.currSize == 0 {
		return nil
	}

	scanner := backscanner.New(w.curr, int(w.currSize))
	line, pos, err := scanner.Line()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return errors.Wrap(err, "scanning wal tail")
	}
	if line == "" {
		// Trailing newline; the record starts one line further back.
		line, pos, err = scanner.Line()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "scanning wal tail")
		}
	}
	if line == "" {
		return nil
	}

	w.end = LSN{Segment: w.currID, Position: int64(pos)}
	w.hasEnd = true
	w.flushed = w.end
	w.hasFlushed = true
	return nil
}

func (w *FileWAL) segmentPath(id int64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s%016x%s", segmentPrefix, id, segmentSuffix))
}

func (w *FileWAL) segmentIDs() ([]int64, error) {
	matches, err := filepath.Glob(filepath.Join(w.dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, errors.Wrap(err, "listing wal segments")
	}

	var ids []int64
	for _, m := range matches {
		name := filepath.Base(m)
		hexPart := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		id, err := strconv.ParseInt(hexPart, 16, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (w *FileWAL) openSegment(id int64) error {
	file, err := os.OpenFile(w.segmentPath(id), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0666)
	if err != nil {
		return errors.Wrap(err, "opening wal segment")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrap(err, "stating wal segment")
	}

	w.curr = file
	w.currID = id
	w.currSize = info.Size()
	return nil
}

// Append writes one data record and returns its LSN. The record is not
// durable until Flush.
func (w *FileWAL) Append(payload []byte) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendRecord(recordKindData, payload)
}

// appendRecord writes a record line to the current segment, rolling over
// to a fresh segment first if the current one is full. Caller holds w.mu.
func (w *FileWAL) appendRecord(kind string, payload []byte) (LSN, error) {
	if w.currSize >= SegmentSize {
		if err := w.curr.Sync(); err != nil {
			return LSN{}, errors.Wrap(err, "syncing full wal segment")
		}
		if err := w.curr.Close(); err != nil {
			return LSN{}, errors.Wrap(err, "closing full wal segment")
		}
		w.closedSizes[w.currID] = w.currSize
		if err := w.openSegment(w.currID + 1); err != nil {
			return LSN{}, err
		}
	}

	sum := crc32.ChecksumIEEE(payload)
	line := fmt.Sprintf("%s %08x %s\n", kind, sum, hex.EncodeToString(payload))

	lsn := LSN{Segment: w.currID, Position: w.currSize}
	n, err := w.curr.WriteString(line)
	if err != nil {
		return LSN{}, errors.Wrap(err, "appending wal record")
	}
	w.currSize += int64(n)
	w.end = lsn
	w.hasEnd = true
	return lsn, nil
}

// End returns the LSN of the most recently appended record.
func (w *FileWAL) End() (LSN, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.end, w.hasEnd
}

// Begin returns the first LSN of the given segment, if the segment exists
// and is non-empty.
func (w *FileWAL) Begin(segment int64) (LSN, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if segment == w.currID {
		if w.currSize == 0 {
			return LSN{}, false
		}
		return LSN{Segment: segment, Position: 0}, true
	}
	if size, ok := w.closedSizes[segment]; ok && size > 0 {
		return LSN{Segment: segment, Position: 0}, true
	}
	return LSN{}, false
}

// Flush forces the current segment to disk.
func (w *FileWAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.curr.Sync(); err != nil {
		return errors.Wrap(err, "syncing wal")
	}
	if w.hasEnd {
		w.flushed = w.end
		w.hasFlushed = true
	}
	return nil
}

// FlushedLSN returns the highest durable LSN.
func (w *FileWAL) FlushedLSN() (LSN, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushed, w.hasFlushed
}

// Size returns the byte size of the whole log.
func (w *FileWAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := w.currSize
	for _, size := range w.closedSizes {
		total += size
	}
	return total
}

// LogFuzzyCheckpointStart records the start marker of a fuzzy checkpoint.
func (w *FileWAL) LogFuzzyCheckpointStart(start LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload := []byte(fmt.Sprintf("%d:%d", start.Segment, start.Position))
	_, err := w.appendRecord(recordKindFuzzyStart, payload)
	return err
}

// LogFuzzyCheckpointEnd records the end marker of a fuzzy checkpoint.
func (w *FileWAL) LogFuzzyCheckpointEnd() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.appendRecord(recordKindFuzzyEnd, nil)
	return err
}

// CutSegmentsSmallerThan removes closed segments older than the given id.
// The current segment is never removed.
func (w *FileWAL) CutSegmentsSmallerThan(segment int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id := range w.closedSizes {
		if id >= segment || id == w.currID {
			continue
		}
		if err := os.Remove(w.segmentPath(id)); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "removing wal segment")
		}
		delete(w.closedSizes, id)
	}
	return nil
}

// Close syncs and closes the current segment.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.curr == nil {
		return nil
	}
	if err := w.curr.Sync(); err != nil {
		return errors.Wrap(err, "syncing wal on close")
	}
	err := w.curr.Close()
	w.curr = nil
	return err
}
