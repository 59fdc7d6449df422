package storage

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// ErrFileStillAcquired is returned when a file is closed or removed while
// a caller still holds its entry.
var ErrFileStillAcquired = errors.New("file handle is still acquired")

// errOpenHandlesBusy signals that no descriptor can be evicted right now.
var errOpenHandlesBusy = errors.New("all open file handles are acquired")

// Entry is one acquired file handle. The handle may be used only between
// Acquire and Release; the container guarantees no other goroutine uses
// it in that window.
type Entry struct {
	id     int64
	handle FileHandle
}

// Handle returns the open file handle of the entry.
func (e *Entry) Handle() FileHandle {
	return e.handle
}

// slot is the container-internal state of one registered file, linked
// into the LRU list of open handles.
type slot struct {
	id       int64
	handle   FileHandle
	acquired bool

	prev, next *slot
}

// Container is a bounded cache of open file handles keyed by external
// file id. Handles stay registered until Remove is called; the
// descriptors of rarely used files are closed when the open bound is
// reached and reopened transparently on the next acquire.
type Container struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots map[int64]*slot

	// LRU list of open, unacquired handles; head is coldest.
	head, tail *slot

	openSlots *semaphore.Weighted
	limit     int64
}

// NewContainer returns a container that keeps at most limit descriptors
// open at a time.
func NewContainer(limit int) *Container {
	c := &Container{
		slots:     make(map[int64]*slot),
		openSlots: semaphore.NewWeighted(int64(limit)),
		limit:     int64(limit),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Container) lruRemove(s *slot) {
	if s.prev != nil {
		s.prev.next = s.next
	} else if c.head == s {
		c.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else if c.tail == s {
		c.tail = s.prev
	}
	s.prev, s.next = nil, nil
}

func (c *Container) lruPushTail(s *slot) {
	s.prev = c.tail
	s.next = nil
	if c.tail != nil {
		c.tail.next = s
	} else {
		c.head = s
	}
	c.tail = s
}

// Add registers an already-open handle under the given id. The caller
// must have reserved an open slot by opening the file via OpenSlot, or
// the handle must be closed.
func (c *Container) Add(id int64, handle FileHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &slot{id: id, handle: handle}
	c.slots[id] = s
	if handle.IsOpen() {
		c.lruPushTail(s)
	}
}

// OpenSlot reserves one open-descriptor slot, evicting the coldest
// unacquired handle if the container is full and waiting when every
// open handle is acquired. Callers use it before opening a brand-new
// file that will be handed to Add.
func (c *Container) OpenSlot() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.openSlots.TryAcquire(1) {
			return nil
		}
		err := c.evictColdest()
		if err == nil {
			continue
		}
		if err != errOpenHandlesBusy {
			return err
		}
		c.cond.Wait()
	}
}

// CancelSlot hands back a reservation made with OpenSlot that was never
// used, e.g. because opening the file failed.
func (c *Container) CancelSlot() {
	c.openSlots.Release(1)

	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// evictColdest closes the least recently used open, unacquired handle.
// Caller holds c.mu.
func (c *Container) evictColdest() error {
	s := c.head
	if s == nil {
		return errOpenHandlesBusy
	}
	c.lruRemove(s)
	if err := s.handle.Close(); err != nil {
		return err
	}
	c.openSlots.Release(1)
	return nil
}

// Get returns the registered handle without acquiring it, or nil. The
// handle may be concurrently closed by the LRU; use Acquire for I/O.
func (c *Container) Get(id int64) FileHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.slots[id]; ok {
		return s.handle
	}
	return nil
}

// Acquire returns the entry for id with exclusive use of its handle,
// reopening the descriptor if the LRU closed it. Returns nil if the id
// is not registered. Blocks while the entry is held elsewhere or no
// open slot can be freed.
func (c *Container) Acquire(id int64) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		s, ok := c.slots[id]
		if !ok {
			return nil, nil
		}
		if s.acquired {
			c.cond.Wait()
			continue
		}

		if s.handle.IsOpen() {
			c.lruRemove(s)
			s.acquired = true
			return &Entry{id: id, handle: s.handle}, nil
		}

		if c.openSlots.TryAcquire(1) {
			if err := s.handle.Open(); err != nil {
				c.openSlots.Release(1)
				return nil, err
			}
			s.acquired = true
			return &Entry{id: id, handle: s.handle}, nil
		}
		err := c.evictColdest()
		if err == nil {
			continue
		}
		if err != errOpenHandlesBusy {
			return nil, err
		}
		c.cond.Wait()
	}
}

// Release gives the entry's handle back to the container.
func (c *Container) Release(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[e.id]
	if !ok || !s.acquired {
		return
	}
	s.acquired = false
	if s.handle.IsOpen() {
		c.lruPushTail(s)
	}
	c.cond.Broadcast()
}

// CloseHandle closes the descriptor of id while keeping it registered.
// Fails if the handle is currently acquired.
func (c *Container) CloseHandle(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[id]
	if !ok {
		return nil
	}
	if s.acquired {
		return ErrFileStillAcquired
	}
	if s.handle.IsOpen() {
		c.lruRemove(s)
		if err := s.handle.Close(); err != nil {
			return err
		}
		c.openSlots.Release(1)
	}
	return nil
}

// Remove unregisters id and returns its handle, which may still be open.
// Fails if the handle is currently acquired.
func (c *Container) Remove(id int64) (FileHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[id]
	if !ok {
		return nil, nil
	}
	if s.acquired {
		return nil, ErrFileStillAcquired
	}
	if s.handle.IsOpen() {
		c.lruRemove(s)
		c.openSlots.Release(1)
	}
	delete(c.slots, id)
	c.cond.Broadcast()
	return s.handle, nil
}
