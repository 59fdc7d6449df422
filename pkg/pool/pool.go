// Package pool implements the buffer pool that backs all page buffers.
// Buffers are carved out of one block-aligned arena so they stay usable
// with O_DIRECT files; a bitset tracks which frames are out.
package pool

import (
	"errors"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/ncw/directio"
)

// ErrForeignBuffer is returned when a released buffer does not belong to
// this pool.
var ErrForeignBuffer = errors.New("buffer does not belong to this pool")

// Buffer is one page-sized buffer handed out by the pool.
type Buffer struct {
	// Data is exactly pageSize bytes, block-aligned.
	Data []byte

	frame int // arena frame index, or -1 for an overflow buffer
}

// BufferPool hands out fixed-size aligned buffers. A fixed arena of
// `capacity` frames is pre-allocated; once it is exhausted, additional
// buffers are allocated individually and returned to the allocator on
// release.
type BufferPool struct {
	pageSize int

	mu       sync.Mutex
	arena    []byte
	free     []int
	inUse    *bitset.BitSet
	overflow int
}

// New constructs a pool of `capacity` frames of `pageSize` bytes each.
func New(pageSize, capacity int) *BufferPool {
	p := &BufferPool{
		pageSize: pageSize,
		arena:    directio.AlignedBlock(pageSize * capacity),
		free:     make([]int, 0, capacity),
		inUse:    bitset.New(uint(capacity)),
	}
	for i := capacity - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// PageSize returns the size of every buffer handed out by the pool.
func (p *BufferPool) PageSize() int {
	return p.pageSize
}

// Acquire returns a buffer, zeroed if clear is set. Buffers from the
// arena keep whatever the previous holder wrote unless cleared.
func (p *BufferPool) Acquire(clear bool) Buffer {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		frame := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse.Set(uint(frame))
		p.mu.Unlock()

		data := p.arena[frame*p.pageSize : (frame+1)*p.pageSize]
		if clear {
			for i := range data {
				data[i] = 0
			}
		}
		return Buffer{Data: data, frame: frame}
	}

	p.overflow++
	p.mu.Unlock()

	// AlignedBlock zeroes the allocation, so clear is already satisfied.
	return Buffer{Data: directio.AlignedBlock(p.pageSize), frame: -1}
}

// Release returns a buffer to the pool.
func (p *BufferPool) Release(buf Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if buf.frame < 0 {
		if p.overflow == 0 {
			return ErrForeignBuffer
		}
		p.overflow--
		return nil
	}
	if !p.inUse.Test(uint(buf.frame)) {
		return ErrForeignBuffer
	}
	p.inUse.Clear(uint(buf.frame))
	p.free = append(p.free, buf.frame)
	return nil
}

// InUse returns the number of buffers currently out, including overflow
// allocations. Used by tests to detect leaks.
func (p *BufferPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.inUse.Count()) + p.overflow
}
