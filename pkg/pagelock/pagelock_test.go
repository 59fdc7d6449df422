package pagelock

import (
	"sync"
	"testing"
)

func TestPageKey_Ordering(t *testing.T) {
	t.Parallel()

	a := PageKey{FileID: 1, PageIndex: 10}
	b := PageKey{FileID: 1, PageIndex: 11}
	c := PageKey{FileID: 2, PageIndex: 0}

	if !a.Less(b) || !b.Less(c) || !a.Less(c) {
		t.Error("keys must order by file id first, page index second")
	}
	if a.Compare(a) != 0 {
		t.Error("a key must compare equal to itself")
	}
	if c.Less(a) {
		t.Error("ordering must not be symmetric")
	}
}

func TestManager_SharedAllowsConcurrentReaders(t *testing.T) {
	t.Parallel()

	m := NewManager()
	key := PageKey{FileID: 1, PageIndex: 5}

	g1 := m.Shared(key)
	g2 := m.Shared(key)
	g1.Release()
	g2.Release()

	// An exclusive hold must still be possible afterwards.
	g := m.Exclusive(key)
	g.Release()
}

func TestManager_ExclusiveBlocksSharers(t *testing.T) {
	t.Parallel()

	m := NewManager()
	key := PageKey{FileID: 3, PageIndex: 7}

	g := m.Exclusive(key)

	acquired := make(chan struct{})
	go func() {
		shared := m.Shared(key)
		close(acquired)
		shared.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("shared acquisition succeeded while exclusive was held")
	default:
	}

	g.Release()
	<-acquired
}

func TestManager_BatchCoalescesDuplicates(t *testing.T) {
	t.Parallel()

	m := NewManager()
	keys := []PageKey{
		{FileID: 1, PageIndex: 2},
		{FileID: 1, PageIndex: 2}, // duplicate key, same partition
		{FileID: 1, PageIndex: 3},
	}

	guards := m.ExclusiveBatch(keys)
	if len(guards) > len(keys) {
		t.Fatalf("batch produced %d guards for %d keys", len(guards), len(keys))
	}
	ReleaseAll(guards)

	// All partitions must be free again.
	for _, key := range keys {
		g := m.Exclusive(key)
		g.Release()
	}
}

func TestManager_ConcurrentBatches(t *testing.T) {
	t.Parallel()

	m := NewManager()

	// Two goroutines repeatedly take overlapping batches in opposite
	// construction order; the sorted acquisition must never deadlock.
	forward := make([]PageKey, 16)
	backward := make([]PageKey, 16)
	for i := range forward {
		forward[i] = PageKey{FileID: 1, PageIndex: int64(i)}
		backward[len(backward)-1-i] = PageKey{FileID: 1, PageIndex: int64(i)}
	}

	var wg sync.WaitGroup
	for _, keys := range [][]PageKey{forward, backward} {
		wg.Add(1)
		go func(keys []PageKey) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				guards := m.ExclusiveBatch(keys)
				ReleaseAll(guards)
			}
		}(keys)
	}
	wg.Wait()
}
