package cache

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// chunkStats aggregates flush metrics: how often chunks of each length
// were written and how long the writes took, plus the time spent forcing
// the WAL before page writes.
type chunkStats struct {
	mu          sync.Mutex
	counters    []int64
	times       []time.Duration
	walGateTime time.Duration
}

func newChunkStats(chunkSize int) *chunkStats {
	return &chunkStats{
		counters: make([]int64, chunkSize),
		times:    make([]time.Duration, chunkSize),
	}
}

func (s *chunkStats) addChunk(length int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if length < 1 || length > len(s.counters) {
		return
	}
	s.counters[length-1]++
	s.times[length-1] += elapsed
}

func (s *chunkStats) addWALGateTime(elapsed time.Duration) {
	s.mu.Lock()
	s.walGateTime += elapsed
	s.mu.Unlock()
}

// Snapshot is the exported view of the flush metrics.
type Snapshot struct {
	// ChunkCounters[i] is the number of flushed chunks of length i+1.
	ChunkCounters []int64
	// ChunkTimes[i] is the cumulative write time of those chunks.
	ChunkTimes []time.Duration
	// WALGateTime is the total time spent forcing the WAL before page
	// writes.
	WALGateTime time.Duration
}

func (s *chunkStats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Snapshot{
		ChunkCounters: make([]int64, len(s.counters)),
		ChunkTimes:    make([]time.Duration, len(s.times)),
		WALGateTime:   s.walGateTime,
	}
	copy(out.ChunkCounters, s.counters)
	copy(out.ChunkTimes, s.times)
	return out
}

// log emits the chunk histogram at close time.
func (s *chunkStats) log() {
	snap := s.snapshot()

	var total int64
	for _, n := range snap.ChunkCounters {
		total += n
	}
	if total == 0 {
		return
	}

	for i, n := range snap.ChunkCounters {
		if n == 0 {
			continue
		}
		log.WithFields(log.Fields{
			"chunk_length": i + 1,
			"flushes":      n,
			"share_pct":    n * 100 / total,
			"avg_latency":  snap.ChunkTimes[i] / time.Duration(n),
		}).Info("chunk flush statistics")
	}
	log.WithField("wal_gate_time", snap.WALGateTime).Info("write-ahead log gate time")
}

// Stats returns a snapshot of the cache's flush metrics.
func (c *WriteCache) Stats() Snapshot {
	return c.stats.snapshot()
}
