// Global storage config.
package config

import "time"

// Name of the storage engine.
const StorageName = "wowcache"

// DefaultPageSize is the size of an individual page in bytes.
const DefaultPageSize = 64 * 1024

// DefaultChunkSize is the maximum number of physically adjacent pages
// flushed in one vectored write.
const DefaultChunkSize = 32

// MinExclusiveCachePages is the floor applied to the exclusive write
// cache limit when MinSizeCheck is enabled.
const MinExclusiveCachePages = 16

// Config carries the tunables of the write cache. WithDefaults replaces
// zero numeric fields with the defaults from DefaultConfig; a zero
// PageFlushInterval stays zero, a zero ChunkSize is resolved by
// ChunkSizeOrDefault, and boolean fields are taken as given.
type Config struct {
	// PageSize is the unit of caching and I/O. Must be greater than the
	// 12-byte page footer (magic + checksum).
	PageSize int

	// ExclusiveWriteCacheMaxSize is the limit, in bytes, of pages held
	// exclusively by the write cache before stores start returning latches.
	ExclusiveWriteCacheMaxSize int64

	// PageFlushInterval is the delay between periodic flusher ticks.
	// Zero disables the periodic task (flushes still run on demand).
	PageFlushInterval time.Duration

	// BackgroundFlushInterval bounds the time one LSN-ordered flush pass
	// may spend copying and writing chunks.
	BackgroundFlushInterval time.Duration

	// ExclusiveHighWater is the fill ratio of the exclusive cache above
	// which the flusher starts draining exclusively-held pages.
	ExclusiveHighWater float64

	// ExclusiveLowWater is the fill ratio below which an installed
	// overflow latch is released. Deliberately above the high water;
	// it is measured after a flush already reduced the pressure.
	ExclusiveLowWater float64

	// WALSizeHighWater and WALSizeLowWater bound the hysteresis of
	// LSN-ordered flushing: start above high, stop below low.
	WALSizeHighWater int64
	WALSizeLowWater  int64

	// FreeSpaceLimit is the minimum usable disk space, in bytes, below
	// which low-space listeners are notified.
	FreeSpaceLimit int64

	// FreeSpaceCheckInterval is the number of newly allocated pages
	// between two usable-space samples.
	FreeSpaceCheckInterval int64

	// SyncOnPageFlush makes single-page flushes fsync the file after
	// every write.
	SyncOnPageFlush bool

	// DirectIO opens data files with O_DIRECT where the platform
	// supports it. Page buffers are always block-aligned, so the flag
	// only changes how files are opened.
	DirectIO bool

	// MinSizeCheck clamps the exclusive cache limit to
	// MinExclusiveCachePages pages.
	MinSizeCheck bool

	// MaxOpenFiles bounds the number of simultaneously open data files.
	MaxOpenFiles int

	// ChunkSize is the maximum number of physically adjacent pages
	// coalesced into one vectored write.
	ChunkSize int
}

// ChunkSizeOrDefault returns the configured chunk size or the default.
func (c Config) ChunkSizeOrDefault() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return DefaultChunkSize
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:                   DefaultPageSize,
		ExclusiveWriteCacheMaxSize: 256 * 1024 * 1024,
		PageFlushInterval:          25 * time.Millisecond,
		BackgroundFlushInterval:    100 * time.Millisecond,
		ExclusiveHighWater:         0.5,
		ExclusiveLowWater:          0.85,
		WALSizeHighWater:           2 * 1024 * 1024 * 1024,
		WALSizeLowWater:            1 * 1024 * 1024 * 1024,
		FreeSpaceLimit:             256 * 1024 * 1024,
		FreeSpaceCheckInterval:     4096,
		SyncOnPageFlush:            false,
		DirectIO:                   false,
		MinSizeCheck:               true,
		MaxOpenFiles:               512,
	}
}

// WithDefaults fills zero numeric fields of c from DefaultConfig.
// PageFlushInterval, ChunkSize and the boolean fields are left as they are.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.PageSize == 0 {
		c.PageSize = def.PageSize
	}
	if c.ExclusiveWriteCacheMaxSize == 0 {
		c.ExclusiveWriteCacheMaxSize = def.ExclusiveWriteCacheMaxSize
	}
	if c.BackgroundFlushInterval == 0 {
		c.BackgroundFlushInterval = def.BackgroundFlushInterval
	}
	if c.ExclusiveHighWater == 0 {
		c.ExclusiveHighWater = def.ExclusiveHighWater
	}
	if c.ExclusiveLowWater == 0 {
		c.ExclusiveLowWater = def.ExclusiveLowWater
	}
	if c.WALSizeHighWater == 0 {
		c.WALSizeHighWater = def.WALSizeHighWater
	}
	if c.WALSizeLowWater == 0 {
		c.WALSizeLowWater = def.WALSizeLowWater
	}
	if c.FreeSpaceLimit == 0 {
		c.FreeSpaceLimit = def.FreeSpaceLimit
	}
	if c.FreeSpaceCheckInterval == 0 {
		c.FreeSpaceCheckInterval = def.FreeSpaceCheckInterval
	}
	if c.MaxOpenFiles == 0 {
		c.MaxOpenFiles = def.MaxOpenFiles
	}
	return c
}
