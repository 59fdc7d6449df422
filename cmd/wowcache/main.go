package main

import (
	"flag"
	"fmt"
	"os"

	"wowcache/pkg/cache"
	"wowcache/pkg/config"
	"wowcache/pkg/pool"
	"wowcache/pkg/storage"

	log "github.com/sirupsen/logrus"
)

// Inspection tool for a storage directory managed by the write cache.
func main() {
	var dirFlag = flag.String("dir", "data/", "storage directory")
	var opFlag = flag.String("op", "", "operation: [files,verify,stats,backup] (required)")
	var destFlag = flag.String("dest", "", "destination directory for -op backup")
	var pageSizeFlag = flag.Int("page-size", config.DefaultPageSize, "page size in bytes")
	var directIOFlag = flag.Bool("direct-io", false, "open data files with O_DIRECT")

	flag.Parse()

	if *opFlag == "" {
		fmt.Println("must specify -op [files,verify,stats,backup]")
		os.Exit(2)
	}

	cfg := config.DefaultConfig()
	cfg.PageSize = *pageSizeFlag
	cfg.DirectIO = *directIOFlag
	cfg.PageFlushInterval = 0 // on-demand flushing only

	bufferPool := pool.New(cfg.PageSize, 4*config.MinExclusiveCachePages)
	files := storage.NewContainer(cfg.MaxOpenFiles)

	c, err := cache.New(*dirFlag, 1, cfg, bufferPool, nil, files)
	if err != nil {
		log.WithError(err).Fatal("cannot construct write cache")
	}
	if err := c.LoadRegisteredFiles(); err != nil {
		log.WithError(err).Fatal("cannot load registered files")
	}
	defer func() {
		if _, err := c.CloseAll(); err != nil {
			log.WithError(err).Error("close failed")
		}
	}()

	switch *opFlag {
	case "files":
		for name, id := range c.Files() {
			fmt.Printf("%s\t%d\n", name, id)
		}

	case "verify":
		errs, err := c.Verify(func(message string) {
			fmt.Println(message)
		})
		if err != nil {
			log.WithError(err).Fatal("verification failed")
		}
		for _, e := range errs {
			fmt.Println(e.Error())
		}
		if len(errs) > 0 {
			os.Exit(1)
		}

	case "stats":
		snap := c.Stats()
		for i, n := range snap.ChunkCounters {
			if n == 0 {
				continue
			}
			fmt.Printf("chunks of length %d: %d (total %s)\n", i+1, n, snap.ChunkTimes[i])
		}
		fmt.Printf("cached pages: %d, exclusive: %d, not flushed: %d\n",
			c.WriteCacheSize(), c.ExclusiveWriteCacheSize(), c.NotFlushedPages())

	case "backup":
		if *destFlag == "" {
			fmt.Println("must specify -dest for -op backup")
			os.Exit(2)
		}
		if err := c.Backup(*destFlag); err != nil {
			log.WithError(err).Fatal("backup failed")
		}
		fmt.Println("backup finished:", *destFlag)

	default:
		fmt.Println("unknown operation:", *opFlag)
		os.Exit(2)
	}
}
