// Package cacheconfig loads Options from the environment using
// github.com/caarlos0/env/v11, carrying forward the teacher's pattern of
// named settings with hard-coded defaults (internal/config.ConfigManager)
// but replacing its per-key SQLite-backed getters with struct tags, which
// is the idiomatic shape once settings are process config rather than
// user-editable app state.
package cacheconfig

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Spec mirrors imagecache.Options flattened into env-tag'd fields. Field
// names match the env vars listed in their tag, all prefixed IMAGECACHE_.
type Spec struct {
	MemoryTotalCostLimit    int64         `env:"IMAGECACHE_MEMORY_TOTAL_COST_LIMIT" envDefault:"0"`
	MemoryCountLimit        int64         `env:"IMAGECACHE_MEMORY_COUNT_LIMIT" envDefault:"0"`
	MemoryDefaultExpiration time.Duration `env:"IMAGECACHE_MEMORY_DEFAULT_EXPIRATION" envDefault:"5m"`
	MemoryCleanInterval     time.Duration `env:"IMAGECACHE_MEMORY_CLEAN_INTERVAL" envDefault:"120s"`

	DiskRootPath          string        `env:"IMAGECACHE_DISK_ROOT_PATH" envDefault:""`
	DiskSizeLimit         int64         `env:"IMAGECACHE_DISK_SIZE_LIMIT" envDefault:"0"`
	DiskDefaultExpiration time.Duration `env:"IMAGECACHE_DISK_DEFAULT_EXPIRATION" envDefault:"168h"`
	DiskCleanInterval     time.Duration `env:"IMAGECACHE_DISK_CLEAN_INTERVAL" envDefault:"30m"`
	DiskCompress          bool          `env:"IMAGECACHE_DISK_COMPRESS" envDefault:"false"`
	DiskMinFreeDiskSpace  int64         `env:"IMAGECACHE_DISK_MIN_FREE_SPACE" envDefault:"104857600"`

	DownloaderMaxConcurrent     int           `env:"IMAGECACHE_DOWNLOADER_MAX_CONCURRENT" envDefault:"6"`
	DownloaderRequestTimeout    time.Duration `env:"IMAGECACHE_DOWNLOADER_REQUEST_TIMEOUT" envDefault:"15s"`
	DownloaderBandwidthLimit    int           `env:"IMAGECACHE_DOWNLOADER_BANDWIDTH_LIMIT" envDefault:"0"`
	DownloaderRespectCacheCtrl  bool          `env:"IMAGECACHE_DOWNLOADER_RESPECT_CACHE_CONTROL" envDefault:"true"`
}

// Load reads a Spec from the process environment.
func Load() (Spec, error) {
	var s Spec
	if err := env.Parse(&s); err != nil {
		return Spec{}, err
	}
	return s, nil
}
