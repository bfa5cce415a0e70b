package imagecache

import "imagecache/internal/cacheconfig"

// OptionsFromEnv loads Options from the process environment via
// github.com/caarlos0/env/v11 (see internal/cacheconfig for the variable
// names and defaults).
func OptionsFromEnv() (Options, error) {
	spec, err := cacheconfig.Load()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Memory: MemoryOptions{
			TotalCostLimit:    spec.MemoryTotalCostLimit,
			CountLimit:        spec.MemoryCountLimit,
			DefaultExpiration: spec.MemoryDefaultExpiration,
			CleanInterval:     spec.MemoryCleanInterval,
		},
		Disk: DiskOptions{
			RootPath:          spec.DiskRootPath,
			SizeLimit:         spec.DiskSizeLimit,
			DefaultExpiration: spec.DiskDefaultExpiration,
			CleanInterval:     spec.DiskCleanInterval,
			Compress:          spec.DiskCompress,
			MinFreeDiskSpace:  spec.DiskMinFreeDiskSpace,
		},
		Downloader: DownloaderOptions{
			MaxConcurrentDownloads: spec.DownloaderMaxConcurrent,
			RequestTimeout:         spec.DownloaderRequestTimeout,
			BandwidthLimitBytesSec: spec.DownloaderBandwidthLimit,
			RespectCacheControl:    spec.DownloaderRespectCacheCtrl,
		},
	}, nil
}
