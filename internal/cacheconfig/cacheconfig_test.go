package cacheconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, s.MemoryDefaultExpiration)
	assert.Equal(t, 168*time.Hour, s.DiskDefaultExpiration)
	assert.Equal(t, 6, s.DownloaderMaxConcurrent)
	assert.True(t, s.DownloaderRespectCacheCtrl)
	assert.EqualValues(t, 104857600, s.DiskMinFreeDiskSpace)
}

func TestLoadReadsOverridesFromEnvironment(t *testing.T) {
	t.Setenv("IMAGECACHE_DISK_ROOT_PATH", "/tmp/imagecache-test")
	t.Setenv("IMAGECACHE_DISK_COMPRESS", "true")
	t.Setenv("IMAGECACHE_DOWNLOADER_MAX_CONCURRENT", "12")
	t.Setenv("IMAGECACHE_MEMORY_CLEAN_INTERVAL", "1m")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/imagecache-test", s.DiskRootPath)
	assert.True(t, s.DiskCompress)
	assert.Equal(t, 12, s.DownloaderMaxConcurrent)
	assert.Equal(t, time.Minute, s.MemoryCleanInterval)
}

func TestLoadRejectsUnparsableDuration(t *testing.T) {
	t.Setenv("IMAGECACHE_DOWNLOADER_REQUEST_TIMEOUT", "not-a-duration")
	_, err := Load()
	assert.Error(t, err)
}
