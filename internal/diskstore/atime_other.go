//go:build !linux

package diskstore

import (
	"os"
	"time"
)

// accessTime falls back to ModTime on platforms without a Stat_t atime
// field in the expected shape; the store still functions, it just treats
// last-access and last-write as the same instant for LRU ordering.
func accessTime(info os.FileInfo) time.Time {
	return info.ModTime()
}
