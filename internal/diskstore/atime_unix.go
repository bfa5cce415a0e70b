//go:build linux

package diskstore

import (
	"os"
	"syscall"
	"time"
)

// accessTime extracts the atime set by os.Chtimes — the "creation-date"
// attribute spec.md §3 repurposes as last-access timestamp. FileInfo has no
// portable accessor for it, so this reaches into the platform Stat_t the
// way the teacher's codebase stays within gopsutil/stdlib rather than
// adding a dedicated atime library.
func accessTime(info os.FileInfo) time.Time {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(st.Atim.Sec, st.Atim.Nsec)
}
