//go:build unix

package security

import (
	"golang.org/x/sys/unix"
)

// HasEnoughDiskSpace reports whether the filesystem holding dir has more than need bytes free.
// When the check itself fails it errs on the side of allowing the write.
func HasEnoughDiskSpace(dir string, need int64) bool {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return true
	}

	available := uint64(stat.Bavail) * uint64(stat.Bsize)
	return available > uint64(need)
}
