//go:build windows

package security

import (
	"golang.org/x/sys/windows"
)

func HasEnoughDiskSpace(dir string, need int64) bool {
	pathPtr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return true
	}

	var freeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytes, nil, nil); err != nil {
		return true
	}

	return freeBytes > uint64(need)
}
