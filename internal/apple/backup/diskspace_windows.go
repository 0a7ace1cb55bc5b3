//go:build windows

package backup

import "golang.org/x/sys/windows"

// freeDiskSpace answers DLMessageGetFreeDiskSpace with the bytes free on
// the volume backupDir lives on.
func freeDiskSpace(backupDir string) (uint64, error) {
	var freeBytes uint64
	path, err := windows.UTF16PtrFromString(backupDir)
	if err != nil {
		return 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(path, &freeBytes, nil, nil); err != nil {
		return 0, err
	}
	return freeBytes, nil
}
