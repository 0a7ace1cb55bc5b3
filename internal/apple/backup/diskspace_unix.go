//go:build !windows

package backup

import "golang.org/x/sys/unix"

// freeDiskSpace answers DLMessageGetFreeDiskSpace with the bytes free on
// the filesystem backupDir lives on.
func freeDiskSpace(backupDir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(backupDir, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
