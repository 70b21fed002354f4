//go:build unix

package backup

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StatDisk reports usage of the filesystem holding path.
func StatDisk(path string) (DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskUsage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	total := uint64(st.Blocks) * bsize
	free := uint64(st.Bavail) * bsize
	return newDiskUsage(total, free), nil
}
