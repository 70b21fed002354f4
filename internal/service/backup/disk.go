package backup

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// DiskUsage describes the backup volume.
type DiskUsage struct {
	Total   uint64
	Free    uint64
	Used    uint64
	Percent float64
}

func newDiskUsage(total, free uint64) DiskUsage {
	u := DiskUsage{Total: total, Free: free}
	if free < total {
		u.Used = total - free
	}
	if total > 0 {
		u.Percent = float64(u.Used) / float64(total) * 100
	}
	return u
}

func (u DiskUsage) String() string {
	return fmt.Sprintf("%.1f%% used (%s free of %s)", u.Percent, humanize.IBytes(u.Free), humanize.IBytes(u.Total))
}
