//go:build !unix

package backup

import "errors"

// StatDisk is not supported on this platform.
func StatDisk(string) (DiskUsage, error) {
	return DiskUsage{}, errors.New("disk usage is not supported on this platform")
}
