//go:build unix

package heartbeat

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// freeDiskBytes returns the bytes available to unprivileged users on the
// filesystem holding path.
func freeDiskBytes(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil //nolint:gosec,unconvert // field widths differ per platform
}
