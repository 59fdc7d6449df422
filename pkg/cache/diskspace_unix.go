//go:build !windows

package cache

import "golang.org/x/sys/unix"

// usableSpace returns the bytes available to unprivileged writers on the
// filesystem holding dir.
func usableSpace(dir string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
