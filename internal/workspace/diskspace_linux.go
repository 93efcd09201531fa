//go:build linux

package workspace

import "syscall"

type statfsResult struct {
	free uint64
}

func diskFree(path string, out *statfsResult) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return err
	}
	out.free = stat.Bavail * uint64(stat.Bsize)
	return nil
}
