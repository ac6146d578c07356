//go:build !windows

package sysinfo

import (
	"fmt"
	"syscall"
)

func (c *Collector) diskUsedPercent() (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(c.DiskPath, &st); err != nil {
		return 0, err
	}
	total := float64(st.Blocks) * float64(st.Bsize)
	free := float64(st.Bavail) * float64(st.Bsize)
	if total == 0 {
		return 0, fmt.Errorf("statfs reported zero blocks")
	}
	return (total - free) / total * 100, nil
}
