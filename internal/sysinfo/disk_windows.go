//go:build windows

package sysinfo

import "fmt"

// Disk usage is left at zero on windows; the snapshot stays partial like any
// other unreadable source.
func (c *Collector) diskUsedPercent() (float64, error) {
	return 0, fmt.Errorf("disk usage not collected on windows")
}
