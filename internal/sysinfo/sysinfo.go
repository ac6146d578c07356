// Package sysinfo collects host metrics by reading kernel interfaces
// directly. This is the gateway's read-only path: no process is spawned to
// answer a metrics request.
package sysinfo

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Metrics is one snapshot of host state. A field that could not be read is
// left at zero and the failure is logged; partial snapshots are normal on
// hosts without every sensor.
type Metrics struct {
	Hostname          string    `json:"hostname"`
	UptimeHours       float64   `json:"uptime_hours"`
	CPUTempC          float64   `json:"cpu_temperature_c"`
	MemoryUsedPercent float64   `json:"memory_used_percent"`
	DiskUsedPercent   float64   `json:"disk_used_percent"`
	Load1             float64   `json:"load_1m"`
	CollectedAt       time.Time `json:"collected_at"`
}

// Collector reads metrics from the kernel. Roots are overridable so tests
// can point it at fixture trees.
type Collector struct {
	ProcRoot string
	SysRoot  string
	DiskPath string
	logger   *slog.Logger
}

// NewCollector creates a collector over the real /proc and /sys.
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		ProcRoot: "/proc",
		SysRoot:  "/sys",
		DiskPath: "/",
		logger:   logger.With("component", "sysinfo"),
	}
}

// Collect gathers one snapshot. Individual read failures do not abort the
// snapshot.
func (c *Collector) Collect() Metrics {
	m := Metrics{CollectedAt: time.Now().UTC()}

	if h, err := os.Hostname(); err == nil {
		m.Hostname = h
	}
	if v, err := c.uptimeHours(); err == nil {
		m.UptimeHours = v
	} else {
		c.logger.Debug("uptime read failed", "error", err)
	}
	if v, err := c.cpuTemp(); err == nil {
		m.CPUTempC = v
	} else {
		c.logger.Debug("cpu temperature read failed", "error", err)
	}
	if v, err := c.memoryUsedPercent(); err == nil {
		m.MemoryUsedPercent = v
	} else {
		c.logger.Debug("meminfo read failed", "error", err)
	}
	if v, err := c.diskUsedPercent(); err == nil {
		m.DiskUsedPercent = v
	} else {
		c.logger.Debug("statfs failed", "error", err)
	}
	if v, err := c.loadAvg(); err == nil {
		m.Load1 = v
	} else {
		c.logger.Debug("loadavg read failed", "error", err)
	}

	return m
}

func (c *Collector) uptimeHours() (float64, error) {
	data, err := os.ReadFile(filepath.Join(c.ProcRoot, "uptime"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, fmt.Errorf("malformed uptime")
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, err
	}
	return secs / 3600, nil
}

// cpuTemp reads the thermal zone in millidegrees, the convention on
// Raspberry Pi and most ARM boards.
func (c *Collector) cpuTemp() (float64, error) {
	data, err := os.ReadFile(filepath.Join(c.SysRoot, "class/thermal/thermal_zone0/temp"))
	if err != nil {
		return 0, err
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, err
	}
	return milli / 1000, nil
}

func (c *Collector) memoryUsedPercent() (float64, error) {
	data, err := os.ReadFile(filepath.Join(c.ProcRoot, "meminfo"))
	if err != nil {
		return 0, err
	}
	var total, available float64
	for line := range strings.Lines(string(data)) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("meminfo missing MemTotal")
	}
	return (total - available) / total * 100, nil
}

func (c *Collector) loadAvg() (float64, error) {
	data, err := os.ReadFile(filepath.Join(c.ProcRoot, "loadavg"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, fmt.Errorf("malformed loadavg")
	}
	return strconv.ParseFloat(fields[0], 64)
}
