// Package sysinfo collects host metrics for the statistics endpoint
package sysinfo

import (
	"os"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Metrics is a snapshot of host resource usage
type Metrics struct {
	Hostname        string  `json:"hostname"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	MemoryTotal     uint64  `json:"memory_total"`
	MemoryUsed      uint64  `json:"memory_used"`
	Load1           float64 `json:"load_1"`
	DiskPath        string  `json:"disk_path"`
	DiskTotal       uint64  `json:"disk_total"`
	DiskFree        uint64  `json:"disk_free"`
	DiskUsedPercent float64 `json:"disk_used_percent"`
}

// Collect gathers host metrics. Failures of individual probes are logged and
// leave the corresponding fields at zero, the snapshot is always returned.
func Collect(diskPath string) Metrics {
	if diskPath == "" {
		diskPath = "/"
	}
	res := Metrics{DiskPath: diskPath}

	if h, err := os.Hostname(); err == nil {
		res.Hostname = h
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		log.Printf("[WARN] failed to get CPU usage: %v", err)
	} else if len(cpuPercent) > 0 {
		res.CPUPercent = cpuPercent[0]
	}

	if v, err := mem.VirtualMemory(); err != nil {
		log.Printf("[WARN] failed to get memory usage: %v", err)
	} else {
		res.MemoryPercent = v.UsedPercent
		res.MemoryTotal = v.Total
		res.MemoryUsed = v.Used
	}

	if loads, err := load.Avg(); err != nil {
		log.Printf("[WARN] failed to get load average: %v", err)
	} else {
		res.Load1 = loads.Load1
	}

	if usage, err := disk.Usage(diskPath); err != nil {
		log.Printf("[WARN] failed to get disk usage for %s: %v", diskPath, err)
	} else {
		res.DiskTotal = usage.Total
		res.DiskFree = usage.Free
		res.DiskUsedPercent = usage.UsedPercent
	}

	return res
}
