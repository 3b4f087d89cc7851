// Package procstat samples resource usage of running service processes.
package procstat

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample for a process.
type Usage struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	RSS        uint64    `json:"rss_bytes"`
	NumThreads int32     `json:"num_threads"`
	Created    time.Time `json:"created,omitzero"`
}

// Sample reads current usage for pid. CPU percent and thread count are best
// effort and left zero when the platform does not report them.
func Sample(pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("opening process %d: %w", pid, err)
	}

	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("reading memory of %d: %w", pid, err)
	}

	u := Usage{
		PID:      pid,
		RSS:      mem.RSS,
		MemoryMB: float64(mem.RSS) / 1024 / 1024,
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if ms, err := proc.CreateTime(); err == nil {
		u.Created = time.UnixMilli(ms)
	}
	return u, nil
}
