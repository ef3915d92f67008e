package metrics

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats is the host/container resource section of the metrics snapshot.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	Goroutines    int     `json:"goroutines"`
}

// collectSystemStats samples CPU and memory via gopsutil. Best-effort: on
// error the corresponding field is left at zero.
func collectSystemStats() SystemStats {
	stats := SystemStats{Goroutines: runtime.NumGoroutine()}

	// Non-blocking sample (interval 0 compares against the previous call).
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	}
	return stats
}

// warmupCPUSample primes gopsutil's CPU accounting so the first real sample
// has a baseline.
func warmupCPUSample() {
	_, _ = cpu.Percent(0, false)
	time.Sleep(100 * time.Millisecond)
	_, _ = cpu.Percent(0, false)
}
