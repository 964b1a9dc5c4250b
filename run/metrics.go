package run

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics is the host-level slice of the status surface
type SystemMetrics struct {
	Goroutines     int     `json:"goroutines"`
	HeapAllocMB    float64 `json:"heap_alloc_mb"`
	SysMemUsedPct  float64 `json:"sys_mem_used_pct"`
	SysMemTotalMB  float64 `json:"sys_mem_total_mb"`
	SysMemUsedMB   float64 `json:"sys_mem_used_mb"`
	SysMemAvailErr string  `json:"sys_mem_error,omitempty"`
}

// CollectSystemMetrics samples process and host memory usage. Host
// metrics failing to read is not fatal; the error is reported inline.
func CollectSystemMetrics() SystemMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	metrics := SystemMetrics{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(ms.HeapAlloc) / (1024 * 1024),
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		metrics.SysMemAvailErr = err.Error()
		return metrics
	}

	metrics.SysMemUsedPct = vm.UsedPercent
	metrics.SysMemTotalMB = float64(vm.Total) / (1024 * 1024)
	metrics.SysMemUsedMB = float64(vm.Used) / (1024 * 1024)

	return metrics
}
