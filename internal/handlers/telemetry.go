package handlers

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"mqdash/internal/models"
)

// collectProcessTelemetry samples this process's CPU and memory usage.
// Returns nil when the process handle cannot be inspected; the status
// endpoint simply omits the section then.
func collectProcessTelemetry(ctx context.Context) *models.ProcessTelemetry {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil
	}

	tel := &models.ProcessTelemetry{SampledAt: time.Now().UTC()}

	if cpuPct, err := proc.CPUPercentWithContext(ctx); err == nil {
		tel.CPUPercent = clampFloat(cpuPct, 0, 100)
	}
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		tel.MemoryRSS = memInfo.RSS
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil && vm.Total > 0 {
			tel.MemoryPercent = clampFloat(float64(memInfo.RSS)/float64(vm.Total)*100, 0, 100)
		}
	}
	return tel
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
