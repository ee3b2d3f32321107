package service

import (
	"context"
	"time"

	"github.com/Frohrer/codux/internal/runner/job"
	"github.com/Frohrer/codux/internal/runner/scheduler"
	"github.com/Frohrer/codux/pkg/utils/logger"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

// SystemMetrics describes the host.
type SystemMetrics struct {
	TotalMemory     uint64     `json:"totalMemory"`
	FreeMemory      uint64     `json:"freeMemory"`
	AvailableMemory uint64     `json:"availableMemory"`
	CPULoad         [3]float64 `json:"cpuLoad"`
	Uptime          float64    `json:"uptime"`
	ServiceUptime   float64    `json:"serviceUptime"`
}

// Metrics is the operator snapshot served as JSON.
type Metrics struct {
	System    SystemMetrics    `json:"system"`
	Scheduler *scheduler.Stats `json:"scheduler,omitempty"`
	Processes []job.Info       `json:"processes"`
}

// Metrics reads host figures from procfs and summarises live jobs. Host
// figures that cannot be read are left at zero.
func (e *Engine) Metrics(ctx context.Context) Metrics {
	m := Metrics{
		System:    e.systemMetrics(ctx),
		Processes: e.jobs.List(),
	}
	if e.slots != nil {
		stats := e.slots.Stats()
		m.Scheduler = &stats
	}
	return m
}

func (e *Engine) systemMetrics(ctx context.Context) SystemMetrics {
	sys := SystemMetrics{ServiceUptime: time.Since(e.started).Seconds()}
	fs, err := procfs.NewFS(e.procRoot)
	if err != nil {
		logger.Debug(ctx, "open procfs failed", zap.String("root", e.procRoot), zap.Error(err))
		return sys
	}
	if mem, err := fs.Meminfo(); err == nil {
		sys.TotalMemory = kilobytes(mem.MemTotal)
		sys.FreeMemory = kilobytes(mem.MemFree)
		sys.AvailableMemory = kilobytes(mem.MemAvailable)
	} else {
		logger.Debug(ctx, "read meminfo failed", zap.Error(err))
	}
	if load, err := fs.LoadAvg(); err == nil {
		sys.CPULoad = [3]float64{load.Load1, load.Load5, load.Load15}
	} else {
		logger.Debug(ctx, "read loadavg failed", zap.Error(err))
	}
	if stat, err := fs.Stat(); err == nil && stat.BootTime > 0 {
		sys.Uptime = time.Since(time.Unix(int64(stat.BootTime), 0)).Seconds()
	}
	return sys
}

func kilobytes(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v * 1024
}
