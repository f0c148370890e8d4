package query

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/coursekit/metrics-pipeline/internal/emitter"
)

// DependencyStatus reports reachability and round-trip latency for one
// external dependency.
type DependencyStatus struct {
	Reachable bool    `json:"reachable"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// SystemSnapshot is a point-in-time view of host resource usage.
type SystemSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	DiskPercent   float64 `json:"disk_percent"`
	ProcessCount  int     `json:"process_count"`
}

// SystemProbe collects host-level resource usage for the health report.
type SystemProbe interface {
	Snapshot(ctx context.Context) (*SystemSnapshot, error)
}

type gopsutilProbe struct{}

// NewSystemProbe returns a probe backed by host-level collectors.
func NewSystemProbe() SystemProbe {
	return gopsutilProbe{}
}

func (gopsutilProbe) Snapshot(ctx context.Context) (*SystemSnapshot, error) {
	snapshot := &SystemSnapshot{}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snapshot.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snapshot.MemoryPercent = vm.UsedPercent
		snapshot.MemoryUsedMB = float64(vm.Used) / 1024 / 1024
		snapshot.MemoryTotalMB = float64(vm.Total) / 1024 / 1024
	}
	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snapshot.DiskPercent = usage.UsedPercent
	}
	if pids, err := process.PidsWithContext(ctx); err == nil {
		snapshot.ProcessCount = len(pids)
	}

	return snapshot, nil
}

// Health reports the liveness of the whole pipeline. The store and a running
// emitter are required for a healthy verdict; the cache and system probe are
// informational only.
type Health struct {
	Healthy   bool              `json:"healthy"`
	Emitter   *emitter.Stats    `json:"emitter,omitempty"`
	Store     DependencyStatus  `json:"store"`
	Cache     *DependencyStatus `json:"cache,omitempty"`
	System    *SystemSnapshot   `json:"system,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (s *Service) Health(ctx context.Context) *Health {
	health := &Health{Timestamp: s.now().UTC()}

	emitterRunning := false
	if s.emitter != nil {
		stats := s.emitter.Stats()
		health.Emitter = &stats
		emitterRunning = stats.Running
	}

	health.Store = s.probeDependency(ctx, s.store.Ping)

	if s.cache != nil {
		status := s.probeDependency(ctx, s.cache.Ping)
		health.Cache = &status
	}

	if s.probe != nil {
		snapshot, err := s.probe.Snapshot(ctx)
		if err != nil {
			s.logger.Warn("system snapshot unavailable", zap.Error(err))
		} else {
			health.System = snapshot
		}
	}

	health.Healthy = emitterRunning && health.Store.Reachable
	return health
}

func (s *Service) probeDependency(ctx context.Context, ping func(context.Context) error) DependencyStatus {
	started := time.Now()
	err := ping(ctx)
	status := DependencyStatus{
		Reachable: err == nil,
		LatencyMs: float64(time.Since(started).Microseconds()) / 1000,
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
