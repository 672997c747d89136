package resources

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const gib = 1024 * 1024 * 1024

// DefaultSampleInterval is how long CPU usage is measured for one snapshot.
const DefaultSampleInterval = 500 * time.Millisecond

// CPU holds aggregate and per-core utilization.
type CPU struct {
	PercentUsed  float64   `json:"percent_used"`
	PerCoreUsage []float64 `json:"per_core_usage"`
	CoreCount    int       `json:"core_count"`
}

// Memory holds physical memory figures in GiB.
type Memory struct {
	TotalGB     float64 `json:"total_gb"`
	AvailableGB float64 `json:"available_gb"`
	PercentUsed float64 `json:"percent_used"`
}

// Disk holds usage of the filesystem that stores segments and recordings.
type Disk struct {
	TotalGB     float64 `json:"total_gb"`
	FreeGB      float64 `json:"free_gb"`
	PercentUsed float64 `json:"percent_used"`
}

// Snapshot is a point-in-time reading of host utilization.
type Snapshot struct {
	CPU    CPU    `json:"cpu"`
	Memory Memory `json:"memory"`
	Disk   Disk   `json:"disk"`
}

// Provider reads a Snapshot on demand.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// SystemProvider samples the local host with gopsutil.
type SystemProvider struct {
	// DiskPath is the mount point (or any path on it) to report disk usage for.
	DiskPath string
	// Interval is the CPU measurement window. Zero uses DefaultSampleInterval.
	Interval time.Duration
}

// NewSystemProvider returns a provider reporting disk usage for diskPath.
func NewSystemProvider(diskPath string) *SystemProvider {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemProvider{DiskPath: diskPath, Interval: DefaultSampleInterval}
}

// Snapshot implements Provider. It blocks for the CPU sample interval.
func (p *SystemProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}

	perCore, err := cpu.PercentWithContext(ctx, interval, true)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read cpu metrics: %w", err)
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cores <= 0 {
		cores = len(perCore)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read memory metrics: %w", err)
	}
	du, err := disk.UsageWithContext(ctx, p.DiskPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read disk metrics: %w", err)
	}

	var diskPercent float64
	if du.Total > 0 {
		diskPercent = float64(du.Used) / float64(du.Total) * 100
	}

	return Snapshot{
		CPU: CPU{
			PercentUsed:  mean(perCore),
			PerCoreUsage: perCore,
			CoreCount:    cores,
		},
		Memory: Memory{
			TotalGB:     float64(vm.Total) / gib,
			AvailableGB: float64(vm.Available) / gib,
			PercentUsed: vm.UsedPercent,
		},
		Disk: Disk{
			TotalGB:     float64(du.Total) / gib,
			FreeGB:      float64(du.Free) / gib,
			PercentUsed: diskPercent,
		},
	}, nil
}

// Rounded returns a copy with every figure rounded to one decimal, for display.
func (s Snapshot) Rounded() Snapshot {
	out := s
	out.CPU.PercentUsed = round1(s.CPU.PercentUsed)
	out.CPU.PerCoreUsage = make([]float64, len(s.CPU.PerCoreUsage))
	for i, v := range s.CPU.PerCoreUsage {
		out.CPU.PerCoreUsage[i] = round1(v)
	}
	out.Memory = Memory{
		TotalGB:     round1(s.Memory.TotalGB),
		AvailableGB: round1(s.Memory.AvailableGB),
		PercentUsed: round1(s.Memory.PercentUsed),
	}
	out.Disk = Disk{
		TotalGB:     round1(s.Disk.TotalGB),
		FreeGB:      round1(s.Disk.FreeGB),
		PercentUsed: round1(s.Disk.PercentUsed),
	}
	return out
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
