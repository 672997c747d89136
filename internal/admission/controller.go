package admission

import (
	"context"
	"fmt"
	"log/slog"

	"camstream/internal/resources"
)

// Default utilization thresholds above which new pipelines are refused.
const (
	DefaultMaxCPUPercent    = 80.0
	DefaultMaxMemoryPercent = 85.0
)

// Reason explains an admission decision. Values are lowercase for stable metric labels.
type Reason string

const (
	ReasonAdmitted        Reason = "admitted"
	ReasonCPUSaturated    Reason = "cpu_saturated"
	ReasonMemorySaturated Reason = "memory_saturated"
	ReasonSampleFailed    Reason = "sample_failed"
)

// Decision is the outcome of Check.
type Decision struct {
	Allowed       bool
	Reason        Reason
	CPUPercent    float64
	MemoryPercent float64
	Err           error // set when Reason is ReasonSampleFailed
}

// String renders the decision for logs and error responses.
func (d Decision) String() string {
	switch d.Reason {
	case ReasonCPUSaturated:
		return fmt.Sprintf("system CPU usage too high (%.1f%%)", d.CPUPercent)
	case ReasonMemorySaturated:
		return fmt.Sprintf("system memory usage too high (%.1f%%)", d.MemoryPercent)
	case ReasonSampleFailed:
		return fmt.Sprintf("resource check failed: %v", d.Err)
	default:
		return string(d.Reason)
	}
}

// Controller gates pipeline starts on host utilization.
type Controller struct {
	provider  resources.Provider
	log       *slog.Logger
	maxCPU    float64
	maxMemory float64
}

// NewController returns a Controller sampling provider. Non-positive thresholds
// fall back to DefaultMaxCPUPercent and DefaultMaxMemoryPercent.
func NewController(provider resources.Provider, log *slog.Logger, maxCPU, maxMemory float64) *Controller {
	if maxCPU <= 0 {
		maxCPU = DefaultMaxCPUPercent
	}
	if maxMemory <= 0 {
		maxMemory = DefaultMaxMemoryPercent
	}
	return &Controller{provider: provider, log: log, maxCPU: maxCPU, maxMemory: maxMemory}
}

// Check samples the provider once and denies when CPU or memory utilization
// exceeds its threshold. A failed sample is a denial.
func (c *Controller) Check(ctx context.Context) Decision {
	s, err := c.provider.Snapshot(ctx)
	if err != nil {
		c.log.Error("resource check failed", slog.String("error", err.Error()))
		return Decision{Reason: ReasonSampleFailed, Err: err}
	}
	return c.decide(s)
}

func (c *Controller) decide(s resources.Snapshot) Decision {
	d := Decision{
		Allowed:       true,
		Reason:        ReasonAdmitted,
		CPUPercent:    s.CPU.PercentUsed,
		MemoryPercent: s.Memory.PercentUsed,
	}
	switch {
	case s.CPU.PercentUsed > c.maxCPU:
		d.Allowed, d.Reason = false, ReasonCPUSaturated
	case s.Memory.PercentUsed > c.maxMemory:
		d.Allowed, d.Reason = false, ReasonMemorySaturated
	}
	return d
}
