package admission

import (
	"math"

	"camstream/internal/resources"
)

// Resolution is a pipeline resolution class used for capacity planning.
type Resolution string

const (
	Res1080p Resolution = "1080p"
	Res720p  Resolution = "720p"
	Res480p  Resolution = "480p"
	Res360p  Resolution = "360p"
)

// Resolutions lists every class, highest first.
var Resolutions = []Resolution{Res1080p, Res720p, Res480p, Res360p}

// Cost is the estimated per-stream footprint of one resolution class.
type Cost struct {
	CPUPercent    float64 // percent of one core
	MemoryGB      float64
	BandwidthMbps float64
	Ceiling       int // hard cap regardless of headroom
}

// DefaultCosts are the fixed per-class estimates.
var DefaultCosts = map[Resolution]Cost{
	Res1080p: {CPUPercent: 50, MemoryGB: 0.75, BandwidthMbps: 10, Ceiling: 4},
	Res720p:  {CPUPercent: 35, MemoryGB: 0.5, BandwidthMbps: 7, Ceiling: 6},
	Res480p:  {CPUPercent: 25, MemoryGB: 0.35, BandwidthMbps: 4, Ceiling: 8},
	Res360p:  {CPUPercent: 15, MemoryGB: 0.25, BandwidthMbps: 2, Ceiling: 12},
}

const (
	cpuHeadroomPercent = 30
	memoryUsableShare  = 0.7
	linkCapacityMbps   = 1000
	linkUsableShare    = 0.5
)

// Capacity maps each resolution class to how many more streams the host can take.
type Capacity map[Resolution]int

// EstimateCapacity derives an advisory per-class capacity from s. Every value is
// clamped to [0, ceiling]; a negative intermediate budget counts as zero.
func EstimateCapacity(s resources.Snapshot) Capacity {
	cpuBudget := math.Max(0, (100-s.CPU.PercentUsed-cpuHeadroomPercent)*float64(s.CPU.CoreCount))
	memBudget := math.Max(0, s.Memory.AvailableGB*memoryUsableShare)
	bwBudget := linkCapacityMbps * linkUsableShare

	out := make(Capacity, len(Resolutions))
	for _, res := range Resolutions {
		c := DefaultCosts[res]
		n := c.Ceiling
		n = min(n, budgetFor(cpuBudget, c.CPUPercent))
		n = min(n, budgetFor(memBudget, c.MemoryGB))
		n = min(n, budgetFor(bwBudget, c.BandwidthMbps))
		out[res] = max(0, n)
	}
	return out
}

func budgetFor(budget, cost float64) int {
	if cost <= 0 || budget <= 0 || math.IsNaN(budget) {
		return 0
	}
	return int(math.Floor(budget / cost))
}
