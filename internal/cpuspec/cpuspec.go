// Package cpuspec sizes inference thread pools from the host CPU.
package cpuspec

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// CPUSpec describes the host processor.
type CPUSpec struct {
	BrandName     string
	PhysicalCores int
	LogicalCores  int
}

// GetCPUSpec reads the processor description via cpuid.
func GetCPUSpec() CPUSpec {
	return CPUSpec{
		BrandName:     cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
}

// OptimalThreadCount prefers physical cores; hyperthreads add little to convolution-heavy models.
// The result never exceeds the CPUs available to this process (cgroup limits, VMs).
func (c CPUSpec) OptimalThreadCount() int {
	available := runtime.NumCPU()
	switch {
	case c.PhysicalCores > 0:
		return min(c.PhysicalCores, available)
	case c.LogicalCores > 0:
		return min(c.LogicalCores, available)
	default:
		return available
	}
}

// ThreadCount resolves a configured thread count: 0 picks OptimalThreadCount,
// larger values are capped at the available CPUs.
func ThreadCount(configured int) int {
	available := runtime.NumCPU()
	if configured <= 0 {
		return max(1, GetCPUSpec().OptimalThreadCount())
	}
	return min(configured, available)
}
