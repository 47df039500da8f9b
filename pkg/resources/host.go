package resources

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Host describes the machine the worker pool runs on
type Host struct {
	CPUModel      string  `json:"cpu_model" yaml:"cpu_model"`
	LogicalCPUs   int     `json:"logical_cpus" yaml:"logical_cpus"`
	PhysicalCPUs  int     `json:"physical_cpus" yaml:"physical_cpus"`
	MemoryTotalGB float64 `json:"memory_total_gb" yaml:"memory_total_gb"`
	MemoryAvailGB float64 `json:"memory_available_gb" yaml:"memory_available_gb"`
}

// LogicalCPUs counts logical CPUs; it is the default CPUCounter
func LogicalCPUs(ctx context.Context) (int, error) {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("failed to count cpus: %w", err)
	}
	return n, nil
}

// DetectHost collects CPU and memory information
func DetectHost(ctx context.Context) (Host, error) {
	var h Host

	logical, err := LogicalCPUs(ctx)
	if err != nil {
		return h, err
	}
	h.LogicalCPUs = logical

	if physical, err := cpu.CountsWithContext(ctx, false); err == nil {
		h.PhysicalCPUs = physical
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		h.CPUModel = strings.TrimSpace(infos[0].ModelName)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return h, fmt.Errorf("failed to read memory info: %w", err)
	}
	h.MemoryTotalGB = float64(vm.Total) / (1024 * 1024 * 1024)
	h.MemoryAvailGB = float64(vm.Available) / (1024 * 1024 * 1024)

	return h, nil
}
