package gpu

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoDriver is returned when nvidia-smi cannot be executed
var ErrNoDriver = errors.New("nvidia-smi not available")

// Probe reports which GPU devices are currently idle
type Probe interface {
	IdleIndices(ctx context.Context) ([]int, error)
	IsIdle(ctx context.Context, index int) (bool, error)
}

// Device is one GPU as reported by the driver
type Device struct {
	Index              int     `json:"index" yaml:"index"`
	Name               string  `json:"name" yaml:"name"`
	UUID               string  `json:"uuid" yaml:"uuid"`
	MemoryUsedMB       float64 `json:"memory_used_mb" yaml:"memory_used_mb"`
	MemoryTotalMB      float64 `json:"memory_total_mb" yaml:"memory_total_mb"`
	UtilizationPercent float64 `json:"utilization_percent" yaml:"utilization_percent"`

	// Unreported is set when nvidia-smi gave no usable memory or utilization reading (e.g. "N/A")
	Unreported bool `json:"unreported,omitempty" yaml:"unreported,omitempty"`
}

// FreeFraction is the share of device memory not in use
func (d Device) FreeFraction() float64 {
	if d.MemoryTotalMB <= 0 {
		return 0
	}
	return (d.MemoryTotalMB - d.MemoryUsedMB) / d.MemoryTotalMB
}

// Thresholds decide when a device counts as idle
type Thresholds struct {
	MinFreeMemoryFraction float64 `mapstructure:"min_free_memory_fraction" json:"min_free_memory_fraction" yaml:"min_free_memory_fraction"`
	MaxUtilization        float64 `mapstructure:"max_utilization" json:"max_utilization" yaml:"max_utilization"`
}

// DefaultThresholds treats a device as idle when almost all memory is free and it is not computing
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinFreeMemoryFraction: 0.9,
		MaxUtilization:        10,
	}
}

// Idle applies the thresholds to a device. A device with unreported readings is never idle.
func (t Thresholds) Idle(d Device) bool {
	if d.Unreported {
		return false
	}
	return d.FreeFraction() >= t.MinFreeMemoryFraction && d.UtilizationPercent <= t.MaxUtilization
}

// nvidia-smi -q -x structures
type smiLog struct {
	XMLName xml.Name `xml:"nvidia_smi_log"`
	GPUs    []smiGPU `xml:"gpu"`
}

type smiGPU struct {
	ID          string         `xml:"id,attr"`
	ProductName string         `xml:"product_name"`
	UUID        string         `xml:"uuid"`
	Utilization smiUtilization `xml:"utilization"`
	FBMemory    smiMemory      `xml:"fb_memory_usage"`
}

type smiUtilization struct {
	GPUUtil string `xml:"gpu_util"`
}

type smiMemory struct {
	Used  string `xml:"used"`
	Total string `xml:"total"`
}

// NvidiaProbe queries nvidia-smi on every call; GPU state is live, never cached
type NvidiaProbe struct {
	Thresholds Thresholds
	query      func(ctx context.Context) ([]byte, error)
}

// NewNvidiaProbe creates a probe backed by the nvidia-smi binary
func NewNvidiaProbe(thresholds Thresholds) *NvidiaProbe {
	return &NvidiaProbe{
		Thresholds: thresholds,
		query:      querySMI,
	}
}

func querySMI(ctx context.Context) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi", "-q", "-x").Output()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, ErrNoDriver
		}
		return nil, fmt.Errorf("failed to query nvidia-smi: %w", err)
	}
	return out, nil
}

// Devices lists every GPU in driver enumeration order
func (p *NvidiaProbe) Devices(ctx context.Context) ([]Device, error) {
	out, err := p.query(ctx)
	if err != nil {
		return nil, err
	}
	return ParseSMI(out)
}

// IdleIndices returns the indices of idle devices in ascending order
func (p *NvidiaProbe) IdleIndices(ctx context.Context) ([]int, error) {
	devices, err := p.Devices(ctx)
	if err != nil {
		return nil, err
	}
	var idle []int
	for _, d := range devices {
		if p.Thresholds.Idle(d) {
			idle = append(idle, d.Index)
		}
	}
	return idle, nil
}

// IsIdle reports whether the device with the given index is idle.
// Unknown indices are reported as not idle.
func (p *NvidiaProbe) IsIdle(ctx context.Context, index int) (bool, error) {
	devices, err := p.Devices(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range devices {
		if d.Index == index {
			return p.Thresholds.Idle(d), nil
		}
	}
	return false, nil
}

// ParseSMI decodes the XML report of nvidia-smi -q -x
func ParseSMI(data []byte) ([]Device, error) {
	var report smiLog
	if err := xml.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse nvidia-smi output: %w", err)
	}

	devices := make([]Device, 0, len(report.GPUs))
	for i, g := range report.GPUs {
		used, okUsed := parseFloat(g.FBMemory.Used)
		total, okTotal := parseFloat(g.FBMemory.Total)
		util, okUtil := parseFloat(g.Utilization.GPUUtil)
		devices = append(devices, Device{
			Index:              i,
			Name:               strings.TrimSpace(g.ProductName),
			UUID:               strings.TrimSpace(g.UUID),
			MemoryUsedMB:       used,
			MemoryTotalMB:      total,
			UtilizationPercent: util,
			Unreported:         !okUsed || !okTotal || !okUtil,
		})
	}
	return devices, nil
}

// parseFloat extracts a float from a value with unit (e.g., "123 MiB" -> 123).
// ok is false for empty or non-numeric values such as "N/A".
func parseFloat(s string) (val float64, ok bool) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) == 0 {
		return 0, false
	}
	val, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, false
	}
	return val, true
}

// StaticProbe answers from a fixed idle set; used for dry runs and tests
type StaticProbe struct {
	Idle []int
	Err  error
}

// IdleIndices returns the configured idle set
func (s StaticProbe) IdleIndices(ctx context.Context) ([]int, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]int(nil), s.Idle...), nil
}

// IsIdle reports membership in the configured idle set
func (s StaticProbe) IsIdle(ctx context.Context, index int) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	for _, i := range s.Idle {
		if i == index {
			return true, nil
		}
	}
	return false, nil
}
