package resources

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeppavlov/pipesearch/pkg/gpu"
	"github.com/deeppavlov/pipesearch/pkg/logging"
	"github.com/deeppavlov/pipesearch/pkg/models"
)

func fixedCPUs(n int) CPUCounter {
	return func(ctx context.Context) (int, error) { return n, nil }
}

func newTestAllocator(probe gpu.Probe, cpus int) (*Allocator, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.DEBUG, false)
	logger.SetOutput(&buf)
	return NewAllocator(probe, fixedCPUs(cpus), logger), &buf
}

func TestPlanCPUOnly(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		requested int
		want      int
	}{
		{"unset uses all cpus", 0, 8},
		{"below cpu count", 3, 3},
		{"clamped to cpu count", 32, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAllocator(gpu.StaticProbe{}, 8)
			plan, err := a.Plan(ctx, Request{Workers: tt.requested})
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.WorkerCount)
			assert.LessOrEqual(t, plan.WorkerCount, 8)
			assert.Empty(t, plan.GPUSlots)
			assert.False(t, plan.UsesGPU())
		})
	}
}

func TestPlanCPUClampWarns(t *testing.T) {
	a, buf := newTestAllocator(gpu.StaticProbe{}, 2)
	_, err := a.Plan(context.Background(), Request{Workers: 5})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "WARN: cpu unavailable")
}

func TestPlanAllGPUs(t *testing.T) {
	ctx := context.Background()
	probe := gpu.StaticProbe{Idle: []int{3, 0, 1, 5}}

	t.Run("unset uses seventy percent of cpus", func(t *testing.T) {
		a, _ := newTestAllocator(probe, 4)
		plan, err := a.Plan(ctx, Request{AllGPUs: true})
		require.NoError(t, err)
		assert.Equal(t, 2, plan.WorkerCount)
		assert.Equal(t, []int{0, 1}, plan.GPUSlots)
	})

	t.Run("unset limited by idle gpus", func(t *testing.T) {
		a, _ := newTestAllocator(probe, 64)
		plan, err := a.Plan(ctx, Request{AllGPUs: true})
		require.NoError(t, err)
		assert.Equal(t, 4, plan.WorkerCount)
		assert.Equal(t, []int{0, 1, 3, 5}, plan.GPUSlots)
	})

	t.Run("single cpu still gets one worker", func(t *testing.T) {
		a, _ := newTestAllocator(probe, 1)
		plan, err := a.Plan(ctx, Request{AllGPUs: true})
		require.NoError(t, err)
		assert.Equal(t, 1, plan.WorkerCount)
	})

	t.Run("requested", func(t *testing.T) {
		a, _ := newTestAllocator(probe, 16)
		plan, err := a.Plan(ctx, Request{AllGPUs: true, Workers: 3})
		require.NoError(t, err)
		assert.Equal(t, 3, plan.WorkerCount)
		assert.Len(t, plan.GPUSlots, plan.WorkerCount)

		seen := map[int]bool{}
		for _, g := range plan.GPUSlots {
			assert.False(t, seen[g], "gpu %d assigned twice", g)
			seen[g] = true
		}
	})

	t.Run("no idle gpu is fatal", func(t *testing.T) {
		a, _ := newTestAllocator(gpu.StaticProbe{}, 16)
		_, err := a.Plan(ctx, Request{AllGPUs: true})
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrResourceUnavailable))
	})

	t.Run("probe failure", func(t *testing.T) {
		a, _ := newTestAllocator(gpu.StaticProbe{Err: gpu.ErrNoDriver}, 16)
		_, err := a.Plan(ctx, Request{AllGPUs: true})
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrResourceUnavailable))
	})
}

func TestPlanExplicitGPUsDropsBusy(t *testing.T) {
	a, buf := newTestAllocator(gpu.StaticProbe{Idle: []int{0, 1, 2}}, 8)

	plan, err := a.Plan(context.Background(), Request{GPUs: []int{0, 3}})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, plan.GPUSlots)
	assert.Equal(t, 1, plan.WorkerCount)
	assert.Contains(t, buf.String(), "gpu 3 is busy")
	assert.Equal(t, 1, strings.Count(buf.String(), "is busy"))
}

func TestPlanExplicitGPUs(t *testing.T) {
	ctx := context.Background()
	probe := gpu.StaticProbe{Idle: []int{0, 1, 2, 3}}

	a, _ := newTestAllocator(probe, 8)
	plan, err := a.Plan(ctx, Request{GPUs: []int{2, 0, 2, 3}, Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, plan.WorkerCount)
	assert.Equal(t, []int{2, 0}, plan.GPUSlots)

	a, _ = newTestAllocator(gpu.StaticProbe{Idle: []int{0}}, 8)
	_, err = a.Plan(ctx, Request{GPUs: []int{4, 5}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrResourceUnavailable))
}

func TestPlanConflictingModes(t *testing.T) {
	a, _ := newTestAllocator(gpu.StaticProbe{Idle: []int{0}}, 8)
	_, err := a.Plan(context.Background(), Request{AllGPUs: true, GPUs: []int{0}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	_, err = a.Plan(context.Background(), Request{Workers: -1})
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}
