package gpu

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smiSample = `<?xml version="1.0" ?>
<nvidia_smi_log>
	<gpu id="00000000:01:00.0">
		<product_name>NVIDIA A100</product_name>
		<uuid>GPU-aaa</uuid>
		<fb_memory_usage><total>40960 MiB</total><used>12 MiB</used></fb_memory_usage>
		<utilization><gpu_util>0 %</gpu_util></utilization>
	</gpu>
	<gpu id="00000000:02:00.0">
		<product_name>NVIDIA A100</product_name>
		<uuid>GPU-bbb</uuid>
		<fb_memory_usage><total>40960 MiB</total><used>30000 MiB</used></fb_memory_usage>
		<utilization><gpu_util>97 %</gpu_util></utilization>
	</gpu>
	<gpu id="00000000:03:00.0">
		<product_name>NVIDIA A100</product_name>
		<uuid>GPU-ccc</uuid>
		<fb_memory_usage><total>40960 MiB</total><used>100 MiB</used></fb_memory_usage>
		<utilization><gpu_util>3 %</gpu_util></utilization>
	</gpu>
</nvidia_smi_log>`

func fakeProbe(out string, err error) *NvidiaProbe {
	p := NewNvidiaProbe(DefaultThresholds())
	p.query = func(ctx context.Context) ([]byte, error) {
		return []byte(out), err
	}
	return p
}

func TestParseSMI(t *testing.T) {
	devices, err := ParseSMI([]byte(smiSample))
	require.NoError(t, err)
	require.Len(t, devices, 3)

	assert.Equal(t, 0, devices[0].Index)
	assert.Equal(t, "NVIDIA A100", devices[0].Name)
	assert.Equal(t, "GPU-bbb", devices[1].UUID)
	assert.Equal(t, 30000.0, devices[1].MemoryUsedMB)
	assert.Equal(t, 97.0, devices[1].UtilizationPercent)
}

func TestNvidiaProbeIdle(t *testing.T) {
	p := fakeProbe(smiSample, nil)
	ctx := context.Background()

	idle, err := p.IdleIndices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, idle)

	ok, err := p.IsIdle(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.IsIdle(ctx, 9)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnreportedUtilizationIsNotIdle(t *testing.T) {
	out := `<nvidia_smi_log>
	<gpu id="00000000:01:00.0">
		<product_name>Tesla K80</product_name>
		<fb_memory_usage><total>11441 MiB</total><used>0 MiB</used></fb_memory_usage>
		<utilization><gpu_util>N/A</gpu_util></utilization>
	</gpu>
	<gpu id="00000000:02:00.0">
		<product_name>Tesla K80</product_name>
		<fb_memory_usage><total>11441 MiB</total><used>N/A</used></fb_memory_usage>
		<utilization><gpu_util>0 %</gpu_util></utilization>
	</gpu>
</nvidia_smi_log>`

	devices, err := ParseSMI([]byte(out))
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.True(t, devices[0].Unreported)
	assert.True(t, devices[1].Unreported)

	idle, err := fakeProbe(out, nil).IdleIndices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, idle)
}

func TestNvidiaProbeNoDriver(t *testing.T) {
	p := fakeProbe("", ErrNoDriver)
	_, err := p.IdleIndices(context.Background())
	assert.True(t, errors.Is(err, ErrNoDriver))
}

func TestStaticProbe(t *testing.T) {
	p := StaticProbe{Idle: []int{0, 2}}
	ok, err := p.IsIdle(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.IsIdle(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, ok)
}
