package shutdown

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownLIFOOnce(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	m.Register("store", func(ctx context.Context) error { order = append(order, "store"); return nil })
	m.Register("tracer", func(ctx context.Context) error { order = append(order, "tracer"); return errors.New("flush failed") })
	m.Register("server", func(ctx context.Context) error { order = append(order, "server"); return nil })

	err := m.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracer: flush failed")
	assert.Equal(t, []string{"server", "tracer", "store"}, order)

	assert.NoError(t, m.Shutdown())
	assert.Len(t, order, 3)
}

func TestContextCancelledBySignal(t *testing.T) {
	m := New(time.Second, nil)
	ctx, cancel := m.Context(context.Background())
	defer cancel()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCloseResource(t *testing.T) {
	closed := false
	fn := CloseResource(closerFunc(func() error { closed = true; return nil }))
	require.NoError(t, fn(context.Background()))
	assert.True(t, closed)
}
