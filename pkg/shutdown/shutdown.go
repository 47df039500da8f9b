package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/deeppavlov/pipesearch/pkg/logging"
)

type closer struct {
	name string
	fn   func(context.Context) error
}

// Manager cancels the run on SIGINT/SIGTERM and runs registered closers
type Manager struct {
	mu      sync.Mutex
	closers []closer
	timeout time.Duration
	logger  *logging.Logger
	once    sync.Once
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{timeout: timeout, logger: logger}
}

// Register adds a named shutdown function.
// Functions are called in reverse order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, closer{name: name, fn: fn})
}

// Context returns a context cancelled by the first SIGINT or SIGTERM.
// Cancelling it kills running trainer processes; the caller still runs Shutdown.
func (m *Manager) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			m.logger.Warn("Received signal, cancelling run", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Shutdown runs every registered function once, newest first, and joins their errors
func (m *Manager) Shutdown() error {
	var errs []error
	m.once.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		for i := len(m.closers) - 1; i >= 0; i-- {
			c := m.closers[i]
			if err := c.fn(ctx); err != nil {
				m.logger.Warn("Shutdown step failed", map[string]interface{}{"step": c.name, "error": err.Error()})
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			}
		}
	})
	return errors.Join(errs...)
}

// CloseResource adapts an io.Closer
func CloseResource(c interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return c.Close()
	}
}
