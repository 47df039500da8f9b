package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deeppavlov/pipesearch/pkg/models"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("not found")

// Store persists runs and their per-job results.
// SQLite, PostgreSQL and the in-memory store implement it.
type Store interface {
	CreateRun(ctx context.Context, run models.RunInfo) error
	FinishRun(ctx context.Context, runID, targetMetric string, finishedAt time.Time) error
	SaveResult(ctx context.Context, runID string, rec models.ResultRecord) error

	GetRun(ctx context.Context, runID string) (*models.RunInfo, error)
	LatestRun(ctx context.Context, experiment string) (*models.RunInfo, error)
	ListResults(ctx context.Context, runID string) ([]models.ResultRecord, error)

	Close() error
}

// Config selects and configures a store
type Config struct {
	Driver          string        `mapstructure:"driver"` // "", "memory", "sqlite" or "postgres"
	DSN             string        `mapstructure:"dsn"`    // file path for sqlite, connection string for postgres
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// Open creates the store named by cfg.Driver. An empty driver returns nil, nil.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		if cfg.DSN == "" {
			return nil, models.NewConfigurationError("store.dsn", "sqlite store needs a database path", nil)
		}
		s, err := NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "postgresql":
		s, err := NewPostgreSQLStore(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, models.NewConfigurationError("store.driver", fmt.Sprintf("unknown store driver %q", cfg.Driver), nil)
	}
}
