package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeppavlov/pipesearch/pkg/models"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	out := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}

	// Set PIPESEARCH_TEST_POSTGRES_DSN to run against a live PostgreSQL
	if dsn := os.Getenv("PIPESEARCH_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := NewPostgreSQLStore(Config{DSN: dsn})
		require.NoError(t, err)
		t.Cleanup(func() { pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func score(v float64) *float64 { return &v }

func TestStoreRoundTrip(t *testing.T) {
	started := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			runID := "run-" + name + "-" + time.Now().Format("150405.000000000")

			run := models.RunInfo{
				ID:         runID,
				Experiment: "intents",
				Date:       "2026-10-15",
				Root:       "/exp",
				NumJobs:    2,
				Plan:       models.ResourcePlan{WorkerCount: 2, GPUSlots: []int{0, 1}},
				StartedAt:  started,
			}
			require.NoError(t, s.CreateRun(ctx, run))

			recs := []models.ResultRecord{
				{JobIndex: 1, Dataset: "A", Pipeline: "p", Components: []string{"tfidf", "logreg"}, Fingerprint: "ab",
					Metrics: models.Metrics{"valid": {"acc": 0.8}}, TargetMetric: "acc", Score: score(0.8), ScoreSplit: "valid",
					ElapsedSeconds: 1.5, GPU: 1, StartedAt: started},
				{JobIndex: 0, Dataset: "A", Pipeline: "p", Components: []string{"tfidf"}, Fingerprint: "cd",
					Metrics: models.Metrics{"valid": {"f1": 0.3}}, TargetMetric: "acc",
					ElapsedSeconds: 2, GPU: 0, StartedAt: started},
			}
			for _, rec := range recs {
				require.NoError(t, s.SaveResult(ctx, runID, rec))
			}
			// replaced, not duplicated
			require.NoError(t, s.SaveResult(ctx, runID, recs[0]))

			got, err := s.ListResults(ctx, runID)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, 0, got[0].JobIndex)
			assert.Nil(t, got[0].Score)
			require.NotNil(t, got[1].Score)
			assert.Equal(t, 0.8, *got[1].Score)
			assert.Equal(t, []string{"tfidf", "logreg"}, got[1].Components)
			assert.Equal(t, 0.8, got[1].Metrics["valid"]["acc"])
			assert.True(t, started.Equal(got[1].StartedAt))

			finished := started.Add(time.Hour)
			require.NoError(t, s.FinishRun(ctx, runID, "acc", finished))

			loaded, err := s.GetRun(ctx, runID)
			require.NoError(t, err)
			assert.Equal(t, "acc", loaded.TargetMetric)
			assert.Equal(t, run.Plan, loaded.Plan)
			require.NotNil(t, loaded.FinishedAt)
			assert.True(t, finished.Equal(*loaded.FinishedAt))

			latest, err := s.LatestRun(ctx, "intents")
			require.NoError(t, err)
			assert.Equal(t, runID, latest.ID)
		})
	}
}

func TestStoreNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.GetRun(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))

			_, err = s.LatestRun(ctx, "no-such-experiment")
			assert.True(t, errors.Is(err, ErrNotFound))

			err = s.FinishRun(ctx, "missing", "acc", time.Now())
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestLatestRunPicksNewest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateRun(ctx, models.RunInfo{ID: "a", Experiment: "e", StartedAt: base}))
	require.NoError(t, s.CreateRun(ctx, models.RunInfo{ID: "b", Experiment: "e", StartedAt: base.Add(time.Minute)}))
	require.Error(t, s.CreateRun(ctx, models.RunInfo{ID: "a", Experiment: "e"}))

	latest, err := s.LatestRun(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, "b", latest.ID)
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = Open(Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(Config{Driver: "sqlite"})
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	_, err = Open(Config{Driver: "mongo"})
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", rebindDollar("SELECT a FROM t WHERE x = ? AND y = ?"))
}
