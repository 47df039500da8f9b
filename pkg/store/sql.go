package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/deeppavlov/pipesearch/pkg/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on database/sql for SQLite and PostgreSQL
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLiteStore opens (or creates) a SQLite database file
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	// WAL with a busy timeout lets the CLI read while a run is writing
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewPostgreSQLStore connects to PostgreSQL
func NewPostgreSQLStore(config Config) (*SQLStore, error) {
	if config.DSN == "" {
		return nil, models.NewConfigurationError("store.dsn", "PostgreSQL DSN is required", nil)
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	floatType, timeType := "REAL", "TIMESTAMP"
	if s.dialect == dialectPostgres {
		floatType, timeType = "DOUBLE PRECISION", "TIMESTAMPTZ"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			experiment TEXT NOT NULL,
			date TEXT NOT NULL,
			root TEXT NOT NULL,
			target_metric TEXT NOT NULL DEFAULT '',
			num_jobs INTEGER NOT NULL,
			plan TEXT NOT NULL,
			started_at %[1]s NOT NULL,
			finished_at %[1]s
		)`, timeType),
		`CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment, started_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS results (
			run_id TEXT NOT NULL REFERENCES runs(id),
			job_index INTEGER NOT NULL,
			dataset TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			components TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			metrics TEXT NOT NULL,
			target_metric TEXT NOT NULL,
			score %[1]s,
			score_split TEXT NOT NULL DEFAULT '',
			elapsed_seconds %[1]s NOT NULL,
			gpu INTEGER NOT NULL,
			started_at %[2]s NOT NULL,
			PRIMARY KEY (run_id, job_index)
		)`, floatType, timeType),
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateRun registers a new run
func (s *SQLStore) CreateRun(ctx context.Context, run models.RunInfo) error {
	plan, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (id, experiment, date, root, target_metric, num_jobs, plan, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.Experiment, run.Date, run.Root, run.TargetMetric, run.NumJobs, string(plan), run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun stamps the end of a run
func (s *SQLStore) FinishRun(ctx context.Context, runID, targetMetric string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE runs SET target_metric = ?, finished_at = ? WHERE id = ?`),
		targetMetric, finishedAt.UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// SaveResult inserts or replaces the record of one job
func (s *SQLStore) SaveResult(ctx context.Context, runID string, rec models.ResultRecord) error {
	components, err := json.Marshal(rec.Components)
	if err != nil {
		return fmt.Errorf("failed to encode components: %w", err)
	}
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}

	var score sql.NullFloat64
	if rec.Score != nil {
		score = sql.NullFloat64{Float64: *rec.Score, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO results (run_id, job_index, dataset, pipeline, components, fingerprint, metrics,
			target_metric, score, score_split, elapsed_seconds, gpu, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, job_index) DO UPDATE SET
			dataset = excluded.dataset,
			pipeline = excluded.pipeline,
			components = excluded.components,
			fingerprint = excluded.fingerprint,
			metrics = excluded.metrics,
			target_metric = excluded.target_metric,
			score = excluded.score,
			score_split = excluded.score_split,
			elapsed_seconds = excluded.elapsed_seconds,
			gpu = excluded.gpu,
			started_at = excluded.started_at`),
		runID, rec.JobIndex, rec.Dataset, rec.Pipeline, string(components), rec.Fingerprint, string(metrics),
		rec.TargetMetric, score, rec.ScoreSplit, rec.ElapsedSeconds, rec.GPU, rec.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save result of job %d: %w", rec.JobIndex+1, err)
	}
	return nil
}

const runColumns = `id, experiment, date, root, target_metric, num_jobs, plan, started_at, finished_at`

func scanRun(row *sql.Row) (*models.RunInfo, error) {
	var run models.RunInfo
	var plan string
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.Experiment, &run.Date, &run.Root, &run.TargetMetric, &run.NumJobs,
		&plan, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(plan), &run.Plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

// GetRun returns a run by id
func (s *SQLStore) GetRun(ctx context.Context, runID string) (*models.RunInfo, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return run, nil
}

// LatestRun returns the most recently started run of an experiment
func (s *SQLStore) LatestRun(ctx context.Context, experiment string) (*models.RunInfo, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs
		WHERE experiment = ? ORDER BY started_at DESC LIMIT 1`), experiment)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", experiment, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest run of %s: %w", experiment, err)
	}
	return run, nil
}

// ListResults returns the records of a run ordered by job index
func (s *SQLStore) ListResults(ctx context.Context, runID string) ([]models.ResultRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT job_index, dataset, pipeline, components, fingerprint, metrics, target_metric,
			score, score_split, elapsed_seconds, gpu, started_at
		FROM results WHERE run_id = ? ORDER BY job_index`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var out []models.ResultRecord
	for rows.Next() {
		var rec models.ResultRecord
		var components, metrics string
		var score sql.NullFloat64
		if err := rows.Scan(&rec.JobIndex, &rec.Dataset, &rec.Pipeline, &components, &rec.Fingerprint, &metrics,
			&rec.TargetMetric, &score, &rec.ScoreSplit, &rec.ElapsedSeconds, &rec.GPU, &rec.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(components), &rec.Components); err != nil {
			return nil, fmt.Errorf("failed to decode components: %w", err)
		}
		if err := json.Unmarshal([]byte(metrics), &rec.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
		if score.Valid {
			v := score.Float64
			rec.Score = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}
