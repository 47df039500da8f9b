package metrics

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"

	"github.com/deeppavlov/pipesearch/pkg/models"
)

// Best is the current leader of one dataset
type Best struct {
	Score    float64 `json:"score"`
	JobIndex int     `json:"job_index"`
}

// Progress is the live state of a run served on /progress
type Progress struct {
	RunID      string          `json:"run_id"`
	Experiment string          `json:"experiment"`
	StartedAt  time.Time       `json:"started_at"`
	Total      int             `json:"total"`
	Dispatched int             `json:"dispatched"`
	Completed  int             `json:"completed"`
	Failed     int             `json:"failed"`
	InFlight   int             `json:"in_flight"`
	Best       map[string]Best `json:"best"`
}

// Collector records run metrics in its own registry. A nil *Collector is a no-op.
type Collector struct {
	registry *prometheus.Registry

	jobsPlanned  prometheus.Gauge
	jobsTotal    *prometheus.CounterVec
	jobsInFlight prometheus.Gauge
	jobDuration  *prometheus.HistogramVec
	gpuBusy      *prometheus.GaugeVec
	bestScore    *prometheus.GaugeVec

	mu       sync.RWMutex
	progress Progress
}

// NewCollector creates a collector for one run
func NewCollector(runID, experiment string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsPlanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipesearch_jobs_planned",
			Help: "Number of jobs the generator will produce",
		}),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipesearch_jobs_total",
				Help: "Finished jobs by dataset and status",
			},
			[]string{"dataset", "status"},
		),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipesearch_jobs_in_flight",
			Help: "Jobs currently executing",
		}),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipesearch_job_duration_seconds",
				Help:    "Wall-clock time of one job",
				Buckets: prometheus.ExponentialBuckets(1, 2, 16),
			},
			[]string{"dataset"},
		),
		gpuBusy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipesearch_gpu_slot_busy",
				Help: "1 while a job holds the GPU slot",
			},
			[]string{"gpu"},
		),
		bestScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipesearch_best_score",
				Help: "Best target metric value per dataset",
			},
			[]string{"dataset"},
		),
		progress: Progress{
			RunID:      runID,
			Experiment: experiment,
			StartedAt:  time.Now(),
			Best:       make(map[string]Best),
		},
	}

	c.registry.MustRegister(
		c.jobsPlanned,
		c.jobsTotal,
		c.jobsInFlight,
		c.jobDuration,
		c.gpuBusy,
		c.bestScore,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// SetPlanned records the total number of jobs
func (c *Collector) SetPlanned(total int) {
	if c == nil {
		return
	}
	c.jobsPlanned.Set(float64(total))
	c.mu.Lock()
	c.progress.Total = total
	c.mu.Unlock()
}

// JobStarted marks a job as dispatched to a worker
func (c *Collector) JobStarted(gpu int) {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
	if gpu != models.NoGPU {
		c.gpuBusy.WithLabelValues(strconv.Itoa(gpu)).Set(1)
	}
	c.mu.Lock()
	c.progress.Dispatched++
	c.progress.InFlight++
	c.mu.Unlock()
}

// JobFinished records the outcome of a job
func (c *Collector) JobFinished(dataset string, gpu int, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	}
	c.jobsInFlight.Dec()
	c.jobsTotal.WithLabelValues(dataset, status).Inc()
	c.jobDuration.WithLabelValues(dataset).Observe(elapsed.Seconds())
	if gpu != models.NoGPU {
		c.gpuBusy.WithLabelValues(strconv.Itoa(gpu)).Set(0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress.InFlight--
	if err != nil {
		c.progress.Failed++
	} else {
		c.progress.Completed++
	}
}

// BestUpdated records a new per-dataset leader
func (c *Collector) BestUpdated(dataset string, score float64, jobIndex int) {
	if c == nil {
		return
	}
	c.bestScore.WithLabelValues(dataset).Set(score)
	c.mu.Lock()
	c.progress.Best[dataset] = Best{Score: score, JobIndex: jobIndex}
	c.mu.Unlock()
}

// Snapshot returns a copy of the progress
func (c *Collector) Snapshot() Progress {
	if c == nil {
		return Progress{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := c.progress
	out.Best = make(map[string]Best, len(c.progress.Best))
	for k, v := range c.progress.Best {
		out.Best[k] = v
	}
	return out
}

// WriteText encodes every metric family in the Prometheus text format
func (c *Collector) WriteText(w io.Writer) error {
	if c == nil {
		return nil
	}
	families, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	encoder := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteFile writes a text snapshot of the registry to path
func (c *Collector) WriteFile(path string) error {
	if c == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := c.WriteText(&buf); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write metrics snapshot: %w", err)
	}
	return nil
}
