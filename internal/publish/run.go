package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deeppavlov/pipesearch/pkg/workspace"
)

// RunSummary lists what one PublishRun uploaded
type RunSummary struct {
	Objects []Object `json:"objects"`
	Bytes   int64    `json:"bytes"`
}

// PublishRun uploads the retained <dataset>_best directories and the aggregate
// log of one experiment under <prefix>/<experiment>/<date>/<runID>/.
// A missing best directory is skipped; other failures are joined.
func (p *Publisher) PublishRun(ctx context.Context, layout workspace.Layout, runID string, datasets []string) (RunSummary, error) {
	var summary RunSummary
	var errs []error

	if err := p.EnsureBucket(ctx); err != nil {
		return summary, err
	}

	base := []string{layout.Experiment, layout.Date, runID}
	add := func(objs ...Object) {
		for _, o := range objs {
			summary.Objects = append(summary.Objects, o)
			summary.Bytes += o.Size
		}
	}

	for _, ds := range datasets {
		dir := layout.BestDir(ds)
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("Best directory missing, nothing to publish", map[string]interface{}{"dataset": ds, "dir": dir})
			continue
		}
		objs, err := p.PublishDir(ctx, dir, ObjectKey("", append(base, filepath.Base(dir))...))
		add(objs...)
		if err != nil {
			errs = append(errs, fmt.Errorf("dataset %s: %w", ds, err))
		}
	}

	logPath := layout.LogPath()
	if _, err := os.Stat(logPath); err == nil {
		obj, err := p.PublishFile(ctx, logPath, p.Key(append(base, filepath.Base(logPath))...))
		if err != nil {
			errs = append(errs, err)
		} else {
			add(obj)
		}
	}

	p.logger.Info("Published run artifacts", map[string]interface{}{
		"bucket":  p.cfg.Bucket,
		"objects": len(summary.Objects),
		"bytes":   summary.Bytes,
	})
	return summary, errors.Join(errs...)
}
