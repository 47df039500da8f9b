package workspace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayoutPaths(t *testing.T) {
	l := New("/exp", "2026-10-15", "intents")

	assert.Equal(t, filepath.Join("/exp", "2026-10-15", "intents"), l.ExperimentDir())
	assert.Equal(t, filepath.Join(l.ExperimentDir(), "checkpoints", "snips", "job_1", "config.json"), l.ConfigPath("snips", 0))
	assert.Equal(t, filepath.Join(l.ExperimentDir(), "checkpoints", "snips_best"), l.BestDir("snips"))
	assert.Equal(t, filepath.Join(l.ExperimentDir(), "intents.json"), l.LogPath())
	assert.Equal(t, filepath.Join(l.ExperimentDir(), "intents.jsonl"), l.JournalPath())
}

func TestParseJobDirName(t *testing.T) {
	for name, want := range map[string]int{"job_1": 0, "job_12": 11} {
		idx, ok := ParseJobDirName(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, idx, name)
	}

	for _, name := range []string{"job_", "job_0", "job_01", "job_x", "jobs_1", "job_1a", "vocab.dict", "pipe_1"} {
		_, ok := ParseJobDirName(name)
		assert.False(t, ok, name)
	}

	idx, ok := ParseJobDirName(JobDirName(41))
	assert.True(t, ok)
	assert.Equal(t, 41, idx)
}
