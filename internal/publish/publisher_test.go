package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeppavlov/pipesearch/pkg/models"
	"github.com/deeppavlov/pipesearch/pkg/retry"
	"github.com/deeppavlov/pipesearch/pkg/workspace"
)

type fakeUploader struct {
	mu        sync.Mutex
	buckets   map[string]bool
	objects   map[string]string
	failFirst int
	calls     int
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{buckets: map[string]bool{}, objects: map[string]string{}}
}

func (f *fakeUploader) BucketExists(ctx context.Context, bucket string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket], nil
}

func (f *fakeUploader) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = true
	return nil
}

func (f *fakeUploader) FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return minio.UploadInfo{}, errors.New("503 service unavailable")
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[bucket+"/"+object] = string(data)
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(data))}, nil
}

func (f *fakeUploader) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func testConfig() Config {
	return Config{
		Enabled: true,
		Bucket:  "artifacts",
		Prefix:  "/searches/",
		Retry:   retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "a/b/c.json", ObjectKey("/a/", "b", "", "/c.json"))
	assert.Equal(t, "b", ObjectKey("", "b"))
	assert.Equal(t, "", ObjectKey(""))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	err := Config{Enabled: true, Bucket: "b"}.Validate()
	assert.True(t, errors.Is(err, models.ErrConfiguration))
	err = Config{Enabled: true, Endpoint: "localhost:9000"}.Validate()
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestPublishRun(t *testing.T) {
	root := t.TempDir()
	layout := workspace.New(root, "2026-10-15", "intents")

	writeFile(t, filepath.Join(layout.BestDir("A"), "vocab.dict"), "v")
	writeFile(t, filepath.Join(layout.BestDir("A"), "job_2", "model.pkl"), "weights")
	writeFile(t, layout.LogPath(), "{}")

	up := newFakeUploader()
	p := NewWithUploader(up, testConfig(), nil)

	summary, err := p.PublishRun(context.Background(), layout, "run-1", []string{"A", "B"})
	require.NoError(t, err)
	assert.Len(t, summary.Objects, 3)
	assert.Equal(t, int64(len("v")+len("weights")+len("{}")), summary.Bytes)

	assert.Equal(t, []string{
		"artifacts/searches/intents/2026-10-15/run-1/A_best/job_2/model.pkl",
		"artifacts/searches/intents/2026-10-15/run-1/A_best/vocab.dict",
		"artifacts/searches/intents/2026-10-15/run-1/intents.json",
	}, up.keys())
	assert.True(t, up.buckets["artifacts"])
}

func TestPublishFileRetriesTransientErrors(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "metrics.prom")
	writeFile(t, file, "x 1\n")

	up := newFakeUploader()
	up.failFirst = 2
	p := NewWithUploader(up, testConfig(), nil)

	obj, err := p.PublishFile(context.Background(), file, "k/metrics.prom")
	require.NoError(t, err)
	assert.Equal(t, "k/metrics.prom", obj.Key)
	assert.Equal(t, 3, up.calls)
}

func TestPublishFileGivesUp(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	writeFile(t, file, "a")

	up := newFakeUploader()
	up.failFirst = 10
	p := NewWithUploader(up, testConfig(), nil)

	_, err := p.PublishFile(context.Background(), file, "a.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (2) exceeded")
}
