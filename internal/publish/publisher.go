package publish

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/deeppavlov/pipesearch/pkg/logging"
	"github.com/deeppavlov/pipesearch/pkg/models"
	"github.com/deeppavlov/pipesearch/pkg/retry"
)

// Config selects the S3-compatible bucket that receives retained artifacts
type Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`

	Retry retry.Config `mapstructure:"retry"`
}

// Validate checks that an enabled publisher can reach a bucket
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return models.NewConfigurationError("publish.endpoint", "required when publishing is enabled", nil)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return models.NewConfigurationError("publish.bucket", "required when publishing is enabled", nil)
	}
	return nil
}

// Uploader is the slice of the object store client the publisher needs
type Uploader interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Object is one uploaded file
type Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Publisher uploads directories and files under a key prefix
type Publisher struct {
	client Uploader
	cfg    Config
	logger *logging.Logger
}

// New connects to the object store described by cfg
func New(cfg Config, logger *logging.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return NewWithUploader(client, cfg, logger), nil
}

// NewWithUploader builds a publisher over an existing client
func NewWithUploader(client Uploader, cfg Config, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = retry.IsRetryable
	}
	return &Publisher{client: client, cfg: cfg, logger: logger.WithField("component", "publish")}
}

// EnsureBucket creates the bucket if it does not exist yet
func (p *Publisher) EnsureBucket(ctx context.Context) error {
	return retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		exists, err := p.client.BucketExists(ctx, p.cfg.Bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", p.cfg.Bucket, err)
		}
		if exists {
			return nil
		}
		if err := p.client.MakeBucket(ctx, p.cfg.Bucket, minio.MakeBucketOptions{Region: p.cfg.Region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", p.cfg.Bucket, err)
		}
		p.logger.Info("Created bucket", map[string]interface{}{"bucket": p.cfg.Bucket})
		return nil
	})
}

// PublishDir uploads every regular file below localDir, keyed by its path
// relative to localDir under keyPrefix. Symlinks are not followed.
func (p *Publisher) PublishDir(ctx context.Context, localDir, keyPrefix string) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(localDir, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localDir, filePath)
		if err != nil {
			return err
		}
		obj, err := p.PublishFile(ctx, filePath, ObjectKey(p.cfg.Prefix, keyPrefix, filepath.ToSlash(rel)))
		if err != nil {
			return err
		}
		objects = append(objects, obj)
		return nil
	})
	if err != nil {
		return objects, fmt.Errorf("publish %s: %w", localDir, err)
	}
	return objects, nil
}

// PublishFile uploads a single file to the exact key given
func (p *Publisher) PublishFile(ctx context.Context, filePath, key string) (Object, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return Object{}, err
	}
	opts := minio.PutObjectOptions{ContentType: contentType(filePath)}

	err = retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		_, err := p.client.FPutObject(ctx, p.cfg.Bucket, key, filePath, opts)
		return err
	})
	if err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", key, err)
	}
	p.logger.Debug("Uploaded object", map[string]interface{}{"bucket": p.cfg.Bucket, "key": key, "size": info.Size()})
	return Object{Key: key, Size: info.Size()}, nil
}

// Key joins parts under the configured prefix
func (p *Publisher) Key(parts ...string) string {
	return ObjectKey(p.cfg.Prefix, parts...)
}

// ObjectKey joins key segments with '/', dropping empty ones and stray slashes
func ObjectKey(prefix string, parts ...string) string {
	segs := make([]string, 0, len(parts)+1)
	for _, s := range append([]string{prefix}, parts...) {
		s = strings.Trim(s, "/")
		if s != "" {
			segs = append(segs, s)
		}
	}
	return path.Join(segs...)
}

func contentType(filePath string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filePath)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
