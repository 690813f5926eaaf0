package providers

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures GCSProvider. Without a credentials file, application
// default credentials are used.
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// GCSProvider uploads to a Google Cloud Storage bucket.
type GCSProvider struct {
	cfg GCSConfig

	once    sync.Once
	client  *storage.Client
	initErr error
}

// NewGCSProvider validates cfg and returns a provider.
func NewGCSProvider(cfg GCSConfig) (*GCSProvider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: gcs bucket is required", ErrNotConfigured)
	}
	return &GCSProvider{cfg: cfg}, nil
}

func (g *GCSProvider) Name() string { return "gcs" }

func (g *GCSProvider) init(ctx context.Context) error {
	g.once.Do(func() {
		var opts []option.ClientOption
		if g.cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(g.cfg.CredentialsFile))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			g.initErr = fmt.Errorf("failed to create gcs client: %w", err)
			return
		}
		g.client = client
	})
	return g.initErr
}

// Upload streams a local file into the bucket.
func (g *GCSProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := g.init(ctx); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	w := g.client.Bucket(g.cfg.Bucket).Object(objectKey(remotePath)).NewWriter(ctx)
	w.ContentType = contentType(localPath)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs upload %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload %s: %w", remotePath, err)
	}
	return nil
}

// Close releases the client.
func (g *GCSProvider) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
