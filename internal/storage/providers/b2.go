package providers

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Backblaze/blazer/b2"
)

// B2Config configures B2Provider.
type B2Config struct {
	KeyID          string `mapstructure:"key_id"`
	ApplicationKey string `mapstructure:"application_key"`
	Bucket         string `mapstructure:"bucket"`
}

// B2Provider uploads to a Backblaze B2 bucket.
type B2Provider struct {
	cfg B2Config

	mu     sync.Mutex
	bucket *b2.Bucket
}

// NewB2Provider validates cfg and returns a provider.
func NewB2Provider(cfg B2Config) (*B2Provider, error) {
	if cfg.KeyID == "" || cfg.ApplicationKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: b2 key id, application key and bucket are required", ErrNotConfigured)
	}
	return &B2Provider{cfg: cfg}, nil
}

func (p *B2Provider) Name() string { return "b2" }

// connect authorizes lazily and retries authorization on the next upload if
// it failed.
func (p *B2Provider) connect(ctx context.Context) (*b2.Bucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bucket != nil {
		return p.bucket, nil
	}
	client, err := b2.NewClient(ctx, p.cfg.KeyID, p.cfg.ApplicationKey)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize b2 account: %w", err)
	}
	bucket, err := client.Bucket(ctx, p.cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open b2 bucket %s: %w", p.cfg.Bucket, err)
	}
	p.bucket = bucket
	return bucket, nil
}

// Upload streams a local file into the bucket.
func (p *B2Provider) Upload(ctx context.Context, localPath, remotePath string) error {
	bucket, err := p.connect(ctx)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	w := bucket.Object(objectKey(remotePath)).NewWriter(ctx, b2.WithAttrsOption(&b2.Attrs{ContentType: contentType(localPath)}))
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("b2 upload %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 upload %s: %w", remotePath, err)
	}
	return nil
}
