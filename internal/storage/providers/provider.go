// Package providers uploads finished recording artifacts to local or cloud
// storage.
package providers

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// ErrNotConfigured is returned when a provider is missing required settings.
var ErrNotConfigured = errors.New("storage provider not configured")

// Provider stores a local file under a remote key.
type Provider interface {
	Name() string
	Upload(ctx context.Context, localPath, remotePath string) error
}

// Config selects and configures one provider.
type Config struct {
	Type  string      `mapstructure:"type"`
	Local LocalConfig `mapstructure:"local"`
	S3    S3Config    `mapstructure:"s3"`
	GCS   GCSConfig   `mapstructure:"gcs"`
	Azure AzureConfig `mapstructure:"azure"`
	B2    B2Config    `mapstructure:"b2"`
}

// New builds the provider named by cfg.Type. Cloud clients are created on
// first upload.
func New(cfg Config) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "none":
		return nil, nil
	case "local":
		p, err = NewLocalProvider(cfg.Local.Path)
	case "s3":
		p, err = NewS3Provider(cfg.S3)
	case "gcs":
		p, err = NewGCSProvider(cfg.GCS)
	case "azure":
		p, err = NewAzureProvider(cfg.Azure)
	case "b2":
		p, err = NewB2Provider(cfg.B2)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// contentType guesses a MIME type from the file extension.
func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".ivf":
		return "video/x-ivf"
	case ".json":
		return "application/json"
	}
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// objectKey normalizes a remote path into a slash-separated key without a
// leading slash.
func objectKey(remotePath string) string {
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(remotePath)), "/")
}
