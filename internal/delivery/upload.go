package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/storage/providers"
	"github.com/breeze-rmm/recorder/pkg/models"
)

// RetryConfig bounds upload retries.
type RetryConfig struct {
	MaxRetries      uint64        `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

// UploadSink copies artifacts to a storage provider under
// <prefix>/<sessionId>/<file>. Failure records are uploaded as a JSON
// manifest next to the session's artifacts.
type UploadSink struct {
	provider providers.Provider
	prefix   string
	retry    RetryConfig
	// RemoveLocal deletes the local artifact after a successful upload.
	RemoveLocal bool
}

// NewUploadSink creates an UploadSink.
func NewUploadSink(p providers.Provider, prefix string, retry RetryConfig) *UploadSink {
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 500 * time.Millisecond
	}
	if retry.MaxElapsed <= 0 {
		retry.MaxElapsed = 2 * time.Minute
	}
	return &UploadSink{provider: p, prefix: prefix, retry: retry}
}

// RemotePath returns the key an artifact is stored under.
func (u *UploadSink) RemotePath(sessionID, localPath string) string {
	return path.Join(u.prefix, sessionID, filepath.Base(localPath))
}

func (u *UploadSink) Deliver(ctx context.Context, a models.Artifact) error {
	remote := u.RemotePath(a.SessionID, a.Path)
	if err := u.upload(ctx, a.Path, remote); err != nil {
		return fmt.Errorf("deliver segment %d: %w", a.SegmentIndex, err)
	}
	log.Info("artifact uploaded",
		zap.String(logging.KeySessionID, a.SessionID),
		zap.Int(logging.KeySegment, a.SegmentIndex),
		zap.String("provider", u.provider.Name()),
		zap.String("remote", remote))
	if u.RemoveLocal {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove uploaded artifact", zap.String("path", a.Path), zap.Error(err))
		}
	}
	return nil
}

func (u *UploadSink) Fail(ctx context.Context, rec models.FailureRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode failure record: %w", err)
	}
	tmp, err := os.CreateTemp("", "breeze-recorder-failure-*.json")
	if err != nil {
		return fmt.Errorf("stage failure record: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("stage failure record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage failure record: %w", err)
	}
	return u.upload(ctx, tmp.Name(), path.Join(u.prefix, rec.SessionID, "failure.json"))
}

func (u *UploadSink) upload(ctx context.Context, localPath, remotePath string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = u.retry.InitialInterval
	bo.MaxElapsedTime = u.retry.MaxElapsed

	var policy backoff.BackOff = bo
	if u.retry.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(bo, u.retry.MaxRetries)
	}

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := u.provider.Upload(ctx, localPath, remotePath)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, os.ErrNotExist) {
			return backoff.Permanent(err)
		}
		log.Warn("upload attempt failed",
			zap.String("provider", u.provider.Name()),
			zap.String("remote", remotePath),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, backoff.WithContext(policy, ctx))
}
