package segwriter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DirDestination creates one file per segment inside Dir. Existing files are
// never overwritten.
type DirDestination struct {
	Dir string
}

// NewDirDestination creates a DirDestination rooted at dir.
func NewDirDestination(dir string) *DirDestination {
	return &DirDestination{Dir: filepath.Clean(dir)}
}

// Create opens Dir/name for exclusive writing.
func (d *DirDestination) Create(ctx context.Context, name string) (Target, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if d.Dir == "" {
		return nil, "", fmt.Errorf("%w: output directory is required", ErrDestinationUnavailable)
	}
	if name == "" {
		return nil, "", fmt.Errorf("%w: segment name is required", ErrDestinationUnavailable)
	}

	path, err := containedPath(d.Dir, name)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDestinationUnavailable, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", fmt.Errorf("%w: failed to create output directory: %w", ErrDestinationUnavailable, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDestinationUnavailable, err)
	}
	return f, path, nil
}

// Remove deletes a file previously handed out by Create.
func (d *DirDestination) Remove(location string) error {
	path, err := containedPath(d.Dir, filepath.Base(location))
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove segment file: %w", err)
	}
	return nil
}

// containedPath resolves name under base and rejects anything that escapes it.
func containedPath(base, name string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	absJoined, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(name)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("segment name %q resolves outside %q", name, absBase)
	}
	return absJoined, nil
}

// SegmentName builds "<prefix>-<timestamp>-part<N>.<ext>". The timestamp is
// the session start so all parts of a session sort together.
func SegmentName(prefix string, startedAt time.Time, index int, ext string) string {
	if prefix == "" {
		prefix = "recording"
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "webm"
	}
	ts := startedAt.UTC().Format("2006-01-02T15-04-05Z")
	return fmt.Sprintf("%s-%s-part%d.%s", prefix, ts, index, ext)
}
