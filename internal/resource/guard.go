// Package resource checks host disk and memory headroom while a session
// records.
package resource

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/logging"
)

var log = logging.L("resource")

var _ capture.ResourceGuard = (*Guard)(nil)

// Limits are the thresholds that end a session. Zero disables a check.
type Limits struct {
	MinFreeDiskMB    uint64  `mapstructure:"min_free_disk_mb"`
	MaxMemoryPercent float64 `mapstructure:"max_memory_percent"`
	// WarnFreeDiskMB logs a warning once free space drops below it.
	WarnFreeDiskMB uint64 `mapstructure:"warn_free_disk_mb"`
}

// Usage is a point-in-time reading.
type Usage struct {
	FreeDiskMB    uint64
	DiskPercent   float64
	MemoryPercent float64
}

// Guard implements capture.ResourceGuard on gopsutil readings for the
// filesystem holding the output directory.
type Guard struct {
	path   string
	limits Limits
	warned bool

	diskUsage func(ctx context.Context, path string) (*disk.UsageStat, error)
	vmem      func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// NewGuard creates a Guard watching the filesystem that contains path.
func NewGuard(path string, limits Limits) *Guard {
	return &Guard{
		path:      path,
		limits:    limits,
		diskUsage: disk.UsageWithContext,
		vmem:      mem.VirtualMemoryWithContext,
	}
}

// Read samples current usage. A failed reading leaves its fields zero.
func (g *Guard) Read(ctx context.Context) Usage {
	var u Usage
	if du, err := g.diskUsage(ctx, g.path); err == nil {
		u.FreeDiskMB = du.Free / 1024 / 1024
		u.DiskPercent = du.UsedPercent
	} else {
		log.Debug("disk usage unavailable", zap.String("path", g.path), zap.Error(err))
	}
	if vm, err := g.vmem(ctx); err == nil {
		u.MemoryPercent = vm.UsedPercent
	} else {
		log.Debug("memory usage unavailable", zap.Error(err))
	}
	return u
}

// Check returns an error wrapping capture.ErrResourceExhausted when a limit
// is crossed. Readings that cannot be taken are not treated as exhaustion.
func (g *Guard) Check(ctx context.Context) error {
	if g.limits.MinFreeDiskMB > 0 || g.limits.WarnFreeDiskMB > 0 {
		du, err := g.diskUsage(ctx, g.path)
		if err == nil {
			freeMB := du.Free / 1024 / 1024
			if g.limits.MinFreeDiskMB > 0 && freeMB < g.limits.MinFreeDiskMB {
				return fmt.Errorf("%w: %d MB free on %s, minimum %d MB",
					capture.ErrResourceExhausted, freeMB, g.path, g.limits.MinFreeDiskMB)
			}
			if g.limits.WarnFreeDiskMB > 0 && freeMB < g.limits.WarnFreeDiskMB && !g.warned {
				g.warned = true
				log.Warn("free disk space is low", zap.String("path", g.path), zap.Uint64("freeMb", freeMB))
			}
		} else {
			log.Debug("disk usage unavailable", zap.String("path", g.path), zap.Error(err))
		}
	}
	if g.limits.MaxMemoryPercent > 0 {
		vm, err := g.vmem(ctx)
		if err == nil && vm.UsedPercent > g.limits.MaxMemoryPercent {
			return fmt.Errorf("%w: memory %.1f%% used, maximum %.1f%%",
				capture.ErrResourceExhausted, vm.UsedPercent, g.limits.MaxMemoryPercent)
		}
	}
	return nil
}
