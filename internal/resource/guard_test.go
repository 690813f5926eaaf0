package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/recorder/internal/capture"
)

const mb = 1024 * 1024

func fakeGuard(limits Limits, freeMB uint64, memPct float64, diskErr error) *Guard {
	g := NewGuard("/recordings", limits)
	g.diskUsage = func(context.Context, string) (*disk.UsageStat, error) {
		if diskErr != nil {
			return nil, diskErr
		}
		return &disk.UsageStat{Free: freeMB * mb, UsedPercent: 50}, nil
	}
	g.vmem = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: memPct}, nil
	}
	return g
}

func TestGuardCheck(t *testing.T) {
	tests := []struct {
		name      string
		limits    Limits
		freeMB    uint64
		memPct    float64
		diskErr   error
		exhausted bool
	}{
		{name: "plenty", limits: Limits{MinFreeDiskMB: 500, MaxMemoryPercent: 95}, freeMB: 10000, memPct: 40},
		{name: "low disk", limits: Limits{MinFreeDiskMB: 500}, freeMB: 100, exhausted: true},
		{name: "high memory", limits: Limits{MaxMemoryPercent: 90}, freeMB: 10000, memPct: 97.5, exhausted: true},
		{name: "disabled", limits: Limits{}, freeMB: 1, memPct: 99},
		{name: "unreadable disk", limits: Limits{MinFreeDiskMB: 500}, diskErr: errors.New("no such device")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fakeGuard(tt.limits, tt.freeMB, tt.memPct, tt.diskErr).Check(context.Background())
			if tt.exhausted {
				require.ErrorIs(t, err, capture.ErrResourceExhausted)
				assert.Equal(t, capture.KindResourceExhausted, capture.KindOf(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestGuardWarnsOnce(t *testing.T) {
	g := fakeGuard(Limits{WarnFreeDiskMB: 1000}, 200, 10, nil)
	require.NoError(t, g.Check(context.Background()))
	assert.True(t, g.warned)
	require.NoError(t, g.Check(context.Background()))
}

func TestGuardRead(t *testing.T) {
	u := fakeGuard(Limits{}, 2048, 33, nil).Read(context.Background())
	assert.EqualValues(t, 2048, u.FreeDiskMB)
	assert.Equal(t, 50.0, u.DiskPercent)
	assert.Equal(t, 33.0, u.MemoryPercent)
}
