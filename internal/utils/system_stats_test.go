package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
)

func stubCollectors(t *testing.T, percent func(time.Duration, bool) ([]float64, error), vm func() (*mem.VirtualMemoryStat, error)) {
	t.Helper()
	origPercent, origVM := cpuPercent, virtualMem
	cpuPercent, virtualMem = percent, vm

	cpuUsageMutex.Lock()
	lastCPUTime = time.Time{}
	lastCPUUsage = 0
	cpuUsageMutex.Unlock()

	t.Cleanup(func() {
		cpuPercent, virtualMem = origPercent, origVM
		cpuUsageMutex.Lock()
		lastCPUTime = time.Time{}
		cpuUsageMutex.Unlock()
	})
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 Bytes", FormatBytes(512))
	assert.Equal(t, "1.50 KB", FormatBytes(1536))
	assert.Equal(t, "2.00 MB", FormatBytes(2*1024*1024))
	assert.Equal(t, "3.25 GB", FormatBytes(uint64(3.25*1024*1024*1024)))
}

func TestGetCPUUsageIsCached(t *testing.T) {
	calls := 0
	stubCollectors(t,
		func(time.Duration, bool) ([]float64, error) {
			calls++
			return []float64{42.5}, nil
		},
		func() (*mem.VirtualMemoryStat, error) { return &mem.VirtualMemoryStat{}, nil },
	)

	assert.Equal(t, 42.5, GetCPUUsage())
	assert.Equal(t, 42.5, GetCPUUsage())
	assert.Equal(t, 1, calls)
}

func TestGetCPUUsageError(t *testing.T) {
	stubCollectors(t,
		func(time.Duration, bool) ([]float64, error) { return nil, errors.New("no proc") },
		func() (*mem.VirtualMemoryStat, error) { return &mem.VirtualMemoryStat{}, nil },
	)
	assert.Equal(t, 0.0, GetCPUUsage())
}

func TestGetSystemStats(t *testing.T) {
	stubCollectors(t,
		func(time.Duration, bool) ([]float64, error) { return []float64{10}, nil },
		func() (*mem.VirtualMemoryStat, error) {
			return &mem.VirtualMemoryStat{Total: 1000, Used: 250, UsedPercent: 25}, nil
		},
	)

	stats := GetSystemStats()
	assert.Positive(t, stats.NumCPU)
	assert.Positive(t, stats.GoRoutines)
	assert.Equal(t, 10.0, stats.CPUUsage)
	assert.Equal(t, uint64(1000), stats.MemoryTotal)
	assert.Equal(t, uint64(250), stats.MemoryUsed)
	assert.Equal(t, 25.0, stats.MemoryUsedPercent)
	assert.NotZero(t, stats.MemorySys)
	assert.False(t, stats.Timestamp.IsZero())
}

func TestGetSystemStatsWithoutHostMemory(t *testing.T) {
	stubCollectors(t,
		func(time.Duration, bool) ([]float64, error) { return []float64{1}, nil },
		func() (*mem.VirtualMemoryStat, error) { return nil, errors.New("unsupported") },
	)

	stats := GetSystemStats()
	assert.Zero(t, stats.MemoryTotal)
	assert.NotZero(t, stats.MemorySys)
}
