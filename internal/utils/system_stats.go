package utils

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"
)

var (
	lastCPUTime        time.Time
	lastCPUUsage       float64
	cpuUsageMutex      sync.Mutex
	cpuUsageSampleRate = 500 * time.Millisecond

	// cpuPercent is swapped out by tests.
	cpuPercent = cpu.Percent
	virtualMem = mem.VirtualMemory
)

// SystemStats holds host and process statistics reported alongside
// predictions.
type SystemStats struct {
	NumCPU     int     `json:"num_cpu"`
	GoRoutines int     `json:"go_routines"`
	CPUUsage   float64 `json:"cpu_usage"`

	MemoryTotal       uint64  `json:"memory_total"`
	MemoryUsed        uint64  `json:"memory_used"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	MemoryAlloc       uint64  `json:"memory_alloc"`
	MemorySys         uint64  `json:"memory_sys"`

	Timestamp time.Time `json:"timestamp"`
}

// FormatBytes renders a byte count using KB, MB or GB.
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d Bytes", bytes)
	}
}

// GetCPUUsage returns the overall CPU usage in percent. Values sampled less
// than 500ms ago are served from cache.
func GetCPUUsage() float64 {
	cpuUsageMutex.Lock()
	defer cpuUsageMutex.Unlock()

	if time.Since(lastCPUTime) < cpuUsageSampleRate && lastCPUTime.Unix() > 0 {
		return lastCPUUsage
	}

	percentages, err := cpuPercent(200*time.Millisecond, false)
	if err != nil {
		log.Warnf("Error measuring CPU usage: %v", err)
		return 0.0
	}

	var usage float64
	if len(percentages) > 0 {
		usage = percentages[0]
	}

	lastCPUTime = time.Now()
	lastCPUUsage = usage

	return usage
}

// GetSystemStats collects the current host and process statistics.
func GetSystemStats() *SystemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := &SystemStats{
		NumCPU:      runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		CPUUsage:    GetCPUUsage(),
		MemoryAlloc: memStats.Alloc,
		MemorySys:   memStats.Sys,
		Timestamp:   time.Now(),
	}

	if vm, err := virtualMem(); err != nil {
		log.Debugf("Error reading host memory: %v", err)
	} else {
		stats.MemoryTotal = vm.Total
		stats.MemoryUsed = vm.Used
		stats.MemoryUsedPercent = vm.UsedPercent
	}

	return stats
}
