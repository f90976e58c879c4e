package ffmpeg

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats contains resource usage statistics for an FFmpeg process.
type ProcessStats struct {
	PID            int           `json:"pid"`
	CPUPercent     float64       `json:"cpu_percent"` // percentage of one core, may exceed 100
	PeakCPUPercent float64       `json:"peak_cpu_percent"`
	MemoryRSSBytes uint64        `json:"memory_rss_bytes"`
	PeakRSSBytes   uint64        `json:"peak_rss_bytes"`
	Samples        int           `json:"samples"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	LastUpdated    time.Time     `json:"last_updated"`
}

// ProcessMonitor samples CPU and memory usage of a running process.
type ProcessMonitor struct {
	pid       int
	startedAt time.Time
	interval  time.Duration

	mu      sync.RWMutex
	stats   ProcessStats
	running bool
	proc    *process.Process

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a monitor for pid sampling every interval.
func NewProcessMonitor(pid int, interval time.Duration) *ProcessMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if interval <= 0 {
		interval = time.Second
	}
	return &ProcessMonitor{
		pid:       pid,
		startedAt: time.Now(),
		interval:  interval,
		stats:     ProcessStats{PID: pid},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins monitoring the process.
func (pm *ProcessMonitor) Start() {
	pm.mu.Lock()
	if pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = true
	pm.mu.Unlock()

	pm.wg.Add(1)
	go pm.monitorLoop()
}

// Stop stops monitoring the process. It is safe to call more than once.
func (pm *ProcessMonitor) Stop() {
	pm.cancel()
	pm.wg.Wait()

	pm.mu.Lock()
	pm.running = false
	pm.mu.Unlock()
}

// Stats returns the current process statistics.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.stats
}

func (pm *ProcessMonitor) monitorLoop() {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	pm.sample()

	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.sample()
		}
	}
}

// sample takes a snapshot of process statistics. A process that has already exited
// leaves the previous snapshot in place.
func (pm *ProcessMonitor) sample() {
	now := time.Now()

	if pm.proc == nil {
		proc, err := process.NewProcessWithContext(pm.ctx, int32(pm.pid)) //nolint:gosec // pid fits in int32
		if err != nil {
			return
		}
		pm.proc = proc
	}

	// The first call primes the CPU baseline and reports zero.
	cpu, cpuErr := pm.proc.PercentWithContext(pm.ctx, 0)
	mem, memErr := pm.proc.MemoryInfoWithContext(pm.ctx)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.stats.StartedAt = pm.startedAt
	pm.stats.Duration = now.Sub(pm.startedAt)
	pm.stats.LastUpdated = now
	pm.stats.Samples++

	if cpuErr == nil {
		pm.stats.CPUPercent = cpu
		pm.stats.PeakCPUPercent = max(pm.stats.PeakCPUPercent, cpu)
	}
	if memErr == nil && mem != nil {
		pm.stats.MemoryRSSBytes = mem.RSS
		pm.stats.PeakRSSBytes = max(pm.stats.PeakRSSBytes, mem.RSS)
	}
}
