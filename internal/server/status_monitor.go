package server

import (
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStatus is the sampled process and host view served by
// GET /api/system/status.
type SystemStatus struct {
	Status        string    `json:"status"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Goroutines    int       `json:"goroutines"`
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
	MemoryUsedPct float64   `json:"memory_used_pct"`
	CPUUsedPct    float64   `json:"cpu_used_pct"`
	SampledAt     time.Time `json:"sampled_at"`
}

// StatusMonitor samples system stats on a schedule so the status endpoint
// answers instantly from the last sample instead of probing on every request.
type StatusMonitor struct {
	cron      *cron.Cron
	startedAt time.Time
	log       zerolog.Logger

	mu      sync.RWMutex
	current SystemStatus
}

// NewStatusMonitor creates a monitor; Start schedules the sampling.
func NewStatusMonitor(log zerolog.Logger) *StatusMonitor {
	return &StatusMonitor{
		cron:      cron.New(),
		startedAt: time.Now(),
		log:       log.With().Str("component", "status_monitor").Logger(),
	}
}

// Start takes an initial sample and schedules refreshes every 30 seconds.
func (m *StatusMonitor) Start() {
	m.sample()
	if _, err := m.cron.AddFunc("@every 30s", m.sample); err != nil {
		m.log.Error().Err(err).Msg("Failed to schedule status sampling")
		return
	}
	m.cron.Start()
}

// Stop halts the sampling schedule.
func (m *StatusMonitor) Stop() {
	m.cron.Stop()
}

// Current returns the latest sample.
func (m *StatusMonitor) Current() SystemStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *StatusMonitor) sample() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := SystemStatus{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(m.startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(memStats.HeapAlloc) / (1024 * 1024),
		SampledAt:     time.Now().UTC(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemoryUsedPct = vm.UsedPercent
	} else {
		m.log.Debug().Err(err).Msg("Memory sampling failed")
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status.CPUUsedPct = percents[0]
	} else if err != nil {
		m.log.Debug().Err(err).Msg("CPU sampling failed")
	}

	m.mu.Lock()
	m.current = status
	m.mu.Unlock()
}
