package storage

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spherical/drawing-ingest/internal/observability"
)

// DiskStatus is the latest disk sample.
type DiskStatus struct {
	Path        string    `json:"path"`
	UsedPercent float64   `json:"used_percent"`
	FreeBytes   uint64    `json:"free_bytes"`
	Threshold   float64   `json:"threshold"`
	Degraded    bool      `json:"degraded"`
	CheckedAt   time.Time `json:"checked_at"`
	Error       string    `json:"error,omitempty"`
}

// UsageFunc samples disk usage for the filesystem holding path.
type UsageFunc func(ctx context.Context, path string) (usedPercent float64, free uint64, err error)

// DiskMonitor samples disk usage against an alert threshold. It only reports; it never
// throttles callers.
type DiskMonitor struct {
	path      string
	threshold float64
	usage     UsageFunc
	logger    *observability.Logger
	now       func() time.Time

	mu   sync.RWMutex
	last DiskStatus
}

// NewDiskMonitor creates a gopsutil-backed monitor. threshold is a used percentage.
func NewDiskMonitor(path string, threshold float64, logger *observability.Logger) *DiskMonitor {
	if threshold <= 0 || threshold > 100 {
		threshold = 85
	}
	return &DiskMonitor{
		path:      path,
		threshold: threshold,
		usage:     gopsutilUsage,
		logger:    logger,
		now:       time.Now,
		last:      DiskStatus{Path: path, Threshold: threshold},
	}
}

// WithUsageFunc replaces the sampler.
func (m *DiskMonitor) WithUsageFunc(f UsageFunc) *DiskMonitor {
	m.usage = f
	return m
}

func gopsutilUsage(ctx context.Context, path string) (float64, uint64, error) {
	stat, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	return stat.UsedPercent, stat.Free, nil
}

// Check takes a sample and logs on every transition into or out of the degraded state.
func (m *DiskMonitor) Check(ctx context.Context) DiskStatus {
	status := DiskStatus{Path: m.path, Threshold: m.threshold, CheckedAt: m.now()}

	used, free, err := m.usage(ctx, m.path)
	if err != nil {
		status.Error = err.Error()
		m.logger.Warn().Err(err).Str("path", m.path).Msg("Disk usage sample failed")
	} else {
		status.UsedPercent = used
		status.FreeBytes = free
		status.Degraded = used >= m.threshold
	}

	m.mu.Lock()
	// A failed sample keeps the previous verdict.
	if err != nil {
		status.Degraded = m.last.Degraded
	}
	previous := m.last.Degraded
	m.last = status
	m.mu.Unlock()

	switch {
	case status.Degraded && !previous:
		m.logger.Warn().
			Float64("used_percent", status.UsedPercent).
			Float64("threshold", m.threshold).
			Msg("Disk usage above alert threshold")
	case !status.Degraded && previous:
		m.logger.Info().
			Float64("used_percent", status.UsedPercent).
			Msg("Disk usage recovered")
	}

	return status
}

// Status returns the latest sample without taking a new one.
func (m *DiskMonitor) Status() DiskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Degraded reports the latest verdict.
func (m *DiskMonitor) Degraded() bool {
	return m.Status().Degraded
}
