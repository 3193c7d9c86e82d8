package conversion

import "sync/atomic"

// Metrics counts engine activity since startup.
type Metrics struct {
	started     atomic.Int64
	joined      atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	invocations atomic.Int64
	shared      atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	ActiveConversions     int     `json:"active_conversions"`
	ConversionsStarted    int64   `json:"conversions_started"`
	ConversionsJoined     int64   `json:"conversions_joined"`
	ConversionsSucceeded  int64   `json:"conversions_succeeded"`
	ConversionsFailed     int64   `json:"conversions_failed"`
	CacheHits             int64   `json:"cache_hits"`
	CacheMisses           int64   `json:"cache_misses"`
	CacheHitRate          float64 `json:"cache_hit_rate"`
	RasterizerInvocations int64   `json:"rasterizer_invocations"`
	SharedRenders         int64   `json:"shared_renders"`
}

func (m *Metrics) snapshot(active int) MetricsSnapshot {
	s := MetricsSnapshot{
		ActiveConversions:     active,
		ConversionsStarted:    m.started.Load(),
		ConversionsJoined:     m.joined.Load(),
		ConversionsSucceeded:  m.succeeded.Load(),
		ConversionsFailed:     m.failed.Load(),
		CacheHits:             m.cacheHits.Load(),
		CacheMisses:           m.cacheMisses.Load(),
		RasterizerInvocations: m.invocations.Load(),
		SharedRenders:         m.shared.Load(),
	}
	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(lookups)
	}
	return s
}
