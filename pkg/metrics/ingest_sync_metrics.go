// Package metrics keeps in-process sync statistics with latency percentiles.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a sliding window of durations.
type LatencyTracker struct {
	mu         sync.Mutex
	samples    []int64 // microseconds
	maxSamples int
	sorted     bool
}

func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{
		samples:    make([]int64, 0, windowSize),
		maxSamples: windowSize,
	}
}

func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) >= lt.maxSamples {
		// Drop the oldest 10% at once to avoid shifting on every insert.
		removeCount := lt.maxSamples / 10
		if removeCount < 1 {
			removeCount = 1
		}
		lt.samples = append(lt.samples[:0], lt.samples[removeCount:]...)
	}

	lt.samples = append(lt.samples, d.Microseconds())
	lt.sorted = false
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	n := len(lt.samples)
	if n == 0 {
		return LatencyStats{}
	}
	// Sorting reorders the window; later evictions drop the smallest
	// samples rather than the oldest.
	if !lt.sorted {
		sort.Slice(lt.samples, func(i, j int) bool { return lt.samples[i] < lt.samples[j] })
		lt.sorted = true
	}

	var sum int64
	for _, v := range lt.samples {
		sum += v
	}
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return LatencyStats{
		Count: n,
		Min:   us(lt.samples[0]),
		Max:   us(lt.samples[n-1]),
		Avg:   us(sum / int64(n)),
		P50:   us(lt.percentile(0.50)),
		P95:   us(lt.percentile(0.95)),
		P99:   us(lt.percentile(0.99)),
	}
}

// percentile must be called with the lock held and samples sorted.
func (lt *LatencyTracker) percentile(p float64) int64 {
	idx := int(float64(len(lt.samples)-1) * p)
	return lt.samples[idx]
}

// SyncSample is the outcome of one connection sync.
type SyncSample struct {
	Provider   string
	Duration   time.Duration
	Fetched    int
	Created    int
	Duplicates int
	Dropped    int
	Failed     int
	// Err marks a sync that aborted before finishing.
	Err bool
}

// ProviderStats aggregates samples for one provider.
type ProviderStats struct {
	Runs       int64        `json:"runs"`
	Errors     int64        `json:"errors"`
	Fetched    int64        `json:"fetched"`
	Created    int64        `json:"created"`
	Duplicates int64        `json:"duplicates"`
	Dropped    int64        `json:"dropped"`
	Failed     int64        `json:"failed"`
	Latency    LatencyStats `json:"latency"`
	LastRunAt  time.Time    `json:"last_run_at"`
}

// SyncMetrics aggregates sync outcomes per provider. It is created in
// bootstrap and shared by the sync service and the health endpoint.
type SyncMetrics struct {
	mu         sync.Mutex
	windowSize int
	providers  map[string]*providerEntry
	now        func() time.Time
}

type providerEntry struct {
	stats   ProviderStats
	latency *LatencyTracker
}

func NewSyncMetrics(windowSize int) *SyncMetrics {
	return &SyncMetrics{
		windowSize: windowSize,
		providers:  make(map[string]*providerEntry),
		now:        time.Now,
	}
}

func (m *SyncMetrics) RecordSync(s SyncSample) {
	m.mu.Lock()
	e, ok := m.providers[s.Provider]
	if !ok {
		e = &providerEntry{latency: NewLatencyTracker(m.windowSize)}
		m.providers[s.Provider] = e
	}
	e.stats.Runs++
	if s.Err {
		e.stats.Errors++
	}
	e.stats.Fetched += int64(s.Fetched)
	e.stats.Created += int64(s.Created)
	e.stats.Duplicates += int64(s.Duplicates)
	e.stats.Dropped += int64(s.Dropped)
	e.stats.Failed += int64(s.Failed)
	e.stats.LastRunAt = m.now()
	m.mu.Unlock()

	if !s.Err {
		e.latency.Record(s.Duration)
	}
}

// Snapshot returns a copy of the per-provider stats.
func (m *SyncMetrics) Snapshot() map[string]ProviderStats {
	m.mu.Lock()
	entries := make(map[string]*providerEntry, len(m.providers))
	out := make(map[string]ProviderStats, len(m.providers))
	for k, e := range m.providers {
		entries[k] = e
		out[k] = e.stats
	}
	m.mu.Unlock()

	for k, e := range entries {
		s := out[k]
		s.Latency = e.latency.Stats()
		out[k] = s
	}
	return out
}
