package metrics

import (
	"testing"
	"time"
)

func TestLatencyTracker_Stats(t *testing.T) {
	lt := NewLatencyTracker(100)
	for i := 1; i <= 100; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}

	s := lt.Stats()
	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"min", s.Min, time.Millisecond},
		{"max", s.Max, 100 * time.Millisecond},
		{"p50", s.P50, 50 * time.Millisecond},
		{"p99", s.P99, 99 * time.Millisecond},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if s.Count != 100 {
		t.Errorf("Count = %d, want 100", s.Count)
	}
}

func TestLatencyTracker_Window(t *testing.T) {
	lt := NewLatencyTracker(10)
	for i := 0; i < 25; i++ {
		lt.Record(time.Millisecond)
	}
	if got := lt.Stats().Count; got > 10 {
		t.Errorf("Count = %d, want <= 10", got)
	}
	if got := NewLatencyTracker(5).Stats(); got.Count != 0 {
		t.Errorf("empty Stats() = %+v", got)
	}
}

func TestSyncMetrics(t *testing.T) {
	m := NewSyncMetrics(10)
	m.RecordSync(SyncSample{Provider: "google", Duration: time.Second, Fetched: 5, Created: 3, Duplicates: 2})
	m.RecordSync(SyncSample{Provider: "google", Err: true})
	m.RecordSync(SyncSample{Provider: "microsoft", Duration: 2 * time.Second, Fetched: 1, Dropped: 1})

	snap := m.Snapshot()
	g := snap["google"]
	if g.Runs != 2 || g.Errors != 1 || g.Created != 3 || g.Duplicates != 2 {
		t.Errorf("google = %+v", g)
	}
	if g.Latency.Count != 1 || g.Latency.Max != time.Second {
		t.Errorf("google latency = %+v, want one 1s sample", g.Latency)
	}
	if ms := snap["microsoft"]; ms.Dropped != 1 || ms.Runs != 1 {
		t.Errorf("microsoft = %+v", ms)
	}
}
