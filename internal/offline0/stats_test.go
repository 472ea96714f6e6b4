package offline0

import (
	"sync"
	"testing"
)

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	if got := s.Snapshot(); got != (statsSnapshot{}) {
		t.Errorf("empty snapshot = %+v", got)
	}

	var wg sync.WaitGroup
	for _, n := range []int{10, 2000, 30, -5} {
		wg.Go(func() { s.Observe(n) })
	}
	wg.Wait()

	got := s.Snapshot()
	want := statsSnapshot{Served: 4, Bytes: 2040, MinBytes: 0, MaxBytes: 2000, AvgBytes: 510}
	if got != want {
		t.Errorf("Snapshot = %+v, want %+v", got, want)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0b"},
		{1023, "1023b"},
		{1024, "1kb"},
		{1536, "1.5kb"},
		{5 << 20, "5mb"},
		{3 << 30, "3gb"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
