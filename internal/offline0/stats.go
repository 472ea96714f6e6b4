package offline0

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"
)

// statsCollector tracks the size of every response served from a generation
// or the network.
type statsCollector struct {
	served   atomic.Uint64
	bytes    atomic.Uint64
	minBytes atomic.Uint64
	maxBytes atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.served.Add(1)
	s.bytes.Add(v)

	for {
		cur := s.minBytes.Load()
		if v >= cur || s.minBytes.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if v <= cur || s.maxBytes.CompareAndSwap(cur, v) {
			break
		}
	}
}

type statsSnapshot struct {
	Served   uint64
	Bytes    uint64
	MinBytes uint64
	MaxBytes uint64
	AvgBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	n := s.served.Load()
	if n == 0 {
		return statsSnapshot{}
	}
	total := s.bytes.Load()
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Served:   n,
		Bytes:    total,
		MinBytes: minv,
		MaxBytes: s.maxBytes.Load(),
		AvgBytes: total / n,
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	ev := s.logger.Info().
		Uint64("served", ss.Served).
		Str("respMin", formatBytes(ss.MinBytes)).
		Str("respAvg", formatBytes(ss.AvgBytes)).
		Str("respMax", formatBytes(ss.MaxBytes))

	if g, ok := s.gens.Current(); ok {
		ev = ev.Str("generation", g.ID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if names, err := s.backend.Names(ctx); err == nil {
		ev = ev.Int("stores", len(names))
	}
	if rss, ok := processRSSBytes(); ok {
		ev = ev.Str("rss", formatBytes(rss))
	}
	if vals, ok := processSmapsRollupBytes(); ok {
		ev = ev.Str("smaps", formatSmapsRollup(vals))
	}
	ev.Msg("stats")
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	default:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
	}
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
