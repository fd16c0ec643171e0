// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/tapline/pkg/protocol"
)

// Stats tracks self-monitoring counters for the agent.
type Stats struct {
	startTime time.Time

	EventsReceived atomic.Int64
	EventsDropped  atomic.Int64 // undecodable or unknown event kinds

	ParseSuccess       atomic.Int64
	ParseNeedsMore     atomic.Int64
	ParseInvalid       atomic.Int64
	MissingPredecessor atomic.Int64

	MessagesReconstructed atomic.Int64
	MessagesFiltered      atomic.Int64
	DecompressionFailures atomic.Int64
	FramesDecoded         atomic.Int64

	RecordsExported atomic.Int64
	RecordsDropped  atomic.Int64
	ConnsEvicted    atomic.Int64

	mu     sync.RWMutex
	gauges map[string]func() int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
		gauges:    make(map[string]func() int64),
	}
}

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// RecordParseState counts the outcome of one reconstruction step.
func (s *Stats) RecordParseState(state protocol.ParseState) {
	switch state {
	case protocol.StateSuccess:
		s.ParseSuccess.Add(1)
	case protocol.StateNeedsMoreData:
		s.ParseNeedsMore.Add(1)
	case protocol.StateInvalid:
		s.ParseInvalid.Add(1)
	case protocol.StateUnknown:
		s.MissingPredecessor.Add(1)
	}
}

// SetGauge registers a gauge sampled on every snapshot, such as the number
// of tracked connections. Registering a name twice replaces the function.
func (s *Stats) SetGauge(name string, fn func() int64) {
	s.mu.Lock()
	s.gauges[name] = fn
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds  float64
	Goroutines     int
	MemoryRSSBytes uint64

	EventsReceived        int64
	EventsDropped         int64
	ParseSuccess          int64
	ParseNeedsMore        int64
	ParseInvalid          int64
	MissingPredecessor    int64
	MessagesReconstructed int64
	MessagesFiltered      int64
	DecompressionFailures int64
	FramesDecoded         int64
	RecordsExported       int64
	RecordsDropped        int64
	ConnsEvicted          int64

	Gauges map[string]int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := Snapshot{
		UptimeSeconds:         s.Uptime().Seconds(),
		Goroutines:            runtime.NumGoroutine(),
		MemoryRSSBytes:        memStats.Sys,
		EventsReceived:        s.EventsReceived.Load(),
		EventsDropped:         s.EventsDropped.Load(),
		ParseSuccess:          s.ParseSuccess.Load(),
		ParseNeedsMore:        s.ParseNeedsMore.Load(),
		ParseInvalid:          s.ParseInvalid.Load(),
		MissingPredecessor:    s.MissingPredecessor.Load(),
		MessagesReconstructed: s.MessagesReconstructed.Load(),
		MessagesFiltered:      s.MessagesFiltered.Load(),
		DecompressionFailures: s.DecompressionFailures.Load(),
		FramesDecoded:         s.FramesDecoded.Load(),
		RecordsExported:       s.RecordsExported.Load(),
		RecordsDropped:        s.RecordsDropped.Load(),
		ConnsEvicted:          s.ConnsEvicted.Load(),
		Gauges:                make(map[string]int64),
	}

	s.mu.RLock()
	for name, fn := range s.gauges {
		snap.Gauges[name] = fn()
	}
	s.mu.RUnlock()

	return snap
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "tapline_agent_uptime_seconds", "gauge", "Agent uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "tapline_agent_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "tapline_agent_memory_rss_bytes", "gauge", "Memory usage in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "tapline_events_received_total", "counter", "Capture events received", float64(snap.EventsReceived))
	b = appendMetric(b, "tapline_events_dropped_total", "counter", "Capture events dropped before reconstruction", float64(snap.EventsDropped))

	b = appendHelp(b, "tapline_parse_results_total", "counter", "Reconstruction step outcomes")
	b = appendSample(b, `tapline_parse_results_total{state="success"}`, float64(snap.ParseSuccess))
	b = appendSample(b, `tapline_parse_results_total{state="needs_more_data"}`, float64(snap.ParseNeedsMore))
	b = appendSample(b, `tapline_parse_results_total{state="invalid"}`, float64(snap.ParseInvalid))
	b = appendSample(b, `tapline_parse_results_total{state="unknown"}`, float64(snap.MissingPredecessor))

	b = appendMetric(b, "tapline_messages_reconstructed_total", "counter", "Complete messages reconstructed", float64(snap.MessagesReconstructed))
	b = appendMetric(b, "tapline_messages_filtered_total", "counter", "Messages rejected by header filters", float64(snap.MessagesFiltered))
	b = appendMetric(b, "tapline_decompression_failures_total", "counter", "Bodies that failed to decompress", float64(snap.DecompressionFailures))
	b = appendMetric(b, "tapline_http2_frames_total", "counter", "HTTP/2 frames decoded", float64(snap.FramesDecoded))
	b = appendMetric(b, "tapline_records_exported_total", "counter", "Records flushed to sinks", float64(snap.RecordsExported))
	b = appendMetric(b, "tapline_records_dropped_total", "counter", "Records dropped by the export pipeline", float64(snap.RecordsDropped))
	b = appendMetric(b, "tapline_connections_evicted_total", "counter", "Idle connections evicted", float64(snap.ConnsEvicted))

	for _, name := range sortedKeys(snap.Gauges) {
		b = appendMetric(b, "tapline_"+name, "gauge", name, float64(snap.Gauges[name]))
	}
	return string(b)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func appendHelp(b []byte, name, typ, help string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	return b
}

func appendSample(b []byte, series string, value float64) []byte {
	b = append(b, series...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = appendHelp(b, name, typ, help)
	return appendSample(b, name, value)
}
