// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/atomic"

	"github.com/mbeema/ollytrace/pkg/collector"
	"github.com/mbeema/ollytrace/pkg/export"
	"github.com/mbeema/ollytrace/pkg/servicemap"
)

// Stats gathers self-monitoring numbers from the collector, the export
// manager and the agent process itself.
type Stats struct {
	startTime time.Time

	mu        sync.RWMutex
	collector func() collector.Stats
	export    func() export.Stats
	services  *servicemap.Generator
	proc      *process.Process

	Reloads        atomic.Int64
	ReloadFailures atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	s := &Stats{startTime: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	return s
}

// SetCollector registers the collector snapshot source.
func (s *Stats) SetCollector(fn func() collector.Stats) {
	s.mu.Lock()
	s.collector = fn
	s.mu.Unlock()
}

// SetExport registers the export snapshot source.
func (s *Stats) SetExport(fn func() export.Stats) {
	s.mu.Lock()
	s.export = fn
	s.mu.Unlock()
}

// SetServiceMap registers the dependency graph served at /servicemap.
func (s *Stats) SetServiceMap(g *servicemap.Generator) {
	s.mu.Lock()
	s.services = g
	s.mu.Unlock()
}

// ServiceMap returns the registered graph, or nil.
func (s *Stats) ServiceMap() *servicemap.Generator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services
}

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of every exposed number.
type Snapshot struct {
	UptimeSeconds  float64
	Goroutines     int
	MemoryRSSBytes uint64
	CPUPercent     float64
	Reloads        int64
	ReloadFailures int64
	ServiceEdges   int
	Collector      collector.Stats
	Export         export.Stats
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds:  s.Uptime().Seconds(),
		Goroutines:     runtime.NumGoroutine(),
		Reloads:        s.Reloads.Load(),
		ReloadFailures: s.ReloadFailures.Load(),
	}
	s.processStats(&snap)

	s.mu.RLock()
	collectorFn, exportFn, services := s.collector, s.export, s.services
	s.mu.RUnlock()

	if services != nil {
		snap.ServiceEdges = services.EdgeCount()
	}
	if collectorFn != nil {
		snap.Collector = collectorFn()
	}
	if exportFn != nil {
		snap.Export = exportFn()
	}
	return snap
}

// processStats fills RSS and CPU from the OS, falling back to the Go
// runtime's view of memory when the process table is unavailable.
func (s *Stats) processStats(snap *Snapshot) {
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			snap.MemoryRSSBytes = mem.RSS
		}
		if pct, err := s.proc.CPUPercent(); err == nil {
			snap.CPUPercent = pct
		}
	}
	if snap.MemoryRSSBytes == 0 {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		snap.MemoryRSSBytes = memStats.Sys
	}
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

func prometheusFormat(snap Snapshot) string {
	c, e := snap.Collector, snap.Export
	circuitOpen := 0.0
	if e.Circuit == export.CircuitOpen {
		circuitOpen = 1
	}

	var b []byte
	b = appendMetric(b, "ollytrace_uptime_seconds", "gauge", "Agent uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "ollytrace_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "ollytrace_process_rss_bytes", "gauge", "Resident memory of the agent process", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "ollytrace_process_cpu_percent", "gauge", "CPU usage of the agent process", snap.CPUPercent)
	b = appendMetric(b, "ollytrace_config_reloads_total", "counter", "Configuration reloads applied", float64(snap.Reloads))
	b = appendMetric(b, "ollytrace_config_reload_failures_total", "counter", "Configuration reloads rejected", float64(snap.ReloadFailures))

	b = appendMetric(b, "ollytrace_servicemap_edges", "gauge", "Downstream dependencies in the service map", float64(snap.ServiceEdges))

	b = appendMetric(b, "ollytrace_open_transactions", "gauge", "Transactions with open calls", float64(c.OpenTransactions))
	b = appendMetric(b, "ollytrace_pending_calls", "gauge", "Calls awaiting their second phase", float64(c.PendingCalls))
	b = appendMetric(b, "ollytrace_transactions_flushed_total", "counter", "Transactions flushed to the sampler", float64(c.FlushedTransactions))
	b = appendMetric(b, "ollytrace_transactions_discarded_total", "counter", "Transactions discarded below the collect threshold", float64(c.DiscardedTransactions))
	b = appendMetric(b, "ollytrace_transactions_evicted_total", "counter", "Stale transactions evicted by the janitor", float64(c.EvictedTransactions))
	b = appendMetric(b, "ollytrace_client_calls_expired_total", "counter", "Client calls released by lock expiry", float64(c.ExpiredClientCalls))
	b = appendMetric(b, "ollytrace_user_errors_total", "counter", "User error records", float64(c.UserErrors))
	b = appendMetric(b, "ollytrace_system_errors_total", "counter", "System error records", float64(c.SystemErrors))
	b = appendMetric(b, "ollytrace_network_errors_total", "counter", "Network error records", float64(c.NetworkErrors))
	b = appendMetric(b, "ollytrace_missing_client_context_total", "counter", "Network errors reported without a client context", float64(c.MissingClientContexts))

	b = appendMetric(b, "ollytrace_reservoir_size", "gauge", "Records waiting in the sampler", float64(c.ReservoirSize))
	b = appendMetric(b, "ollytrace_reservoir_capacity", "gauge", "Sampler capacity", float64(c.ReservoirLimit))
	b = appendMetric(b, "ollytrace_records_sampled_total", "counter", "Records offered to the sampler", float64(c.RecordsSampled))
	b = appendMetric(b, "ollytrace_records_sampler_dropped_total", "counter", "Records evicted or refused by the sampler", float64(c.RecordsDropped))
	b = appendMetric(b, "ollytrace_records_collected_total", "counter", "Records drained from the sampler", float64(c.RecordsCollected))

	b = appendMetric(b, "ollytrace_records_exported_total", "counter", "Records delivered to every exporter", float64(e.Exported))
	b = appendMetric(b, "ollytrace_records_export_dropped_total", "counter", "Records lost to failed exports", float64(e.Dropped))
	b = appendMetric(b, "ollytrace_export_batches_total", "counter", "Export batches attempted", float64(e.Batches))
	b = appendMetric(b, "ollytrace_export_failures_total", "counter", "Failed export attempts", float64(e.Failures))
	b = appendMetric(b, "ollytrace_export_circuit_open", "gauge", "1 while any exporter's circuit breaker is open", circuitOpen)
	b = appendMetric(b, "ollytrace_records_export_shed_total", "counter", "Records refused by an open circuit breaker", float64(e.Shed))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
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
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}
