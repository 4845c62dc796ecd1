// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mbeema/ollytrace/pkg/config"
	"github.com/mbeema/ollytrace/pkg/traces"
)

// Exporter is the interface for record reporters.
type Exporter interface {
	ExportRecords(ctx context.Context, records []traces.Record) error
	Shutdown(ctx context.Context) error
}

// Source hands over the records collected since the previous call.
// Collector.Collect satisfies it.
type Source interface {
	Collect() []traces.Record
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []traces.Record

// Collect calls f.
func (f SourceFunc) Collect() []traces.Record { return f() }

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	defaultExportTimeout = 10 * time.Second

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0

	breakerThreshold = 5
	breakerReset     = 30 * time.Second
)

// Manager periodically drains a Source and hands the records to every
// exporter in batches. Each exporter sits behind its own circuit breaker,
// so one unreachable backend does not stall the others.
type Manager struct {
	logger    *zap.Logger
	clock     clockwork.Clock
	source    Source
	exporters []Exporter
	breakers  []*CircuitBreaker

	batchSize     int
	flushInterval time.Duration
	exportTimeout time.Duration

	exported  atomic.Int64
	dropped   atomic.Int64
	batches   atomic.Int64
	failures  atomic.Int64
	lastFlush atomic.Int64

	flushMu sync.Mutex
	wg      sync.WaitGroup
	stopCh  chan struct{}
	once    sync.Once
}

// ManagerConfig holds the configuration needed to create a Manager.
type ManagerConfig struct {
	Exporters *config.ExportersConfig
	Identity  Identity
	Clock     clockwork.Clock
}

// NewManager creates an export manager and the exporters enabled in cfg.
// An OTLP exporter that cannot be created is logged and skipped.
func NewManager(mc ManagerConfig, source Source, logger *zap.Logger) *Manager {
	m := newManager(source, mc.Clock, logger)
	cfg := mc.Exporters
	if cfg == nil {
		return m
	}
	if cfg.FlushInterval > 0 {
		m.flushInterval = cfg.FlushInterval
	}

	if cfg.OTLP.Enabled {
		var exp Exporter
		var err error
		if cfg.OTLP.Protocol == "http" {
			exp, err = NewHTTPOTLPExporter(&cfg.OTLP, mc.Identity, m.logger)
		} else {
			exp, err = NewOTLPExporter(&cfg.OTLP, mc.Identity, m.logger)
		}
		if err != nil {
			m.logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			m.addExporter(exp)
		}
		if cfg.OTLP.Timeout > 0 {
			m.exportTimeout = cfg.OTLP.Timeout
		}
	}

	if cfg.Stdout.Enabled {
		m.addExporter(NewStdoutExporter(cfg.Stdout.Format, m.logger))
	}

	return m
}

// NewManagerWithExporters creates a manager around already built exporters.
func NewManagerWithExporters(source Source, flushInterval time.Duration, clock clockwork.Clock, logger *zap.Logger, exporters ...Exporter) *Manager {
	m := newManager(source, clock, logger)
	if flushInterval > 0 {
		m.flushInterval = flushInterval
	}
	for _, exp := range exporters {
		m.addExporter(exp)
	}
	return m
}

func (m *Manager) addExporter(exp Exporter) {
	m.exporters = append(m.exporters, exp)
	m.breakers = append(m.breakers, newCircuitBreaker(breakerThreshold, breakerReset, m.clock))
}

func newManager(source Source, clock clockwork.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:        logger,
		clock:         clock,
		source:        source,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		exportTimeout: defaultExportTimeout,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the periodic flush goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.run(ctx)

	m.logger.Info("export manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)
	return nil
}

// Stop performs a final flush and shuts down the exporters. It is safe to
// call more than once.
func (m *Manager) Stop() error {
	m.once.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), m.exportTimeout)
		defer cancel()

		m.Flush(ctx)

		for _, exp := range m.exporters {
			if err := exp.Shutdown(ctx); err != nil {
				m.logger.Error("exporter shutdown error", zap.Error(err))
			}
		}

		m.logger.Info("export manager stopped",
			zap.Int64("records_exported", m.exported.Load()),
			zap.Int64("batches", m.batches.Load()),
			zap.Int64("dropped", m.dropped.Load()),
		)
	})
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.Flush(ctx)
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

// Flush drains the source once and exports what it held. It returns the
// number of records drained.
func (m *Manager) Flush(ctx context.Context) int {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	records := m.source.Collect()
	m.lastFlush.Store(m.clock.Now().UnixNano())
	if len(records) == 0 {
		return 0
	}

	for start := 0; start < len(records); start += m.batchSize {
		end := start + m.batchSize
		if end > len(records) {
			end = len(records)
		}
		m.exportBatch(ctx, records[start:end])
	}

	m.logger.Debug("records flushed", zap.Int("count", len(records)))
	return len(records)
}

func (m *Manager) exportBatch(ctx context.Context, batch []traces.Record) {
	m.batches.Inc()
	if len(m.exporters) == 0 {
		m.dropped.Add(int64(len(batch)))
		return
	}

	ok := true
	for i, exp := range m.exporters {
		if !m.retryExport(ctx, m.breakers[i], batch, exp.ExportRecords) {
			ok = false
		}
	}
	if ok {
		m.exported.Add(int64(len(batch)))
	} else {
		m.dropped.Add(int64(len(batch)))
	}
}

// retryExport sends one batch through a single exporter with exponential
// backoff, gated by that exporter's breaker. It reports whether the batch
// was eventually accepted.
func (m *Manager) retryExport(ctx context.Context, cb *CircuitBreaker, batch []traces.Record, exportFn func(context.Context, []traces.Record) error) bool {
	if !cb.Admit(len(batch)) {
		m.logger.Debug("circuit breaker open, shedding batch", zap.Int("records", len(batch)))
		return false
	}

	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, m.exportTimeout)
		err := exportFn(exportCtx, batch)
		cancel()
		cb.Done(err)

		if err == nil {
			return true
		}

		m.failures.Inc()

		if attempt == maxRetries || cb.Tripped() {
			m.logger.Error("export failed after retries",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return false
		}

		m.logger.Warn("export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-m.clock.After(backoff):
		case <-ctx.Done():
			return false
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
	return false
}

// Stats is a snapshot of export counters.
type Stats struct {
	Exported  int64
	Dropped   int64
	Batches   int64
	Failures  int64
	Exporters int
	Circuit   CircuitState // worst state across the exporters' breakers
	Shed      int64        // records refused by open breakers
	LastFlush time.Time
}

// Stats returns current export statistics.
func (m *Manager) Stats() Stats {
	s := Stats{
		Exported:  m.exported.Load(),
		Dropped:   m.dropped.Load(),
		Batches:   m.batches.Load(),
		Failures:  m.failures.Load(),
		Exporters: len(m.exporters),
		Circuit:   worstState(m.breakers),
	}
	for _, cb := range m.breakers {
		s.Shed += cb.Shed()
	}
	if ns := m.lastFlush.Load(); ns > 0 {
		s.LastFlush = time.Unix(0, ns)
	}
	return s
}
