// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mbeema/ollytrace/pkg/collector"
	"github.com/mbeema/ollytrace/pkg/config"
	"github.com/mbeema/ollytrace/pkg/discovery"
	"github.com/mbeema/ollytrace/pkg/export"
	"github.com/mbeema/ollytrace/pkg/health"
	"github.com/mbeema/ollytrace/pkg/servicemap"
	"github.com/mbeema/ollytrace/pkg/traces"
)

// Agent wires the trace engine for one service. The collector decides what
// to report and the janitor watches for transactions that never close. The
// export manager drains the sampler, feeding the service map on the way.
type Agent struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger

	version   string
	service   string
	clock     clockwork.Clock
	exporters []export.Exporter

	collector    *collector.Collector
	janitor      *collector.Janitor
	exporter     *export.Manager
	serviceMap   *servicemap.Generator
	healthServer *health.Server
	healthStats  *health.Stats

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// Option customises an Agent.
type Option func(*Agent)

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(a *Agent) { a.version = v }
}

// WithClock replaces the wall clock used by the collector and exporter.
func WithClock(c clockwork.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

// WithExporters replaces the exporters built from the exporters section.
func WithExporters(exps ...export.Exporter) Option {
	return func(a *Agent) { a.exporters = exps }
}

// New builds an agent from a validated configuration.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Agent{logger: logger, version: "dev"}
	for _, opt := range opts {
		opt(a)
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	a.cfg.Store(cfg)
	a.service = discovery.NewDiscoverer(nil, logger.Named("discovery")).Discover(cfg.ServiceName).Name

	copts, err := collectorOptions(cfg)
	if err != nil {
		return nil, err
	}
	copts.Clock = a.clock
	a.collector = collector.New(copts, logger.Named("collector"))

	if a.janitor, err = newJanitor(a.collector, cfg, logger); err != nil {
		return nil, err
	}

	a.serviceMap = servicemap.NewGenerator(a.service, servicemap.DefaultMaxAge, a.clock, logger.Named("servicemap"))
	source := export.SourceFunc(a.drain)

	if a.exporters != nil {
		a.exporter = export.NewManagerWithExporters(source, cfg.Exporters.FlushInterval, a.clock, logger.Named("export"), a.exporters...)
	} else {
		a.exporter = export.NewManager(export.ManagerConfig{
			Exporters: &cfg.Exporters,
			Identity: export.Identity{
				ServiceName:    a.service,
				ServiceVersion: cfg.ServiceVersion,
				DeploymentEnv:  cfg.DeploymentEnv,
			},
			Clock: a.clock,
		}, source, logger.Named("export"))
	}

	a.healthStats = health.NewStats()
	a.healthStats.SetCollector(a.collector.Stats)
	a.healthStats.SetExport(a.exporter.Stats)
	a.healthStats.SetServiceMap(a.serviceMap)
	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, a.version, a.healthStats, logger)
	}

	return a, nil
}

// drain empties the sampler for the export manager.
func (a *Agent) drain() []traces.Record {
	records := a.collector.Collect()
	a.serviceMap.Observe(records)
	return records
}

// collectorOptions maps the tracer and redaction sections onto collector options.
func collectorOptions(cfg *config.Config) (collector.Options, error) {
	collect, def, err := cfg.Tracer.Severities()
	if err != nil {
		return collector.Options{}, err
	}
	redactor, err := cfg.Redaction.Redactor()
	if err != nil {
		return collector.Options{}, err
	}

	opts := collector.DefaultOptions()
	opts.ServiceKey = cfg.Tracer.ServiceKey
	opts.CollectSeverity = collect
	opts.DefaultSeverity = def
	opts.SamplerLimit = cfg.Tracer.SamplerLimit
	opts.LockExpiry = cfg.Tracer.LockExpiry
	opts.NoStack = cfg.Tracer.NoStack
	opts.Redactor = redactor
	return opts, nil
}

// newJanitor returns nil when the correlation section disables sweeping.
func newJanitor(c *collector.Collector, cfg *config.Config, logger *zap.Logger) (*collector.Janitor, error) {
	corr := cfg.Correlation
	if corr.JanitorSchedule == "" {
		return nil, nil
	}
	return collector.NewJanitor(c, corr.JanitorSchedule, corr.StaleAfter, corr.EvictStale, logger.Named("janitor"))
}

// ServiceName returns the resolved name the agent reports as.
func (a *Agent) ServiceName() string {
	return a.service
}

// Collector returns the collector instrumentation should report to.
func (a *Agent) Collector() *collector.Collector {
	return a.collector
}

// Config returns the configuration currently in effect.
func (a *Agent) Config() *config.Config {
	return a.cfg.Load()
}

// ServiceMap returns the dependency graph built from exported records.
func (a *Agent) ServiceMap() *servicemap.Generator {
	return a.serviceMap
}

// Stats returns the self-monitoring counters.
func (a *Agent) Stats() *health.Stats {
	return a.healthStats
}

// Start begins exporting, sweeping and serving health endpoints.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("agent already started")
	}
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.exporter.Start(ctx); err != nil {
		a.cancel()
		return fmt.Errorf("start export manager: %w", err)
	}
	if a.janitor != nil {
		a.janitor.Start()
	}
	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			a.logger.Warn("health server failed to start", zap.Error(err))
		} else {
			a.healthServer.SetReady(true)
		}
	}
	a.running = true

	cfg := a.cfg.Load()
	a.logger.Info("agent started",
		zap.String("service", a.service),
		zap.Int64("service_key", cfg.Tracer.ServiceKey),
		zap.String("collect_severity", a.collector.CollectThreshold().String()),
		zap.Int("sampler_limit", cfg.Tracer.SamplerLimit),
	)
	return nil
}

// Stop shuts the agent down. Records already in the sampler are flushed;
// transactions still open are lost.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	a.running = false

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
		a.healthServer.Stop()
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.exporter.Stop()

	cs, es := a.collector.Stats(), a.exporter.Stats()
	a.logger.Info("agent stopped",
		zap.Int64("records_exported", es.Exported),
		zap.Int64("records_dropped", es.Dropped+cs.RecordsDropped),
		zap.Int64("transactions_flushed", cs.FlushedTransactions),
		zap.Int64("transactions_discarded", cs.DiscardedTransactions),
		zap.Int("open_transactions", cs.OpenTransactions),
	)
	return nil
}

// Reload applies a new configuration to the running collector without
// dropping open transactions. Severities, stack capture, redaction, sampler
// capacity and the janitor change in place; other sections need a restart.
func (a *Agent) Reload(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.reload(cfg); err != nil {
		a.healthStats.ReloadFailures.Inc()
		a.logger.Error("configuration reload rejected", zap.Error(err))
		return err
	}
	a.healthStats.Reloads.Inc()
	return nil
}

func (a *Agent) reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	opts, err := collectorOptions(cfg)
	if err != nil {
		return err
	}

	oldCfg := a.cfg.Load()
	if cfg.Correlation != oldCfg.Correlation {
		janitor, err := newJanitor(a.collector, cfg, a.logger)
		if err != nil {
			return err
		}
		if a.janitor != nil {
			a.janitor.Stop()
		}
		a.janitor = janitor
		if a.janitor != nil && a.running {
			a.janitor.Start()
		}
	}

	a.collector.SetSeverities(opts.CollectSeverity, opts.DefaultSeverity)
	a.collector.SetNoStack(opts.NoStack)
	a.collector.SetRedactor(opts.Redactor)
	a.collector.SetSamplerLimit(opts.SamplerLimit)
	a.cfg.Store(cfg)

	if restart := restartRequired(oldCfg, cfg); len(restart) > 0 {
		a.logger.Warn("configuration changes take effect after restart", zap.Strings("fields", restart))
	}
	a.logger.Info("configuration reloaded",
		zap.String("collect_severity", opts.CollectSeverity.String()),
		zap.String("default_severity", opts.DefaultSeverity.String()),
		zap.Int("sampler_limit", opts.SamplerLimit),
		zap.Bool("no_stack", opts.NoStack),
		zap.Bool("redaction", opts.Redactor.Enabled()),
	)
	return nil
}

// restartRequired lists the changed settings that are fixed at construction.
func restartRequired(old, cfg *config.Config) []string {
	var fields []string
	if old.ServiceName != cfg.ServiceName {
		fields = append(fields, "service_name")
	}
	if old.Tracer.ServiceKey != cfg.Tracer.ServiceKey {
		fields = append(fields, "tracer.service_key")
	}
	if old.Tracer.LockExpiry != cfg.Tracer.LockExpiry {
		fields = append(fields, "tracer.lock_expiry")
	}
	if old.Exporters.FlushInterval != cfg.Exporters.FlushInterval ||
		old.Exporters.Stdout != cfg.Exporters.Stdout ||
		old.Exporters.OTLP.Enabled != cfg.Exporters.OTLP.Enabled ||
		old.Exporters.OTLP.Endpoint != cfg.Exporters.OTLP.Endpoint ||
		old.Exporters.OTLP.Protocol != cfg.Exporters.OTLP.Protocol {
		fields = append(fields, "exporters")
	}
	if old.Health != cfg.Health {
		fields = append(fields, "health")
	}
	return fields
}
