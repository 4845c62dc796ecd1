// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/mbeema/ollytrace/pkg/agent"
	"github.com/mbeema/ollytrace/pkg/config"
	"github.com/mbeema/ollytrace/pkg/instrument"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		configPath  string
		configDir   string
		logLevel    string
		listenAddr  string
		upstream    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&listenAddr, "listen", "", "address for the tracing reverse proxy, e.g. :8080")
	flag.StringVar(&upstream, "upstream", "", "URL the reverse proxy forwards to")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("ollytrace %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if (listenAddr == "") != (upstream == "") {
		fmt.Fprintln(os.Stderr, "-listen and -upstream must be set together")
		os.Exit(2)
	}

	cfg, err := load(configPath, configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting ollytrace agent",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("service", cfg.ServiceName),
	)

	a, err := agent.New(cfg, logger, agent.WithVersion(version))
	if err != nil {
		logger.Fatal("failed to create agent", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		logger.Fatal("failed to start agent", zap.Error(err))
	}

	var proxy *http.Server
	if listenAddr != "" {
		proxy, err = startProxy(a, listenAddr, upstream, logger)
		if err != nil {
			logger.Fatal("failed to start reverse proxy", zap.Error(err))
		}
	}

	var watcher *config.Watcher
	if configDir != "" {
		watcher = config.NewWatcher(configDir, func(newCfg *config.Config, changedFile string) {
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config",
					zap.String("file", changedFile),
					zap.Error(err),
				)
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Fatal("failed to start config watcher", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)

	// SIGHUP reloads in single-file mode too.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, unix.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}
			cancel()
			shutdown(a, proxy, logger)
			return

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := load(configPath, configDir)
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			} else {
				logger.Info("configuration reloaded successfully")
			}
		}
	}
}

// shutdown drains the proxy first so in-flight requests still reach the
// collector, then stops the agent, which flushes the exporters.
func shutdown(a *agent.Agent, proxy *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if proxy != nil {
			if err := proxy.Shutdown(ctx); err != nil {
				logger.Warn("reverse proxy shutdown", zap.Error(err))
			}
		}
		if err := a.Stop(); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
	}()

	select {
	case <-done:
		logger.Info("ollytrace agent stopped")
	case <-ctx.Done():
		logger.Error("shutdown timed out, forcing exit", zap.Duration("timeout", shutdownTimeout))
		os.Exit(1)
	}
}

func startProxy(a *agent.Agent, addr, upstream string, logger *zap.Logger) (*http.Server, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", upstream)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           instrument.ReverseProxy(a.Collector(), target, logger.Named("proxy")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("reverse proxy error", zap.Error(err))
		}
	}()
	logger.Info("reverse proxy started",
		zap.String("listen", addr),
		zap.String("upstream", target.String()),
	)
	return srv, nil
}

func load(path, dir string) (*config.Config, error) {
	if dir != "" {
		return config.LoadDir(dir)
	}
	return loadConfig(path)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	for _, p := range []string{
		"configs/ollytrace.yaml",
		"/etc/ollytrace/ollytrace.yaml",
		"/etc/ollytrace.yaml",
	} {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
