// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package discovery

import (
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Auto asks the discoverer to pick the service name.
const Auto = "auto"

// Fallback is used when nothing identifies the service.
const Fallback = "unknown_service"

// DefaultEnvVars are consulted in order for a service name.
var DefaultEnvVars = []string{"OLLYTRACE_SERVICE_NAME", "OTEL_SERVICE_NAME", "SERVICE_NAME", "DD_SERVICE", "APP_NAME"}

// ServiceInfo is the resolved identity of the instrumented service.
type ServiceInfo struct {
	Name   string
	Source string // "config", "environment", "executable" or "fallback"
}

// Discoverer resolves the name of the process the agent reports for.
type Discoverer struct {
	logger  *zap.Logger
	envVars []string
	getenv  func(string) string
	pid     int32
}

// NewDiscoverer creates a discoverer for the current process.
func NewDiscoverer(envVars []string, logger *zap.Logger) *Discoverer {
	if len(envVars) == 0 {
		envVars = DefaultEnvVars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		logger:  logger,
		envVars: envVars,
		getenv:  os.Getenv,
		pid:     int32(os.Getpid()),
	}
}

// Discover returns configured unless it is empty or "auto". Otherwise the
// environment is checked, then the executable name.
func (d *Discoverer) Discover(configured string) ServiceInfo {
	if configured != "" && configured != Auto {
		return ServiceInfo{Name: configured, Source: "config"}
	}

	for _, v := range d.envVars {
		if name := strings.TrimSpace(d.getenv(v)); name != "" && name != Auto {
			return d.found(ServiceInfo{Name: name, Source: "environment"}, zap.String("env", v))
		}
	}

	if proc, err := process.NewProcess(d.pid); err == nil {
		if name, err := proc.Name(); err == nil {
			if clean := cleanExeName(name); clean != "" {
				return d.found(ServiceInfo{Name: clean, Source: "executable"}, zap.Int32("pid", d.pid))
			}
		}
	}

	return d.found(ServiceInfo{Name: Fallback, Source: "fallback"})
}

func (d *Discoverer) found(info ServiceInfo, fields ...zap.Field) ServiceInfo {
	d.logger.Info("discovered service name",
		append([]zap.Field{zap.String("name", info.Name), zap.String("source", info.Source)}, fields...)...)
	return info
}

func cleanExeName(name string) string {
	if isInterpreter(name) {
		return ""
	}
	name = strings.TrimSuffix(name, ".exe")
	name = strings.TrimSuffix(name, ".bin")
	return name
}

func isInterpreter(name string) bool {
	interpreters := map[string]bool{
		"python": true, "python2": true, "python3": true,
		"node": true, "nodejs": true,
		"ruby": true, "java": true, "php": true,
		"perl": true, "bash": true, "sh": true, "zsh": true,
	}
	return interpreters[name]
}
