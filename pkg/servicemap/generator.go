// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package servicemap builds the outbound dependency graph of a service from
// the records it reports.
package servicemap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/mbeema/ollytrace/pkg/traces"
)

// DefaultMaxAge is how long an edge survives without new calls.
const DefaultMaxAge = time.Hour

// Edge aggregates the calls from one service to one downstream host.
type Edge struct {
	Source       string        `json:"source"`
	Destination  string        `json:"destination"`
	Protocol     string        `json:"protocol"`
	Count        uint64        `json:"count"`
	ErrorCount   uint64        `json:"error_count"`
	TotalLatency time.Duration `json:"total_latency_ns"`
	LastSeen     time.Time     `json:"last_seen"`
}

// AvgLatency returns the mean latency of completed calls.
func (e *Edge) AvgLatency() time.Duration {
	if e.Count == 0 {
		return 0
	}
	return e.TotalLatency / time.Duration(e.Count)
}

// ErrorRate returns the share of calls that failed.
func (e *Edge) ErrorRate() float64 {
	if e.Count == 0 {
		return 0
	}
	return float64(e.ErrorCount) / float64(e.Count)
}

// Generator accumulates edges. Only transactions that were collected show up,
// so the map leans towards failing paths.
type Generator struct {
	logger *zap.Logger
	clock  clockwork.Clock
	source string
	maxAge time.Duration

	mu    sync.RWMutex
	edges map[string]*Edge // key: "dst/protocol"
}

// NewGenerator creates a generator for the service named source.
func NewGenerator(source string, maxAge time.Duration, clock clockwork.Clock, logger *zap.Logger) *Generator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Generator{
		logger: logger,
		clock:  clock,
		source: source,
		maxAge: maxAge,
		edges:  make(map[string]*Edge),
	}
}

// Observe folds the outbound calls in records into the map. Every cs record
// is one call; it failed when a ne record, or a cr record with a 5xx status,
// shares its communication id. Stale edges are pruned afterwards.
func (g *Generator) Observe(records []traces.Record) {
	failed := make(map[string]bool)
	for _, r := range records {
		switch r.Type {
		case traces.TypeNetworkError:
			failed[r.CommunicationID] = true
		case traces.TypeClientRecv:
			if code, err := strconv.Atoi(r.Status); err == nil && code >= 500 {
				failed[r.CommunicationID] = true
			}
		}
	}

	for _, r := range records {
		if r.Type != traces.TypeClientSend {
			continue
		}
		var latency time.Duration
		if r.Start != nil && r.Timestamp > *r.Start {
			latency = time.Duration(r.Timestamp-*r.Start) * time.Microsecond
		}
		g.RecordCall(r.Host, r.Protocol, failed[r.CommunicationID], latency)
	}

	if n := g.CleanStale(); n > 0 {
		g.logger.Debug("pruned stale service map edges", zap.Int("removed", n))
	}
}

// RecordCall adds one call to destination.
func (g *Generator) RecordCall(destination, protocol string, failed bool, latency time.Duration) {
	if destination == "" {
		destination = "unknown"
	}
	key := destination + "/" + protocol

	g.mu.Lock()
	defer g.mu.Unlock()

	edge, ok := g.edges[key]
	if !ok {
		edge = &Edge{
			Source:      g.source,
			Destination: destination,
			Protocol:    protocol,
		}
		g.edges[key] = edge
	}
	edge.Count++
	if failed {
		edge.ErrorCount++
	}
	edge.TotalLatency += latency
	edge.LastSeen = g.clock.Now()
}

// Edges returns a copy of every edge ordered by destination and protocol.
func (g *Generator) Edges() []Edge {
	g.mu.RLock()
	edges := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, *e)
	}
	g.mu.RUnlock()

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Destination != edges[j].Destination {
			return edges[i].Destination < edges[j].Destination
		}
		return edges[i].Protocol < edges[j].Protocol
	})
	return edges
}

// ExportDOT renders the map as a Graphviz digraph.
func (g *Generator) ExportDOT() string {
	edges := g.Edges()

	var sb strings.Builder
	sb.WriteString("digraph ServiceMap {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")
	sb.WriteString(fmt.Sprintf("  %q;\n", g.source))

	for _, e := range edges {
		label := fmt.Sprintf("%s\\n%d calls", e.Protocol, e.Count)
		if e.ErrorCount > 0 {
			label += fmt.Sprintf(", %d errors", e.ErrorCount)
		}
		sb.WriteString(fmt.Sprintf("  %q -> %q [label=\"%s\"];\n", e.Source, e.Destination, label))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// CleanStale removes edges not seen within the generator's max age.
func (g *Generator) CleanStale() int {
	cutoff := g.clock.Now().Add(-g.maxAge)
	removed := 0

	g.mu.Lock()
	for key, e := range g.edges {
		if e.LastSeen.Before(cutoff) {
			delete(g.edges, key)
			removed++
		}
	}
	g.mu.Unlock()

	return removed
}

// EdgeCount returns the number of edges.
func (g *Generator) EdgeCount() int {
	g.mu.RLock()
	n := len(g.edges)
	g.mu.RUnlock()
	return n
}
