// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/metadata"

	"github.com/mbeema/ollytrace/pkg/config"
	"github.com/mbeema/ollytrace/pkg/traces"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// OTLPExporter sends records via OTLP gRPC with automatic reconnection.
type OTLPExporter struct {
	logger   *zap.Logger
	conv     converter
	endpoint string
	headers  metadata.MD
	opts     []grpc.DialOption

	mu       sync.RWMutex
	conn     *grpc.ClientConn
	traceSvc coltracepb.TraceServiceClient
	logSvc   collogspb.LogsServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter.
func NewOTLPExporter(cfg *config.OTLPConfig, id Identity, logger *zap.Logger) (*OTLPExporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:   logger,
		conv:     converter{id: id},
		endpoint: cfg.Endpoint,
		headers:  metadata.New(cfg.Headers),
		opts:     opts,
	}

	if err := e.connect(); err != nil {
		return nil, err
	}

	return e, nil
}

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.traceSvc = coltracepb.NewTraceServiceClient(conn)
	e.logSvc = collogspb.NewLogsServiceClient(conn)

	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))

	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}

	e.logger.Info("reconnected to OTLP endpoint")
	return nil
}

// ExportRecords sends every record as an OTLP log and the finished calls
// among them as spans.
func (e *OTLPExporter) ExportRecords(ctx context.Context, records []traces.Record) error {
	if len(records) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}
	if len(e.headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, e.headers)
	}

	e.mu.RLock()
	logSvc, traceSvc := e.logSvc, e.traceSvc
	e.mu.RUnlock()

	if _, err := logSvc.Export(ctx, e.conv.logsRequest(records)); err != nil {
		return fmt.Errorf("export logs: %w", err)
	}
	if req := e.conv.tracesRequest(records); req != nil {
		if _, err := traceSvc.Export(ctx, req); err != nil {
			return fmt.Errorf("export traces: %w", err)
		}
	}
	return nil
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}
