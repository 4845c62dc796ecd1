// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/mbeema/ollytrace/pkg/config"
	"github.com/mbeema/ollytrace/pkg/traces"
)

// HTTPOTLPExporter sends records via OTLP HTTP/protobuf.
type HTTPOTLPExporter struct {
	logger      *zap.Logger
	conv        converter
	endpoint    string
	compression string
	headers     map[string]string
	client      *http.Client
}

// NewHTTPOTLPExporter creates a new OTLP HTTP exporter. The endpoint may carry
// its own scheme; otherwise one is picked from cfg.Insecure.
func NewHTTPOTLPExporter(cfg *config.OTLPConfig, id Identity, logger *zap.Logger) (*HTTPOTLPExporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTLP HTTP endpoint is empty")
	}

	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if cfg.Insecure {
			scheme = "http"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	compression := cfg.Compression
	if compression == "" {
		compression = "gzip"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPOTLPExporter{
		logger:      logger,
		conv:        converter{id: id},
		endpoint:    endpoint,
		compression: compression,
		headers:     cfg.Headers,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

// ExportRecords posts the records to /v1/logs and their spans to /v1/traces.
func (e *HTTPOTLPExporter) ExportRecords(ctx context.Context, records []traces.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := e.post(ctx, "/v1/logs", e.conv.logsRequest(records)); err != nil {
		return err
	}
	if req := e.conv.tracesRequest(records); req != nil {
		return e.post(ctx, "/v1/traces", req)
	}
	return nil
}

// post sends a protobuf-encoded request to the OTLP HTTP endpoint.
func (e *HTTPOTLPExporter) post(ctx context.Context, path string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal protobuf: %w", err)
	}

	var body io.Reader = bytes.NewReader(data)
	contentEncoding := ""

	if e.compression == "gzip" {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return fmt.Errorf("gzip compress: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("gzip close: %w", err)
		}
		body = &buf
		contentEncoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("OTLP HTTP %s returned %d", path, resp.StatusCode)
}

// Shutdown closes idle connections.
func (e *HTTPOTLPExporter) Shutdown(ctx context.Context) error {
	e.client.CloseIdleConnections()
	return nil
}
