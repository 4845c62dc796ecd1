// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"sort"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/mbeema/ollytrace/pkg/traces"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

const (
	scopeName    = "ollytrace"
	scopeVersion = "0.1.0"
	attrPrefix   = "ollytrace."
)

// Identity names the instrumented service on every exported batch.
type Identity struct {
	ServiceName    string
	ServiceVersion string
	DeploymentEnv  string
}

// converter maps wire records onto OTLP logs and spans. Every record becomes
// a LogRecord; finished two-phase calls (sr, cs) additionally become spans.
type converter struct {
	id Identity
}

func (c converter) resource() *resourcepb.Resource {
	hostname, _ := os.Hostname()
	pid := os.Getpid()

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", c.id.ServiceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}
	if c.id.ServiceVersion != "" {
		attrs = append(attrs, strAttr("service.version", c.id.ServiceVersion))
	}
	if c.id.DeploymentEnv != "" {
		attrs = append(attrs, strAttr("deployment.environment", c.id.DeploymentEnv))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func scope() *commonpb.InstrumentationScope {
	return &commonpb.InstrumentationScope{Name: scopeName, Version: scopeVersion}
}

// logsRequest converts records into a single ResourceLogs request.
func (c converter) logsRequest(records []traces.Record) *collogspb.ExportLogsServiceRequest {
	logs := make([]*logspb.LogRecord, 0, len(records))
	for i := range records {
		logs = append(logs, c.logRecord(&records[i]))
	}
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource:  c.resource(),
			ScopeLogs: []*logspb.ScopeLogs{{Scope: scope(), LogRecords: logs}},
		}},
	}
}

// tracesRequest converts the span-bearing records. It returns nil when the
// batch holds none.
func (c converter) tracesRequest(records []traces.Record) *coltracepb.ExportTraceServiceRequest {
	var spans []*tracepb.Span
	for i := range records {
		if s, ok := c.span(&records[i]); ok {
			spans = append(spans, s)
		}
	}
	if len(spans) == 0 {
		return nil
	}
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource:   c.resource(),
			ScopeSpans: []*tracepb.ScopeSpans{{Scope: scope(), Spans: spans}},
		}},
	}
}

func (c converter) logRecord(r *traces.Record) *logspb.LogRecord {
	ts := uint64(r.Time().UnixNano())
	pl := &logspb.LogRecord{
		TimeUnixNano:         ts,
		ObservedTimeUnixNano: ts,
		Body:                 &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: string(r.Type)}},
		Attributes:           recordAttrs(r),
	}
	if r.Type.IsError() {
		pl.SeverityNumber = logspb.SeverityNumber_SEVERITY_NUMBER_ERROR
		pl.SeverityText = "ERROR"
	} else {
		pl.SeverityNumber = logspb.SeverityNumber_SEVERITY_NUMBER_INFO
		pl.SeverityText = "INFO"
	}
	if r.TransactionID != "" {
		pl.TraceId = traceID(r.TransactionID)
		pl.Flags = 1
	}
	if r.CommunicationID != "" {
		pl.SpanId = spanID(r.Type.Kind(), r.CommunicationID)
	}
	return pl
}

// span builds the span of a finished call. A server call that was made by an
// instrumented client is parented to that client's span, which shares its
// communication id.
func (c converter) span(r *traces.Record) (*tracepb.Span, bool) {
	if r.Type != traces.TypeServerRecv && r.Type != traces.TypeClientSend {
		return nil, false
	}
	if r.Start == nil || r.TransactionID == "" || r.CommunicationID == "" {
		return nil, false
	}

	kind := r.Type.Kind()
	ps := &tracepb.Span{
		TraceId:           traceID(r.TransactionID),
		SpanId:            spanID(kind, r.CommunicationID),
		Name:              spanName(r),
		Kind:              convertSpanKind(kind),
		StartTimeUnixNano: uint64(traces.FromMicros(*r.Start).UnixNano()),
		EndTimeUnixNano:   uint64(r.Time().UnixNano()),
		Attributes:        recordAttrs(r),
		Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET},
	}
	if kind == traces.SpanKindServer && r.ParentKey != nil {
		ps.ParentSpanId = spanID(traces.SpanKindClient, r.CommunicationID)
	}
	return ps, true
}

func spanName(r *traces.Record) string {
	switch {
	case r.Action != "" && r.Resource != "":
		return sanitizeUTF8(r.Action + " " + r.Resource)
	case r.Resource != "":
		return sanitizeUTF8(r.Resource)
	case r.Protocol != "":
		return r.Protocol
	default:
		return string(r.Type)
	}
}

// recordAttrs flattens the short wire keys into ollytrace.* attributes.
func recordAttrs(r *traces.Record) []*commonpb.KeyValue {
	attrs := []*commonpb.KeyValue{strAttr(attrPrefix+"type", string(r.Type))}
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, strAttr(attrPrefix+key, sanitizeUTF8(value)))
		}
	}
	add("transaction_id", r.TransactionID)
	add("communication_id", r.CommunicationID)
	add("protocol", r.Protocol)
	add("action", r.Action)
	add("resource", r.Resource)
	add("host", r.Host)
	add("status", r.Status)
	if r.ParentKey != nil {
		attrs = append(attrs, intAttr(attrPrefix+"service_key", *r.ParentKey))
	}
	if r.Start != nil {
		attrs = append(attrs, intAttr(attrPrefix+"start_us", *r.Start))
	}

	keys := make([]string, 0, len(r.Data))
	for k := range r.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, &commonpb.KeyValue{
			Key:   attrPrefix + "data." + k,
			Value: toAnyValue(r.Data[k]),
		})
	}
	return attrs
}

// traceID derives the 16-byte OTLP trace id from a transaction id. UUIDs map
// onto their own bytes; anything else is hashed.
func traceID(transactionID string) []byte {
	if u, err := uuid.Parse(transactionID); err == nil {
		return u[:]
	}
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], xxhash.Sum64String(transactionID))
	binary.BigEndian.PutUint64(b[8:], xxhash.Sum64String(attrPrefix+transactionID))
	return b
}

// spanID derives the 8-byte span id for one side of a communication. Both
// sides share the communication id, so the side is mixed into the hash.
func spanID(kind traces.SpanKind, communicationID string) []byte {
	d := xxhash.New()
	d.WriteString(kind.String())
	d.WriteString(":")
	d.WriteString(communicationID)
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, d.Sum64())
	return b
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

// sanitizeUTF8 replaces invalid UTF-8 sequences with the replacement
// character; protobuf string fields reject them.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}

func convertSpanKind(k traces.SpanKind) tracepb.Span_SpanKind {
	switch k {
	case traces.SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case traces.SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	default:
		return tracepb.Span_SPAN_KIND_INTERNAL
	}
}

func toAnyValue(v interface{}) *commonpb.AnyValue {
	switch val := v.(type) {
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(val)}}
	case int:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: val}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: val}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: val}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(fmt.Sprintf("%v", val))}}
	}
}
