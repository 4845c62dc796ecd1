// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package instrument drives a Collector from net/http: a middleware for
// inbound requests and a RoundTripper for outbound ones. The duffel bag
// travels between services in request and response headers.
package instrument

import (
	"context"
	"net/http"
	"strconv"

	"github.com/mbeema/ollytrace/pkg/collector"
	"github.com/mbeema/ollytrace/pkg/severity"
)

// Headers carrying the duffel bag.
const (
	HeaderCommunicationID = "X-Ollytrace-Communication-Id"
	HeaderTransactionID   = "X-Ollytrace-Transaction-Id"
	HeaderSeverity        = "X-Ollytrace-Severity"
	HeaderServiceKey      = "X-Ollytrace-Service-Key"
	HeaderTimestamp       = "X-Ollytrace-Timestamp"
)

// Inject writes db into h. Unset fields are removed so a reused header map
// never leaks a previous call's context.
func Inject(h http.Header, db collector.DuffelBag) {
	var sev, key, ts string
	if db.Severity != nil {
		sev = strconv.Itoa(int(*db.Severity))
	}
	if db.ParentServiceKey != nil {
		key = strconv.FormatInt(*db.ParentServiceKey, 10)
	}
	if db.Timestamp != 0 {
		ts = strconv.FormatInt(db.Timestamp, 10)
	}

	for header, value := range map[string]string{
		HeaderCommunicationID: db.CommunicationID,
		HeaderTransactionID:   db.TransactionID,
		HeaderSeverity:        sev,
		HeaderServiceKey:      key,
		HeaderTimestamp:       ts,
	} {
		if value == "" {
			h.Del(header)
		} else {
			h.Set(header, value)
		}
	}
}

// Extract reads a duffel bag from h. Malformed numeric fields are ignored.
func Extract(h http.Header) collector.DuffelBag {
	db := collector.DuffelBag{
		CommunicationID: h.Get(HeaderCommunicationID),
		TransactionID:   h.Get(HeaderTransactionID),
	}
	if l, err := severity.Parse(h.Get(HeaderSeverity)); err == nil {
		db.Severity = severity.Ptr(l)
	}
	if k, err := strconv.ParseInt(h.Get(HeaderServiceKey), 10, 64); err == nil {
		db.ParentServiceKey = &k
	}
	if ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64); err == nil {
		db.Timestamp = ts
	}
	return db
}

type briefcaseKey struct{}

// WithBriefcase returns a context carrying bc.
func WithBriefcase(ctx context.Context, bc collector.Briefcase) context.Context {
	return context.WithValue(ctx, briefcaseKey{}, bc)
}

// BriefcaseFrom returns the briefcase stored in ctx by the middleware.
func BriefcaseFrom(ctx context.Context) (collector.Briefcase, bool) {
	bc, ok := ctx.Value(briefcaseKey{}).(collector.Briefcase)
	return bc, ok
}

// StatusSeverity maps an HTTP status onto a severity override: server
// failures are errors, anything else inherits the transaction's severity.
func StatusSeverity(code int) *severity.Level {
	if code >= http.StatusInternalServerError {
		return severity.Ptr(severity.Error)
	}
	return nil
}
