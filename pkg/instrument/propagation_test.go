// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package instrument

import (
	"context"
	"net/http"
	"testing"

	"github.com/mbeema/ollytrace/pkg/collector"
	"github.com/mbeema/ollytrace/pkg/severity"
	"github.com/mbeema/ollytrace/pkg/traces"
)

func TestInjectExtract(t *testing.T) {
	db := collector.DuffelBag{
		CommunicationID:  "comm-1",
		TransactionID:    "tx-1",
		Severity:         severity.Ptr(severity.Warning),
		ParentServiceKey: traces.Int64(7),
		Timestamp:        1700000000000000,
	}

	h := http.Header{}
	Inject(h, db)
	if got := h.Get(HeaderSeverity); got != "4" {
		t.Errorf("severity header = %q, want 4", got)
	}

	got := Extract(h)
	if got.CommunicationID != "comm-1" || got.TransactionID != "tx-1" || got.Timestamp != db.Timestamp {
		t.Errorf("unexpected duffel bag %+v", got)
	}
	if got.Severity == nil || *got.Severity != severity.Warning {
		t.Errorf("severity = %v, want WARNING", got.Severity)
	}
	if got.ParentServiceKey == nil || *got.ParentServiceKey != 7 {
		t.Errorf("parent service key = %v, want 7", got.ParentServiceKey)
	}
}

func TestInjectClearsUnsetFields(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderServiceKey, "3")
	h.Set(HeaderTimestamp, "99")

	Inject(h, collector.DuffelBag{TransactionID: "tx-2"})
	if h.Get(HeaderServiceKey) != "" || h.Get(HeaderTimestamp) != "" {
		t.Errorf("stale headers survived: %v", h)
	}
	if h.Get(HeaderTransactionID) != "tx-2" {
		t.Errorf("transaction header = %q", h.Get(HeaderTransactionID))
	}
}

func TestExtractIgnoresMalformed(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderTransactionID, "tx-3")
	h.Set(HeaderSeverity, "LOUD")
	h.Set(HeaderServiceKey, "abc")
	h.Set(HeaderTimestamp, "yesterday")

	db := Extract(h)
	if db.TransactionID != "tx-3" {
		t.Errorf("transaction id = %q", db.TransactionID)
	}
	if db.Severity != nil || db.ParentServiceKey != nil || db.Timestamp != 0 {
		t.Errorf("malformed fields should be dropped, got %+v", db)
	}

	if empty := Extract(http.Header{}); empty.Severity != nil || empty.TransactionID != "" {
		t.Errorf("empty headers should give an empty bag, got %+v", empty)
	}
}

func TestExtractAcceptsNames(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderSeverity, "crit")
	if db := Extract(h); db.Severity == nil || *db.Severity != severity.Critical {
		t.Errorf("severity = %v, want CRITICAL", db.Severity)
	}
}

func TestBriefcaseContext(t *testing.T) {
	if _, ok := BriefcaseFrom(context.Background()); ok {
		t.Error("empty context should carry no briefcase")
	}
	bc := collector.Briefcase{Communication: &collector.Communication{ID: "c", TransactionID: "t"}}
	got, ok := BriefcaseFrom(WithBriefcase(context.Background(), bc))
	if !ok || got.TransactionID() != "t" {
		t.Errorf("briefcase = %+v, %v", got, ok)
	}
}

func TestStatusSeverity(t *testing.T) {
	tests := []struct {
		code int
		want *severity.Level
	}{
		{200, nil},
		{404, nil},
		{499, nil},
		{500, severity.Ptr(severity.Error)},
		{503, severity.Ptr(severity.Error)},
	}
	for _, tt := range tests {
		got := StatusSeverity(tt.code)
		if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
			t.Errorf("StatusSeverity(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
