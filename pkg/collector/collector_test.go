// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package collector

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/mbeema/ollytrace/pkg/redact"
	"github.com/mbeema/ollytrace/pkg/severity"
	"github.com/mbeema/ollytrace/pkg/traces"
)

type fakeClock interface {
	clockwork.Clock
	Advance(time.Duration)
}

// newTestCollector builds a collector with service key 2, ERROR threshold,
// INFO default and a fake clock reading 2µs after the epoch.
func newTestCollector(t *testing.T, mutate ...func(*Options)) (*Collector, fakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMicro(2))
	opts := DefaultOptions()
	opts.ServiceKey = 2
	opts.Clock = clock
	opts.IDGenerator = sequentialIDs()
	for _, m := range mutate {
		m(&opts)
	}
	return New(opts, zap.NewNop()), clock
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func fixedID(id string) func(*Options) {
	return func(o *Options) { o.IDGenerator = func() string { return id } }
}

func lvl(l severity.Level) *severity.Level { return severity.Ptr(l) }

func waitForReservoir(t *testing.T, c *Collector, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for c.Stats().ReservoirSize != n {
		if time.Now().After(deadline) {
			t.Fatalf("reservoir size %d, want %d", c.Stats().ReservoirSize, n)
		}
		time.Sleep(time.Millisecond)
	}
}

var srPayload = Payload{Protocol: "http", Action: "action", Resource: "resource", Host: "host"}

func srDuffelBag(sev severity.Level) DuffelBag {
	return DuffelBag{
		CommunicationID:  "communicationId",
		TransactionID:    "transactionId",
		Severity:         lvl(sev),
		ParentServiceKey: traces.Int64(8),
		Timestamp:        1,
	}
}

func TestCollectSeverityFromName(t *testing.T) {
	l, err := severity.Parse("DEBUG")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, _ := newTestCollector(t, func(o *Options) { o.CollectSeverity = l })
	if c.CollectThreshold() != 7 {
		t.Errorf("threshold = %d, want 7", c.CollectThreshold())
	}
}

// Server receive.

func TestServerRecvFillsMissingIDs(t *testing.T) {
	c, _ := newTestCollector(t, fixedID("uuid"))

	bc, sev := c.ServerRecv(srPayload, DuffelBag{})
	want := &Communication{ID: "uuid", TransactionID: "uuid"}
	if !reflect.DeepEqual(bc.Communication, want) {
		t.Errorf("communication = %+v, want %+v", bc.Communication, want)
	}
	if sev != severity.Info {
		t.Errorf("severity = %v, want the default INFO", sev)
	}
}

func TestServerRecvKeepsIDs(t *testing.T) {
	c, _ := newTestCollector(t, fixedID("uuid"))

	bc, sev := c.ServerRecv(srPayload, srDuffelBag(severity.Critical))
	want := &Communication{ID: "communicationId", TransactionID: "transactionId"}
	if !reflect.DeepEqual(bc.Communication, want) {
		t.Errorf("communication = %+v, want %+v", bc.Communication, want)
	}
	if sev != severity.Critical {
		t.Errorf("severity = %v, want CRITICAL", sev)
	}
}

func TestServerRecvAloneNotCollected(t *testing.T) {
	c, _ := newTestCollector(t)
	c.ServerRecv(srPayload, srDuffelBag(c.CollectThreshold()+1))
	if got := c.Collect(); len(got) != 0 {
		t.Errorf("expected nothing, got %v", got)
	}
}

// Server receive / end.

func TestServerRecvSendNotCollectedBelowThreshold(t *testing.T) {
	c, _ := newTestCollector(t)
	bc, _ := c.ServerRecv(srPayload, srDuffelBag(c.CollectThreshold()+1))
	c.ServerSend(Payload{}, bc, SendOptions{})
	if got := c.Collect(); len(got) != 0 {
		t.Errorf("expected nothing, got %d records", len(got))
	}
}

func TestServerRecvEndNotCollectedBelowThreshold(t *testing.T) {
	c, _ := newTestCollector(t)
	bc, _ := c.ServerRecv(srPayload, srDuffelBag(c.CollectThreshold()+1))
	c.End(bc)
	if got := c.Collect(); len(got) != 0 {
		t.Errorf("expected nothing, got %d records", len(got))
	}
	if c.Stats().OpenTransactions != 0 {
		t.Error("discarded transaction should be destroyed")
	}
}

func TestServerRecvEndCollected(t *testing.T) {
	c, _ := newTestCollector(t)
	bc, _ := c.ServerRecv(srPayload, srDuffelBag(c.CollectThreshold()))
	c.End(bc)
	if got := c.Collect(); len(got) < 1 {
		t.Error("expected at least one record")
	}
}

func TestServerRecvEndRecord(t *testing.T) {
	c, _ := newTestCollector(t)
	bc, _ := c.ServerRecv(srPayload, srDuffelBag(c.CollectThreshold()))
	c.End(bc)

	want := []traces.Record{{
		Type:            traces.TypeServerRecv,
		TransactionID:   "transactionId",
		Timestamp:       2,
		CommunicationID: "communicationId",
		Start:           traces.Int64(1),
		ParentKey:       traces.Int64(8),
		Protocol:        "http",
		Action:          "action",
		Resource:        "resource",
		Host:            "host",
	}}
	if got := c.Collect(); !reflect.DeepEqual(got, want) {
		t.Errorf("records mismatch\n got: %+v\nwant: %+v", got, want)
	}
}

func TestServerRecvEndCollectedOnce(t *testing.T) {
	c, _ := newTestCollector(t)
	bc, _ := c.ServerRecv(srPayload, srDuffelBag(c.CollectThreshold()))
	c.End(bc)
	c.End(bc)
	if n := len(c.Collect()); n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
	if n := len(c.Collect()); n != 0 {
		t.Errorf("second collect returned %d records", n)
	}
}

func TestServerRecvReusedCommunicationID(t *testing.T) {
	c, _ := newTestCollector(t)

	first, _ := c.ServerRecv(srPayload, srDuffelBag(severity.Error))
	second, _ := c.ServerRecv(srPayload, srDuffelBag(severity.Error))
	c.End(first)
	c.End(second)

	got := c.Collect()
	if len(got) != 1 || got[0].Type != traces.TypeServerRecv {
		t.Fatalf("expected a single sr record, got %+v", got)
	}
	st := c.Stats()
	if st.OpenTransactions != 0 || st.PendingCalls != 0 {
		t.Errorf("transaction left open: %+v", st)
	}
}

func TestServerRecvReusedCommunicationIDAcrossTransactions(t *testing.T) {
	c, _ := newTestCollector(t)

	other := srDuffelBag(severity.Error)
	other.TransactionID = "otherTransaction"

	c.ServerRecv(srPayload, srDuffelBag(severity.Error))
	bc, _ := c.ServerRecv(srPayload, other)
	if st := c.Stats(); st.OpenTransactions != 1 {
		t.Fatalf("the displaced call should release its transaction, open = %d", st.OpenTransactions)
	}
	c.End(bc)

	got := c.Collect()
	if len(got) != 1 || got[0].TransactionID != "otherTransaction" {
		t.Fatalf("expected the sr of the replacing call, got %+v", got)
	}
	if st := c.Stats(); st.OpenTransactions != 0 {
		t.Errorf("open transactions = %d, want 0", st.OpenTransactions)
	}
}

func TestEndWithoutCommunication(t *testing.T) {
	c, _ := newTestCollector(t)
	c.End(Briefcase{})
	if c.Stats().OpenTransactions != 0 || len(c.Collect()) != 0 {
		t.Error("End without communication must be a no-op")
	}
}

// Server send.

func TestServerSendCollected(t *testing.T) {
	c, _ := newTestCollector(t)
	p := Payload{
		Protocol: "http",
		Status:   "ok",
		Data:     map[string]interface{}{"statusCode": 200},
		Severity: lvl(c.CollectThreshold()),
	}
	bc := Briefcase{Communication: &Communication{ID: "communicationId", TransactionID: "transactionId"}}

	c.ServerSend(p, bc, SendOptions{})

	want := []traces.Record{{
		Type:            traces.TypeServerSend,
		TransactionID:   "transactionId",
		Timestamp:       2,
		CommunicationID: "communicationId",
		Protocol:        "http",
		Status:          "ok",
		Data:            map[string]interface{}{"statusCode": 200},
	}}
	if got := c.Collect(); !reflect.DeepEqual(got, want) {
		t.Errorf("records mismatch\n got: %+v\nwant: %+v", got, want)
	}
}

func TestServerSendOutsideTransaction(t *testing.T) {
	c, _ := newTestCollector(t)
	p := Payload{Protocol: "http", Status: "ok", Severity: lvl(c.CollectThreshold())}
	c.ServerSend(p, Briefcase{}, SendOptions{})
	if got := c.Collect(); len(got) != 0 {
		t.Errorf("expected nothing, got %v", got)
	}
}

func TestServerSendRaisesTransaction(t *testing.T) {
	c, _ := newTestCollector(t)
	bc, _ := c.ServerRecv(Payload{}, DuffelBag{CommunicationID: "commId", TransactionID: "trId", Severity: lvl(c.CollectThreshold() + 1)})
	c.ServerSend(Payload{Severity: lvl(c.CollectThreshold())}, bc, SendOptions{})

	got := c.Collect()
	if len(got) != 2 {
		t.Fatalf("expected sr and ss, got %d records", len(got))
	}
	if got[0].Type != traces.TypeServerSend || got[1].Type != traces.TypeServerRecv {
		t.Errorf("unexpected order %s, %s", got[0].Type, got[1].Type)
	}
}

func TestServerSendPropagatesSeverity(t *testing.T) {
	c, _ := newTestCollector(t)
	bc, _ := c.ServerRecv(Payload{}, DuffelBag{CommunicationID: "commId", TransactionID: "trId", Severity: lvl(c.CollectThreshold())})
	db := c.ServerSend(Payload{}, bc, SendOptions{})

	if db.Severity == nil || *db.Severity != c.CollectThreshold() {
		t.Errorf("duffel bag severity = %v, want %v", db.Severity, c.CollectThreshold())
	}
	if db.CommunicationID != "commId" || db.TransactionID != "trId" {
		t.Errorf("duffel bag ids = %q/%q", db.CommunicationID, db.TransactionID)
	}
}

func TestServerSendSkip(t *testing.T) {
	c, _ := newTestCollector(t)
	bc, _ := c.ServerRecv(Payload{}, DuffelBag{CommunicationID: "commId", TransactionID: "trId", Severity: lvl(c.CollectThreshold())})
	if got := c.Collect(); len(got) != 0 {
		t.Fatalf("nothing may be collected while the call is open, got %d", len(got))
	}

	c.ServerSend(Payload{Severity: lvl(c.CollectThreshold())}, bc, SendOptions{Skip: true})
	if got := c.Collect(); len(got) != 0 {
		t.Fatalf("skipped send must not finalize, got %d records", len(got))
	}
	if got := c.Collect(); len(got) != 0 {
		t.Fatalf("skipped send must not finalize, got %d records", len(got))
	}

	// The pending call is still there for End.
	c.End(bc)
	got := c.Collect()
	if len(got) != 1 || got[0].Type != traces.TypeServerRecv {
		t.Errorf("expected a single sr after End, got %+v", got)
	}
}

// Client send.

func TestClientSendContexts(t *testing.T) {
	c, _ := newTestCollector(t, fixedID("uuid"))

	bc, db := c.ClientSend(Payload{}, Briefcase{})

	if !reflect.DeepEqual(bc.ClientContext, &ClientContext{CommunicationID: "uuid", TransactionID: "uuid"}) {
		t.Errorf("client context = %+v", bc.ClientContext)
	}
	want := DuffelBag{
		CommunicationID:  "uuid",
		TransactionID:    "uuid",
		Severity:         lvl(c.DefaultSeverity()),
		ParentServiceKey: traces.Int64(2),
		Timestamp:        2,
	}
	if !reflect.DeepEqual(db, want) {
		t.Errorf("duffel bag = %+v, want %+v", db, want)
	}
}

func TestClientSendKeepsCommunication(t *testing.T) {
	c, _ := newTestCollector(t)
	in := Briefcase{Communication: &Communication{ID: "communicationId", TransactionID: "transactionId"}}

	bc, db := c.ClientSend(Payload{}, in)
	if bc.Communication != in.Communication {
		t.Error("client send must keep the inbound communication")
	}
	if db.TransactionID != "transactionId" || bc.ClientContext.TransactionID != "transactionId" {
		t.Errorf("outbound call must join the transaction, got %q", db.TransactionID)
	}
	if db.CommunicationID == "communicationId" {
		t.Error("outbound call needs a fresh communication id")
	}
	if in.ClientContext != nil {
		t.Error("input briefcase must not be modified")
	}
}

func TestClientSendAloneNotCollected(t *testing.T) {
	c, _ := newTestCollector(t)
	p := Payload{Protocol: "http", Action: "action", Resource: "resource", Host: "host", Severity: lvl(c.CollectThreshold())}
	bc := Briefcase{Communication: &Communication{ID: "communicationId", TransactionID: "transactionId"}}

	c.ClientSend(p, bc)
	if got := c.Collect(); len(got) != 0 {
		t.Errorf("expected nothing, got %d records", len(got))
	}
}

func TestClientSendLockExpiry(t *testing.T) {
	c, clock := newTestCollector(t)
	p := Payload{Protocol: "http", Action: "action", Resource: "resource", Host: "host", Severity: lvl(c.CollectThreshold())}
	bc := Briefcase{Communication: &Communication{ID: "communicationId", TransactionID: "transactionId"}}

	out, _ := c.ClientSend(p, bc)
	clock.Advance(DefaultLockExpiry)
	waitForReservoir(t, c, 1)

	got := c.Collect()
	if len(got) != 1 || got[0].Type != traces.TypeClientSend {
		t.Fatalf("expected one cs record, got %+v", got)
	}
	if got[0].ParentKey == nil || *got[0].ParentKey != 2 {
		t.Errorf("cs parent key = %v, want the service key", got[0].ParentKey)
	}
	if n := len(c.Collect()); n != 0 {
		t.Errorf("second collect returned %d records", n)
	}
	if c.Stats().ExpiredClientCalls != 1 {
		t.Errorf("expected one expired call, got %d", c.Stats().ExpiredClientCalls)
	}

	// A late response finds nothing to resolve and is not collectable on its own.
	c.ClientRecv(Payload{}, DuffelBag{}, out)
	if n := len(c.Collect()); n != 0 {
		t.Errorf("late response produced %d records", n)
	}
}

func TestClientSendLockExpiryDoesNotForceCollection(t *testing.T) {
	c, clock := newTestCollector(t)
	c.ClientSend(Payload{}, Briefcase{})
	clock.Advance(DefaultLockExpiry)

	deadline := time.Now().Add(time.Second)
	for c.Stats().PendingCalls != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(5 * time.Millisecond)
	if n := len(c.Collect()); n != 0 {
		t.Errorf("expiry of a low severity call produced %d records", n)
	}
	if c.Stats().OpenTransactions != 0 {
		t.Error("expired transaction should be destroyed")
	}
}

func TestLockExpiryResolvesLastCall(t *testing.T) {
	c, clock := newTestCollector(t)

	bc, _ := c.ServerRecv(srPayload, srDuffelBag(severity.Error))
	bc, _ = c.ClientSend(Payload{Protocol: "http", Action: "GET", Resource: "/stock", Host: "inventory"}, bc)
	c.ServerSend(Payload{Protocol: "http", Status: "200"}, bc, SendOptions{})

	if n := c.Stats().ReservoirSize; n != 0 {
		t.Fatalf("transaction flushed with a client call pending (%d records)", n)
	}

	clock.Advance(DefaultLockExpiry)
	waitForReservoir(t, c, 3)

	seen := map[traces.RecordType]bool{}
	for _, r := range c.Collect() {
		if r.TransactionID != "transactionId" {
			t.Errorf("record %s in transaction %q", r.Type, r.TransactionID)
		}
		seen[r.Type] = true
	}
	for _, typ := range []traces.RecordType{traces.TypeServerSend, traces.TypeServerRecv, traces.TypeClientSend} {
		if !seen[typ] {
			t.Errorf("missing %s record after expiry, got %v", typ, seen)
		}
	}
	st := c.Stats()
	if st.OpenTransactions != 0 || st.PendingCalls != 0 || st.ExpiredClientCalls != 1 {
		t.Errorf("unexpected stats after expiry %+v", st)
	}
}

func TestClientSendOutsideTransactionNotCollected(t *testing.T) {
	c, _ := newTestCollector(t)
	c.ClientSend(Payload{}, Briefcase{})
	if n := len(c.Collect()); n != 0 {
		t.Errorf("expected nothing, got %d records", n)
	}
}

// Client send / receive.

func TestClientSendRecvOutsideTransaction(t *testing.T) {
	c, _ := newTestCollector(t)
	bc, _ := c.ClientSend(Payload{Severity: lvl(c.CollectThreshold())}, Briefcase{})
	c.ClientRecv(Payload{}, DuffelBag{}, bc)

	got := c.Collect()
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Type != traces.TypeClientSend || got[1].Type != traces.TypeClientRecv {
		t.Errorf("unexpected records %s, %s", got[0].Type, got[1].Type)
	}
}

func TestClientPairsIndependent(t *testing.T) {
	c, _ := newTestCollector(t)
	bc1, _ := c.ClientSend(Payload{Severity: lvl(c.CollectThreshold())}, Briefcase{})
	c.ClientRecv(Payload{}, DuffelBag{}, bc1)

	bc2, _ := c.ClientSend(Payload{}, Briefcase{})
	c.ClientRecv(Payload{}, DuffelBag{}, bc2)

	if n := len(c.Collect()); n != 2 {
		t.Errorf("expected 2 records, got %d", n)
	}
}

func TestClientSendNetworkError(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
	}{
		{"default severity", Payload{}},
		{"low severity", Payload{Severity: lvl(severity.Debug)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCollector(t)
			bc, _ := c.ClientSend(tt.payload, Briefcase{})
			if err := c.NetworkError(bc, errors.New("connection refused")); err != nil {
				t.Fatalf("NetworkError: %v", err)
			}

			got := c.Collect()
			if len(got) != 2 {
				t.Fatalf("expected cs and ne, got %d records", len(got))
			}
			if got[1].Type != traces.TypeNetworkError || got[1].Data[DataMessage] != "connection refused" {
				t.Errorf("unexpected ne record %+v", got[1])
			}
		})
	}
}

// Client receive.

func TestClientRecvWithoutClientContext(t *testing.T) {
	c, _ := newTestCollector(t)
	c.ClientRecv(Payload{}, DuffelBag{}, Briefcase{})
	if n := len(c.Collect()); n != 0 {
		t.Errorf("expected nothing, got %d records", n)
	}
	if c.Stats().OpenTransactions != 0 {
		t.Error("no transaction should be created")
	}
}

func TestClientRecvOnItsOwn(t *testing.T) {
	c, _ := newTestCollector(t)
	p := Payload{Status: "ok", Protocol: "http", Data: map[string]interface{}{"statusCode": 200}}
	db := DuffelBag{Severity: lvl(c.CollectThreshold()), Timestamp: 1}
	bc := Briefcase{
		Communication: &Communication{ID: "id", TransactionID: "id"},
		ClientContext: &ClientContext{CommunicationID: "child-id", TransactionID: "id"},
	}

	c.ClientRecv(p, db, bc)

	want := []traces.Record{{
		Type:            traces.TypeClientRecv,
		TransactionID:   "id",
		Timestamp:       2,
		CommunicationID: "child-id",
		Protocol:        "http",
		Status:          "ok",
		Data:            map[string]interface{}{"statusCode": 200},
	}}
	if got := c.Collect(); !reflect.DeepEqual(got, want) {
		t.Errorf("records mismatch\n got: %+v\nwant: %+v", got, want)
	}
}

// Server and client calls in one transaction.

func TestServerSeverityPropagatesToClient(t *testing.T) {
	c, _ := newTestCollector(t)
	bc, _ := c.ServerRecv(Payload{}, srDuffelBag(c.CollectThreshold()))
	_, db := c.ClientSend(Payload{}, bc)

	if db.Severity == nil || *db.Severity != c.CollectThreshold() {
		t.Errorf("outbound severity = %v, want %v", db.Severity, c.CollectThreshold())
	}
}

func TestOpenClientCallHoldsTransaction(t *testing.T) {
	c, _ := newTestCollector(t)
	bc, _ := c.ServerRecv(Payload{}, srDuffelBag(c.CollectThreshold()))
	c.ClientSend(Payload{}, bc)
	c.End(bc)

	if n := len(c.Collect()); n != 0 {
		t.Errorf("transaction with an open client call flushed %d records", n)
	}
	if c.Stats().OpenTransactions != 1 {
		t.Errorf("expected the transaction to stay open")
	}
}

func serverDuffelBag() DuffelBag {
	return DuffelBag{
		CommunicationID:  "communicationId",
		TransactionID:    "transactionId",
		ParentServiceKey: traces.Int64(8),
		Timestamp:        1,
	}
}

func assertTypes(t *testing.T, got []traces.Record, want ...traces.RecordType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i].Type != want[i] {
			t.Errorf("record %d: type %s, want %s", i, got[i].Type, want[i])
		}
		if got[i].TransactionID != "transactionId" {
			t.Errorf("record %d: transaction %q", i, got[i].TransactionID)
		}
	}
}

func TestServerClientNetworkErrorThenSend(t *testing.T) {
	c, _ := newTestCollector(t)
	sr, _ := c.ServerRecv(Payload{}, serverDuffelBag())
	cs, _ := c.ClientSend(Payload{}, sr)
	if err := c.NetworkError(cs, errors.New("reset")); err != nil {
		t.Fatal(err)
	}
	if n := len(c.Collect()); n != 0 {
		t.Fatalf("flushed %d records before the server call finished", n)
	}

	c.ServerSend(Payload{}, sr, SendOptions{})
	assertTypes(t, c.Collect(),
		traces.TypeClientSend, traces.TypeNetworkError, traces.TypeServerSend, traces.TypeServerRecv)
}

func TestServerClientSendThenNetworkError(t *testing.T) {
	c, _ := newTestCollector(t)
	sr, _ := c.ServerRecv(Payload{}, serverDuffelBag())
	cs, _ := c.ClientSend(Payload{}, sr)
	c.ServerSend(Payload{}, sr, SendOptions{})
	if n := len(c.Collect()); n != 0 {
		t.Fatalf("flushed %d records while the client call was open", n)
	}

	if err := c.NetworkError(cs, errors.New("reset")); err != nil {
		t.Fatal(err)
	}
	assertTypes(t, c.Collect(),
		traces.TypeServerSend, traces.TypeServerRecv, traces.TypeClientSend, traces.TypeNetworkError)
}

func TestServerClientSendThenClientRecv(t *testing.T) {
	c, _ := newTestCollector(t)
	sr, _ := c.ServerRecv(Payload{}, serverDuffelBag())
	cs, _ := c.ClientSend(Payload{}, sr)
	c.ServerSend(Payload{}, sr, SendOptions{})
	if n := len(c.Collect()); n != 0 {
		t.Fatalf("flushed %d records while the client call was open", n)
	}

	c.ClientRecv(Payload{}, DuffelBag{Severity: lvl(c.CollectThreshold())}, cs)
	assertTypes(t, c.Collect(),
		traces.TypeServerSend, traces.TypeServerRecv, traces.TypeClientSend, traces.TypeClientRecv)
}

// Errors.

func TestUserSentError(t *testing.T) {
	c, _ := newTestCollector(t)
	bc := Briefcase{Communication: &Communication{ID: "c", TransactionID: "tx"}}
	c.UserSentError(bc, "my error", errors.New("yikes!"))

	got := c.Collect()
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	rec := got[0]
	if rec.Type != traces.TypeUserError || rec.TransactionID != "tx" || rec.CommunicationID != "" {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Data[DataMessage] != "my error" || rec.Data[DataError] != "yikes!" {
		t.Errorf("unexpected data %v", rec.Data)
	}
	stack, _ := rec.Data[DataStack].(string)
	if !strings.Contains(stack, "collector_test.go") {
		t.Errorf("stack should start at the caller, got %q", stack)
	}
}

func TestSystemError(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SystemError(Briefcase{}, errors.New("yikes!"))

	got := c.Collect()
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Type != traces.TypeSystemError || got[0].Data[DataMessage] != "yikes!" {
		t.Errorf("unexpected record %+v", got[0])
	}
	if got[0].TransactionID != "" {
		t.Errorf("error outside a transaction has transaction %q", got[0].TransactionID)
	}
}

func TestErrorsOmitStack(t *testing.T) {
	c, _ := newTestCollector(t, func(o *Options) { o.NoStack = true })
	err := errors.New("yikes!")
	csCtx := Briefcase{ClientContext: &ClientContext{CommunicationID: "child-id", TransactionID: "tr-id"}}

	c.UserSentError(Briefcase{}, "my error", err)
	c.SystemError(Briefcase{}, err)
	if e := c.NetworkError(csCtx, err); e != nil {
		t.Fatal(e)
	}

	got := c.Collect()
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for _, rec := range got {
		if _, ok := rec.Data[DataStack]; ok {
			t.Errorf("%s record carries a stack", rec.Type)
		}
	}
}

func newFailure() error { return errors.New("yikes!") }

func reportFailure(c *Collector, err error) {
	c.UserSentError(Briefcase{}, "my error", err)
	c.SystemError(Briefcase{}, err)
	_ = c.NetworkError(Briefcase{ClientContext: &ClientContext{CommunicationID: "child-id", TransactionID: "tr-id"}}, err)
}

func TestErrorStackIsReporterStack(t *testing.T) {
	c, _ := newTestCollector(t)
	reportFailure(c, newFailure())

	got := c.Collect()
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for _, rec := range got {
		stack, _ := rec.Data[DataStack].(string)
		first := strings.SplitN(stack, "\n", 2)[0]
		if !strings.HasSuffix(first, ".reportFailure") {
			t.Errorf("%s stack should start at reportFailure, got %q", rec.Type, first)
		}
		if strings.Contains(stack, "newFailure") {
			t.Errorf("%s stack should not be where the error was created", rec.Type)
		}
	}
}

func TestNetworkErrorRequiresClientContext(t *testing.T) {
	c, _ := newTestCollector(t)
	err := c.NetworkError(Briefcase{}, errors.New("yikes!"))
	if !errors.Is(err, ErrMissingClientContext) {
		t.Fatalf("expected ErrMissingClientContext, got %v", err)
	}
	if n := len(c.Collect()); n != 0 {
		t.Errorf("expected nothing, got %d records", n)
	}
	if c.Stats().MissingClientContexts != 1 {
		t.Error("misuse should be counted")
	}
}

func TestNetworkErrorWithoutPendingCall(t *testing.T) {
	c, _ := newTestCollector(t)
	bc := Briefcase{ClientContext: &ClientContext{CommunicationID: "child-id", TransactionID: "tr-id"}}
	if err := c.NetworkError(bc, errors.New("yikes!")); err != nil {
		t.Fatal(err)
	}

	got := c.Collect()
	if len(got) != 1 || got[0].Type != traces.TypeNetworkError {
		t.Fatalf("expected a single ne record, got %+v", got)
	}
	if got[0].CommunicationID != "child-id" || got[0].TransactionID != "tr-id" {
		t.Errorf("unexpected ids %q/%q", got[0].CommunicationID, got[0].TransactionID)
	}
}

// Sampling.

func TestSamplerBoundsServerCalls(t *testing.T) {
	c, _ := newTestCollector(t, func(o *Options) { o.SamplerLimit = 10 })
	for i := 0; i < 50; i++ {
		bc, _ := c.ServerRecv(Payload{}, DuffelBag{CommunicationID: "commId", TransactionID: "trId", Severity: lvl(c.CollectThreshold())})
		c.ServerSend(Payload{Severity: lvl(c.CollectThreshold())}, bc, SendOptions{})
	}

	n := len(c.Collect())
	if n <= 0 || n >= 50 {
		t.Errorf("expected between 1 and 49 records, got %d", n)
	}
}

func TestSamplerBoundsClientCalls(t *testing.T) {
	c, _ := newTestCollector(t, func(o *Options) { o.SamplerLimit = 10 })
	for i := 0; i < 50; i++ {
		bc, _ := c.ClientSend(Payload{Severity: lvl(c.CollectThreshold())}, Briefcase{})
		c.ClientRecv(Payload{}, DuffelBag{}, bc)
	}

	n := len(c.Collect())
	if n <= 0 || n >= 50 {
		t.Errorf("expected between 1 and 49 records, got %d", n)
	}
	if c.Stats().ReservoirSize != 0 {
		t.Errorf("reservoir not empty after collect: %d", c.Stats().ReservoirSize)
	}
	if c.Stats().RecordsDropped != 90 {
		t.Errorf("expected 90 dropped records, got %d", c.Stats().RecordsDropped)
	}
}

// Runtime changes and scrubbing.

func TestSetSeverities(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SetSeverities(severity.Debug, severity.Info)

	bc, _ := c.ServerRecv(Payload{}, DuffelBag{})
	c.End(bc)
	if n := len(c.Collect()); n != 1 {
		t.Errorf("DEBUG threshold should collect the default severity, got %d records", n)
	}
}

func TestPayloadScrubbed(t *testing.T) {
	r := redact.New(true, nil)
	c, _ := newTestCollector(t, func(o *Options) { o.Redactor = r })

	data := map[string]interface{}{"query": "password=hunter2"}
	bc, _ := c.ServerRecv(Payload{Protocol: "http", Resource: "/users/42", Data: data}, srDuffelBag(c.CollectThreshold()))
	data["late"] = "mutation"
	c.End(bc)

	got := c.Collect()
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Resource != "/users/{id}" {
		t.Errorf("resource = %q, want normalised path", got[0].Resource)
	}
	if got[0].Data["query"] != "password=[REDACTED]" {
		t.Errorf("query = %v", got[0].Data["query"])
	}
	if _, ok := got[0].Data["late"]; ok {
		t.Error("record data must be a copy of the payload")
	}
}

func TestConcurrentTransactions(t *testing.T) {
	c, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sev := severity.Debug
			if i%2 == 0 {
				sev = severity.Error
			}
			sr, _ := c.ServerRecv(Payload{}, DuffelBag{Severity: lvl(sev)})
			cs, _ := c.ClientSend(Payload{}, sr)
			c.ClientRecv(Payload{}, DuffelBag{}, cs)
			c.ServerSend(Payload{}, sr, SendOptions{})
		}(i)
	}
	wg.Wait()

	if n := len(c.Collect()); n != 40 {
		t.Errorf("expected 4 records from each of 10 collected transactions, got %d", n)
	}
	st := c.Stats()
	if st.OpenTransactions != 0 || st.PendingCalls != 0 {
		t.Errorf("tables not empty: %+v", st)
	}
	if st.FlushedTransactions != 10 || st.DiscardedTransactions != 10 {
		t.Errorf("flushed %d discarded %d", st.FlushedTransactions, st.DiscardedTransactions)
	}
}
