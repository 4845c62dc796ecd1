// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package collector decides which transactions a service reports. It tracks
// the lifecycle of inbound and outbound calls, buffers their records per
// transaction, and releases a transaction's records into a sampling
// reservoir once the transaction is quiescent and its severity warrants it.
package collector

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mbeema/ollytrace/pkg/correlation"
	"github.com/mbeema/ollytrace/pkg/redact"
	"github.com/mbeema/ollytrace/pkg/severity"
	"github.com/mbeema/ollytrace/pkg/traces"
)

// ErrMissingClientContext is returned by NetworkError when the briefcase
// carries no outbound call.
var ErrMissingClientContext = errors.New("collector: briefcase has no client context")

// DefaultLockExpiry bounds how long an outbound call may stay unresolved.
const DefaultLockExpiry = 2 * time.Minute

// Options configures a Collector.
type Options struct {
	ServiceKey      int64
	CollectSeverity severity.Level
	DefaultSeverity severity.Level
	SamplerLimit    int
	LockExpiry      time.Duration // zero or negative disables expiry
	NoStack         bool

	Clock       clockwork.Clock
	IDGenerator func() string
	Redactor    *redact.Redactor
}

// DefaultOptions returns options collecting ERROR and worse with INFO as the
// default severity.
func DefaultOptions() Options {
	return Options{
		CollectSeverity: severity.Error,
		DefaultSeverity: severity.Info,
		SamplerLimit:    traces.DefaultReservoirLimit,
		LockExpiry:      DefaultLockExpiry,
	}
}

// Collector is the entry point for request lifecycle instrumentation. It is
// safe for concurrent use.
type Collector struct {
	logger     *zap.Logger
	clock      clockwork.Clock
	newID      func() string
	serviceKey int64
	lockExpiry time.Duration

	threshold       atomic.Int32
	defaultSeverity atomic.Int32
	noStack         atomic.Bool
	redactor        atomic.Pointer[redact.Redactor]

	tracker      *correlation.Tracker
	transactions *correlation.Transactions
	reservoir    *traces.Reservoir

	collected     atomic.Int64
	userErrors    atomic.Int64
	systemErrors  atomic.Int64
	networkErrors atomic.Int64
	missingCtx    atomic.Int64
}

// New creates a Collector.
func New(opts Options, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = traces.NewID
	}

	c := &Collector{
		logger:     logger,
		clock:      opts.Clock,
		newID:      opts.IDGenerator,
		serviceKey: opts.ServiceKey,
		lockExpiry: opts.LockExpiry,
		reservoir:  traces.NewReservoir(opts.SamplerLimit),
	}
	c.threshold.Store(int32(opts.CollectSeverity))
	c.defaultSeverity.Store(int32(opts.DefaultSeverity))
	c.noStack.Store(opts.NoStack)
	c.redactor.Store(opts.Redactor)

	c.tracker = correlation.NewTracker(opts.Clock, logger.Named("tracker"))
	c.transactions = correlation.NewTransactions(c.reservoir, opts.Clock, logger.Named("transactions"))
	return c
}

// ServerRecv starts tracking an inbound call. Missing ids in the duffel bag
// are generated. It returns the briefcase for the request and the severity
// in effect for it.
func (c *Collector) ServerRecv(p Payload, db DuffelBag) (Briefcase, severity.Level) {
	commID := db.CommunicationID
	if commID == "" {
		commID = c.newID()
	}
	txID := db.TransactionID
	if txID == "" {
		txID = c.newID()
	}

	sev := severity.Effective(db.Severity, c.DefaultSeverity())
	start := db.Timestamp
	if start == 0 {
		start = c.now()
	}

	var parent *int64
	if db.ParentServiceKey != nil {
		parent = traces.Int64(*db.ParentServiceKey)
	}

	c.transactions.Open(txID, c.update(sev))
	c.releaseDisplaced(c.tracker.Track(&correlation.Call{
		CommunicationID: commID,
		TransactionID:   txID,
		Kind:            correlation.ServerCall,
		Protocol:        p.Protocol,
		Action:          p.Action,
		Resource:        c.scrubResource(p.Protocol, p.Resource),
		Host:            p.Host,
		Data:            c.scrubData(p.Data),
		Start:           start,
		ParentKey:       parent,
		Severity:        sev,
	}))

	return Briefcase{Communication: &Communication{ID: commID, TransactionID: txID}}, sev
}

// ServerSend records the response of an inbound call and finalizes it. With
// opts.Skip set, or without an inbound communication, nothing is recorded.
// The returned duffel bag carries the severity to propagate to the caller.
func (c *Collector) ServerSend(p Payload, bc Briefcase, opts SendOptions) DuffelBag {
	txID := bc.TransactionID()
	sev := c.outboundSeverity(p.Severity, txID)
	now := c.now()

	out := DuffelBag{TransactionID: txID, Severity: severity.Ptr(sev), Timestamp: now}
	if bc.Communication != nil {
		out.CommunicationID = bc.Communication.ID
	}
	if opts.Skip || bc.Communication == nil {
		return out
	}

	u := c.update(sev)
	u.Records = []traces.Record{c.serverSendRecord(p, bc.Communication, now)}
	c.transactions.Append(bc.Communication.TransactionID, u)
	c.finishServer(bc.Communication.ID)
	return out
}

// End finalizes the inbound call of the briefcase. Only the first End or
// ServerSend for a communication has any effect.
func (c *Collector) End(bc Briefcase) {
	if bc.Communication == nil {
		return
	}
	c.finishServer(bc.Communication.ID)
}

func (c *Collector) finishServer(communicationID string) {
	call, ok := c.tracker.Resolve(communicationID, correlation.ServerCall)
	if !ok {
		return
	}
	c.transactions.Close(call.TransactionID, correlation.Update{
		Records: []traces.Record{c.callRecord(traces.TypeServerRecv, call)},
	})
}

// ClientSend starts tracking an outbound call. It returns the briefcase
// carrying the client context and the duffel bag to send with the request.
func (c *Collector) ClientSend(p Payload, bc Briefcase) (Briefcase, DuffelBag) {
	commID := c.newID()
	txID := ""
	if bc.Communication != nil {
		txID = bc.Communication.TransactionID
	}
	if txID == "" {
		txID = c.newID()
	}

	sev := c.outboundSeverity(p.Severity, txID)
	now := c.now()

	db := DuffelBag{
		CommunicationID:  commID,
		TransactionID:    txID,
		Severity:         severity.Ptr(sev),
		ParentServiceKey: traces.Int64(c.serviceKey),
		Timestamp:        now,
	}

	c.transactions.Open(txID, c.update(sev))
	c.releaseDisplaced(c.tracker.TrackWithExpiry(&correlation.Call{
		CommunicationID: commID,
		TransactionID:   txID,
		Kind:            correlation.ClientCall,
		Protocol:        p.Protocol,
		Action:          p.Action,
		Resource:        c.scrubResource(p.Protocol, p.Resource),
		Host:            p.Host,
		Data:            c.scrubData(p.Data),
		Start:           now,
		ParentKey:       traces.Int64(c.serviceKey),
		Severity:        sev,
	}, c.lockExpiry, c.expireClient))

	out := bc
	out.ClientContext = &ClientContext{CommunicationID: commID, TransactionID: txID}
	return out, db
}

// releaseDisplaced gives back the open slot of a pending call that was
// replaced by a new call reusing its communication id. The displaced call
// can no longer resolve, so it is closed without a record.
func (c *Collector) releaseDisplaced(prev *correlation.Call) {
	if prev == nil {
		return
	}
	c.logger.Debug("communication id reused while pending",
		zap.String("communication_id", prev.CommunicationID),
		zap.String("transaction_id", prev.TransactionID),
		zap.Stringer("kind", prev.Kind),
	)
	c.transactions.Close(prev.TransactionID, correlation.Update{})
}

// expireClient closes an outbound call that never completed. The call is
// recorded but does not force collection.
func (c *Collector) expireClient(call *correlation.Call) {
	c.transactions.Close(call.TransactionID, correlation.Update{
		Records: []traces.Record{c.callRecord(traces.TypeClientSend, call)},
	})
}

// ClientRecv records the response to an outbound call. The severity reported
// by the callee is folded into the transaction. Without a client context it
// does nothing.
func (c *Collector) ClientRecv(p Payload, db DuffelBag, bc Briefcase) {
	cc := bc.ClientContext
	if cc == nil {
		return
	}

	var u correlation.Update
	switch {
	case db.Severity != nil:
		u = c.update(*db.Severity)
	case p.Severity != nil:
		u = c.update(*p.Severity)
	}

	cr := c.clientRecvRecord(p, cc)
	if call, ok := c.tracker.Resolve(cc.CommunicationID, correlation.ClientCall); ok {
		u.Records = []traces.Record{c.callRecord(traces.TypeClientSend, call), cr}
		c.transactions.Close(call.TransactionID, u)
		return
	}
	u.Records = []traces.Record{cr}
	c.transactions.Append(cc.TransactionID, u)
}

// NetworkError records a failed outbound call and forces its transaction to
// be collected. It returns ErrMissingClientContext when the briefcase has no
// outbound call.
//
// Unless stacks are disabled, the record's stack is the goroutine stack of
// the code calling NetworkError, captured at the moment of the call. It is
// not a stack carried by err.
func (c *Collector) NetworkError(bc Briefcase, err error) error {
	cc := bc.ClientContext
	if cc == nil {
		c.missingCtx.Inc()
		return ErrMissingClientContext
	}
	c.networkErrors.Inc()

	ne := c.networkErrorRecord(cc, err)
	u := correlation.Update{MustCollect: true}
	if call, ok := c.tracker.Resolve(cc.CommunicationID, correlation.ClientCall); ok {
		u.Records = []traces.Record{c.callRecord(traces.TypeClientSend, call), ne}
		c.transactions.Close(call.TransactionID, u)
		return nil
	}
	u.Records = []traces.Record{ne}
	c.transactions.Append(cc.TransactionID, u)
	return nil
}

// UserSentError reports an error the application chose to surface. It is
// always collected. The stack stored with the record is captured here and
// starts at the caller of UserSentError; any stack attached to err is not
// consulted.
func (c *Collector) UserSentError(bc Briefcase, message string, err error) {
	c.userErrors.Inc()
	c.reservoir.Add(c.errorRecord(traces.TypeUserError, bc, message, err))
}

// SystemError reports an unhandled error. It is always collected. As with
// UserSentError, the stored stack is that of the caller reporting the
// error, which may differ from where err was created.
func (c *Collector) SystemError(bc Briefcase, err error) {
	c.systemErrors.Inc()
	c.reservoir.Add(c.errorRecord(traces.TypeSystemError, bc, "", err))
}

// Collect drains the reservoir. Every record is returned at most once.
func (c *Collector) Collect() []traces.Record {
	records := c.reservoir.Drain()
	c.collected.Add(int64(len(records)))
	return records
}

// CollectThreshold returns the least severe level that is still collected.
func (c *Collector) CollectThreshold() severity.Level {
	return severity.Level(c.threshold.Load())
}

// DefaultSeverity returns the severity assumed when none is propagated.
func (c *Collector) DefaultSeverity() severity.Level {
	return severity.Level(c.defaultSeverity.Load())
}

// SetSeverities replaces the collect threshold and default severity. Live
// transactions keep the verdicts already folded into them.
func (c *Collector) SetSeverities(collect, def severity.Level) {
	c.threshold.Store(int32(collect))
	c.defaultSeverity.Store(int32(def))
}

// SetNoStack toggles stack capture for error records.
func (c *Collector) SetNoStack(v bool) {
	c.noStack.Store(v)
}

// SetRedactor replaces the payload redactor. A nil redactor disables
// scrubbing.
func (c *Collector) SetRedactor(r *redact.Redactor) {
	c.redactor.Store(r)
}

// SetSamplerLimit changes the reservoir capacity.
func (c *Collector) SetSamplerLimit(limit int) {
	c.reservoir.SetLimit(limit)
}

// Stats returns a snapshot of the collector's tables and counters.
func (c *Collector) Stats() Stats {
	flushed, discarded, evicted := c.transactions.Counts()
	return Stats{
		OpenTransactions:      c.transactions.Len(),
		PendingCalls:          c.tracker.Pending(),
		FlushedTransactions:   flushed,
		DiscardedTransactions: discarded,
		EvictedTransactions:   evicted,
		ExpiredClientCalls:    c.tracker.Expired(),
		ReservoirSize:         c.reservoir.Size(),
		ReservoirLimit:        c.reservoir.Limit(),
		RecordsSampled:        c.reservoir.Added(),
		RecordsDropped:        c.reservoir.Dropped(),
		RecordsCollected:      c.collected.Load(),
		UserErrors:            c.userErrors.Load(),
		SystemErrors:          c.systemErrors.Load(),
		NetworkErrors:         c.networkErrors.Load(),
		MissingClientContexts: c.missingCtx.Load(),
	}
}

// Sweep reports transactions older than maxAge and, with evict set, drops
// them together with their pending calls. It returns the stale ids.
func (c *Collector) Sweep(maxAge time.Duration, evict bool) []string {
	ids := c.transactions.Stale(maxAge, evict)
	if evict {
		for _, id := range ids {
			c.tracker.DropTransaction(id)
		}
	}
	return ids
}

func (c *Collector) mustCollect(l severity.Level) bool {
	return severity.NewPolicy(c.CollectThreshold()).MustCollect(l)
}

func (c *Collector) update(l severity.Level) correlation.Update {
	return correlation.Update{Severity: severity.Ptr(l), MustCollect: c.mustCollect(l)}
}

// outboundSeverity picks the explicit severity, else the transaction's most
// severe level so far, else the default.
func (c *Collector) outboundSeverity(explicit *severity.Level, txID string) severity.Level {
	if explicit != nil {
		return *explicit
	}
	if txID != "" {
		if l, ok := c.transactions.Severity(txID); ok {
			return l
		}
	}
	return c.DefaultSeverity()
}

func (c *Collector) now() int64 {
	return traces.Micros(c.clock.Now())
}
