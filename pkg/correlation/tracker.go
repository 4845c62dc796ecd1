// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package correlation

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/mbeema/ollytrace/pkg/severity"
)

// CallKind tells which side of a communication a pending call represents.
type CallKind int

const (
	ServerCall CallKind = iota
	ClientCall
)

func (k CallKind) String() string {
	if k == ClientCall {
		return "client"
	}
	return "server"
}

// Call is an in-flight communication awaiting its closing event.
type Call struct {
	CommunicationID string
	TransactionID   string
	Kind            CallKind

	Protocol string
	Action   string
	Resource string
	Host     string
	Data     map[string]interface{}

	Start     int64  // microseconds
	ParentKey *int64 // service key of the caller, server calls only
	Severity  severity.Level
	CreatedAt time.Time

	timer clockwork.Timer
}

// Tracker holds pending calls keyed by communication id. Exactly one of
// Resolve or the lock-expiry timer wins each entry.
type Tracker struct {
	logger *zap.Logger
	clock  clockwork.Clock

	mu      sync.Mutex
	pending map[string]*Call

	expired int64
}

// NewTracker creates an empty tracker.
func NewTracker(clock clockwork.Clock, logger *zap.Logger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		logger:  logger,
		clock:   clock,
		pending: make(map[string]*Call),
	}
}

// Track registers a call with no expiry. See TrackWithExpiry for the
// returned call.
func (t *Tracker) Track(call *Call) *Call {
	return t.TrackWithExpiry(call, 0, nil)
}

// TrackWithExpiry registers a call. If ttl is positive and the call is still
// pending when it elapses, the call is removed and onExpire runs with it.
// A later call with the same communication id replaces an earlier one; the
// displaced call is returned, with its timer stopped, and will never be
// resolved. It returns nil when nothing was displaced.
func (t *Tracker) TrackWithExpiry(call *Call, ttl time.Duration, onExpire func(*Call)) *Call {
	if call.CreatedAt.IsZero() {
		call.CreatedAt = t.clock.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.pending[call.CommunicationID]
	if prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	t.pending[call.CommunicationID] = call
	if ttl > 0 && onExpire != nil {
		call.timer = t.clock.AfterFunc(ttl, func() { t.expire(call, onExpire) })
	}
	return prev
}

func (t *Tracker) expire(call *Call, onExpire func(*Call)) {
	t.mu.Lock()
	cur, ok := t.pending[call.CommunicationID]
	if !ok || cur != call {
		t.mu.Unlock()
		return
	}
	delete(t.pending, call.CommunicationID)
	t.expired++
	t.mu.Unlock()

	t.logger.Debug("pending call expired",
		zap.String("communication_id", call.CommunicationID),
		zap.String("transaction_id", call.TransactionID),
		zap.Stringer("kind", call.Kind),
	)
	onExpire(call)
}

// Resolve removes and returns the pending call with the given id and kind.
func (t *Tracker) Resolve(communicationID string, kind CallKind) (*Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.pending[communicationID]
	if !ok || call.Kind != kind {
		return nil, false
	}
	delete(t.pending, communicationID)
	if call.timer != nil {
		call.timer.Stop()
	}
	return call, true
}

// DropTransaction removes every pending call of a transaction and returns
// how many were dropped. Their timers are stopped.
func (t *Tracker) DropTransaction(transactionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, call := range t.pending {
		if call.TransactionID != transactionID {
			continue
		}
		if call.timer != nil {
			call.timer.Stop()
		}
		delete(t.pending, id)
		removed++
	}
	return removed
}

// Pending returns the number of calls awaiting resolution.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	n := len(t.pending)
	t.mu.Unlock()
	return n
}

// Expired returns how many calls were finalized by lock expiry.
func (t *Tracker) Expired() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}
