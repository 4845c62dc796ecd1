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
	"github.com/mbeema/ollytrace/pkg/traces"
)

// Sink receives the records of a must-collect transaction when it quiesces.
type Sink interface {
	Add(records ...traces.Record)
}

// Update is the change one lifecycle event applies to a transaction.
type Update struct {
	Records     []traces.Record
	Severity    *severity.Level
	MustCollect bool
}

type transaction struct {
	open        int
	mustCollect bool
	severity    severity.Level
	hasSeverity bool
	buffer      []traces.Record
	createdAt   time.Time
}

func (tx *transaction) apply(u Update) {
	tx.buffer = append(tx.buffer, u.Records...)
	if u.MustCollect {
		tx.mustCollect = true
	}
	if u.Severity != nil {
		if tx.hasSeverity {
			tx.severity = severity.MostSevere(tx.severity, *u.Severity)
		} else {
			tx.severity = *u.Severity
			tx.hasSeverity = true
		}
	}
}

// Transactions aggregates records per transaction until no call of the
// transaction is open, then flushes the buffer to the sink when the
// transaction must be collected or discards it otherwise.
type Transactions struct {
	logger *zap.Logger
	clock  clockwork.Clock
	sink   Sink

	mu      sync.Mutex
	entries map[string]*transaction

	flushed   int64
	discarded int64
	evicted   int64
}

// NewTransactions creates an empty aggregator that flushes into sink.
func NewTransactions(sink Sink, clock clockwork.Clock, logger *zap.Logger) *Transactions {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transactions{
		logger:  logger,
		clock:   clock,
		sink:    sink,
		entries: make(map[string]*transaction),
	}
}

// Open marks one more call of the transaction as in flight.
func (t *Transactions) Open(id string, u Update) {
	t.mu.Lock()
	tx := t.getOrCreate(id)
	tx.open++
	tx.apply(u)
	t.mu.Unlock()
}

// Append records data against the transaction without changing its open
// count. A transaction with nothing open flushes immediately.
func (t *Transactions) Append(id string, u Update) {
	t.mu.Lock()
	tx := t.getOrCreate(id)
	tx.apply(u)
	out, keep := t.settle(id, tx)
	t.mu.Unlock()

	t.emit(id, out, keep)
}

// Close applies the update and ends one in-flight call of the transaction.
func (t *Transactions) Close(id string, u Update) {
	t.mu.Lock()
	tx := t.getOrCreate(id)
	tx.apply(u)
	if tx.open > 0 {
		tx.open--
	}
	out, keep := t.settle(id, tx)
	t.mu.Unlock()

	t.emit(id, out, keep)
}

// Severity returns the most severe level seen on the transaction so far.
func (t *Transactions) Severity(id string) (severity.Level, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, ok := t.entries[id]
	if !ok || !tx.hasSeverity {
		return 0, false
	}
	return tx.severity, true
}

// MustCollect reports whether the live transaction has been marked for collection.
func (t *Transactions) MustCollect(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, ok := t.entries[id]
	return ok && tx.mustCollect
}

// Len returns the number of live transactions.
func (t *Transactions) Len() int {
	t.mu.Lock()
	n := len(t.entries)
	t.mu.Unlock()
	return n
}

// Stale returns the ids of transactions created more than maxAge ago. With
// evict set they are removed and their buffers discarded.
func (t *Transactions) Stale(maxAge time.Duration, evict bool) []string {
	cutoff := t.clock.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, tx := range t.entries {
		if !tx.createdAt.Before(cutoff) {
			continue
		}
		ids = append(ids, id)
		if evict {
			delete(t.entries, id)
			t.evicted++
		}
	}
	return ids
}

// Counts returns the number of flushed, discarded and evicted transactions.
func (t *Transactions) Counts() (flushed, discarded, evicted int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushed, t.discarded, t.evicted
}

func (t *Transactions) getOrCreate(id string) *transaction {
	tx, ok := t.entries[id]
	if !ok {
		tx = &transaction{createdAt: t.clock.Now()}
		t.entries[id] = tx
	}
	return tx
}

// settle destroys a quiescent transaction. Callers hold t.mu.
func (t *Transactions) settle(id string, tx *transaction) ([]traces.Record, bool) {
	if tx.open > 0 {
		return nil, false
	}
	delete(t.entries, id)
	if tx.mustCollect {
		t.flushed++
		return tx.buffer, true
	}
	t.discarded++
	return tx.buffer, false
}

// emit hands a settled buffer to the sink outside the table lock.
func (t *Transactions) emit(id string, records []traces.Record, keep bool) {
	if !keep {
		if len(records) > 0 {
			t.logger.Debug("transaction discarded",
				zap.String("transaction_id", id),
				zap.Int("records", len(records)),
			)
		}
		return
	}
	t.logger.Debug("transaction flushed",
		zap.String("transaction_id", id),
		zap.Int("records", len(records)),
	)
	if len(records) > 0 && t.sink != nil {
		t.sink.Add(records...)
	}
}
