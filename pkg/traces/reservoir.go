// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// DefaultReservoirLimit is used when no positive limit is configured.
const DefaultReservoirLimit = 10000

// Reservoir is the bounded output queue between flushed transactions and the
// reporter. Once full it keeps a uniform random sample of everything added
// since the last drain (Algorithm R):
//  1. the first limit records are kept as they arrive
//  2. the n-th record replaces slot j, j uniform in [0, n), when j < limit
type Reservoir struct {
	mu      sync.Mutex
	limit   int
	seen    int64
	records []Record
	rng     *rand.Rand

	added   atomic.Int64
	dropped atomic.Int64
}

// NewReservoir creates a reservoir holding at most limit records.
func NewReservoir(limit int) *Reservoir {
	return newReservoir(limit, rand.NewSource(time.Now().UnixNano()))
}

func newReservoir(limit int, src rand.Source) *Reservoir {
	if limit <= 0 {
		limit = DefaultReservoirLimit
	}
	return &Reservoir{
		limit:   limit,
		records: make([]Record, 0, initialCapacity(limit)),
		rng:     rand.New(src),
	}
}

func initialCapacity(limit int) int {
	if limit > 1024 {
		return 1024
	}
	return limit
}

// Add offers records to the reservoir in order.
func (r *Reservoir) Add(records ...Record) {
	if len(records) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		r.seen++
		r.added.Inc()

		if len(r.records) < r.limit {
			r.records = append(r.records, rec)
			continue
		}

		// Every record beyond the limit costs exactly one record: either
		// the newcomer or the one it replaces.
		r.dropped.Inc()
		if j := r.rng.Int63n(r.seen); j < int64(r.limit) {
			r.records[j] = rec
		}
	}
}

// Drain empties the reservoir and returns its contents. Each record is
// returned by at most one Drain.
func (r *Reservoir) Drain() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.records
	r.records = make([]Record, 0, initialCapacity(r.limit))
	r.seen = 0
	return out
}

// Size returns the number of records waiting to be drained.
func (r *Reservoir) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Limit returns the reservoir capacity.
func (r *Reservoir) Limit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limit
}

// SetLimit changes the capacity. Shrinking discards a random subset so the
// remaining records stay a uniform sample.
func (r *Reservoir) SetLimit(limit int) {
	if limit <= 0 {
		limit = DefaultReservoirLimit
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.limit = limit
	if len(r.records) <= limit {
		return
	}
	r.rng.Shuffle(len(r.records), func(i, j int) {
		r.records[i], r.records[j] = r.records[j], r.records[i]
	})
	r.dropped.Add(int64(len(r.records) - limit))
	r.records = r.records[:limit]
}

// Added returns the number of records ever offered.
func (r *Reservoir) Added() int64 {
	return r.added.Load()
}

// Dropped returns the number of records lost to sampling.
func (r *Reservoir) Dropped() int64 {
	return r.dropped.Load()
}
