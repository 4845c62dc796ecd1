// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CircuitState is the state of one exporter's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // batches flow
	CircuitOpen                         // batches are shed
	CircuitHalfOpen                     // one trial batch in flight
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// severity orders states for aggregation: open outranks half-open, which
// outranks closed.
func (s CircuitState) severity() int {
	switch s {
	case CircuitOpen:
		return 2
	case CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

// worstState folds the states of several breakers into the one reported
// for the manager as a whole.
func worstState(breakers []*CircuitBreaker) CircuitState {
	worst := CircuitClosed
	for _, cb := range breakers {
		if s := cb.State(); s.severity() > worst.severity() {
			worst = s
		}
	}
	return worst
}

// CircuitBreaker guards a single exporter. It counts consecutive failed
// export attempts and, once the threshold is reached, sheds whole record
// batches until the cooldown has passed. After the cooldown exactly one
// batch is admitted as a trial; its outcome closes or reopens the circuit.
type CircuitBreaker struct {
	clock     clockwork.Clock
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	consecutive int
	openedAt    time.Time
	trial       bool
	shed        int64
}

// NewCircuitBreaker creates a breaker on the wall clock that opens after
// threshold consecutive failures and stays open for cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return newCircuitBreaker(threshold, cooldown, clockwork.NewRealClock())
}

func newCircuitBreaker(threshold int, cooldown time.Duration, clock clockwork.Clock) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{clock: clock, threshold: threshold, cooldown: cooldown}
}

// Admit reports whether a batch of n records may be sent. A refused batch
// is added to the shed count.
func (cb *CircuitBreaker) Admit(n int) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.settleLocked()
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if !cb.trial {
			cb.trial = true
			return true
		}
	}
	cb.shed += int64(n)
	return false
}

// Done records the outcome of one export attempt.
func (cb *CircuitBreaker) Done(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.state = CircuitClosed
		cb.consecutive = 0
		cb.trial = false
		return
	}
	cb.consecutive++
	if cb.state == CircuitHalfOpen || cb.consecutive >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = cb.clock.Now()
		cb.trial = false
	}
}

// Tripped reports whether the circuit is open right now, without letting
// an elapsed cooldown move it to half-open.
func (cb *CircuitBreaker) Tripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == CircuitOpen
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.settleLocked()
	return cb.state
}

// Consecutive returns the number of failures since the last success.
func (cb *CircuitBreaker) Consecutive() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutive
}

// Shed returns the number of records refused while the circuit was open.
func (cb *CircuitBreaker) Shed() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.shed
}

func (cb *CircuitBreaker) settleLocked() {
	if cb.state == CircuitOpen && cb.clock.Since(cb.openedAt) >= cb.cooldown {
		cb.state = CircuitHalfOpen
		cb.trial = false
	}
}
