// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package collector

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultStaleAfter is the age at which an open transaction is reported.
const DefaultStaleAfter = 10 * time.Minute

// Janitor periodically looks for transactions that never quiesced. A
// transaction stays open while any of its calls is unresolved, so a lost
// End keeps its buffer alive indefinitely.
type Janitor struct {
	logger     *zap.Logger
	collector  *Collector
	cron       *cron.Cron
	schedule   string
	staleAfter time.Duration
	evict      bool
}

// NewJanitor schedules sweeps of c. schedule is a cron expression or a
// descriptor such as "@every 1m".
func NewJanitor(c *Collector, schedule string, staleAfter time.Duration, evict bool, logger *zap.Logger) (*Janitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	j := &Janitor{
		logger:     logger,
		collector:  c,
		cron:       cron.New(),
		schedule:   schedule,
		staleAfter: staleAfter,
		evict:      evict,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.Sweep() }); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins running sweeps on schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("transaction janitor scheduled",
		zap.String("schedule", j.schedule),
		zap.Duration("stale_after", j.staleAfter),
		zap.Bool("evict", j.evict),
	)
}

// Stop cancels future sweeps and waits for a running one to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep runs one pass and returns the number of stale transactions found.
func (j *Janitor) Sweep() int {
	ids := j.collector.Sweep(j.staleAfter, j.evict)
	if len(ids) == 0 {
		return 0
	}

	fields := []zap.Field{
		zap.Int("count", len(ids)),
		zap.Duration("stale_after", j.staleAfter),
		zap.Bool("evicted", j.evict),
	}
	if len(ids) <= 10 {
		fields = append(fields, zap.Strings("transaction_ids", ids))
	}
	j.logger.Warn("stale transactions", fields...)
	return len(ids)
}
