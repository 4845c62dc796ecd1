// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package severity

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is a syslog-style severity. Smaller values are more severe.
type Level int

const (
	Emergency Level = iota
	Alert
	Critical
	Error
	Warning
	Notice
	Info
	Debug
)

var names = [...]string{
	Emergency: "EMERGENCY",
	Alert:     "ALERT",
	Critical:  "CRITICAL",
	Error:     "ERROR",
	Warning:   "WARNING",
	Notice:    "NOTICE",
	Info:      "INFO",
	Debug:     "DEBUG",
}

// aliases maps accepted short forms onto levels.
var aliases = map[string]Level{
	"EMERG": Emergency,
	"CRIT":  Critical,
	"ERR":   Error,
	"WARN":  Warning,
}

func (l Level) String() string {
	if !l.Valid() {
		return "Level(" + strconv.Itoa(int(l)) + ")"
	}
	return names[l]
}

// Valid reports whether l is inside the EMERGENCY..DEBUG range.
func (l Level) Valid() bool {
	return l >= Emergency && l <= Debug
}

// Parse resolves a level name (case-insensitive, aliases allowed) or a
// decimal level number.
func Parse(s string) (Level, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty severity")
	}
	for i, n := range names {
		if n == s {
			return Level(i), nil
		}
	}
	if l, ok := aliases[s]; ok {
		return l, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown severity %q", s)
	}
	if l := Level(n); l.Valid() {
		return l, nil
	}
	return 0, fmt.Errorf("severity %d out of range %d-%d", n, Emergency, Debug)
}

// Ptr returns a pointer to l, for optional severity fields.
func Ptr(l Level) *Level {
	return &l
}

// Effective returns *explicit when present, otherwise fallback.
func Effective(explicit *Level, fallback Level) Level {
	if explicit != nil {
		return *explicit
	}
	return fallback
}

// MostSevere returns whichever of a and b is more severe.
func MostSevere(a, b Level) Level {
	if a < b {
		return a
	}
	return b
}

// Policy decides whether a severity forces a transaction to be collected.
type Policy struct {
	threshold Level
}

// NewPolicy creates a policy that collects everything at or above threshold.
func NewPolicy(threshold Level) Policy {
	return Policy{threshold: threshold}
}

// Threshold returns the configured must-collect severity.
func (p Policy) Threshold() Level {
	return p.threshold
}

// MustCollect reports whether l is at least as severe as the threshold.
func (p Policy) MustCollect(l Level) bool {
	return l <= p.threshold
}
