// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"time"

	"github.com/google/uuid"
)

// RecordType is the short type tag carried in a record's "t" key.
type RecordType string

const (
	TypeServerRecv   RecordType = "sr"
	TypeServerSend   RecordType = "ss"
	TypeClientSend   RecordType = "cs"
	TypeClientRecv   RecordType = "cr"
	TypeNetworkError RecordType = "ne"
	TypeUserError    RecordType = "ue"
	TypeSystemError  RecordType = "se"
)

// SpanKind identifies which side of a call a record describes.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "SERVER"
	case SpanKindClient:
		return "CLIENT"
	default:
		return "INTERNAL"
	}
}

// Kind returns the call side the record type belongs to.
func (t RecordType) Kind() SpanKind {
	switch t {
	case TypeServerRecv, TypeServerSend:
		return SpanKindServer
	case TypeClientSend, TypeClientRecv, TypeNetworkError:
		return SpanKindClient
	default:
		return SpanKindInternal
	}
}

// IsError reports whether the record type describes a failure.
func (t RecordType) IsError() bool {
	return t == TypeNetworkError || t == TypeUserError || t == TypeSystemError
}

// Record is the wire unit handed to the reporter. Keys are kept short for
// transport compactness. A Record must not be modified after it is built.
type Record struct {
	Type            RecordType             `json:"t"`
	TransactionID   string                 `json:"r,omitempty"`
	Timestamp       int64                  `json:"i"`
	CommunicationID string                 `json:"p,omitempty"`
	Start           *int64                 `json:"o,omitempty"`
	ParentKey       *int64                 `json:"k,omitempty"`
	Protocol        string                 `json:"c,omitempty"`
	Action          string                 `json:"ac,omitempty"`
	Resource        string                 `json:"e,omitempty"`
	Host            string                 `json:"h,omitempty"`
	Status          string                 `json:"s,omitempty"`
	Data            map[string]interface{} `json:"d,omitempty"`
}

// Time returns the measurement timestamp.
func (r *Record) Time() time.Time {
	return FromMicros(r.Timestamp)
}

// Duration returns the time between call start and measurement for records
// that carry a start timestamp.
func (r *Record) Duration() (time.Duration, bool) {
	if r.Start == nil {
		return 0, false
	}
	return time.Duration(r.Timestamp-*r.Start) * time.Microsecond, true
}

// Micros converts t to the record time unit (microseconds since epoch).
func Micros(t time.Time) int64 {
	return t.UnixMicro()
}

// FromMicros converts a record timestamp back to a time.Time.
func FromMicros(us int64) time.Time {
	return time.UnixMicro(us)
}

// Int64 returns a pointer to v, for optional record keys.
func Int64(v int64) *int64 {
	return &v
}

// NewID generates a random communication or transaction identifier.
func NewID() string {
	return uuid.NewString()
}
