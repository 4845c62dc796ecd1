// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package collector

import (
	"github.com/mbeema/ollytrace/pkg/severity"
)

// Payload describes one side of a call as seen by instrumentation.
type Payload struct {
	Protocol string
	Action   string
	Resource string
	Host     string
	Status   string
	Data     map[string]interface{}

	// Severity overrides the severity inherited from the transaction.
	Severity *severity.Level
}

// DuffelBag is the correlation context that travels between services with
// a request or response.
type DuffelBag struct {
	CommunicationID  string
	TransactionID    string
	Severity         *severity.Level
	ParentServiceKey *int64
	Timestamp        int64 // microseconds
}

// Communication identifies the inbound call a briefcase belongs to.
type Communication struct {
	ID            string
	TransactionID string
}

// ClientContext identifies the outbound call in flight for a briefcase.
type ClientContext struct {
	CommunicationID string
	TransactionID   string
}

// Briefcase is the correlation context kept locally while a request is
// being handled. Either field may be nil.
type Briefcase struct {
	Communication *Communication
	ClientContext *ClientContext
}

// TransactionID returns the transaction the briefcase belongs to, preferring
// the inbound communication.
func (b Briefcase) TransactionID() string {
	if b.Communication != nil && b.Communication.TransactionID != "" {
		return b.Communication.TransactionID
	}
	if b.ClientContext != nil {
		return b.ClientContext.TransactionID
	}
	return ""
}

// SendOptions modifies ServerSend.
type SendOptions struct {
	// Skip marks that no response was actually produced.
	Skip bool
}

// Stats is a point-in-time view of collector state.
type Stats struct {
	OpenTransactions      int
	PendingCalls          int
	FlushedTransactions   int64
	DiscardedTransactions int64
	EvictedTransactions   int64
	ExpiredClientCalls    int64
	ReservoirSize         int
	ReservoirLimit        int
	RecordsSampled        int64
	RecordsDropped        int64
	RecordsCollected      int64
	UserErrors            int64
	SystemErrors          int64
	NetworkErrors         int64
	MissingClientContexts int64
}
