// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package collector

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mbeema/ollytrace/pkg/correlation"
	"github.com/mbeema/ollytrace/pkg/traces"
)

// Keys of the data map carried by error records.
const (
	DataMessage = "message"
	DataError   = "error"
	DataType    = "type"
	DataStack   = "stack"
)

// errorStackSkip drops errorData, the record builder and the public method
// from captured stacks so they start at the code reporting the error.
const errorStackSkip = 3

// callRecord builds the two-phase record of a finished call: sr for server
// calls, cs for client calls.
func (c *Collector) callRecord(t traces.RecordType, call *correlation.Call) traces.Record {
	return traces.Record{
		Type:            t,
		TransactionID:   call.TransactionID,
		Timestamp:       c.now(),
		CommunicationID: call.CommunicationID,
		Start:           traces.Int64(call.Start),
		ParentKey:       call.ParentKey,
		Protocol:        call.Protocol,
		Action:          call.Action,
		Resource:        call.Resource,
		Host:            call.Host,
		Data:            call.Data,
	}
}

func (c *Collector) serverSendRecord(p Payload, comm *Communication, now int64) traces.Record {
	return traces.Record{
		Type:            traces.TypeServerSend,
		TransactionID:   comm.TransactionID,
		Timestamp:       now,
		CommunicationID: comm.ID,
		Protocol:        p.Protocol,
		Status:          p.Status,
		Data:            c.scrubData(p.Data),
	}
}

func (c *Collector) clientRecvRecord(p Payload, cc *ClientContext) traces.Record {
	return traces.Record{
		Type:            traces.TypeClientRecv,
		TransactionID:   cc.TransactionID,
		Timestamp:       c.now(),
		CommunicationID: cc.CommunicationID,
		Protocol:        p.Protocol,
		Status:          p.Status,
		Data:            c.scrubData(p.Data),
	}
}

func (c *Collector) networkErrorRecord(cc *ClientContext, err error) traces.Record {
	return traces.Record{
		Type:            traces.TypeNetworkError,
		TransactionID:   cc.TransactionID,
		Timestamp:       c.now(),
		CommunicationID: cc.CommunicationID,
		Data:            c.errorData("", err),
	}
}

func (c *Collector) errorRecord(t traces.RecordType, bc Briefcase, message string, err error) traces.Record {
	return traces.Record{
		Type:          t,
		TransactionID: bc.TransactionID(),
		Timestamp:     c.now(),
		Data:          c.errorData(message, err),
	}
}

// errorData describes err for an error record. A user message, when given,
// takes the message key and the error text moves to the error key.
func (c *Collector) errorData(message string, err error) map[string]interface{} {
	d := make(map[string]interface{}, 4)

	text := ""
	if err != nil {
		text = err.Error()
		d[DataType] = fmt.Sprintf("%T", err)
	}
	if message != "" {
		d[DataMessage] = c.redactor.Load().Redact(message)
		if err != nil {
			d[DataError] = c.redactor.Load().Redact(text)
		}
	} else {
		d[DataMessage] = c.redactor.Load().Redact(text)
	}

	if !c.noStack.Load() {
		d[DataStack] = zap.StackSkip("", errorStackSkip).String
	}
	return d
}

func (c *Collector) scrubData(data map[string]interface{}) map[string]interface{} {
	if len(data) == 0 {
		return nil
	}
	return c.redactor.Load().RedactData(data)
}

func (c *Collector) scrubResource(protocol, resource string) string {
	if resource == "" {
		return resource
	}
	return c.redactor.Load().Resource(protocol, resource)
}
