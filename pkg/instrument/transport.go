// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package instrument

import (
	"net/http"
	"strconv"

	"github.com/mbeema/ollytrace/pkg/collector"
)

// Transport reports outbound requests as client calls. Requests whose
// context carries a briefcase join that transaction; others start their own.
type Transport struct {
	Collector *collector.Collector
	Base      http.RoundTripper
}

// NewTransport wraps base, or http.DefaultTransport when base is nil.
func NewTransport(c *collector.Collector, base http.RoundTripper) *Transport {
	return &Transport{Collector: c, Base: base}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	bc, _ := BriefcaseFrom(req.Context())
	bc, db := t.Collector.ClientSend(collector.Payload{
		Protocol: "http",
		Action:   req.Method,
		Resource: req.URL.Path,
		Host:     req.URL.Host,
	}, bc)

	out := req.Clone(req.Context())
	Inject(out.Header, db)

	resp, err := t.base().RoundTrip(out)
	if err != nil {
		// ClientSend has just set the client context, so the missing
		// context error cannot occur here.
		_ = t.Collector.NetworkError(bc, err)
		return nil, err
	}

	t.Collector.ClientRecv(collector.Payload{
		Protocol: "http",
		Status:   strconv.Itoa(resp.StatusCode),
		Data:     map[string]interface{}{"statusCode": resp.StatusCode},
		Severity: StatusSeverity(resp.StatusCode),
	}, Extract(resp.Header), bc)
	return resp, nil
}

// Client returns an http.Client whose requests are reported to c.
func Client(c *collector.Collector, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: NewTransport(c, base)}
}
