// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package instrument

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/mbeema/ollytrace/pkg/collector"
)

// Middleware reports every request handled by next as an inbound call. The
// response carries the duffel bag returned by ServerSend so the caller
// learns the transaction's severity. Handlers reach the briefcase through
// BriefcaseFrom(r.Context()).
func Middleware(c *collector.Collector, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bc, _ := c.ServerRecv(collector.Payload{
			Protocol: "http",
			Action:   r.Method,
			Resource: r.URL.Path,
			Host:     r.Host,
		}, Extract(r.Header))

		rw := &responseWriter{ResponseWriter: w, collector: c, bc: bc}
		defer func() {
			if p := recover(); p != nil {
				c.SystemError(bc, fmt.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, p))
				rw.send(http.StatusInternalServerError)
				panic(p)
			}
			rw.finish()
		}()

		next.ServeHTTP(rw, r.WithContext(WithBriefcase(r.Context(), bc)))
	})
}

// responseWriter calls ServerSend as the response headers go out.
type responseWriter struct {
	http.ResponseWriter
	collector *collector.Collector
	bc        collector.Briefcase

	once     sync.Once
	hijacked bool
}

func (w *responseWriter) send(code int) {
	w.once.Do(func() {
		db := w.collector.ServerSend(collector.Payload{
			Protocol: "http",
			Status:   strconv.Itoa(code),
			Data:     map[string]interface{}{"statusCode": code},
			Severity: StatusSeverity(code),
		}, w.bc, collector.SendOptions{})
		Inject(w.Header(), db)
	})
}

// finish runs after the handler returns. A handler that wrote nothing still
// gets an implicit 200 from net/http; a hijacked connection has no response
// to record, so the call just ends.
func (w *responseWriter) finish() {
	if w.hijacked {
		w.once.Do(func() { w.collector.End(w.bc) })
		return
	}
	w.send(http.StatusOK)
}

// Hijack hands the connection to the handler.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.hijacked = true
	return h.Hijack()
}

func (w *responseWriter) WriteHeader(code int) {
	w.send(code)
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.send(http.StatusOK)
	return w.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
