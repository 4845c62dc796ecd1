// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package instrument

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"

	"github.com/mbeema/ollytrace/pkg/collector"
)

// ReverseProxy forwards every request to target. The inbound request and the
// forwarded one are reported as the server and client call of one
// transaction, so a service can be traced without changing its code.
func ReverseProxy(c *collector.Collector, target *url.URL, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := httputil.NewSingleHostReverseProxy(target)
	p.Transport = NewTransport(c, nil)
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Debug("upstream request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		w.WriteHeader(http.StatusBadGateway)
	}
	return Middleware(c, p)
}
