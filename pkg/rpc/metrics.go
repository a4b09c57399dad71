package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds optional Prometheus instrumentation for a Server. Passing a
// *Metrics via ServerOptions.Metrics enables the authentication-failure
// counter; the request, error and latency metrics are recorded only by
// MetricsMiddleware, added with Server.Use. Leave both unset to opt out.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	authFailures    prometheus.Counter
	dispatchLatency prometheus.Histogram
}

// NewMetrics registers RPC server counters and a latency histogram with
// reg and returns a Metrics ready to pass to ServerOptions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_requests_total",
			Help: "Total RPC requests received, labeled by method.",
		}, []string{"method"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_errors_total",
			Help: "Total RPC error responses, labeled by method and error code.",
		}, []string{"method", "code"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpc_auth_failures_total",
			Help: "Total requests rejected at authentication.",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rpc_dispatch_duration_seconds",
			Help:    "Handler dispatch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.requestsTotal, m.errorsTotal, m.authFailures, m.dispatchLatency)
	return m
}

// MetricsMiddleware records per-request counters and dispatch latency; with
// a nil m it just calls next. It is an ordinary Middleware so it composes
// with Server.Use like any other; register it first so elapsed time covers
// the rest of the chain.
func MetricsMiddleware(m *Metrics) Middleware {
	return func(ctx *Context, next NextFunc) (any, *Error) {
		if m == nil {
			return next()
		}
		m.requestsTotal.WithLabelValues(ctx.Request.Method).Inc()
		timer := prometheus.NewTimer(m.dispatchLatency)
		result, rpcErr := next()
		timer.ObserveDuration()
		if rpcErr != nil {
			m.errorsTotal.WithLabelValues(ctx.Request.Method, codeLabel(rpcErr.Code)).Inc()
		}
		return result, rpcErr
	}
}

func codeLabel(code int) string {
	switch code {
	case CodeParseError:
		return "parse_error"
	case CodeInvalidRequest:
		return "invalid_request"
	case CodeMethodNotFound:
		return "method_not_found"
	case CodeInvalidParams:
		return "invalid_params"
	case CodeInternalError:
		return "internal_error"
	case CodeAuthFailed:
		return "auth_failed"
	case CodeTimeout:
		return "timeout"
	case CodeDiscoveryFailed:
		return "discovery_failed"
	case CodeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}
