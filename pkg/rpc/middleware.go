package rpc

import (
	"log/slog"
	"time"

	"github.com/agentmesh/trustcore/internal/platform/privacylog"
	"github.com/agentmesh/trustcore/internal/platform/ratelimiter"
)

// RateLimitOptions configures the token-bucket rate limiter middleware.
// MaxRequests tokens refill continuously over WindowMillis, with burst
// equal to MaxRequests, matching the "N requests per window" framing of
// a sliding window without the memory cost of tracking a request log.
type RateLimitOptions struct {
	MaxRequests  int
	WindowMillis int64
	IdleEvict    time.Duration
}

// RateLimitMiddleware limits requests per authenticated AID (falling back
// to "anonymous" when auth is disabled). Requests beyond the bucket's
// capacity fail immediately with CodeRateLimited without reaching the
// handler.
func RateLimitMiddleware(opts RateLimitOptions) Middleware {
	rps := float64(opts.MaxRequests) / (float64(opts.WindowMillis) / 1000.0)
	limiter := ratelimiter.New(rps, opts.MaxRequests, opts.IdleEvict)
	return func(ctx *Context, next NextFunc) (any, *Error) {
		key := ctx.From
		if key == "" {
			key = "anonymous"
		}
		if !limiter.Allow(key, time.Now()) {
			return nil, errRateLimited()
		}
		return next()
	}
}

// LoggingMiddleware logs method, caller AID, and elapsed time through a
// redacting slog handler, never altering the response it observes.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	logger = slog.New(privacylog.WrapHandler(logger.Handler()))
	return func(ctx *Context, next NextFunc) (any, *Error) {
		start := time.Now()
		result, rpcErr := next()
		elapsed := time.Since(start)
		if rpcErr != nil {
			logger.Warn("rpc call failed",
				"method", ctx.Request.Method,
				"from", ctx.From,
				"elapsed_ms", elapsed.Milliseconds(),
				"code", rpcErr.Code,
			)
		} else {
			logger.Info("rpc call",
				"method", ctx.Request.Method,
				"from", ctx.From,
				"elapsed_ms", elapsed.Milliseconds(),
			)
		}
		return result, rpcErr
	}
}
