package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"query-rpc/message"
)

// RateLimit rejects requests beyond r per second, allowing bursts of up to
// burst requests (token bucket).
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.ErrorResponse(req, "rate limit exceeded", "")
			}
			return next(ctx, req)
		}
	}
}
