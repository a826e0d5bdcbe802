package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"query-rpc/message"
)

// Logging logs every request with its duration. Failed requests are logged
// at warn level with the error text.
func Logging(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Uint32("call_id", req.CallID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				log.Warn("request failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				log.Debug("request served", fields...)
			}
			return resp
		}
	}
}
