package middleware

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"query-rpc/message"
)

// Recover turns a handler panic into an error response whose trace is the
// stack of the panicking goroutine.
func Recover(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					resp = panicResponse(req, r)
					log.Error("handler panicked", zap.String("method", req.Method), zap.Uint32("call_id", req.CallID), zap.String("error", resp.Error))
				}
			}()
			return next(ctx, req)
		}
	}
}

// panicResponse must be called from the deferred function of the panicking
// goroutine so the captured stack shows the handler.
func panicResponse(req *message.Request, r any) *message.Response {
	err := errors.Errorf("panic: %v", r)
	return message.ErrorResponse(req, err.Error(), fmt.Sprintf("%+v", err))
}
