package middleware

import (
	"context"
	"fmt"
	"time"

	"query-rpc/message"
)

// Timeout answers with an error once the handler has run for longer than
// timeout. The handler keeps running in the background with a cancelled
// context; its eventual result is discarded. A panic in the handler is
// answered like Recover does, since it happens outside the caller's
// goroutine.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- panicResponse(req, r)
					}
				}()
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.ErrorResponse(req, fmt.Sprintf("request timed out after %s", timeout), "")
			}
		}
	}
}
