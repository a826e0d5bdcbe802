// Package middleware wraps server-side request handling.
//
// A Middleware decorates a HandlerFunc. Chain(A, B, C)(h) yields
// A(B(C(h))), so A runs first on the way in and last on the way out.
package middleware

import (
	"context"

	"query-rpc/message"
)

// HandlerFunc produces the response for one request. It never returns nil.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, the first being outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
