package server

import (
	"context"

	"github.com/pkg/errors"

	"query-rpc/codec"
)

// MethodHandler serves one method. It receives the raw request payload and
// returns the raw response payload; cdc is the server's payload codec.
type MethodHandler func(ctx context.Context, payload []byte, cdc codec.Codec) ([]byte, error)

// MethodDesc binds a wire method name to its handler.
type MethodDesc struct {
	Name    string
	Handler MethodHandler
}

// ServiceDesc statically describes the contract a server answers for.
// Typed clients and servers share one ServiceDesc per contract, so method
// names never drift apart.
type ServiceDesc struct {
	Name    string
	Methods []MethodDesc
}

func (d *ServiceDesc) validate() error {
	if d.Name == "" {
		return errors.New("service descriptor without a name")
	}
	seen := make(map[string]bool, len(d.Methods))
	for _, m := range d.Methods {
		switch {
		case m.Name == "":
			return errors.Errorf("service %s: method without a name", d.Name)
		case m.Handler == nil:
			return errors.Errorf("service %s: method %s has no handler", d.Name, m.Name)
		case seen[m.Name]:
			return errors.Errorf("service %s: duplicate method %s", d.Name, m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// Unary adapts a typed function to a MethodHandler. An empty payload
// leaves the request at its zero value; a nil response is sent without
// payload.
func Unary[Req, Resp any](fn func(ctx context.Context, req *Req) (*Resp, error)) MethodHandler {
	return func(ctx context.Context, payload []byte, cdc codec.Codec) ([]byte, error) {
		req := new(Req)
		if len(payload) > 0 {
			if err := cdc.Decode(payload, req); err != nil {
				return nil, errors.Wrap(err, "decode request")
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, nil
		}
		out, err := cdc.Encode(resp)
		return out, errors.Wrap(err, "encode response")
	}
}
