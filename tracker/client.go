package tracker

import (
	"context"

	"query-rpc/transport"
)

// MethodHeartbeat is the wire name of the heartbeat method.
const MethodHeartbeat = "Heartbeat"

// Client is the typed ResourceTracker client. It runs over any invoker: a
// single transport.Conn, or a discovery-aware client.Client.
type Client struct {
	inv transport.Invoker
}

func NewClient(inv transport.Invoker) *Client {
	return &Client{inv: inv}
}

func (c *Client) Heartbeat(ctx context.Context, hb *NodeHeartbeat) (*HeartbeatResponse, error) {
	resp := new(HeartbeatResponse)
	if err := c.inv.Call(ctx, MethodHeartbeat, hb, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// HeartbeatAsync sends hb without waiting. done, if not nil, receives the
// decoded response or the error once the call resolves.
func (c *Client) HeartbeatAsync(hb *NodeHeartbeat, done func(*HeartbeatResponse, error)) *transport.Call {
	resp := new(HeartbeatResponse)
	var cb func(*transport.Call)
	if done != nil {
		cb = func(call *transport.Call) {
			if call.Error != nil {
				done(nil, call.Error)
				return
			}
			done(resp, nil)
		}
	}
	return c.inv.Go(MethodHeartbeat, hb, resp, cb)
}
