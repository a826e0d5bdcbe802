// Package rpcerr defines the error taxonomy of the RPC layer.
//
// Every error a caller can observe as the result of a call is one of the
// types below (possibly wrapped). Use errors.As to inspect them:
//
//	var remote *rpcerr.RemoteError
//	if errors.As(err, &remote) {
//		log.Println(remote.Message, remote.Trace)
//	}
package rpcerr

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ConnectError is returned when a destination stays unreachable after all
// configured connect attempts. The transport does not retry it any further.
type ConnectError struct {
	Addr     string
	Attempts int
	Err      error // last dial error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: giving up after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or oversized frame, or an envelope that
// cannot be decoded. It is fatal to the connection it was observed on.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteError is the result of a call whose handler failed on the peer.
// Message is the text reported by the peer, verbatim. Trace is the optional
// textual stack trace the peer attached.
type RemoteError struct {
	Service string // contract name, may be empty
	Addr    string // peer address, may be empty
	Method string
	Message string
	Trace   string
}

func (e *RemoteError) Error() string {
	if e.Service != "" && e.Addr != "" {
		return fmt.Sprintf("%s(%s): %s", e.Service, e.Addr, e.Message)
	}
	if e.Addr != "" {
		return fmt.Sprintf("remote %s: %s", e.Addr, e.Message)
	}
	return "remote error: " + e.Message
}

// TransportFailure resolves every call that was outstanding when its
// connection died, and every call issued on a connection already dead.
type TransportFailure struct {
	Addr string
	Err  error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("transport failure on %s: %v", e.Addr, e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }

// TimeoutError is returned when a blocking call was not resolved within its
// deadline. It is local only: the peer may still execute the request.
type TimeoutError struct {
	Method string
	CallID uint32
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %d (%s) timed out after %s", e.CallID, e.Method, e.After)
}

// Timeout makes TimeoutError look like a net.Error timeout.
func (e *TimeoutError) Timeout() bool { return true }

// Temporary reports true: the same call may succeed later.
func (e *TimeoutError) Temporary() bool { return true }

// DecodeError is returned when a response payload does not decode into the
// reply value the caller supplied. The connection stays usable.
type DecodeError struct {
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode response of %s: %v", e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsFatal reports whether err means the connection it came from is no
// longer usable.
func IsFatal(err error) bool {
	var perr *ProtocolError
	var tf *TransportFailure
	return errors.As(err, &perr) || errors.As(err, &tf)
}
