// Package message defines the envelopes exchanged between client and server.
//
// An envelope is the self-delimiting unit carrying one request, one response
// or one keepalive. Envelopes are encoded by this package and wrapped in a
// length-prefixed frame (package protocol) for transmission over TCP.
package message

// Kind is the first byte of every encoded envelope.
type Kind byte

const (
	KindRequest   Kind = 0x01 // Client → Server call
	KindResponse  Kind = 0x02 // Server → Client result or error
	KindHeartbeat Kind = 0x03 // Keepalive probe, no fields
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Request carries one call.
//
// Payload is the serialized argument; it is empty for zero-argument calls.
// A Request is not modified after it is built.
type Request struct {
	CallID  uint32
	Method  string
	Payload []byte
}

// Response carries the outcome of one call, correlated by CallID.
//
// A well-formed response holds either a payload or an error, never both.
// ErrorTrace is optional text (typically a stack trace) attached to an error.
type Response struct {
	CallID     uint32
	Method     string
	Payload    []byte
	Error      string
	ErrorTrace string
	HasError   bool
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool {
	return r.HasError
}

// ErrorResponse builds the error response for req.
func ErrorResponse(req *Request, msg, trace string) *Response {
	return &Response{
		CallID:     req.CallID,
		Method:     req.Method,
		Error:      msg,
		ErrorTrace: trace,
		HasError:   true,
	}
}

// ReplyTo builds the successful response for req.
func ReplyTo(req *Request, payload []byte) *Response {
	return &Response{
		CallID:  req.CallID,
		Method:  req.Method,
		Payload: payload,
	}
}
