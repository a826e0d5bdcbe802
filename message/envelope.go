package message

import (
	"encoding/binary"
	"fmt"
	"math"

	"query-rpc/rpcerr"
)

// Envelope layout (all integers big-endian):
//
//	request   : kind | callID u32 | methodLen u16 | method | payloadLen u32 | payload
//	response  : kind | callID u32 | methodLen u16 | method | payloadLen u32 | payload
//	            | errFlag u8 | [errLen u32 | err | traceLen u32 | trace]
//	heartbeat : kind
//
// The encoding is canonical: decoding and re-encoding any accepted envelope
// yields the same bytes. Trailing bytes are rejected for that reason.

// EncodeRequest encodes a request envelope.
func EncodeRequest(callID uint32, method string, payload []byte) ([]byte, error) {
	if len(method) > math.MaxUint16 {
		return nil, &rpcerr.ProtocolError{Reason: fmt.Sprintf("method name of %d bytes is too long", len(method))}
	}
	buf := make([]byte, 0, 1+4+2+len(method)+4+len(payload))
	buf = append(buf, byte(KindRequest))
	buf = binary.BigEndian.AppendUint32(buf, callID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(method)))
	buf = append(buf, method...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// EncodeResponse encodes a response envelope. An error response never
// carries payload bytes.
func EncodeResponse(resp *Response) ([]byte, error) {
	if len(resp.Method) > math.MaxUint16 {
		return nil, &rpcerr.ProtocolError{Reason: fmt.Sprintf("method name of %d bytes is too long", len(resp.Method))}
	}
	payload := resp.Payload
	if resp.HasError {
		payload = nil
	}
	size := 1 + 4 + 2 + len(resp.Method) + 4 + len(payload) + 1
	if resp.HasError {
		size += 4 + len(resp.Error) + 4 + len(resp.ErrorTrace)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(KindResponse))
	buf = binary.BigEndian.AppendUint32(buf, resp.CallID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(resp.Method)))
	buf = append(buf, resp.Method...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	if !resp.HasError {
		return append(buf, 0), nil
	}
	buf = append(buf, 1)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(resp.Error)))
	buf = append(buf, resp.Error...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(resp.ErrorTrace)))
	buf = append(buf, resp.ErrorTrace...)
	return buf, nil
}

// EncodeHeartbeat encodes a keepalive envelope.
func EncodeHeartbeat() []byte {
	return []byte{byte(KindHeartbeat)}
}

// Peek returns the kind of an encoded envelope without decoding it.
func Peek(data []byte) (Kind, error) {
	if len(data) == 0 {
		return 0, &rpcerr.ProtocolError{Reason: "empty envelope"}
	}
	k := Kind(data[0])
	switch k {
	case KindRequest, KindResponse:
		return k, nil
	case KindHeartbeat:
		if len(data) != 1 {
			return 0, &rpcerr.ProtocolError{Reason: fmt.Sprintf("%d trailing bytes after heartbeat", len(data)-1)}
		}
		return k, nil
	}
	return 0, &rpcerr.ProtocolError{Reason: fmt.Sprintf("unknown envelope kind 0x%02x", data[0])}
}

// DecodeRequest decodes a request envelope.
func DecodeRequest(data []byte) (*Request, error) {
	d := decoder{buf: data}
	d.expectKind(KindRequest)
	req := &Request{
		CallID: d.readUint32(),
		Method: d.readString16(),
	}
	req.Payload = d.readBytes32()
	d.end()
	if d.err != nil {
		return nil, d.err
	}
	return req, nil
}

// DecodeResponse decodes a response envelope.
func DecodeResponse(data []byte) (*Response, error) {
	d := decoder{buf: data}
	d.expectKind(KindResponse)
	resp := &Response{
		CallID: d.readUint32(),
		Method: d.readString16(),
	}
	resp.Payload = d.readBytes32()
	switch flag := d.readByte(); {
	case d.err != nil:
	case flag == 0:
	case flag == 1:
		if len(resp.Payload) > 0 {
			d.fail("error response carries a payload")
			break
		}
		resp.HasError = true
		resp.Error = string(d.readBytes32())
		resp.ErrorTrace = string(d.readBytes32())
	default:
		d.fail(fmt.Sprintf("invalid error flag %d", flag))
	}
	d.end()
	if d.err != nil {
		return nil, d.err
	}
	return resp, nil
}

// decoder walks an envelope. The first failure sticks; later reads are no-ops.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(reason string) {
	if d.err == nil {
		d.err = &rpcerr.ProtocolError{Reason: reason}
	}
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if len(d.buf)-d.off < n {
		d.fail(fmt.Sprintf("truncated envelope: need %d bytes at offset %d, have %d", n, d.off, len(d.buf)-d.off))
		return false
	}
	return true
}

func (d *decoder) expectKind(want Kind) {
	if !d.need(1) {
		return
	}
	if got := Kind(d.buf[d.off]); got != want {
		d.fail(fmt.Sprintf("expected %s envelope, got %s", want, got))
		return
	}
	d.off++
}

func (d *decoder) readByte() byte {
	if !d.need(1) {
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

func (d *decoder) readUint32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) readString16() string {
	if !d.need(2) {
		return ""
	}
	n := int(binary.BigEndian.Uint16(d.buf[d.off:]))
	d.off += 2
	if !d.need(n) {
		return ""
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s
}

// readBytes32 returns a copy so the envelope buffer can be reused.
func (d *decoder) readBytes32() []byte {
	n := int(d.readUint32())
	if !d.need(n) || n == 0 {
		return nil
	}
	b := make([]byte, n)
	copy(b, d.buf[d.off:d.off+n])
	d.off += n
	return b
}

func (d *decoder) end() {
	if d.err == nil && d.off != len(d.buf) {
		d.fail(fmt.Sprintf("%d trailing bytes after envelope", len(d.buf)-d.off))
	}
}
