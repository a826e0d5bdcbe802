// Package protocol implements the length-prefixed frame layer of query-rpc.
//
// TCP is a byte stream, so every envelope is wrapped in a frame whose first
// four bytes carry the length of what follows. The receiver reads the length
// first, then exactly that many bytes, which lets it reassemble envelopes
// from arbitrarily split reads.
//
// Frame format:
//
//	0         4
//	┌─────────┬──────────────────────┐
//	│ bodyLen │       body ...       │
//	│ uint32  │   bodyLen bytes      │
//	└─────────┴──────────────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"query-rpc/rpcerr"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4
	// DefaultMaxFrameSize bounds a single envelope unless configured otherwise.
	DefaultMaxFrameSize = 16 * 1024 * 1024
)

// AppendFrame appends the length prefix and body to dst and returns the
// extended slice. Building the frame in one buffer lets the writer issue a
// single Write per frame.
func AppendFrame(dst, body []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}

// WriteFrame writes one complete frame to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different calls interleave and corrupt the stream.
func WriteFrame(w io.Writer, body []byte, maxSize uint32) error {
	if maxSize > 0 && uint32(len(body)) > maxSize {
		return &rpcerr.ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit %d", len(body), maxSize)}
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, HeaderSize+len(body)), body))
	return err
}

// ReadFrame reads one complete frame from r and returns its body.
// A declared length above maxSize is a *rpcerr.ProtocolError; the body is
// not read in that case, so the stream is unusable afterwards.
// io.EOF is returned unchanged when r ends cleanly before a header.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	bodyLen := binary.BigEndian.Uint32(hdr[:])
	if maxSize > 0 && bodyLen > maxSize {
		return nil, &rpcerr.ProtocolError{Reason: fmt.Sprintf("declared frame length %d exceeds limit %d", bodyLen, maxSize)}
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}
