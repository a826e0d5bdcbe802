package rpcerr

import (
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteErrorMessage(t *testing.T) {
	err := &RemoteError{Service: "ResourceTracker", Addr: "127.0.0.1:7070", Message: "boom"}
	assert.Equal(t, "ResourceTracker(127.0.0.1:7070): boom", err.Error())

	bare := &RemoteError{Message: "boom"}
	assert.Equal(t, "remote error: boom", bare.Error())
}

func TestUnwrapChains(t *testing.T) {
	err := errors.Wrap(&TransportFailure{Addr: "x", Err: io.EOF}, "call")

	var tf *TransportFailure
	require.True(t, errors.As(err, &tf))
	assert.Equal(t, "x", tf.Addr)
	assert.True(t, errors.Is(err, io.EOF))
	assert.True(t, IsFatal(err))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(&ProtocolError{Reason: "frame too large"}))
	assert.False(t, IsFatal(&RemoteError{Message: "boom"}))
	assert.False(t, IsFatal(&TimeoutError{After: time.Second}))
	assert.False(t, IsFatal(nil))
}

func TestTimeoutErrorIsNetTimeout(t *testing.T) {
	var err error = &TimeoutError{Method: "Ping", CallID: 3, After: 100 * time.Millisecond}
	te, ok := err.(interface{ Timeout() bool })
	require.True(t, ok)
	assert.True(t, te.Timeout())
	assert.Contains(t, err.Error(), "Ping")
}
