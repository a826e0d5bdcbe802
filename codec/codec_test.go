package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type heartbeat struct {
	WorkerID     int32  `json:"worker_id"`
	Host         string `json:"host"`
	RunningTasks int    `json:"running_tasks"`
}

func TestJSONCodec(t *testing.T) {
	c := GetCodec(CodecTypeJSON)
	assert.Equal(t, CodecTypeJSON, c.Type())

	in := &heartbeat{WorkerID: 3, Host: "worker-3", RunningTasks: 7}
	data, err := c.Encode(in)
	require.NoError(t, err)

	var out heartbeat
	require.NoError(t, c.Decode(data, &out))
	assert.Equal(t, *in, out)
}

func TestJSONCodecNilArgument(t *testing.T) {
	data, err := JSONCodec{}.Encode(nil)
	require.NoError(t, err)
	assert.Empty(t, data, "zero-argument calls carry no payload")
}

func TestProtoCodec(t *testing.T) {
	c := GetCodec(CodecTypeProto)
	assert.Equal(t, CodecTypeProto, c.Type())

	data, err := c.Encode(wrapperspb.String("pong"))
	require.NoError(t, err)

	out := &wrapperspb.StringValue{}
	require.NoError(t, c.Decode(data, out))
	assert.Equal(t, "pong", out.GetValue())
}

func TestProtoCodecRejectsPlainStructs(t *testing.T) {
	_, err := ProtoCodec{}.Encode(&heartbeat{})
	assert.Error(t, err)

	err = ProtoCodec{}.Decode(nil, &heartbeat{})
	assert.Error(t, err)
}

func TestParseCodecType(t *testing.T) {
	for name, want := range map[string]CodecType{"": CodecTypeJSON, "JSON": CodecTypeJSON, "proto": CodecTypeProto, "protobuf": CodecTypeProto} {
		got, err := ParseCodecType(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseCodecType("gob")
	assert.Error(t, err)
}
