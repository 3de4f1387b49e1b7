package uavcanreg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyphal/pkg/register"
)

func TestValueCodecShapes(t *testing.T) {
	cases := []register.Value{
		register.Empty(),
		register.String("uavcan.node.description"),
		register.Unstructured([]byte{0, 1, 2, 254, 255}),
		register.Bit(true, false, true, true, false, false, true, false, true),
		register.Integer(-1, 0, 1<<62),
		register.Real(3.14159, -2.5),
	}
	for _, v := range cases {
		buf := AppendValue(nil, v)
		got, rest, err := ParseValue(buf)
		require.NoError(t, err, v.Kind().String())
		assert.Empty(t, rest)
		assert.True(t, register.Equal(v, got), "roundtrip for %s", v.Kind())
	}
}

func TestValueCodecUnsupportedTag(t *testing.T) {
	_, _, err := ParseValue([]byte{13, 1, 0, 0}) // real32: not modeled
	assert.ErrorIs(t, err, ErrUnsupportedTag)
}

func TestListCodec(t *testing.T) {
	req, err := ParseListRequest(ListRequest{Index: 513}.Marshal())
	require.NoError(t, err)
	assert.Equal(t, uint16(513), req.Index)

	res, err := ParseListResponse(ListResponse{Name: "abc"}.Marshal())
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Name)

	empty, err := ParseListResponse(ListResponse{}.Marshal())
	require.NoError(t, err)
	assert.Empty(t, empty.Name)
}

func TestAccessCodec(t *testing.T) {
	req := AccessRequest{Name: "gain", Value: register.Real(0.5)}
	got, err := ParseAccessRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, "gain", got.Name)
	assert.True(t, register.Equal(req.Value, got.Value))

	res := AccessResponse{TimestampUS: 123456789, Mutable: true, Persistent: true, Value: register.Integer(7)}
	back, err := ParseAccessResponse(res.Marshal())
	require.NoError(t, err)
	assert.Equal(t, res.TimestampUS, back.TimestampUS)
	assert.True(t, back.Mutable)
	assert.True(t, back.Persistent)
	assert.True(t, register.Equal(res.Value, back.Value))
}

func TestTruncatedInputs(t *testing.T) {
	_, err := ParseListRequest([]byte{1})
	assert.Error(t, err)

	_, err = ParseAccessResponse([]byte{0, 0, 0})
	assert.Error(t, err)

	_, _, err = ParseValue([]byte{tagInteger64, 3, 0})
	assert.Error(t, err)
}
