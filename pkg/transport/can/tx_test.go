package can

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFramesSingle(t *testing.T) {
	frames := buildFrames(MTUClassic, 0x1D, []byte{42, 147})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{42, 147, 0b111_11101}, frames[0])
}

func TestBuildFramesMulti(t *testing.T) {
	// Ten bytes over classic CAN: seven in the first frame, the remaining
	// three plus the big-endian CRC-16 (0x7D61) in the second.
	frames := buildFrames(MTUClassic, 0x1E, []byte("0123456789"))
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{'0', '1', '2', '3', '4', '5', '6', 0b101_11110}, frames[0])
	assert.Equal(t, []byte{'7', '8', '9', 0x7D, 0x61, 0b010_11110}, frames[1])
}

func TestBuildFramesToggleAlternates(t *testing.T) {
	frames := buildFrames(MTUClassic, 0, make([]byte, 40))
	require.Greater(t, len(frames), 2)
	for i, f := range frames {
		tl := parseTail(f[len(f)-1])
		assert.Equal(t, i == 0, tl.sot)
		assert.Equal(t, i == len(frames)-1, tl.eot)
		assert.Equal(t, i%2 == 0, tl.toggle)
	}
}

func TestBuildFramesFDPadding(t *testing.T) {
	// 9 payload bytes on CAN FD: 9+1 rounds up to a 12-byte frame.
	frames := buildFrames(MTUFD, 3, make([]byte, 9))
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], 12)
	tl := parseTail(frames[0][11])
	assert.True(t, tl.sot && tl.eot && tl.toggle)
}

func TestCANIDRoundtrip(t *testing.T) {
	id, ok := parseCANID(svcRequestID)
	require.True(t, ok)
	assert.Equal(t, kindRequest, id.kind)
	assert.Equal(t, uint32(svcRequestID), makeServiceID(id.priority, true, id.port, id.dest, id.source))
}
