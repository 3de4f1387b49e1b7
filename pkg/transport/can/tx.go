package can

import (
	"cyphal/pkg/crc"
	"cyphal/pkg/transport"
)

// buildFrames splits a contiguous transfer payload into wire frames for one
// media of the given MTU. Each returned slice is the frame data including the
// tail byte. Multi-frame transfers carry the CRC-16 of payload+padding at the
// end; CAN FD frames are zero-padded to a valid DLC size with the padding
// included in the CRC.
func buildFrames(mtu int, tid transport.TransferID, payload []byte) [][]byte {
	chunk := mtu - 1 // room for the tail byte

	if len(payload) <= chunk {
		frame := make([]byte, 0, roundUpFrameSize(len(payload)+1))
		frame = append(frame, payload...)
		// Single-frame FD transfers are padded too; the pad bytes are part of
		// the frame, not the transfer, and carry no CRC.
		for len(frame) < roundUpFrameSize(len(payload)+1)-1 {
			frame = append(frame, 0)
		}
		frame = append(frame, tailByte(true, true, true, tid))
		return [][]byte{frame}
	}

	// data + CRC split over n frames; padding lands in the last frame
	// between the data and the CRC.
	total := len(payload) + 2
	nFrames := (total + chunk - 1) / chunk
	lastLen := total - (nFrames-1)*chunk
	pad := roundUpFrameSize(lastLen+1) - 1 - lastLen

	padded := make([]byte, 0, len(payload)+pad+2)
	padded = append(padded, payload...)
	for i := 0; i < pad; i++ {
		padded = append(padded, 0)
	}
	sum := crc.Checksum16(padded)
	stream := append(padded, byte(sum>>8), byte(sum))

	frames := make([][]byte, 0, nFrames)
	toggle := true
	for off := 0; off < len(stream); off += chunk {
		end := off + chunk
		if end > len(stream) {
			end = len(stream)
		}
		frame := make([]byte, 0, end-off+1)
		frame = append(frame, stream[off:end]...)
		frame = append(frame, tailByte(off == 0, end == len(stream), toggle, tid))
		frames = append(frames, frame)
		toggle = !toggle
	}
	return frames
}
