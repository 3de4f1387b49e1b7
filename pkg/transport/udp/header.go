// Package udp implements the Cyphal/UDP transport core: the 24-byte frame
// header, multicast endpoint derivation, the RPC dispatcher, lazy socket
// management, prioritized TX queueing and redundant-media deduplication.
package udp

import (
	"encoding/binary"

	"cyphal/pkg/crc"
	"cyphal/pkg/media"
	"cyphal/pkg/transport"
)

// Parameter ranges are inclusive; the lower bound is zero for all.
const (
	SubjectIDMax = 8191
	ServiceIDMax = 511
	NodeIDMax    = 0xFFFE
	PriorityMax  = 7

	// HeaderSize is the fixed frame header length.
	HeaderSize = 24

	// headerVersion is the only accepted header version.
	headerVersion = 1

	// transferCRCSize is the CRC-32C appended to every transfer payload.
	transferCRCSize = 4

	// DefaultMTU is assumed until a TX socket reports its own.
	DefaultMTU = 1408
)

// nodeIDBroadcast is the destination for subjects.
const nodeIDBroadcast = 0xFFFF

// Data specifier bits.
const (
	dsServiceNotMessage  = 0x8000
	dsRequestNotResponse = 0x4000
	dsServiceIDMask      = 0x3FFF
)

// header is the parsed 24-byte Cyphal/UDP frame header.
//
//	0      version
//	1      priority
//	2..3   source node id
//	4..5   destination node id (0xFFFF for subjects)
//	6..7   data specifier
//	8..15  transfer id
//	16..19 frame index (bit 31: end of transfer)
//	20..21 user data
//	22..23 header CRC-16/CCITT-FALSE, big-endian
//
// Integer fields are little-endian.
type header struct {
	priority   transport.Priority
	source     transport.NodeID
	dest       transport.NodeID
	dataSpec   uint16
	transferID transport.TransferID
	frameIndex uint32
	eot        bool
	userData   uint16
}

func (h *header) marshal(buf []byte) {
	buf[0] = headerVersion
	buf[1] = byte(h.priority)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.source))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(h.dest))
	binary.LittleEndian.PutUint16(buf[6:8], h.dataSpec)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.transferID))
	fi := h.frameIndex & 0x7FFFFFFF
	if h.eot {
		fi |= 1 << 31
	}
	binary.LittleEndian.PutUint32(buf[16:20], fi)
	binary.LittleEndian.PutUint16(buf[20:22], h.userData)
	sum := crc.Checksum16(buf[:22])
	buf[22] = byte(sum >> 8)
	buf[23] = byte(sum)
}

// parseHeader validates and decodes a frame header. ok=false means the frame
// is not a valid Cyphal/UDP frame and must be ignored silently.
func parseHeader(buf []byte) (header, bool) {
	var h header
	if len(buf) < HeaderSize || buf[0] != headerVersion {
		return h, false
	}
	if crc.Checksum16(buf[:22]) != uint16(buf[22])<<8|uint16(buf[23]) {
		return h, false
	}
	h.priority = transport.Priority(buf[1] & 7)
	h.source = transport.NodeID(binary.LittleEndian.Uint16(buf[2:4]))
	h.dest = transport.NodeID(binary.LittleEndian.Uint16(buf[4:6]))
	h.dataSpec = binary.LittleEndian.Uint16(buf[6:8])
	h.transferID = transport.TransferID(binary.LittleEndian.Uint64(buf[8:16]))
	fi := binary.LittleEndian.Uint32(buf[16:20])
	h.frameIndex = fi & 0x7FFFFFFF
	h.eot = fi&(1<<31) != 0
	h.userData = binary.LittleEndian.Uint16(buf[20:22])
	return h, true
}

// Data specifier constructors and accessors.

func messageDataSpec(subject transport.PortID) uint16 { return uint16(subject) }

func serviceDataSpec(service transport.PortID, request bool) uint16 {
	ds := uint16(dsServiceNotMessage) | uint16(service)
	if request {
		ds |= dsRequestNotResponse
	}
	return ds
}

func (h *header) isService() bool { return h.dataSpec&dsServiceNotMessage != 0 }
func (h *header) isRequest() bool { return h.dataSpec&dsRequestNotResponse != 0 }
func (h *header) portID() transport.PortID {
	if h.isService() {
		return transport.PortID(h.dataSpec & dsServiceIDMask)
	}
	return transport.PortID(h.dataSpec & SubjectIDMax)
}

// Multicast endpoint plan: subjects live in 239.0.s.s, service traffic for a
// node in 239.1.n.n, both on the fixed Cyphal/UDP port.
const CyphalUDPPort = 9382

func ipv4(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

// SubjectEndpoint returns the multicast group of a subject.
func SubjectEndpoint(subject transport.PortID) media.UDPEndpoint {
	return media.UDPEndpoint{
		IP:   ipv4(239, 0, byte(subject>>8), byte(subject)),
		Port: CyphalUDPPort,
	}
}

// ServiceEndpoint returns the multicast group carrying RPC traffic addressed
// to the given node.
func ServiceEndpoint(node transport.NodeID) media.UDPEndpoint {
	return media.UDPEndpoint{
		IP:   ipv4(239, 1, byte(node>>8), byte(node)),
		Port: CyphalUDPPort,
	}
}
