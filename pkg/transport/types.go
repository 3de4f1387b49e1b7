// Package transport defines the protocol-independent surface of the Cyphal
// transport layer: identities, transfer metadata, payload ownership, session
// contracts and the failure taxonomy. The CAN and UDP cores under
// transport/can and transport/udp implement these contracts.
package transport

import "cyphal/pkg/sched"

// NodeID identifies a node within one transport. The valid range is
// protocol-specific (0..127 for CAN, 0..65534 for UDP); NodeIDUnset marks an
// anonymous local node.
type NodeID uint16

// NodeIDUnset is the sentinel for "no node ID assigned".
const NodeIDUnset NodeID = 0xFFFF

// PortID is a subject ID for messages or a service ID for requests and
// responses, bounded by the protocol limits.
type PortID uint16

// TransferID is the per-(port, source) transfer counter. CAN wraps it modulo
// 32; UDP treats it as effectively unbounded.
type TransferID uint64

// Priority is one of the eight Cyphal transfer priority levels.
// Exceptional is the highest, Optional the lowest.
type Priority uint8

const (
	PriorityExceptional Priority = iota
	PriorityImmediate
	PriorityFast
	PriorityHigh
	PriorityNominal // the default
	PriorityLow
	PrioritySlow
	PriorityOptional
)

func (p Priority) String() string {
	switch p {
	case PriorityExceptional:
		return "exceptional"
	case PriorityImmediate:
		return "immediate"
	case PriorityFast:
		return "fast"
	case PriorityHigh:
		return "high"
	case PriorityNominal:
		return "nominal"
	case PriorityLow:
		return "low"
	case PrioritySlow:
		return "slow"
	case PriorityOptional:
		return "optional"
	default:
		return "invalid"
	}
}

// TransferMetadata travels with every transfer. Timestamp is the send time on
// TX (deadline base) and the first-frame reception time on RX.
type TransferMetadata struct {
	TransferID TransferID
	Priority   Priority
	Timestamp  sched.TimePoint
}

// ServiceTransferMetadata extends TransferMetadata with the remote node: the
// client for received requests and outgoing responses, the server for
// received responses.
type ServiceTransferMetadata struct {
	TransferMetadata
	RemoteNodeID NodeID
}

// ProtocolParams describes the active transport's envelope.
type ProtocolParams struct {
	TransferIDModulo TransferID // 32 for CAN; 2^64 (0 means full range) for UDP
	MTU              int        // smallest MTU across attached media
	MaxNodes         int        // number of addressable nodes
}

// Payload is a lazily assembled sequence of byte fragments, owned by the
// receiver of the transfer. Release returns the buffers to their allocator;
// it must be called exactly once when the consumer is done.
type Payload struct {
	fragments [][]byte
	size      int
	release   func()
}

// NewPayload builds a payload over fragments. release may be nil.
func NewPayload(fragments [][]byte, release func()) Payload {
	size := 0
	for _, f := range fragments {
		size += len(f)
	}
	return Payload{fragments: fragments, size: size, release: release}
}

// Size returns the total payload length in bytes.
func (p *Payload) Size() int { return p.size }

// Fragments exposes the underlying fragment chain without copying.
func (p *Payload) Fragments() [][]byte { return p.fragments }

// Copy materializes up to len(dst) bytes starting at offset and returns the
// number of bytes copied.
func (p *Payload) Copy(offset int, dst []byte) int {
	copied := 0
	for _, f := range p.fragments {
		if offset >= len(f) {
			offset -= len(f)
			continue
		}
		n := copy(dst[copied:], f[offset:])
		copied += n
		offset = 0
		if copied == len(dst) {
			break
		}
	}
	return copied
}

// Bytes materializes the payload contiguously. A single-fragment payload is
// returned without copying.
func (p *Payload) Bytes() []byte {
	if len(p.fragments) == 1 {
		return p.fragments[0]
	}
	out := make([]byte, p.size)
	p.Copy(0, out)
	return out
}

// Release frees the payload buffers. Safe to call on an empty payload.
func (p *Payload) Release() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
	p.fragments = nil
	p.size = 0
}

// RxTransfer is a completed message transfer delivered to a subscriber.
type RxTransfer struct {
	Metadata TransferMetadata
	// SourceNodeID is the publishing node, or NodeIDUnset for anonymous.
	SourceNodeID NodeID
	Payload      Payload
}

// ServiceRxTransfer is a completed request or response transfer.
type ServiceRxTransfer struct {
	Metadata ServiceTransferMetadata
	Payload  Payload
}
