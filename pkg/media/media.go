// Package media declares the platform boundary of the stack: the CAN frame
// interface and the UDP socket factories the transports consume. Drivers are
// supplied by the embedder; this repository ships an in-process loopback
// (media/udploop) and a real-socket implementation (media/udpnet).
package media

import "cyphal/pkg/sched"

// CANFrameMeta describes a frame popped from a CAN media.
type CANFrameMeta struct {
	Timestamp sched.TimePoint
	ID        uint32 // 29-bit extended CAN ID
	Size      int    // bytes written into the pop buffer
}

// CANFilter is a hardware acceptance filter: a frame passes when
// (frame.ID & Mask) == (ID & Mask).
type CANFilter struct {
	ID   uint32
	Mask uint32
}

// CANMedia is a single CAN controller. Pop and Push never block; Push
// returning accepted=false means "try again later" and is not a failure.
type CANMedia interface {
	// MTU returns the maximum frame payload size (8 classic, 64 CAN FD).
	MTU() int

	// Pop fills buf with the next received frame payload. ok=false means no
	// frame is pending. buf must be at least MTU() bytes.
	Pop(buf []byte) (meta CANFrameMeta, ok bool, err error)

	// Push hands one frame to the controller. deadline is advisory transmit
	// urgency; an implementation may drop the frame past it.
	Push(deadline sched.TimePoint, canID uint32, data []byte) (accepted bool, err error)

	// ConfigureFilters replaces the acceptance filter set.
	ConfigureFilters(filters []CANFilter) error
}

// UDPEndpoint is an IPv4 address/port pair. Cyphal/UDP endpoints are derived
// from port identifiers, so the raw uint32 form is the native one here.
type UDPEndpoint struct {
	IP   uint32
	Port uint16
}

// Datagram is a received UDP payload with its reception timestamp. The buffer
// is owned by whoever holds the Datagram; Release returns it to the media's
// allocator and must be called exactly once (directly or via the transfer the
// payload ends up in).
type Datagram struct {
	Timestamp sched.TimePoint
	Payload   []byte
	Release   func()
}

// RxSocket receives datagrams addressed to one endpoint.
type RxSocket interface {
	// Receive returns the next pending datagram, or nil when none is pending.
	Receive() (*Datagram, error)
	Close() error
}

// TxSocket transmits datagrams. Send returning accepted=false signals
// backpressure; the caller retries on the next run.
type TxSocket interface {
	MTU() int
	Send(deadline sched.TimePoint, dst UDPEndpoint, dscp uint8, fragments [][]byte) (accepted bool, err error)
	Close() error
}

// UDPMedia is one redundant network interface: a factory for sockets bound to
// it. Sockets are created lazily by the transport.
type UDPMedia interface {
	MakeRxSocket(endpoint UDPEndpoint) (RxSocket, error)
	MakeTxSocket() (TxSocket, error)
}
