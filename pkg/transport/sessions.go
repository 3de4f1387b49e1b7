package transport

import "cyphal/pkg/sched"

// Session parameter structs. Extent is the maximum useful payload size for an
// RX port; longer transfers are truncated to it (the CRC still covers the
// full payload).

type MessageRxParams struct {
	ExtentBytes int
	SubjectID   PortID
}

type MessageTxParams struct {
	SubjectID PortID
}

type RequestRxParams struct {
	ExtentBytes int
	ServiceID   PortID
}

type RequestTxParams struct {
	ServiceID    PortID
	ServerNodeID NodeID
}

type ResponseRxParams struct {
	ExtentBytes  int
	ServiceID    PortID
	ServerNodeID NodeID
}

type ResponseTxParams struct {
	ServiceID PortID
}

// DefaultSendTimeout bounds how long queued TX frames stay eligible: the
// frame deadline is metadata.Timestamp + timeout.
const DefaultSendTimeout = 1 * sched.Second

// DefaultTransferIDTimeout is how long a partially assembled transfer is
// retained, measured from its first-frame timestamp.
const DefaultTransferIDTimeout = 2 * sched.Second

// MessageTxSession publishes transfers on one subject. TX sessions are not
// deduplicated; any number may exist per port.
type MessageTxSession interface {
	Params() MessageTxParams
	// Send queues the payload for transmission on every attached media.
	Send(metadata TransferMetadata, fragments [][]byte) error
	// SetSendTimeout overrides DefaultSendTimeout.
	SetSendTimeout(timeout sched.Microsecond)
	Close() error
}

// MessageRxSession subscribes to one subject. At most one RX session exists
// per (kind, port) on a transport.
type MessageRxSession interface {
	Params() MessageRxParams
	// OnReceive installs the delivery callback, invoked synchronously from
	// the transport's run for each completed transfer. The receiver owns the
	// transfer payload.
	OnReceive(fn func(RxTransfer))
	SetTransferIDTimeout(timeout sched.Microsecond)
	Close() error
}

// RequestTxSession sends requests to one server.
type RequestTxSession interface {
	Params() RequestTxParams
	Send(metadata TransferMetadata, fragments [][]byte) error
	SetSendTimeout(timeout sched.Microsecond)
	Close() error
}

// RequestRxSession receives requests addressed to the local node (the
// service-provider side).
type RequestRxSession interface {
	Params() RequestRxParams
	OnReceive(fn func(ServiceRxTransfer))
	SetTransferIDTimeout(timeout sched.Microsecond)
	Close() error
}

// ResponseTxSession sends responses back to clients.
type ResponseTxSession interface {
	Params() ResponseTxParams
	Send(metadata ServiceTransferMetadata, fragments [][]byte) error
	SetSendTimeout(timeout sched.Microsecond)
	Close() error
}

// ResponseRxSession receives responses from one server (the client side);
// matching is by (service ID, server node ID).
type ResponseRxSession interface {
	Params() ResponseRxParams
	OnReceive(fn func(ServiceRxTransfer))
	SetTransferIDTimeout(timeout sched.Microsecond)
	Close() error
}

// Transport is a protocol instance over a span of redundant media.
type Transport interface {
	// LocalNodeID returns the node ID, ok=false while unset.
	LocalNodeID() (NodeID, bool)
	// SetLocalNodeID assigns the node ID once. Re-setting the same value is
	// idempotent; any other change returns ArgumentError.
	SetLocalNodeID(id NodeID) error

	ProtocolParams() ProtocolParams

	MakeMessageRxSession(params MessageRxParams) (MessageRxSession, error)
	MakeMessageTxSession(params MessageTxParams) (MessageTxSession, error)
	MakeRequestRxSession(params RequestRxParams) (RequestRxSession, error)
	MakeRequestTxSession(params RequestTxParams) (RequestTxSession, error)
	MakeResponseRxSession(params ResponseRxParams) (ResponseRxSession, error)
	MakeResponseTxSession(params ResponseTxParams) (ResponseTxSession, error)

	SetTransientErrorHandler(handler TransientErrorHandler)

	// Run advances the transport: drains media RX into sessions, then pushes
	// queued TX frames. Intended to be driven from an executor callback.
	Run(now sched.TimePoint) error

	// Close flushes all pending TX frames and releases media sockets.
	Close() error
}
