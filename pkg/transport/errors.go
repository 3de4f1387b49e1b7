package transport

import "fmt"

// The failure taxonomy. Every operation returns either success or one of
// these; callers discriminate with errors.As.

// ArgumentError reports input that violates a contract, like a port ID out of
// range or a second node-ID assignment.
type ArgumentError struct {
	What string
}

func (e *ArgumentError) Error() string { return "invalid argument: " + e.What }

// MemoryError reports an allocator returning nil.
type MemoryError struct {
	What string
}

func (e *MemoryError) Error() string { return "out of memory: " + e.What }

// CapacityError reports a fixed-capacity queue being full.
type CapacityError struct {
	What string
}

func (e *CapacityError) Error() string { return "capacity exhausted: " + e.What }

// ProtocolError reports a frame or transfer violating the wire rules: bad
// CRC, toggle error, out-of-order frame. Duplicate transfers arriving over
// redundant media are suppressed without an error.
type ProtocolError struct {
	What string
}

func (e *ProtocolError) Error() string { return "protocol violation: " + e.What }

// AlreadyExistsError reports a second RX session for an occupied (kind, port).
type AlreadyExistsError struct {
	Port PortID
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("session already exists for port %d", e.Port)
}

// TransientErrorReport wraps a recoverable per-media failure before it is
// offered to the transient error handler.
type TransientErrorReport struct {
	// Failure is the original error from the media or the protocol engine.
	Failure error
	// MediaIndex is the position of the culprit media in the span the
	// transport was created with; stable for the transport's lifetime.
	MediaIndex uint8
	// Culprit references the failing entity (media interface, socket, queue).
	Culprit any
	// Operation names what was being attempted, e.g. "tx.push" or "rx.pop".
	Operation string
}

func (r *TransientErrorReport) Error() string {
	return fmt.Sprintf("media %d %s: %v", r.MediaIndex, r.Operation, r.Failure)
}

func (r *TransientErrorReport) Unwrap() error { return r.Failure }

// TransientErrorHandler inspects a per-media failure during a transport run.
// Returning nil tells the transport to continue with the next media;
// returning an error aborts the current operation with that error. Without a
// handler installed all transient errors propagate immediately.
type TransientErrorHandler func(report *TransientErrorReport) error
