// Package txq implements the per-media transmit queue shared by the CAN and
// UDP transport cores. Frames are drained in (deadline ascending, priority
// descending, insertion) order; expired frames are dropped together with the
// remainder of their transfer.
package txq

import (
	"container/heap"

	"cyphal/pkg/mem"
	"cyphal/pkg/sched"
	"cyphal/pkg/transport"
)

// Frame is one queued wire frame. Meta carries the protocol-specific
// addressing (CAN ID, or UDP destination and DSCP).
type Frame[M any] struct {
	Deadline   sched.TimePoint
	Priority   transport.Priority
	TransferSeq uint64 // frames of one transfer share a sequence number
	Meta       M
	Data       []byte // allocator-owned
}

type frameHeap[M any] struct {
	frames  []*Frame[M]
	seqs    []uint64 // per-frame insertion order, parallel to frames
	nextSeq uint64
}

func (h *frameHeap[M]) Len() int { return len(h.frames) }

func (h *frameHeap[M]) Less(i, j int) bool {
	a, b := h.frames[i], h.frames[j]
	if a.Deadline != b.Deadline {
		return a.Deadline < b.Deadline
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority // numerically lower is more urgent
	}
	return h.seqs[i] < h.seqs[j]
}

func (h *frameHeap[M]) Swap(i, j int) {
	h.frames[i], h.frames[j] = h.frames[j], h.frames[i]
	h.seqs[i], h.seqs[j] = h.seqs[j], h.seqs[i]
}

func (h *frameHeap[M]) Push(x any) {
	f := x.(*Frame[M])
	h.frames = append(h.frames, f)
	h.seqs = append(h.seqs, h.nextSeq)
	h.nextSeq++
}

func (h *frameHeap[M]) Pop() any {
	n := len(h.frames)
	f := h.frames[n-1]
	h.frames = h.frames[:n-1]
	h.seqs = h.seqs[:n-1]
	return f
}

// Queue is a bounded transmit queue for one media. Not safe for concurrent
// use; the executor thread owns it.
type Queue[M any] struct {
	heap     frameHeap[M]
	capacity int
	alloc    mem.Allocator
	nextXfer uint64
}

// New creates a queue bounded to capacity frames, charging frame payload
// buffers to alloc.
func New[M any](alloc mem.Allocator, capacity int) *Queue[M] {
	if alloc == nil {
		alloc = mem.Default()
	}
	return &Queue[M]{capacity: capacity, alloc: alloc}
}

// Len returns the number of queued frames.
func (q *Queue[M]) Len() int { return q.heap.Len() }

// NextTransferSeq reserves a transfer sequence number for a group of frames.
func (q *Queue[M]) NextTransferSeq() uint64 {
	q.nextXfer++
	return q.nextXfer
}

// Push queues one frame, copying data into an allocator-owned buffer.
// Returns CapacityError when full and MemoryError when the allocator fails.
func (q *Queue[M]) Push(deadline sched.TimePoint, prio transport.Priority, transferSeq uint64, meta M, data []byte) error {
	if q.heap.Len() >= q.capacity {
		return &transport.CapacityError{What: "tx queue full"}
	}
	buf := q.alloc.Allocate(len(data))
	if buf == nil {
		return &transport.MemoryError{What: "tx frame buffer"}
	}
	copy(buf, data)
	heap.Push(&q.heap, &Frame[M]{
		Deadline:    deadline,
		Priority:    prio,
		TransferSeq: transferSeq,
		Meta:        meta,
		Data:        buf,
	})
	return nil
}

// Peek returns the most urgent frame without removing it.
func (q *Queue[M]) Peek() *Frame[M] {
	if q.heap.Len() == 0 {
		return nil
	}
	return q.heap.frames[0]
}

// Pop removes and frees the most urgent frame.
func (q *Queue[M]) Pop() {
	if q.heap.Len() == 0 {
		return
	}
	f := heap.Pop(&q.heap).(*Frame[M])
	q.alloc.Deallocate(f.Data)
}

// DropTransfer removes and frees every frame belonging to transferSeq.
// Used when one frame of a transfer expires or fails: the remainder is
// useless to the receiver.
func (q *Queue[M]) DropTransfer(transferSeq uint64) int {
	dropped := 0
	kept := q.heap.frames[:0]
	keptSeqs := q.heap.seqs[:0]
	for i, f := range q.heap.frames {
		if f.TransferSeq == transferSeq {
			q.alloc.Deallocate(f.Data)
			dropped++
			continue
		}
		kept = append(kept, f)
		keptSeqs = append(keptSeqs, q.heap.seqs[i])
	}
	q.heap.frames = kept
	q.heap.seqs = keptSeqs
	heap.Init(&q.heap)
	return dropped
}

// Flush frees every queued frame.
func (q *Queue[M]) Flush() {
	for _, f := range q.heap.frames {
		q.alloc.Deallocate(f.Data)
	}
	q.heap.frames = q.heap.frames[:0]
	q.heap.seqs = q.heap.seqs[:0]
}
