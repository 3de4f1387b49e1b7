// Package mem defines the fallible allocator contract honored by every
// container in the stack. Allocation failure is a nil return, never a panic,
// which lets the transports translate exhaustion into a MemoryError instead
// of aborting the node.
package mem

import "sync/atomic"

// Allocator hands out byte buffers and takes them back. Implementations must
// return nil from Allocate when the request cannot be satisfied. Deallocate
// must accept any buffer previously returned by Allocate of the same
// allocator; passing buffers across allocators is a caller bug.
//
// Go slices are naturally max-aligned for their element type, so the
// alignment parameter of the original contract is implicit here.
type Allocator interface {
	Allocate(n int) []byte
	Deallocate(b []byte)
}

// heapAllocator is the distinguished default: plain Go heap, never fails.
type heapAllocator struct{}

func (heapAllocator) Allocate(n int) []byte { return make([]byte, n) }
func (heapAllocator) Deallocate([]byte)     {}

// Default returns the process-wide default allocator. Components that cannot
// receive an allocator explicitly resolve this one; tests wrap it with a
// Counting allocator to assert it stays untouched.
func Default() Allocator { return defaultAllocator }

var defaultAllocator Allocator = heapAllocator{}

// Counting wraps another allocator and keeps byte/call accounting. It is the
// workhorse of the leak invariants: after a transport and its sessions are
// closed, Allocated() must equal Deallocated().
type Counting struct {
	Inner Allocator

	allocated   atomic.Int64
	deallocated atomic.Int64
	calls       atomic.Int64
	failures    atomic.Int64
}

// NewCounting wraps inner (Default() when nil).
func NewCounting(inner Allocator) *Counting {
	if inner == nil {
		inner = Default()
	}
	return &Counting{Inner: inner}
}

func (c *Counting) Allocate(n int) []byte {
	c.calls.Add(1)
	b := c.Inner.Allocate(n)
	if b == nil {
		c.failures.Add(1)
		return nil
	}
	c.allocated.Add(int64(n))
	return b
}

func (c *Counting) Deallocate(b []byte) {
	if b == nil {
		return
	}
	c.deallocated.Add(int64(len(b)))
	c.Inner.Deallocate(b)
}

// Allocated returns the total bytes successfully allocated.
func (c *Counting) Allocated() int64 { return c.allocated.Load() }

// Deallocated returns the total bytes returned.
func (c *Counting) Deallocated() int64 { return c.deallocated.Load() }

// Outstanding returns allocated minus deallocated bytes.
func (c *Counting) Outstanding() int64 { return c.allocated.Load() - c.deallocated.Load() }

// Calls returns the number of Allocate calls, including failed ones.
func (c *Counting) Calls() int64 { return c.calls.Load() }

// Failures returns the number of Allocate calls that yielded nil.
func (c *Counting) Failures() int64 { return c.failures.Load() }

// Denying wraps another allocator and fails selected Allocate calls. The
// zero value denies nothing; schedule failures with DenyCall or DenyNext.
type Denying struct {
	Inner Allocator

	call      int
	denyCalls map[int]bool
	denyNext  int
}

// NewDenying wraps inner (Default() when nil).
func NewDenying(inner Allocator) *Denying {
	if inner == nil {
		inner = Default()
	}
	return &Denying{Inner: inner, denyCalls: make(map[int]bool)}
}

// DenyCall makes the i-th Allocate call (1-based) return nil.
func (d *Denying) DenyCall(i int) { d.denyCalls[i] = true }

// DenyNext makes the next n Allocate calls return nil.
func (d *Denying) DenyNext(n int) { d.denyNext = n }

func (d *Denying) Allocate(n int) []byte {
	d.call++
	if d.denyCalls[d.call] {
		return nil
	}
	if d.denyNext > 0 {
		d.denyNext--
		return nil
	}
	return d.Inner.Allocate(n)
}

func (d *Denying) Deallocate(b []byte) { d.Inner.Deallocate(b) }

// Limited wraps another allocator with a hard byte budget. Exceeding the
// budget fails the allocation; deallocations refund it.
type Limited struct {
	Inner  Allocator
	Budget int64

	used int64
}

func NewLimited(inner Allocator, budget int64) *Limited {
	if inner == nil {
		inner = Default()
	}
	return &Limited{Inner: inner, Budget: budget}
}

func (l *Limited) Allocate(n int) []byte {
	if l.used+int64(n) > l.Budget {
		return nil
	}
	b := l.Inner.Allocate(n)
	if b != nil {
		l.used += int64(n)
	}
	return b
}

func (l *Limited) Deallocate(b []byte) {
	l.used -= int64(len(b))
	l.Inner.Deallocate(b)
}

// Used returns the bytes currently charged against the budget.
func (l *Limited) Used() int64 { return l.used }
