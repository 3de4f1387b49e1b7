package sched

import (
	"container/heap"
	"time"

	"cyphal/pkg/mem"
)

// CallbackFn is invoked from the executor's spin context. The now argument is
// the executor time at dispatch, which may trail the scheduled time under
// load. It is safe to use any executor API from inside the function.
type CallbackFn func(now TimePoint)

// CallbackFuncMaxSize is the storage budget charged to the allocator per
// registered callback, eight pointer sizes like the closure it stands for.
const CallbackFuncMaxSize = 8 * 8

// Executor is the time source and callback registry. Implementations are
// single-threaded and cooperative: every callback runs to completion before
// the next one is dispatched.
type Executor interface {
	// Now returns the current monotonically non-decreasing time point.
	Now() TimePoint

	// RegisterCallback stores fn and returns a handle for scheduling it.
	// Returns ok=false when the allocator cannot cover the callback budget.
	// Closing the handle unregisters the callback.
	RegisterCallback(fn CallbackFn, opts ...CallbackOption) (*Callback, bool)
}

type callbackOptions struct {
	autoRemove bool
}

// CallbackOption configures callback registration.
type CallbackOption func(*callbackOptions)

// AutoRemove removes the callback after it fires once.
func AutoRemove() CallbackOption {
	return func(o *callbackOptions) { o.autoRemove = true }
}

// Callback is a move-free handle to a registered callback. The zero value is
// inert. Close (or garbage of the owner calling Close) unregisters the
// callback; an unscheduled callback never fires.
type Callback struct {
	id   uint64
	core *core
}

// ScheduleAt makes the callback eligible to run at t. Scheduling again before
// execution replaces the previous time. Returns false if the callback was
// already removed.
func (c *Callback) ScheduleAt(t TimePoint) bool {
	if c == nil || c.core == nil {
		return false
	}
	return c.core.scheduleAt(c.id, t)
}

// Close unregisters the callback. Safe to call more than once.
func (c *Callback) Close() {
	if c == nil || c.core == nil {
		return
	}
	c.core.remove(c.id)
	c.core = nil
}

type callbackRec struct {
	fn         CallbackFn
	autoRemove bool
	gen        uint64 // bumped on every (re)schedule; stale heap entries are skipped
	scheduled  bool
	budget     []byte // storage charged to the allocator, refunded on removal
}

type schedEntry struct {
	at  TimePoint
	seq uint64 // stable tie-break: schedule order
	id  uint64
	gen uint64
}

type schedHeap []schedEntry

func (h schedHeap) Len() int { return len(h) }
func (h schedHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h schedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *schedHeap) Push(x any)        { *h = append(*h, x.(schedEntry)) }
func (h *schedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// core is the callback storage shared by the concrete executors.
type core struct {
	alloc   mem.Allocator
	cbs     map[uint64]*callbackRec
	queue   schedHeap
	nextID  uint64
	nextSeq uint64
}

func newCore(alloc mem.Allocator) *core {
	if alloc == nil {
		alloc = mem.Default()
	}
	return &core{alloc: alloc, cbs: make(map[uint64]*callbackRec)}
}

func (c *core) register(fn CallbackFn, opts ...CallbackOption) (uint64, bool) {
	var o callbackOptions
	for _, opt := range opts {
		opt(&o)
	}
	budget := c.alloc.Allocate(CallbackFuncMaxSize)
	if budget == nil {
		return 0, false
	}
	c.nextID++
	c.cbs[c.nextID] = &callbackRec{fn: fn, autoRemove: o.autoRemove, budget: budget}
	return c.nextID, true
}

func (c *core) scheduleAt(id uint64, t TimePoint) bool {
	rec, ok := c.cbs[id]
	if !ok {
		return false
	}
	rec.gen++
	rec.scheduled = true
	c.nextSeq++
	heap.Push(&c.queue, schedEntry{at: t, seq: c.nextSeq, id: id, gen: rec.gen})
	return true
}

func (c *core) remove(id uint64) bool {
	rec, ok := c.cbs[id]
	if !ok {
		return false
	}
	c.alloc.Deallocate(rec.budget)
	delete(c.cbs, id)
	return true
}

// nextAt returns the earliest live scheduled time, pruning stale entries.
func (c *core) nextAt() (TimePoint, bool) {
	for len(c.queue) > 0 {
		top := c.queue[0]
		rec, ok := c.cbs[top.id]
		if !ok || !rec.scheduled || rec.gen != top.gen {
			heap.Pop(&c.queue)
			continue
		}
		return top.at, true
	}
	return 0, false
}

// runDue executes every callback scheduled at or before now, in (time, seq)
// order. Callbacks may register or schedule further callbacks; anything that
// becomes due within the same call runs too.
func (c *core) runDue(now TimePoint) {
	for len(c.queue) > 0 {
		top := c.queue[0]
		if top.at > now {
			return
		}
		heap.Pop(&c.queue)
		rec, ok := c.cbs[top.id]
		if !ok || !rec.scheduled || rec.gen != top.gen {
			continue // removed or rescheduled since this entry was pushed
		}
		rec.scheduled = false
		fn := rec.fn
		if rec.autoRemove {
			c.remove(top.id)
		}
		fn(now)
	}
}

// SingleThreaded is the reference executor backed by the process monotonic
// clock. Spin methods must be called from one goroutine.
type SingleThreaded struct {
	core  *core
	start time.Time
}

// NewSingleThreaded creates an executor charging callback storage to alloc
// (Default() when nil).
func NewSingleThreaded(alloc mem.Allocator) *SingleThreaded {
	return &SingleThreaded{core: newCore(alloc), start: time.Now()}
}

func (e *SingleThreaded) Now() TimePoint {
	return TimePoint(time.Since(e.start).Microseconds())
}

func (e *SingleThreaded) RegisterCallback(fn CallbackFn, opts ...CallbackOption) (*Callback, bool) {
	id, ok := e.core.register(fn, opts...)
	if !ok {
		return nil, false
	}
	return &Callback{id: id, core: e.core}, true
}

// SpinOnce executes all callbacks due at the current time.
func (e *SingleThreaded) SpinOnce() {
	e.core.runDue(e.Now())
}

// SpinFor spins repeatedly until d has elapsed, sleeping between rounds until
// the next scheduled callback or the deadline, whichever is earlier.
func (e *SingleThreaded) SpinFor(d Microsecond) {
	deadline := e.Now().Add(d)
	for {
		e.SpinOnce()
		now := e.Now()
		if now >= deadline {
			return
		}
		sleepUntil := deadline
		if next, ok := e.core.nextAt(); ok && next < sleepUntil {
			sleepUntil = next
		}
		if sleepUntil > now {
			time.Sleep(sleepUntil.Sub(now).Duration())
		}
	}
}
