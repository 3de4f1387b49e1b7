package sched

import "cyphal/pkg/mem"

// VirtualTime is the deterministic test executor: Now advances only when the
// test says so. It satisfies Executor and drives the same callback core as
// the single-threaded reference executor.
type VirtualTime struct {
	core *core
	now  TimePoint
}

// NewVirtualTime creates a virtual-time executor starting at t=0.
func NewVirtualTime(alloc mem.Allocator) *VirtualTime {
	return &VirtualTime{core: newCore(alloc)}
}

func (e *VirtualTime) Now() TimePoint { return e.now }

// SetNow moves virtual time forward. Moving backwards is ignored; the clock
// is monotonic.
func (e *VirtualTime) SetNow(t TimePoint) {
	if t > e.now {
		e.now = t
	}
}

func (e *VirtualTime) RegisterCallback(fn CallbackFn, opts ...CallbackOption) (*Callback, bool) {
	id, ok := e.core.register(fn, opts...)
	if !ok {
		return nil, false
	}
	return &Callback{id: id, core: e.core}, true
}

// SpinOnce executes all callbacks due at the current virtual time.
func (e *VirtualTime) SpinOnce() {
	e.core.runDue(e.now)
}

// SpinFor advances virtual time by d, stopping at each scheduled callback
// time in order so callbacks observe the time they were scheduled for.
func (e *VirtualTime) SpinFor(d Microsecond) {
	target := e.now.Add(d)
	for {
		next, ok := e.core.nextAt()
		if !ok || next > target {
			break
		}
		if next > e.now {
			e.now = next
		}
		e.core.runDue(e.now)
	}
	e.now = target
}

// ScheduleAndSpin is a test convenience: advance to t and run what is due.
func (e *VirtualTime) ScheduleAndSpin(t TimePoint) {
	e.SetNow(t)
	e.SpinOnce()
}
