// Package sched provides the monotonic time base and the single-threaded
// cooperative executor that drives the transports. Callbacks run to
// completion in scheduled-time order; ties are broken by the order in which
// the callbacks were scheduled.
package sched

import "time"

// Microsecond is a signed duration with microsecond resolution.
type Microsecond int64

// Common durations.
const (
	Millisecond Microsecond = 1000
	Second      Microsecond = 1000 * Millisecond
)

// FromDuration converts a time.Duration, truncating to microseconds.
func FromDuration(d time.Duration) Microsecond { return Microsecond(d.Microseconds()) }

// Duration converts to a time.Duration.
func (d Microsecond) Duration() time.Duration { return time.Duration(d) * time.Microsecond }

// TimePoint is a monotonic instant, microseconds since an arbitrary epoch.
// There is no wall-clock relation; only the executor advances it.
type TimePoint int64

// Add offsets the time point by d.
func (t TimePoint) Add(d Microsecond) TimePoint { return t + TimePoint(d) }

// Sub returns the duration from u to t.
func (t TimePoint) Sub(u TimePoint) Microsecond { return Microsecond(t - u) }

// Before reports whether t precedes u.
func (t TimePoint) Before(u TimePoint) bool { return t < u }
