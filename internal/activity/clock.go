// Package activity implements the monotonic "time since last mark" primitive
// described in spec.md §4.4.
package activity

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic, resettable "time since last mark" measurement.
// mark is O(1) and thread-safe via a single atomic store; elapsed is a
// single atomic load. Built on time.Since rather than a wall-clock
// timestamp so a system clock jump never causes a spurious suspension
// (spec.md §4.3 "Tie-breaking / numeric semantics").
type Clock struct {
	last atomic.Int64 // nanoseconds since start, monotonic
	start time.Time
}

// New returns a Clock freshly marked.
func New() *Clock {
	c := &Clock{start: time.Now()}
	c.Mark()
	return c
}

// Mark resets the clock to zero elapsed time.
func (c *Clock) Mark() {
	c.last.Store(int64(time.Since(c.start)))
}

// Elapsed reports the monotonic duration since the last Mark.
func (c *Clock) Elapsed() time.Duration {
	return time.Since(c.start) - time.Duration(c.last.Load())
}
