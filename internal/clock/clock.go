// Package clock provides the explicit time source for the server registry.
//
// The registry never samples the operating system clock on its own. The
// packet loop ticks a Clock once per datagram and every timeout comparison
// reads the stored value, so all the work triggered by one datagram observes
// a single consistent instant. Tests drive the clock with Set to step
// through timeout windows.
package clock

import "sync/atomic"

// Clock holds the current time in whole seconds. One tick equals one second;
// registration timeouts do not need sub-second precision.
type Clock struct {
	now atomic.Int64
}

// New returns a Clock primed with the current monotonic reading.
func New() *Clock {
	c := &Clock{}
	c.Tick()
	return c
}

// Now returns the stored time in seconds.
func (c *Clock) Now() int64 {
	return c.now.Load()
}

// Set stores an explicit time.
func (c *Clock) Set(sec int64) {
	c.now.Store(sec)
}

// Tick samples the system monotonic clock and stores the reading.
func (c *Clock) Tick() {
	c.now.Store(monotonicSeconds())
}
