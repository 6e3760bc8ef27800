//go:build !linux

package clock

import "time"

var processStart = time.Now()

// monotonicSeconds falls back to the runtime's monotonic reading relative to
// process start. The absolute value does not matter, only that it never
// decreases.
func monotonicSeconds() int64 {
	return int64(time.Since(processStart) / time.Second)
}
