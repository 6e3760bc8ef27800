//go:build linux

package clock

import "golang.org/x/sys/unix"

// monotonicSeconds reads CLOCK_MONOTONIC directly. The registry compares
// stored deadlines against later readings, so the source must never jump
// backward the way the wall clock can under NTP correction.
func monotonicSeconds() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return int64(ts.Sec)
}
