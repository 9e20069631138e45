//go:build linux

package source

import (
	"time"

	"golang.org/x/sys/unix"
)

var processBase = time.Now()

// Now reads CLOCK_MONOTONIC. Device timestamps follow the realtime
// clock and jump with NTP and suspend, so every transition is stamped
// here at read time instead.
func Now() Instant {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return Instant(time.Since(processBase))
	}
	return Instant(time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)*time.Nanosecond)
}
