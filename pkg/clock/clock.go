// Package clock provides the host monotonic clock used to time flushes and
// stamp status snapshots.
package clock

import "time"

var start = time.Now()

// Monotonic returns seconds on a monotonic clock that never steps backwards.
func Monotonic() float64 {
	if t, ok := monotonicRaw(); ok {
		return t
	}
	return time.Since(start).Seconds()
}

// Since returns the seconds elapsed since an earlier Monotonic reading.
func Since(t float64) float64 {
	return Monotonic() - t
}
