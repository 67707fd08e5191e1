//go:build !windows

package clock

import "time"

// ReadCounter provides a portable stand-in for the Windows performance
// counter, for cross-platform builds (replay mode reading a recorded trace
// never calls this; only a live non-Windows session would, and that mode
// is out of scope per spec.md section 1).
func ReadCounter() (ticks, frequency int64, err error) {
	frequency = int64(time.Second)
	return time.Now().UnixNano(), frequency, nil
}
