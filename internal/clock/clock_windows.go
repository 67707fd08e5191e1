//go:build windows

package clock

import "golang.org/x/sys/windows"

// ReadCounter reads the live QueryPerformanceCounter value and frequency,
// for establishing a Clock's anchor at live-session start.
func ReadCounter() (ticks, frequency int64, err error) {
	var freq, count int64
	if err := windows.QueryPerformanceFrequency(&freq); err != nil {
		return 0, 0, err
	}
	if err := windows.QueryPerformanceCounter(&count); err != nil {
		return 0, 0, err
	}
	return count, freq, nil
}
