// Package util contains misc internal utilities.
package util

import "time"

// SecsToDuration converts a floating point number of seconds to a
// time.Duration.  Configuration files express waits and timeouts in seconds;
// the rest of the code wants Durations.
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// Clamp restricts value to the range [low, high].
func Clamp(value, low, high float64) float64 {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for
// hundredth, and so on).
func Round(x, unit float64) float64 {
	return float64(int64(x/unit+0.5)) * unit
}
