package util

import "unsafe"

// Bytes2String views b as a string without copying. The result is only
// valid while b is neither modified nor reused, so it suits comparisons
// against buffered reader contents but must not be retained.
func Bytes2String(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}
