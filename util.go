package pagestore

import (
	"encoding/hex"
)

// inc increments data in place as a big-endian byte string, saturating
// (returning false, leaving data unchanged) if it's already all 0xFF.
// Used to compute the exclusive upper bound of a key prefix.
func inc(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0xFF {
			for j := i; j < n; j++ {
				data[j]++
			}
			return true
		}
	}
	return false
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}
