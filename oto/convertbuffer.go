package oto

import "math"

// FloatBufferTo16BitLE converts a []float32 buffer to 16-bit little-endian
// integer bytes, appending to target and returning it. Out-of-range samples
// clamp instead of wrapping.
func FloatBufferTo16BitLE(buffer []float32, target []byte) []byte {
	for _, v := range buffer {
		var s int16
		if v < -1.0 {
			s = -math.MaxInt16
		} else if v > 1.0 {
			s = math.MaxInt16
		} else {
			s = int16(v * math.MaxInt16)
		}
		target = append(target, byte(s), byte(uint16(s)>>8))
	}
	return target
}
