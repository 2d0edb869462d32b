package geometry

import (
	"math"
)

// PutSortable writes v into dst[:width] big-endian with the sign bit
// flipped, so that bytes.Compare on the output matches numeric order.
// width is in [1, 8]; v must fit in a signed integer of that width.
func PutSortable(dst []byte, v int64, width int) {
	shift := uint(width*8 - 1)
	u := uint64(v) ^ (uint64(1) << shift)
	for i := width - 1; i >= 0; i-- {
		dst[i] = byte(u)
		u >>= 8
	}
}

// Sortable decodes a value written by PutSortable.
func Sortable(src []byte, width int) int64 {
	var u uint64
	for i := 0; i < width; i++ {
		u = u<<8 | uint64(src[i])
	}
	shift := uint(width*8 - 1)
	u ^= uint64(1) << shift
	// sign-extend from width*8 bits
	s := 64 - uint(width*8)
	return int64(u<<s) >> s
}

// SignedRange returns the smallest and largest value representable in a
// signed integer of width bytes.
func SignedRange(width int) (lo, hi int64) {
	if width >= 8 {
		return math.MinInt64, math.MaxInt64
	}
	hi = int64(1)<<(uint(width)*8-1) - 1
	return -hi - 1, hi
}

// FloatToSortableInt maps a float32 to an int32 such that the integer order
// matches the float order (NaN sorts above +Inf).
func FloatToSortableInt(f float32) int32 {
	b := int32(math.Float32bits(f))
	return b ^ ((b >> 31) & 0x7fffffff)
}

// SortableIntToFloat is the inverse of FloatToSortableInt.
func SortableIntToFloat(v int32) float32 {
	return math.Float32frombits(uint32(v ^ ((v >> 31) & 0x7fffffff)))
}

const (
	latScale     = float64(1<<32) / 180.0
	lonScale     = float64(1<<32) / 360.0
	latDecode    = 180.0 / float64(1<<32)
	lonDecode    = 360.0 / float64(1<<32)
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// EncodeLatitude maps a latitude in degrees onto the int32 domain, rounding
// down. 90 clamps to MaxInt32.
func EncodeLatitude(lat float64) (int32, error) {
	if math.IsNaN(lat) || lat < MinLatitude || lat > MaxLatitude {
		return 0, &CoordinateRangeError{Value: lat, Min: MinLatitude, Max: MaxLatitude}
	}
	if lat == MaxLatitude {
		return math.MaxInt32, nil
	}
	return int32(math.Floor(lat * latScale)), nil
}

// EncodeLongitude maps a longitude in degrees onto the int32 domain,
// rounding down. 180 clamps to MaxInt32.
func EncodeLongitude(lon float64) (int32, error) {
	if math.IsNaN(lon) || lon < MinLongitude || lon > MaxLongitude {
		return 0, &CoordinateRangeError{Value: lon, Min: MinLongitude, Max: MaxLongitude}
	}
	if lon == MaxLongitude {
		return math.MaxInt32, nil
	}
	return int32(math.Floor(lon * lonScale)), nil
}

// DecodeLatitude returns the lower edge of the latitude cell of v.
func DecodeLatitude(v int32) float64 { return float64(v) * latDecode }

// DecodeLongitude returns the lower edge of the longitude cell of v.
func DecodeLongitude(v int32) float64 { return float64(v) * lonDecode }
