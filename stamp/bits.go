package stamp

import "math/bits"

// ---------------------------------------------------------------------------
// Two's-complement bit helpers
// ---------------------------------------------------------------------------

// Mask returns a bitmask with the low n bits set. Valid widths are
// 1, 8, 16, 32 and 64.
func Mask(n uint) uint64 {
	if n == 64 {
		return ^uint64(0)
	}
	return (uint64(1) << n) - 1
}

// MinValue returns the smallest signed value representable in n bits.
func MinValue(n uint) int64 {
	return -1 << (n - 1)
}

// MaxValue returns the largest signed value representable in n bits.
func MaxValue(n uint) int64 {
	return int64(Mask(n) >> 1)
}

// SignExtend interprets the low n bits of v as a signed n-bit value and
// sign-extends it to 64 bits.
func SignExtend(v int64, n uint) int64 {
	if n == 64 {
		return v
	}
	shift := 64 - n
	return int64(uint64(v)<<shift) >> shift
}

func inRange(v int64, n uint) bool {
	return v >= MinValue(n) && v <= MaxValue(n)
}

// upMaskFor computes the widest may-be-set mask consistent with values in
// [lo, hi]: all bits up to and including the highest significant bit of
// either bound. For ranges that include negative values this degenerates
// to the full width mask.
func upMaskFor(n uint, lo, hi int64) uint64 {
	m := uint64(lo | hi)
	if m == 0 {
		return 0
	}
	return (^uint64(0) >> uint(bits.LeadingZeros64(m))) & Mask(n)
}

// minValueForMasks returns the smallest value whose bit pattern is
// consistent with the given must/may masks.
func minValueForMasks(n uint, must, may uint64) int64 {
	signBit := uint64(1) << (n - 1)
	if may&signBit == 0 {
		// sign bit can never be set, every value is non-negative
		return int64(must)
	}
	return SignExtend(int64(must|signBit), n)
}

// maxValueForMasks returns the largest value whose bit pattern is
// consistent with the given must/may masks.
func maxValueForMasks(n uint, must, may uint64) int64 {
	signBit := uint64(1) << (n - 1)
	if must&signBit != 0 {
		// sign bit is always set, every value is negative
		return SignExtend(int64(may), n)
	}
	return int64(may &^ signBit)
}

// leastInMask returns the smallest y with y&^allowed == 0 and y >= s,
// or false when no submask of allowed reaches s.
func leastInMask(s, allowed uint64) (uint64, bool) {
	if s == 0 {
		return 0, true
	}
	var y uint64
	raise := -1
	for i := 63; i >= 0; i-- {
		bit := uint64(1) << uint(i)
		switch {
		case s&bit != 0 && allowed&bit != 0:
			y |= bit
		case s&bit != 0:
			// s needs a bit the mask forbids; bump the lowest allowed
			// zero bit above it and clear everything below.
			if raise < 0 {
				return 0, false
			}
			rb := uint64(1) << uint(raise)
			return (y &^ (rb | (rb - 1))) | rb, true
		case allowed&bit != 0:
			raise = i
		}
	}
	return y, true
}

// greatestInMask returns the largest y with y&^allowed == 0 and y <= m.
func greatestInMask(m, allowed uint64) uint64 {
	var y uint64
	tight := true
	for i := 63; i >= 0; i-- {
		bit := uint64(1) << uint(i)
		if !tight {
			y |= allowed & bit
			continue
		}
		switch {
		case m&bit != 0 && allowed&bit != 0:
			y |= bit
		case m&bit != 0:
			tight = false
		}
	}
	return y
}

// biasedMasks rewrites a must/may pair over raw n-bit patterns into the
// equivalent pair over sign-flipped patterns, where signed order coincides
// with unsigned order.
func biasedMasks(n uint, must, may uint64) (mustB, mayB uint64) {
	signBit := uint64(1) << (n - 1)
	mustB = (must &^ signBit) | (signBit &^ may)
	mayB = (may &^ signBit) | (signBit &^ must)
	return mustB, mayB
}

// leastValueForMasks returns the smallest signed n-bit value >= v whose bit
// pattern sets every must bit and no bit outside may.
func leastValueForMasks(n uint, v int64, must, may uint64) (int64, bool) {
	signBit := uint64(1) << (n - 1)
	mustB, mayB := biasedMasks(n, must, may)
	s := (uint64(v) & Mask(n)) ^ signBit
	b := mustB
	if mustB < s {
		y, ok := leastInMask(s-mustB, mayB&^mustB)
		if !ok {
			return 0, false
		}
		b = mustB | y
	}
	return SignExtend(int64(b^signBit), n), true
}

// greatestValueForMasks returns the largest signed n-bit value <= v whose
// bit pattern sets every must bit and no bit outside may.
func greatestValueForMasks(n uint, v int64, must, may uint64) (int64, bool) {
	signBit := uint64(1) << (n - 1)
	mustB, mayB := biasedMasks(n, must, may)
	s := (uint64(v) & Mask(n)) ^ signBit
	if mustB > s {
		return 0, false
	}
	y := greatestInMask(s-mustB, mayB&^mustB)
	return SignExtend(int64((mustB|y)^signBit), n), true
}

// carryBits returns the carry chain of x+y: the bits where the addition
// produced a carry into that position.
func carryBits(x, y uint64) uint64 {
	return (x + y) ^ x ^ y
}

func addOverflowsPositively(x, y int64, n uint) bool {
	r := x + y
	if n == 64 {
		return (^x & ^y & r) < 0
	}
	return r > MaxValue(n)
}

func addOverflowsNegatively(x, y int64, n uint) bool {
	r := x + y
	if n == 64 {
		return (x & y & ^r) < 0
	}
	return r < MinValue(n)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
