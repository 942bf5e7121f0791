package stamp

import "fmt"

// ---------------------------------------------------------------------------
// ArithmeticOpTable: constant-fold + stamp-transfer pairs per operator
// ---------------------------------------------------------------------------

// Operator names an arithmetic, logic or shift operation the table knows
// how to fold and abstractly interpret.
type Operator uint8

const (
	OpNeg Operator = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpUShr
)

var operatorNames = [...]string{
	"neg", "add", "sub", "mul", "div", "rem",
	"and", "or", "xor", "shl", "shr", "ushr",
}

func (op Operator) String() string {
	if int(op) < len(operatorNames) {
		return operatorNames[op]
	}
	return "op?"
}

// UnaryOp pairs the concrete and abstract semantics of a one-operand
// operation. FoldConstant works on machine integers with two's-complement
// wraparound; FoldStamp must return a stamp containing every value the
// concrete operation could produce from any value in the input stamp.
type UnaryOp struct {
	Operator     Operator
	FoldConstant func(bits uint, x int64) int64
	FoldStamp    func(s *IntegerStamp) *IntegerStamp
}

// BinaryOp is the two-operand analogue. Associative and Commutative are
// stored for later optimization passes; IsNeutral identifies the identity
// element, if any.
type BinaryOp struct {
	Operator     Operator
	Associative  bool
	Commutative  bool
	IsNeutral    func(c int64) bool
	FoldConstant func(bits uint, x, y int64) int64
	FoldStamp    func(a, b *IntegerStamp) *IntegerStamp
}

var unaryOps = map[Operator]*UnaryOp{}
var binaryOps = map[Operator]*BinaryOp{}

// UnaryFor returns the registered unary entry for the operator.
func UnaryFor(op Operator) (*UnaryOp, bool) {
	u, ok := unaryOps[op]
	return u, ok
}

// BinaryFor returns the registered binary entry for the operator.
func BinaryFor(op Operator) (*BinaryOp, bool) {
	b, ok := binaryOps[op]
	return b, ok
}

// truncate folds a machine-width result back into the operating width.
func truncate(v int64, bits uint) int64 {
	return SignExtend(v&int64(Mask(bits)), bits)
}

// checkWidths asserts the programming contract that both operands of a
// binary transfer function have the same width.
func checkWidths(a, b *IntegerStamp) {
	if a.bits != b.bits {
		panic(fmt.Sprintf("stamp: transfer function width mismatch %d vs %d", a.bits, b.bits))
	}
}

func bothLegal(a, b *IntegerStamp) bool {
	return a.IsLegal() && b.IsLegal()
}

func init() {
	neg := &UnaryOp{
		Operator: OpNeg,
		FoldConstant: func(bits uint, x int64) int64 {
			return truncate(-x, bits)
		},
		FoldStamp: func(s *IntegerStamp) *IntegerStamp {
			if !s.IsLegal() {
				return s
			}
			if s.lower != MinValue(s.bits) {
				// no contained value overflows under negation
				return ForInteger(s.bits, -s.upper, -s.lower)
			}
			return s.Unrestricted()
		},
	}
	unaryOps[OpNeg] = neg

	add := &BinaryOp{
		Operator:    OpAdd,
		Associative: true,
		Commutative: true,
		IsNeutral:   func(c int64) bool { return c == 0 },
		FoldConstant: func(bits uint, x, y int64) int64 {
			return truncate(x+y, bits)
		},
		FoldStamp: foldAddStamp,
	}
	binaryOps[OpAdd] = add

	binaryOps[OpSub] = &BinaryOp{
		Operator:  OpSub,
		IsNeutral: func(c int64) bool { return c == 0 },
		FoldConstant: func(bits uint, x, y int64) int64 {
			return truncate(x-y, bits)
		},
		FoldStamp: func(a, b *IntegerStamp) *IntegerStamp {
			return foldAddStamp(a, neg.FoldStamp(b))
		},
	}

	binaryOps[OpMul] = &BinaryOp{
		Operator:    OpMul,
		Associative: true,
		Commutative: true,
		IsNeutral:   func(c int64) bool { return c == 1 },
		FoldConstant: func(bits uint, x, y int64) int64 {
			return truncate(x*y, bits)
		},
		FoldStamp: func(a, b *IntegerStamp) *IntegerStamp {
			checkWidths(a, b)
			if !bothLegal(a, b) {
				return IllegalInt(a.bits)
			}
			// precise only when one operand is the literal zero
			if a.mayMask == 0 {
				return a
			}
			if b.mayMask == 0 {
				return b
			}
			return a.Unrestricted()
		},
	}

	binaryOps[OpDiv] = &BinaryOp{
		Operator:  OpDiv,
		IsNeutral: func(c int64) bool { return c == 1 },
		FoldConstant: func(bits uint, x, y int64) int64 {
			// truncating division, sign follows the dividend; the caller
			// must not fold a zero divisor
			return truncate(x/y, bits)
		},
		FoldStamp: func(a, b *IntegerStamp) *IntegerStamp {
			checkWidths(a, b)
			if !bothLegal(a, b) {
				return IllegalInt(a.bits)
			}
			if b.IsStrictlyPositive() {
				// the divisor endpoint that maximizes the magnitude of the
				// quotient depends on the dividend's sign
				var lo, hi int64
				if a.lower < 0 {
					lo = a.lower / b.lower
				} else {
					lo = a.lower / b.upper
				}
				if a.upper < 0 {
					hi = a.upper / b.upper
				} else {
					hi = a.upper / b.lower
				}
				return ForInteger(a.bits, lo, hi)
			}
			// a divisor range including zero or negatives must not be
			// folded to a bound-based result
			return a.Unrestricted()
		},
	}

	binaryOps[OpRem] = &BinaryOp{
		Operator: OpRem,
		FoldConstant: func(bits uint, x, y int64) int64 {
			return truncate(x%y, bits)
		},
		FoldStamp: func(a, b *IntegerStamp) *IntegerStamp {
			checkWidths(a, b)
			if !bothLegal(a, b) {
				return IllegalInt(a.bits)
			}
			// zero is always a possible result
			lo := min64(a.lower, 0)
			hi := max64(a.upper, 0)

			// |a % b| < |b|, so clamp to the divisor magnitude minus one;
			// the most-negative divisor has no representable magnitude
			var magnitude int64
			if b.lower == MinValue(b.bits) {
				magnitude = MaxValue(b.bits)
			} else {
				magnitude = max64(abs64(b.lower), abs64(b.upper)) - 1
			}
			lo = max64(lo, -magnitude)
			hi = min64(hi, magnitude)
			return ForInteger(a.bits, lo, hi)
		},
	}

	binaryOps[OpAnd] = &BinaryOp{
		Operator:    OpAnd,
		Associative: true,
		Commutative: true,
		IsNeutral:   func(c int64) bool { return c == -1 },
		FoldConstant: func(bits uint, x, y int64) int64 {
			return truncate(x&y, bits)
		},
		FoldStamp: func(a, b *IntegerStamp) *IntegerStamp {
			checkWidths(a, b)
			if !bothLegal(a, b) {
				return IllegalInt(a.bits)
			}
			return stampForMask(a.bits, a.mustMask&b.mustMask, a.mayMask&b.mayMask)
		},
	}

	binaryOps[OpOr] = &BinaryOp{
		Operator:    OpOr,
		Associative: true,
		Commutative: true,
		IsNeutral:   func(c int64) bool { return c == 0 },
		FoldConstant: func(bits uint, x, y int64) int64 {
			return truncate(x|y, bits)
		},
		FoldStamp: func(a, b *IntegerStamp) *IntegerStamp {
			checkWidths(a, b)
			if !bothLegal(a, b) {
				return IllegalInt(a.bits)
			}
			return stampForMask(a.bits, a.mustMask|b.mustMask, a.mayMask|b.mayMask)
		},
	}

	binaryOps[OpXor] = &BinaryOp{
		Operator:    OpXor,
		Associative: true,
		Commutative: true,
		IsNeutral:   func(c int64) bool { return c == 0 },
		FoldConstant: func(bits uint, x, y int64) int64 {
			return truncate(x^y, bits)
		},
		FoldStamp: func(a, b *IntegerStamp) *IntegerStamp {
			checkWidths(a, b)
			if !bothLegal(a, b) {
				return IllegalInt(a.bits)
			}
			// a bit is certainly set iff it is certain in exactly one
			// operand and certainly clear in the other
			must := (a.mustMask &^ b.mayMask) | (b.mustMask &^ a.mayMask)
			may := (a.mayMask | b.mayMask) &^ (a.mustMask & b.mustMask)
			return stampForMask(a.bits, must, may)
		},
	}

	binaryOps[OpShl] = &BinaryOp{
		Operator:  OpShl,
		IsNeutral: func(c int64) bool { return c == 0 },
		FoldConstant: func(bits uint, x, y int64) int64 {
			return truncate(x<<(uint(y)&(bits-1)), bits)
		},
		FoldStamp: func(a, b *IntegerStamp) *IntegerStamp {
			if !bothLegal(a, b) {
				return IllegalInt(a.bits)
			}
			if c, ok := b.AsConstant(); ok {
				s := uint(c) & (a.bits - 1)
				if s == 0 {
					return a
				}
				return stampForMask(a.bits, a.mustMask<<s&Mask(a.bits), a.mayMask<<s&Mask(a.bits))
			}
			return a.Unrestricted()
		},
	}

	binaryOps[OpShr] = &BinaryOp{
		Operator:  OpShr,
		IsNeutral: func(c int64) bool { return c == 0 },
		FoldConstant: func(bits uint, x, y int64) int64 {
			return truncate(x>>(uint(y)&(bits-1)), bits)
		},
		FoldStamp: func(a, b *IntegerStamp) *IntegerStamp {
			if !bothLegal(a, b) {
				return IllegalInt(a.bits)
			}
			if c, ok := b.AsConstant(); ok {
				// arithmetic shift is monotonic, so the endpoint shifts
				// bound the result
				s := uint(c) & (a.bits - 1)
				return ForInteger(a.bits, a.lower>>s, a.upper>>s)
			}
			return a.Unrestricted()
		},
	}

	binaryOps[OpUShr] = &BinaryOp{
		Operator:  OpUShr,
		IsNeutral: func(c int64) bool { return c == 0 },
		FoldConstant: func(bits uint, x, y int64) int64 {
			s := uint(y) & (bits - 1)
			return truncate(int64((uint64(x)&Mask(bits))>>s), bits)
		},
		FoldStamp: func(a, b *IntegerStamp) *IntegerStamp {
			if !bothLegal(a, b) {
				return IllegalInt(a.bits)
			}
			if c, ok := b.AsConstant(); ok {
				s := uint(c) & (a.bits - 1)
				if s == 0 {
					return a
				}
				// any nonzero unsigned shift clears the sign bit
				return ForInteger(a.bits, 0, int64(Mask(a.bits)>>s))
			}
			return a.Unrestricted()
		},
	}
}

// foldAddStamp is the transfer function for addition. Mask propagation
// follows the carry chains of the endpoint masks; bounds come from the
// endpoint sums, widened to the full range when signed overflow straddles
// either bound pair. Each result then narrows the other.
func foldAddStamp(a, b *IntegerStamp) *IntegerStamp {
	checkWidths(a, b)
	if !bothLegal(a, b) {
		return IllegalInt(a.bits)
	}
	bits := a.bits
	if a.IsUnrestricted() {
		return a
	}
	if b.IsUnrestricted() {
		return b
	}

	defaultMask := Mask(bits)
	variableBits := (a.mustMask ^ a.mayMask) | (b.mustMask ^ b.mayMask)
	variableBitsWithCarry := variableBits |
		(carryBits(a.mustMask, b.mustMask) ^ carryBits(a.mayMask, b.mayMask))
	newMust := (a.mustMask + b.mustMask) &^ variableBitsWithCarry & defaultMask
	newMay := ((a.mustMask + b.mustMask) | variableBitsWithCarry) & defaultMask

	var newLower, newUpper int64
	lowerOverflowsPositively := addOverflowsPositively(a.lower, b.lower, bits)
	upperOverflowsPositively := addOverflowsPositively(a.upper, b.upper, bits)
	lowerOverflowsNegatively := addOverflowsNegatively(a.lower, b.lower, bits)
	upperOverflowsNegatively := addOverflowsNegatively(a.upper, b.upper, bits)
	if (lowerOverflowsNegatively && !upperOverflowsNegatively) ||
		(!lowerOverflowsPositively && upperOverflowsPositively) {
		newLower = MinValue(bits)
		newUpper = MaxValue(bits)
	} else {
		newLower = SignExtend((a.lower+b.lower)&int64(defaultMask), bits)
		newUpper = SignExtend((a.upper+b.upper)&int64(defaultMask), bits)
	}

	// bound-derived and mask-derived results narrow each other
	limit := ForInteger(bits, newLower, newUpper)
	newMay &= limit.mayMask
	newMust |= limit.mustMask
	return ForIntegerMasks(bits, newLower, newUpper, newMust, newMay)
}

// stampForMask derives the tightest bounds implied by a must/may mask pair.
func stampForMask(bits uint, must, may uint64) *IntegerStamp {
	return ForIntegerMasks(bits,
		minValueForMasks(bits, must, may),
		maxValueForMasks(bits, must, may),
		must, may)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
