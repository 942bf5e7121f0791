// Package stamp implements the abstract value domain attached to every
// value-producing node in the graph. An integer stamp describes the set of
// possible runtime values of an expression as inclusive signed bounds plus
// a pair of bit masks: bits guaranteed to be set in every value and bits
// that may be set in some value. Stamps are immutable and freely shared.
package stamp

import "fmt"

// Stamp describes the possible runtime values of a node. Implementations
// are pure values; all derivation operations return new stamps.
type Stamp interface {
	// Kind is the stack-slot kind of values carrying this stamp.
	Kind() Kind
	// IsLegal reports whether the stamp denotes a non-empty value set.
	IsLegal() bool
	// Meet returns the union of the two value sets (control-flow merge).
	Meet(other Stamp) Stamp
	// Join returns the intersection of the two value sets (guards).
	Join(other Stamp) Stamp
	// Equals is structural equality; equal stamps are interchangeable.
	Equals(other Stamp) bool
	String() string
}

// ---------------------------------------------------------------------------
// IntegerStamp
// ---------------------------------------------------------------------------

// IntegerStamp describes the possible values of an int or long expression.
// Invariants for every legal instance:
//
//	lowerBound <= upperBound
//	mustMask &^ mayMask == 0
//	both masks fit within bits
//	lowerBound | mustMask == lowerBound
type IntegerStamp struct {
	bits     uint // 1, 8, 16, 32 or 64
	lower    int64
	upper    int64
	mustMask uint64
	mayMask  uint64
}

// Unrestricted returns the top element for the given width: the stamp
// containing every representable value.
func Unrestricted(bits uint) *IntegerStamp {
	return &IntegerStamp{bits, MinValue(bits), MaxValue(bits), 0, Mask(bits)}
}

// IllegalInt returns the bottom element for the given width: the stamp
// denoting the empty value set. It is a marker, not an error.
func IllegalInt(bits uint) *IntegerStamp {
	return &IntegerStamp{bits, MaxValue(bits), MinValue(bits), Mask(bits), 0}
}

// ForConstant returns the singleton stamp containing exactly v.
func ForConstant(bits uint, v int64) *IntegerStamp {
	v = SignExtend(v&int64(Mask(bits)), bits)
	m := uint64(v) & Mask(bits)
	return &IntegerStamp{bits, v, v, m, m}
}

// ForInteger returns the stamp with the given bounds and the widest masks
// consistent with them.
func ForInteger(bits uint, lo, hi int64) *IntegerStamp {
	return ForIntegerMasks(bits, lo, hi, 0, upMaskFor(bits, lo, hi))
}

// ForIntegerMasks constructs the tightest legal stamp satisfying all four
// constraints, narrowing bounds by masks and masks by bounds. Contradictory
// inputs yield the illegal stamp.
func ForIntegerMasks(bits uint, lo, hi int64, must, may uint64) *IntegerStamp {
	must &= Mask(bits)
	may &= Mask(bits)
	if must&^may != 0 {
		return IllegalInt(bits)
	}
	lo = max64(lo, minValueForMasks(bits, must, may))
	hi = min64(hi, maxValueForMasks(bits, must, may))
	if lo > hi {
		return IllegalInt(bits)
	}
	if lo >= 0 {
		may &= upMaskFor(bits, lo, hi)
		if must&^may != 0 {
			return IllegalInt(bits)
		}
	}
	// Round the bounds inward to the nearest values whose bit patterns
	// satisfy both masks. No such value within the bounds means the
	// stamp is empty.
	var okLo, okHi bool
	lo, okLo = leastValueForMasks(bits, lo, must, may)
	hi, okHi = greatestValueForMasks(bits, hi, must, may)
	if !okLo || !okHi || lo > hi {
		return IllegalInt(bits)
	}
	if lo == hi {
		p := uint64(lo) & Mask(bits)
		return makeStamp(bits, lo, hi, p, p)
	}
	return makeStamp(bits, lo, hi, must, may)
}

// makeStamp validates the final field values, collapsing contradictions to
// the illegal stamp.
func makeStamp(bits uint, lo, hi int64, must, may uint64) *IntegerStamp {
	if lo > hi || must&^may != 0 || (may == 0 && (lo > 0 || hi < 0)) {
		return IllegalInt(bits)
	}
	if !inRange(lo, bits) || !inRange(hi, bits) {
		panic(fmt.Sprintf("stamp: bounds [%d, %d] not representable in %d bits", lo, hi, bits))
	}
	return &IntegerStamp{bits, lo, hi, must, may}
}

func (s *IntegerStamp) Kind() Kind {
	if s.bits > 32 {
		return Long
	}
	return Int
}

// Bits returns the width of the described values.
func (s *IntegerStamp) Bits() uint { return s.bits }

// LowerBound is the signed inclusive lower bound.
func (s *IntegerStamp) LowerBound() int64 { return s.lower }

// UpperBound is the signed inclusive upper bound.
func (s *IntegerStamp) UpperBound() int64 { return s.upper }

// MustSetMask describes the bits set in every possible value.
func (s *IntegerStamp) MustSetMask() uint64 { return s.mustMask }

// MaySetMask describes the bits that can be set in some possible value.
func (s *IntegerStamp) MaySetMask() uint64 { return s.mayMask }

func (s *IntegerStamp) IsLegal() bool { return s.lower <= s.upper }

// IsUnrestricted reports whether the stamp is the top element for its width.
func (s *IntegerStamp) IsUnrestricted() bool {
	return s.lower == MinValue(s.bits) && s.upper == MaxValue(s.bits) &&
		s.mustMask == 0 && s.mayMask == Mask(s.bits)
}

// Contains reports whether v satisfies the bound and mask constraints.
func (s *IntegerStamp) Contains(v int64) bool {
	return v >= s.lower && v <= s.upper &&
		uint64(v)&s.mustMask == s.mustMask &&
		uint64(v)&s.mayMask == uint64(v)&Mask(s.bits)
}

func (s *IntegerStamp) IsPositive() bool         { return s.lower >= 0 }
func (s *IntegerStamp) IsStrictlyPositive() bool { return s.lower > 0 }
func (s *IntegerStamp) IsNegative() bool         { return s.upper <= 0 }
func (s *IntegerStamp) IsStrictlyNegative() bool { return s.upper < 0 }

// AsConstant returns the single contained value if the stamp is a
// singleton.
func (s *IntegerStamp) AsConstant() (int64, bool) {
	if s.IsLegal() && s.lower == s.upper {
		return s.lower, true
	}
	return 0, false
}

// Unrestricted returns the top element of this stamp's width.
func (s *IntegerStamp) Unrestricted() *IntegerStamp { return Unrestricted(s.bits) }

// derive builds a stamp of the same width, reusing s or other when the
// fields coincide so derived stamps stay pointer-shared where possible.
func (s *IntegerStamp) derive(other *IntegerStamp, lo, hi int64, must, may uint64) *IntegerStamp {
	if lo == s.lower && hi == s.upper && must == s.mustMask && may == s.mayMask {
		return s
	}
	if other != nil && lo == other.lower && hi == other.upper && must == other.mustMask && may == other.mayMask {
		return other
	}
	return makeStamp(s.bits, lo, hi, must, may)
}

// Meet widens to the union: bounds stretch to cover both operands, a bit
// is guaranteed only if guaranteed in both, possible if possible in either.
func (s *IntegerStamp) Meet(other Stamp) Stamp {
	o := checkMatch(s, other)
	if s == o || s.Equals(o) {
		return s
	}
	return s.derive(o,
		min64(s.lower, o.lower), max64(s.upper, o.upper),
		s.mustMask&o.mustMask, s.mayMask|o.mayMask)
}

// Join narrows to the intersection: bounds shrink to the overlap, a bit is
// guaranteed if guaranteed in either, possible only if possible in both.
// The merged must-mask is forced into the lower bound.
func (s *IntegerStamp) Join(other Stamp) Stamp {
	o := checkMatch(s, other)
	if s == o || s.Equals(o) {
		return s
	}
	res := ForIntegerMasks(s.bits,
		max64(s.lower, o.lower), min64(s.upper, o.upper),
		s.mustMask|o.mustMask, s.mayMask&o.mayMask)
	if res.Equals(s) {
		return s
	}
	if res.Equals(o) {
		return o
	}
	return res
}

func (s *IntegerStamp) Equals(other Stamp) bool {
	o, ok := other.(*IntegerStamp)
	return ok && *s == *o
}

func (s *IntegerStamp) String() string {
	if !s.IsLegal() {
		return fmt.Sprintf("i%d <empty>", s.bits)
	}
	str := fmt.Sprintf("i%d", s.bits)
	switch {
	case s.lower == s.upper:
		str += fmt.Sprintf(" [%d]", s.lower)
	case s.lower != MinValue(s.bits) || s.upper != MaxValue(s.bits):
		str += fmt.Sprintf(" [%d - %d]", s.lower, s.upper)
	}
	if s.mustMask != 0 {
		str += fmt.Sprintf(" must=%#x", s.mustMask)
	}
	if s.mayMask != Mask(s.bits) {
		str += fmt.Sprintf(" may=%#x", s.mayMask)
	}
	return str
}

// checkMatch asserts the width contract for binary stamp operations.
// Mismatched widths are a programming error, not a recoverable condition.
func checkMatch(a *IntegerStamp, other Stamp) *IntegerStamp {
	b, ok := other.(*IntegerStamp)
	if !ok {
		panic(fmt.Sprintf("stamp: integer stamp combined with %T", other))
	}
	if a.bits != b.bits {
		panic(fmt.Sprintf("stamp: width mismatch %d vs %d", a.bits, b.bits))
	}
	return b
}

// ---------------------------------------------------------------------------
// Non-integer stamps
// ---------------------------------------------------------------------------

// RefStamp describes a reference value, tracking only nullness.
type RefStamp struct {
	nonNull bool
}

// RefAny is the unrestricted reference stamp.
var RefAny = &RefStamp{}

// RefNonNull is the stamp of references proven non-null.
var RefNonNull = &RefStamp{nonNull: true}

func (s *RefStamp) Kind() Kind    { return Ref }
func (s *RefStamp) IsLegal() bool { return true }
func (s *RefStamp) NonNull() bool { return s.nonNull }

func (s *RefStamp) Meet(other Stamp) Stamp {
	o, ok := other.(*RefStamp)
	if !ok {
		panic(fmt.Sprintf("stamp: ref stamp combined with %T", other))
	}
	if s.nonNull && o.nonNull {
		return RefNonNull
	}
	return RefAny
}

func (s *RefStamp) Join(other Stamp) Stamp {
	o, ok := other.(*RefStamp)
	if !ok {
		panic(fmt.Sprintf("stamp: ref stamp combined with %T", other))
	}
	if s.nonNull || o.nonNull {
		return RefNonNull
	}
	return RefAny
}

func (s *RefStamp) Equals(other Stamp) bool {
	o, ok := other.(*RefStamp)
	return ok && s.nonNull == o.nonNull
}

func (s *RefStamp) String() string {
	if s.nonNull {
		return "ref!"
	}
	return "ref"
}

// FloatStamp describes a float or double value. The integer abstract
// interpretation does not extend to floats, so it carries only the width.
type FloatStamp struct {
	bits uint
}

var (
	Float32Any = &FloatStamp{32}
	Float64Any = &FloatStamp{64}
)

func (s *FloatStamp) Kind() Kind {
	if s.bits > 32 {
		return Double
	}
	return Float
}

func (s *FloatStamp) IsLegal() bool { return true }

func (s *FloatStamp) Meet(other Stamp) Stamp { return s }
func (s *FloatStamp) Join(other Stamp) Stamp { return s }

func (s *FloatStamp) Equals(other Stamp) bool {
	o, ok := other.(*FloatStamp)
	return ok && s.bits == o.bits
}

func (s *FloatStamp) String() string { return fmt.Sprintf("f%d", s.bits) }

// VoidStamp is carried by nodes that produce no value.
type VoidStamp struct{}

var ForVoid = &VoidStamp{}

func (*VoidStamp) Kind() Kind         { return Void }
func (*VoidStamp) IsLegal() bool      { return true }
func (s *VoidStamp) Meet(Stamp) Stamp { return s }
func (s *VoidStamp) Join(Stamp) Stamp { return s }
func (*VoidStamp) Equals(other Stamp) bool {
	_, ok := other.(*VoidStamp)
	return ok
}
func (*VoidStamp) String() string { return "void" }

// ForKind returns the unrestricted stamp for a stack-slot kind.
func ForKind(k Kind) Stamp {
	switch k {
	case Int:
		return Unrestricted(32)
	case Long:
		return Unrestricted(64)
	case Float:
		return Float32Any
	case Double:
		return Float64Any
	case Ref:
		return RefAny
	default:
		return ForVoid
	}
}
