package stamp

import (
	"math"
	"math/rand"
	"testing"
)

func TestForConstant(t *testing.T) {
	tests := []struct {
		bits uint
		v    int64
	}{
		{32, 0},
		{32, 42},
		{32, -1},
		{32, math.MaxInt32},
		{32, math.MinInt32},
		{64, math.MinInt64},
		{8, -128},
		{8, 127},
	}
	for _, tt := range tests {
		s := ForConstant(tt.bits, tt.v)
		c, ok := s.AsConstant()
		if !ok || c != tt.v {
			t.Errorf("ForConstant(%d, %d).AsConstant() = %d, %v", tt.bits, tt.v, c, ok)
		}
		if !s.Contains(tt.v) {
			t.Errorf("ForConstant(%d, %d) does not contain its own value", tt.bits, tt.v)
		}
		if s.MustSetMask() != s.MaySetMask() {
			t.Errorf("constant stamp masks differ: must=%#x may=%#x", s.MustSetMask(), s.MaySetMask())
		}
	}
}

func TestForConstantTruncates(t *testing.T) {
	// 300 does not fit in 8 bits; the constructor must wrap it.
	s := ForConstant(8, 300)
	c, ok := s.AsConstant()
	if !ok || c != 44 {
		t.Errorf("ForConstant(8, 300) = %d, want 44", c)
	}
}

func TestUnrestrictedAndIllegal(t *testing.T) {
	for _, bits := range []uint{1, 8, 16, 32, 64} {
		top := Unrestricted(bits)
		if !top.IsLegal() || !top.IsUnrestricted() {
			t.Errorf("Unrestricted(%d) not legal/unrestricted: %v", bits, top)
		}
		if top.LowerBound() != MinValue(bits) || top.UpperBound() != MaxValue(bits) {
			t.Errorf("Unrestricted(%d) bounds = [%d, %d]", bits, top.LowerBound(), top.UpperBound())
		}
		bot := IllegalInt(bits)
		if bot.IsLegal() {
			t.Errorf("IllegalInt(%d) reports legal", bits)
		}
	}
}

func TestForIntegerMasksNarrowing(t *testing.T) {
	// A may-mask of 0xF forces the bounds below 16.
	s := ForIntegerMasks(32, 0, 100, 0, 0xF)
	if s.UpperBound() != 15 {
		t.Errorf("upper = %d, want 15 (clamped by may mask)", s.UpperBound())
	}

	// A must-mask forces the lower bound up.
	s = ForIntegerMasks(32, 0, 100, 0x8, 0xFF)
	if s.LowerBound() != 8 {
		t.Errorf("lower = %d, want 8 (raised by must mask)", s.LowerBound())
	}
	if s.LowerBound()|int64(s.MustSetMask()) != s.LowerBound() {
		t.Errorf("lower %d does not absorb must mask %#x", s.LowerBound(), s.MustSetMask())
	}
}

func TestForIntegerMasksContradiction(t *testing.T) {
	// must outside may is an empty value set.
	if s := ForIntegerMasks(32, 0, 100, 0x10, 0xF); s.IsLegal() {
		t.Errorf("must&^may != 0 produced legal stamp %v", s)
	}
	// Inverted bounds are empty.
	if s := ForIntegerMasks(32, 10, 5, 0, Mask(32)); s.IsLegal() {
		t.Errorf("lo > hi produced legal stamp %v", s)
	}
	// Bounds incompatible with the masks: values in [16, 31] all need bit 4,
	// but the may mask forbids it.
	if s := ForIntegerMasks(32, 16, 31, 0, 0xF); s.IsLegal() {
		t.Errorf("mask-incompatible bounds produced legal stamp %v", s)
	}
}

func TestContains(t *testing.T) {
	s := ForIntegerMasks(32, 0, 20, 0, 0x1F)
	for _, v := range []int64{0, 5, 20} {
		if !s.Contains(v) {
			t.Errorf("%v should contain %d", s, v)
		}
	}
	for _, v := range []int64{-1, 21, 32} {
		if s.Contains(v) {
			t.Errorf("%v should not contain %d", s, v)
		}
	}

	// Mask constraints beyond the bounds: even values only.
	even := ForIntegerMasks(32, 0, 100, 0, ^uint64(1)&Mask(32))
	if even.Contains(3) {
		t.Errorf("%v should not contain 3", even)
	}
	if !even.Contains(4) {
		t.Errorf("%v should contain 4", even)
	}
}

func TestMeetUnionOfRanges(t *testing.T) {
	a := ForIntegerMasks(32, 0, 10, 0, 0xF)
	b := ForIntegerMasks(32, 5, 20, 0, 0x1F)
	m := a.Meet(b).(*IntegerStamp)
	if m.LowerBound() != 0 || m.UpperBound() != 20 {
		t.Errorf("meet bounds = [%d, %d], want [0, 20]", m.LowerBound(), m.UpperBound())
	}
	if m.MustSetMask() != 0 || m.MaySetMask() != 0x1F {
		t.Errorf("meet masks = must=%#x may=%#x, want must=0 may=0x1f", m.MustSetMask(), m.MaySetMask())
	}
}

func TestJoinIntersection(t *testing.T) {
	a := ForInteger(32, 0, 10)
	b := ForInteger(32, 5, 20)
	j := a.Join(b).(*IntegerStamp)
	if j.LowerBound() != 5 || j.UpperBound() != 10 {
		t.Errorf("join bounds = [%d, %d], want [5, 10]", j.LowerBound(), j.UpperBound())
	}
}

func TestJoinDisjointIsIllegal(t *testing.T) {
	a := ForInteger(32, 0, 10)
	b := ForInteger(32, 20, 30)
	if j := a.Join(b).(*IntegerStamp); j.IsLegal() {
		t.Errorf("join of disjoint ranges = %v, want illegal", j)
	}

	// Disjoint by masks rather than bounds.
	c := ForIntegerMasks(32, 0, 100, 0x1, Mask(32)) // odd values
	d := ForIntegerMasks(32, 0, 100, 0, ^uint64(1)&Mask(32))
	if j := c.Join(d).(*IntegerStamp); j.IsLegal() {
		t.Errorf("join of odd and even = %v, want illegal", j)
	}
}

func TestJoinEmptyMaskWindow(t *testing.T) {
	// The bounds overlap in [-16, -15], but no bit pattern inside that
	// window satisfies the combined masks: the join must come out empty
	// rather than as a range admitting values in neither operand.
	a := &IntegerStamp{bits: 8, lower: -19, upper: -15, mustMask: 0x01, mayMask: 0x81}
	b := ForInteger(8, -16, 19)
	j := a.Join(b).(*IntegerStamp)
	if j.IsLegal() {
		t.Fatalf("join of %v and %v = %v, want illegal", a, b, j)
	}
	if j.Contains(-15) {
		t.Errorf("join of %v and %v contains -15, which is in neither operand", a, b)
	}

	// Widening the window to reach a representable pattern collapses the
	// join to that single value.
	c := ForIntegerMasks(8, -127, 1, 0x01, 0x81)
	j = c.Join(b).(*IntegerStamp)
	if v, ok := j.AsConstant(); !ok || v != 1 {
		t.Errorf("join of %v and %v = %v, want constant 1", c, b, j)
	}
}

func TestMeetJoinWithSelf(t *testing.T) {
	s := ForIntegerMasks(32, 3, 90, 0x2, 0xFE)
	if got := s.Meet(s); got != Stamp(s) {
		t.Errorf("s.Meet(s) = %v, want identical stamp", got)
	}
	if got := s.Join(s); got != Stamp(s) {
		t.Errorf("s.Join(s) = %v, want identical stamp", got)
	}
}

func TestRefStampLattice(t *testing.T) {
	if RefAny.Meet(RefNonNull) != Stamp(RefAny) {
		t.Error("ref meet ref! should be ref")
	}
	if RefNonNull.Meet(RefNonNull) != Stamp(RefNonNull) {
		t.Error("ref! meet ref! should be ref!")
	}
	if RefAny.Join(RefNonNull) != Stamp(RefNonNull) {
		t.Error("ref join ref! should be ref!")
	}
	if RefNonNull.NonNull() != true || RefAny.NonNull() != false {
		t.Error("NonNull flags wrong")
	}
}

func TestForKind(t *testing.T) {
	tests := []struct {
		kind Kind
		want Stamp
	}{
		{Int, Unrestricted(32)},
		{Long, Unrestricted(64)},
		{Float, Float32Any},
		{Double, Float64Any},
		{Ref, RefAny},
		{Void, ForVoid},
	}
	for _, tt := range tests {
		if got := ForKind(tt.kind); !got.Equals(tt.want) {
			t.Errorf("ForKind(%v) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestStampString(t *testing.T) {
	tests := []struct {
		s    *IntegerStamp
		want string
	}{
		{ForConstant(32, 7), "i32 [7] must=0x7 may=0x7"},
		{Unrestricted(64), "i64"},
		{IllegalInt(32), "i32 <empty>"},
		{ForInteger(32, 0, 20), "i32 [0 - 20] may=0x1f"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Randomized lattice laws
// ---------------------------------------------------------------------------

// randomStamp constructs a random legal stamp of the given width.
func randomStamp(rng *rand.Rand, bits uint) *IntegerStamp {
	for {
		lo := SignExtend(rng.Int63()&int64(Mask(bits)), bits)
		hi := SignExtend(rng.Int63()&int64(Mask(bits)), bits)
		if lo > hi {
			lo, hi = hi, lo
		}
		may := rng.Uint64() & Mask(bits)
		must := rng.Uint64() & may
		if rng.Intn(2) == 0 {
			// Unconstrained masks half the time so bounds dominate.
			must, may = 0, Mask(bits)
		}
		s := ForIntegerMasks(bits, lo, hi, must, may)
		if s.IsLegal() {
			return s
		}
	}
}

// sampleValue draws a value contained in the stamp, or reports failure.
func sampleValue(rng *rand.Rand, s *IntegerStamp) (int64, bool) {
	if c, ok := s.AsConstant(); ok {
		return c, true
	}
	for i := 0; i < 64; i++ {
		span := uint64(s.UpperBound()) - uint64(s.LowerBound())
		var v int64
		if span == ^uint64(0) {
			v = int64(rng.Uint64())
		} else {
			v = s.LowerBound() + int64(rng.Uint64()%(span+1))
		}
		v = SignExtend((int64(uint64(v)&s.MaySetMask())|int64(s.MustSetMask()))&int64(Mask(s.Bits())), s.Bits())
		if s.Contains(v) {
			return v, true
		}
	}
	if s.Contains(s.LowerBound()) {
		return s.LowerBound(), true
	}
	if s.Contains(s.UpperBound()) {
		return s.UpperBound(), true
	}
	return 0, false
}

func TestLatticeLaws(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, bits := range []uint{8, 32, 64} {
		for i := 0; i < 500; i++ {
			a := randomStamp(rng, bits)
			b := randomStamp(rng, bits)

			meet := a.Meet(b).(*IntegerStamp)
			if !meet.Meet(a).Equals(meet) {
				t.Fatalf("meet not absorbing: a=%v b=%v meet=%v", a, b, meet)
			}
			if !a.Meet(b).Equals(b.Meet(a)) {
				t.Fatalf("meet not commutative: a=%v b=%v", a, b)
			}
			if !a.Join(b).Equals(b.Join(a)) {
				t.Fatalf("join not commutative: a=%v b=%v", a, b)
			}

			// Every value of either operand is in the meet; every value of
			// the join is in both operands.
			if v, ok := sampleValue(rng, a); ok && !meet.Contains(v) {
				t.Fatalf("meet %v of %v and %v misses %d from a", meet, a, b, v)
			}
			if v, ok := sampleValue(rng, b); ok && !meet.Contains(v) {
				t.Fatalf("meet %v of %v and %v misses %d from b", meet, a, b, v)
			}
			join := a.Join(b).(*IntegerStamp)
			if join.IsLegal() {
				if v, ok := sampleValue(rng, join); ok && (!a.Contains(v) || !b.Contains(v)) {
					t.Fatalf("join %v of %v and %v contains stray %d", join, a, b, v)
				}
			}
		}
	}
}
