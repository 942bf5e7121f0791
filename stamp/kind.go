package stamp

// ---------------------------------------------------------------------------
// Value kinds
// ---------------------------------------------------------------------------

// Kind classifies the values that can live on the operand stack or in a
// local slot. Narrow integers (8/16-bit) are widened to Int on the stack,
// so Kind doubles as the slot category checked at control-flow merges.
type Kind uint8

const (
	Void    Kind = iota
	Int          // 32-bit signed integer
	Long         // 64-bit signed integer, occupies two slots
	Float        // 32-bit IEEE float
	Double       // 64-bit IEEE float, occupies two slots
	Ref          // object reference
	Illegal      // second slot of a two-slot value, or a cleared slot
)

var kindNames = [...]string{"void", "int", "long", "float", "double", "ref", "illegal"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind?"
}

// Slots reports how many operand-stack or local slots a value of this
// kind occupies.
func (k Kind) Slots() int {
	if k == Long || k == Double {
		return 2
	}
	return 1
}

// Bits returns the bit width of an integer kind, or 0 for non-integer kinds.
func (k Kind) Bits() uint {
	switch k {
	case Int:
		return 32
	case Long:
		return 64
	}
	return 0
}

// IsInteger reports whether values of this kind carry an IntegerStamp.
func (k Kind) IsInteger() bool {
	return k == Int || k == Long
}
