package bytecode

import (
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// Builder: helper for constructing bytecode
// ---------------------------------------------------------------------------

// Builder assembles bytecode sequences. Branch targets are absolute
// offsets; forward references go through labels and are patched when the
// label is marked.
type Builder struct {
	bytes []byte
}

// NewBuilder creates a new bytecode builder.
func NewBuilder() *Builder {
	return &Builder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the assembled bytecode.
func (b *Builder) Bytes() []byte { return b.bytes }

// Len returns the current code length, i.e. the offset of the next
// instruction to be emitted.
func (b *Builder) Len() int { return len(b.bytes) }

// Emit appends an opcode with no operands.
func (b *Builder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *Builder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInc appends an INC instruction.
func (b *Builder) EmitInc(index byte, delta int8) {
	b.bytes = append(b.bytes, byte(OpInc), index, byte(delta))
}

// EmitUint16 appends an opcode with a 16-bit operand.
func (b *Builder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitConstI appends a CONST_I instruction.
func (b *Builder) EmitConstI(v int32) {
	b.bytes = append(b.bytes, byte(OpConstI))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(v))
}

// EmitConstL appends a CONST_L instruction.
func (b *Builder) EmitConstL(v int64) {
	b.bytes = append(b.bytes, byte(OpConstL))
	b.bytes = binary.LittleEndian.AppendUint64(b.bytes, uint64(v))
}

// EmitConstF appends a CONST_F instruction.
func (b *Builder) EmitConstF(v float32) {
	b.bytes = append(b.bytes, byte(OpConstF))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, math.Float32bits(v))
}

// EmitConstD appends a CONST_D instruction.
func (b *Builder) EmitConstD(v float64) {
	b.bytes = append(b.bytes, byte(OpConstD))
	b.bytes = binary.LittleEndian.AppendUint64(b.bytes, math.Float64bits(v))
}

// ---------------------------------------------------------------------------
// Label management for branches
// ---------------------------------------------------------------------------

// Label represents a branch target that may not be emitted yet.
type Label struct {
	resolved bool
	position int
	refs     []int // operand positions awaiting the target
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position and patches every branch
// that referenced it.
func (b *Builder) Mark(label *Label) {
	if label.resolved {
		panic("bytecode: label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)
	for _, ref := range label.refs {
		binary.LittleEndian.PutUint16(b.bytes[ref:], uint16(label.position))
	}
	label.refs = nil
}

// EmitBranch emits a branch instruction targeting the label.
func (b *Builder) EmitBranch(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		b.bytes = binary.LittleEndian.AppendUint16(b.bytes, uint16(label.position))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0)
	}
}

// EmitBranchTo emits a branch to a known absolute offset.
func (b *Builder) EmitBranchTo(op Opcode, target int) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint16(b.bytes, uint16(target))
}

// SwitchCase pairs a match key with its target label.
type SwitchCase struct {
	Key    int32
	Target *Label
}

// EmitSwitch emits a SWITCH instruction. Unresolved case labels are
// patched when marked.
func (b *Builder) EmitSwitch(def *Label, cases []SwitchCase) {
	b.bytes = append(b.bytes, byte(OpSwitch))
	b.bytes = binary.LittleEndian.AppendUint16(b.bytes, uint16(len(cases)))
	b.emitLabelRef(def)
	for _, c := range cases {
		b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(c.Key))
		b.emitLabelRef(c.Target)
	}
}

func (b *Builder) emitLabelRef(label *Label) {
	if label.resolved {
		b.bytes = binary.LittleEndian.AppendUint16(b.bytes, uint16(label.position))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0)
	}
}
