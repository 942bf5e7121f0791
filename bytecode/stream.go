package bytecode

import (
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// Stream: random-access instruction decoder
// ---------------------------------------------------------------------------

// Stream decodes one instruction and its inline operands at a time from a
// method's code. The cursor can be repositioned to any instruction start,
// so the same Stream serves both the linear block-map scan and the
// per-block parse.
type Stream struct {
	code   []byte
	offset int
}

// NewStream creates a stream positioned at offset 0.
func NewStream(code []byte) *Stream {
	return &Stream{code: code}
}

// Offset returns the offset of the current instruction.
func (s *Stream) Offset() int { return s.offset }

// SetOffset repositions the cursor to an instruction start.
func (s *Stream) SetOffset(offset int) { s.offset = offset }

// EndOffset returns the offset one past the last instruction.
func (s *Stream) EndOffset() int { return len(s.code) }

// Opcode returns the opcode of the current instruction.
func (s *Stream) Opcode() Opcode {
	if s.offset >= len(s.code) {
		return OpNop
	}
	return Opcode(s.code[s.offset])
}

// NextOffset returns the offset of the instruction following the current
// one, accounting for variable-length instructions.
func (s *Stream) NextOffset() int {
	op := s.Opcode()
	n := op.Info().OperandBytes
	if n >= 0 {
		return s.offset + 1 + n
	}
	// SWITCH: count and default, then 6 bytes per case
	count := int(s.u16At(s.offset + 1))
	return s.offset + 5 + count*6
}

// Next advances the cursor to the following instruction.
func (s *Stream) Next() { s.offset = s.NextOffset() }

func (s *Stream) u16At(offset int) uint16 {
	return binary.LittleEndian.Uint16(s.code[offset:])
}

func (s *Stream) u32At(offset int) uint32 {
	return binary.LittleEndian.Uint32(s.code[offset:])
}

func (s *Stream) u64At(offset int) uint64 {
	return binary.LittleEndian.Uint64(s.code[offset:])
}

// LocalIndex reads the local-slot operand of the current instruction.
func (s *Stream) LocalIndex() int {
	return int(s.code[s.offset+1])
}

// Increment reads the signed delta operand of an INC instruction.
func (s *Stream) Increment() int {
	return int(int8(s.code[s.offset+2]))
}

// PoolIndex reads the constant-pool operand of the current instruction.
func (s *Stream) PoolIndex() int {
	return int(s.u16At(s.offset + 1))
}

// BranchTarget reads the absolute branch-target operand.
func (s *Stream) BranchTarget() int {
	return int(s.u16At(s.offset + 1))
}

// ConstI reads the inline int32 operand.
func (s *Stream) ConstI() int32 {
	return int32(s.u32At(s.offset + 1))
}

// ConstL reads the inline int64 operand.
func (s *Stream) ConstL() int64 {
	return int64(s.u64At(s.offset + 1))
}

// ConstF reads the inline float32 operand.
func (s *Stream) ConstF() float32 {
	return math.Float32frombits(s.u32At(s.offset + 1))
}

// ConstD reads the inline float64 operand.
func (s *Stream) ConstD() float64 {
	return math.Float64frombits(s.u64At(s.offset + 1))
}

// ---------------------------------------------------------------------------
// SWITCH accessors
// ---------------------------------------------------------------------------

// SwitchCaseCount returns the number of non-default cases.
func (s *Stream) SwitchCaseCount() int {
	return int(s.u16At(s.offset + 1))
}

// SwitchDefaultTarget returns the absolute target of the default case.
func (s *Stream) SwitchDefaultTarget() int {
	return int(s.u16At(s.offset + 3))
}

// SwitchKeyAt returns the match key of case i.
func (s *Stream) SwitchKeyAt(i int) int32 {
	return int32(s.u32At(s.offset + 5 + i*6))
}

// SwitchTargetAt returns the absolute target of case i.
func (s *Stream) SwitchTargetAt(i int) int {
	return int(s.u16At(s.offset + 5 + i*6 + 4))
}
