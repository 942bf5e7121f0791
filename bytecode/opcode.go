// Package bytecode defines the stack-machine instruction set the compiler
// consumes: opcode metadata, a random-access instruction stream decoder,
// an assembler for constructing code, and the method container with its
// exception-handler table.
package bytecode

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack operations
const (
	OpNop  Opcode = 0x00 // no operation
	OpPop  Opcode = 0x01 // discard top slot
	OpPop2 Opcode = 0x02 // discard top two slots
	OpDup  Opcode = 0x03 // duplicate top slot
	OpSwap Opcode = 0x04 // swap top two slots
)

// Push constants
const (
	OpConstNull Opcode = 0x10 // push null reference
	OpConstI    Opcode = 0x11 // push inline int32 (4 bytes)
	OpConstL    Opcode = 0x12 // push inline int64 (8 bytes)
	OpConstF    Opcode = 0x13 // push inline float32 (4 bytes)
	OpConstD    Opcode = 0x14 // push inline float64 (8 bytes)
	OpConstPool Opcode = 0x15 // push constant-pool entry (16-bit index)
)

// Local variable operations
const (
	OpLoadI  Opcode = 0x20 // push int local (8-bit index)
	OpLoadL  Opcode = 0x21 // push long local (8-bit index)
	OpLoadF  Opcode = 0x22 // push float local (8-bit index)
	OpLoadD  Opcode = 0x23 // push double local (8-bit index)
	OpLoadR  Opcode = 0x24 // push reference local (8-bit index)
	OpStoreI Opcode = 0x25 // store int into local (8-bit index)
	OpStoreL Opcode = 0x26 // store long into local (8-bit index)
	OpStoreF Opcode = 0x27 // store float into local (8-bit index)
	OpStoreD Opcode = 0x28 // store double into local (8-bit index)
	OpStoreR Opcode = 0x29 // store reference into local (8-bit index)
	OpInc    Opcode = 0x2A // add signed 8-bit delta to int local (8-bit index, 8-bit delta)
)

// Array operations
const (
	OpALoadI   Opcode = 0x30 // pop index, array; push int element
	OpALoadL   Opcode = 0x31 // pop index, array; push long element
	OpALoadR   Opcode = 0x32 // pop index, array; push reference element
	OpAStoreI  Opcode = 0x33 // pop value, index, array; store int element
	OpAStoreL  Opcode = 0x34 // pop value, index, array; store long element
	OpAStoreR  Opcode = 0x35 // pop value, index, array; store reference element
	OpArrayLen Opcode = 0x36 // pop array; push length
)

// Int arithmetic, logic and shifts
const (
	OpAddI  Opcode = 0x40
	OpSubI  Opcode = 0x41
	OpMulI  Opcode = 0x42
	OpDivI  Opcode = 0x43 // traps on zero divisor
	OpRemI  Opcode = 0x44 // traps on zero divisor
	OpNegI  Opcode = 0x45
	OpShlI  Opcode = 0x46
	OpShrI  Opcode = 0x47
	OpUShrI Opcode = 0x48
	OpAndI  Opcode = 0x49
	OpOrI   Opcode = 0x4A
	OpXorI  Opcode = 0x4B
)

// Long arithmetic, logic and shifts (shift amount is an int)
const (
	OpAddL  Opcode = 0x50
	OpSubL  Opcode = 0x51
	OpMulL  Opcode = 0x52
	OpDivL  Opcode = 0x53
	OpRemL  Opcode = 0x54
	OpNegL  Opcode = 0x55
	OpShlL  Opcode = 0x56
	OpShrL  Opcode = 0x57
	OpUShrL Opcode = 0x58
	OpAndL  Opcode = 0x59
	OpOrL   Opcode = 0x5A
	OpXorL  Opcode = 0x5B
)

// Conversions and comparison
const (
	OpI2L  Opcode = 0x60 // sign-extend int to long
	OpL2I  Opcode = 0x61 // truncate long to int
	OpI2B  Opcode = 0x62 // truncate int to 8 bits, sign-extend back
	OpI2S  Opcode = 0x63 // truncate int to 16 bits, sign-extend back
	OpCmpL Opcode = 0x64 // pop two longs, push -1/0/1 int
)

// Control transfer. Branch operands are absolute 16-bit code offsets.
const (
	OpGoto      Opcode = 0x70
	OpIfEq      Opcode = 0x71 // pop int, branch if == 0
	OpIfNe      Opcode = 0x72 // pop int, branch if != 0
	OpIfLt      Opcode = 0x73 // pop int, branch if < 0
	OpIfGe      Opcode = 0x74 // pop int, branch if >= 0
	OpIfGt      Opcode = 0x75 // pop int, branch if > 0
	OpIfLe      Opcode = 0x76 // pop int, branch if <= 0
	OpIfICmpEq  Opcode = 0x77 // pop two ints, branch if ==
	OpIfICmpNe  Opcode = 0x78
	OpIfICmpLt  Opcode = 0x79
	OpIfICmpGe  Opcode = 0x7A
	OpIfICmpGt  Opcode = 0x7B
	OpIfICmpLe  Opcode = 0x7C
	OpIfRefEq   Opcode = 0x7D // pop two references, branch if identical
	OpIfRefNe   Opcode = 0x7E
	OpIfNull    Opcode = 0x7F // pop reference, branch if null
	OpIfNonNull Opcode = 0x80
	OpSwitch    Opcode = 0x81 // 16-bit case count, 16-bit default target, cases of 32-bit key + 16-bit target
)

// Invocation (16-bit method descriptor pool index)
const (
	OpCallStatic    Opcode = 0x90
	OpCallVirtual   Opcode = 0x91
	OpCallSpecial   Opcode = 0x92
	OpCallInterface Opcode = 0x93
)

// Monitors and throw
const (
	OpMonitorEnter Opcode = 0xA0 // pop reference, acquire lock
	OpMonitorExit  Opcode = 0xA1 // pop reference, release lock
	OpThrow        Opcode = 0xA2 // pop reference, raise it
)

// Returns
const (
	OpReturnV Opcode = 0xB0 // return void
	OpReturnI Opcode = 0xB1 // pop int, return it
	OpReturnL Opcode = 0xB2
	OpReturnF Opcode = 0xB3
	OpReturnD Opcode = 0xB4
	OpReturnR Opcode = 0xB5
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of inline operand bytes (-1 = variable)
	IsBranch     bool   // transfers control to an explicit target
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:  {"NOP", 0, false},
	OpPop:  {"POP", 0, false},
	OpPop2: {"POP2", 0, false},
	OpDup:  {"DUP", 0, false},
	OpSwap: {"SWAP", 0, false},

	OpConstNull: {"CONST_NULL", 0, false},
	OpConstI:    {"CONST_I", 4, false},
	OpConstL:    {"CONST_L", 8, false},
	OpConstF:    {"CONST_F", 4, false},
	OpConstD:    {"CONST_D", 8, false},
	OpConstPool: {"CONST_POOL", 2, false},

	OpLoadI:  {"LOAD_I", 1, false},
	OpLoadL:  {"LOAD_L", 1, false},
	OpLoadF:  {"LOAD_F", 1, false},
	OpLoadD:  {"LOAD_D", 1, false},
	OpLoadR:  {"LOAD_R", 1, false},
	OpStoreI: {"STORE_I", 1, false},
	OpStoreL: {"STORE_L", 1, false},
	OpStoreF: {"STORE_F", 1, false},
	OpStoreD: {"STORE_D", 1, false},
	OpStoreR: {"STORE_R", 1, false},
	OpInc:    {"INC", 2, false},

	OpALoadI:   {"ALOAD_I", 0, false},
	OpALoadL:   {"ALOAD_L", 0, false},
	OpALoadR:   {"ALOAD_R", 0, false},
	OpAStoreI:  {"ASTORE_I", 0, false},
	OpAStoreL:  {"ASTORE_L", 0, false},
	OpAStoreR:  {"ASTORE_R", 0, false},
	OpArrayLen: {"ARRAY_LEN", 0, false},

	OpAddI:  {"ADD_I", 0, false},
	OpSubI:  {"SUB_I", 0, false},
	OpMulI:  {"MUL_I", 0, false},
	OpDivI:  {"DIV_I", 0, false},
	OpRemI:  {"REM_I", 0, false},
	OpNegI:  {"NEG_I", 0, false},
	OpShlI:  {"SHL_I", 0, false},
	OpShrI:  {"SHR_I", 0, false},
	OpUShrI: {"USHR_I", 0, false},
	OpAndI:  {"AND_I", 0, false},
	OpOrI:   {"OR_I", 0, false},
	OpXorI:  {"XOR_I", 0, false},

	OpAddL:  {"ADD_L", 0, false},
	OpSubL:  {"SUB_L", 0, false},
	OpMulL:  {"MUL_L", 0, false},
	OpDivL:  {"DIV_L", 0, false},
	OpRemL:  {"REM_L", 0, false},
	OpNegL:  {"NEG_L", 0, false},
	OpShlL:  {"SHL_L", 0, false},
	OpShrL:  {"SHR_L", 0, false},
	OpUShrL: {"USHR_L", 0, false},
	OpAndL:  {"AND_L", 0, false},
	OpOrL:   {"OR_L", 0, false},
	OpXorL:  {"XOR_L", 0, false},

	OpI2L:  {"I2L", 0, false},
	OpL2I:  {"L2I", 0, false},
	OpI2B:  {"I2B", 0, false},
	OpI2S:  {"I2S", 0, false},
	OpCmpL: {"CMP_L", 0, false},

	OpGoto:      {"GOTO", 2, true},
	OpIfEq:      {"IF_EQ", 2, true},
	OpIfNe:      {"IF_NE", 2, true},
	OpIfLt:      {"IF_LT", 2, true},
	OpIfGe:      {"IF_GE", 2, true},
	OpIfGt:      {"IF_GT", 2, true},
	OpIfLe:      {"IF_LE", 2, true},
	OpIfICmpEq:  {"IF_ICMP_EQ", 2, true},
	OpIfICmpNe:  {"IF_ICMP_NE", 2, true},
	OpIfICmpLt:  {"IF_ICMP_LT", 2, true},
	OpIfICmpGe:  {"IF_ICMP_GE", 2, true},
	OpIfICmpGt:  {"IF_ICMP_GT", 2, true},
	OpIfICmpLe:  {"IF_ICMP_LE", 2, true},
	OpIfRefEq:   {"IF_REF_EQ", 2, true},
	OpIfRefNe:   {"IF_REF_NE", 2, true},
	OpIfNull:    {"IF_NULL", 2, true},
	OpIfNonNull: {"IF_NON_NULL", 2, true},
	OpSwitch:    {"SWITCH", -1, true},

	OpCallStatic:    {"CALL_STATIC", 2, false},
	OpCallVirtual:   {"CALL_VIRTUAL", 2, false},
	OpCallSpecial:   {"CALL_SPECIAL", 2, false},
	OpCallInterface: {"CALL_INTERFACE", 2, false},

	OpMonitorEnter: {"MONITOR_ENTER", 0, false},
	OpMonitorExit:  {"MONITOR_EXIT", 0, false},
	OpThrow:        {"THROW", 0, false},

	OpReturnV: {"RETURN_V", 0, false},
	OpReturnI: {"RETURN_I", 0, false},
	OpReturnL: {"RETURN_L", 0, false},
	OpReturnF: {"RETURN_F", 0, false},
	OpReturnD: {"RETURN_D", 0, false},
	OpReturnR: {"RETURN_R", 0, false},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// Known reports whether op is a defined instruction.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}

// IsConditional reports whether op is a two-way conditional branch.
func (op Opcode) IsConditional() bool {
	return op >= OpIfEq && op <= OpIfNonNull
}

// IsBlockEnd reports whether op unconditionally ends a basic block.
func (op Opcode) IsBlockEnd() bool {
	switch op {
	case OpGoto, OpSwitch, OpThrow,
		OpReturnV, OpReturnI, OpReturnL, OpReturnF, OpReturnD, OpReturnR:
		return true
	}
	return op.IsConditional()
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}
