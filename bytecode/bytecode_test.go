package bytecode

import (
	"math"
	"testing"
)

func TestOpcodeInfo(t *testing.T) {
	tests := []struct {
		op       Opcode
		name     string
		operands int
		isBranch bool
	}{
		{OpNop, "NOP", 0, false},
		{OpConstI, "CONST_I", 4, false},
		{OpConstL, "CONST_L", 8, false},
		{OpLoadI, "LOAD_I", 1, false},
		{OpInc, "INC", 2, false},
		{OpGoto, "GOTO", 2, true},
		{OpIfICmpLt, "IF_ICMP_LT", 2, true},
		{OpSwitch, "SWITCH", -1, true},
		{OpCallStatic, "CALL_STATIC", 2, false},
		{OpReturnV, "RETURN_V", 0, false},
	}
	for _, tt := range tests {
		info := tt.op.Info()
		if info.Name != tt.name {
			t.Errorf("%#02x name = %q, want %q", byte(tt.op), info.Name, tt.name)
		}
		if info.OperandBytes != tt.operands {
			t.Errorf("%s operand bytes = %d, want %d", tt.name, info.OperandBytes, tt.operands)
		}
		if info.IsBranch != tt.isBranch {
			t.Errorf("%s IsBranch = %v, want %v", tt.name, info.IsBranch, tt.isBranch)
		}
	}
}

func TestOpcodeUnknown(t *testing.T) {
	op := Opcode(0xEE)
	if op.Known() {
		t.Error("0xEE should be unknown")
	}
	if got := op.Name(); got != "UNKNOWN_EE" {
		t.Errorf("unknown opcode name = %q", got)
	}
}

func TestOpcodeClassification(t *testing.T) {
	conditionals := []Opcode{
		OpIfEq, OpIfNe, OpIfLt, OpIfGe, OpIfGt, OpIfLe,
		OpIfICmpEq, OpIfICmpNe, OpIfICmpLt, OpIfICmpGe, OpIfICmpGt, OpIfICmpLe,
		OpIfRefEq, OpIfRefNe, OpIfNull, OpIfNonNull,
	}
	for _, op := range conditionals {
		if !op.IsConditional() {
			t.Errorf("%v should be conditional", op)
		}
		if !op.IsBlockEnd() {
			t.Errorf("%v should end a block", op)
		}
	}
	for _, op := range []Opcode{OpGoto, OpSwitch, OpThrow, OpReturnV, OpReturnI} {
		if op.IsConditional() {
			t.Errorf("%v should not be conditional", op)
		}
		if !op.IsBlockEnd() {
			t.Errorf("%v should end a block", op)
		}
	}
	for _, op := range []Opcode{OpNop, OpAddI, OpCallStatic, OpMonitorEnter} {
		if op.IsBlockEnd() {
			t.Errorf("%v should not end a block", op)
		}
	}
}

func TestStreamDecodesConstants(t *testing.T) {
	b := NewBuilder()
	b.EmitConstI(-42)
	b.EmitConstL(math.MinInt64)
	b.EmitConstF(1.5)
	b.EmitConstD(-2.25)
	b.EmitUint16(OpConstPool, 7)
	b.Emit(OpReturnV)

	s := NewStream(b.Bytes())
	if s.Opcode() != OpConstI || s.ConstI() != -42 {
		t.Errorf("const_i = %v %d", s.Opcode(), s.ConstI())
	}
	s.Next()
	if s.Opcode() != OpConstL || s.ConstL() != math.MinInt64 {
		t.Errorf("const_l = %v %d", s.Opcode(), s.ConstL())
	}
	s.Next()
	if s.Opcode() != OpConstF || s.ConstF() != 1.5 {
		t.Errorf("const_f = %v %v", s.Opcode(), s.ConstF())
	}
	s.Next()
	if s.Opcode() != OpConstD || s.ConstD() != -2.25 {
		t.Errorf("const_d = %v %v", s.Opcode(), s.ConstD())
	}
	s.Next()
	if s.Opcode() != OpConstPool || s.PoolIndex() != 7 {
		t.Errorf("const_pool = %v %d", s.Opcode(), s.PoolIndex())
	}
	s.Next()
	if s.Opcode() != OpReturnV {
		t.Errorf("trailing opcode = %v", s.Opcode())
	}
	s.Next()
	if s.Offset() != s.EndOffset() {
		t.Errorf("stream did not end cleanly: offset %d of %d", s.Offset(), s.EndOffset())
	}
}

func TestStreamLocalsAndInc(t *testing.T) {
	b := NewBuilder()
	b.EmitByte(OpLoadI, 3)
	b.EmitInc(2, -5)
	b.EmitByte(OpStoreI, 3)

	s := NewStream(b.Bytes())
	if s.LocalIndex() != 3 {
		t.Errorf("load index = %d, want 3", s.LocalIndex())
	}
	s.Next()
	if s.LocalIndex() != 2 || s.Increment() != -5 {
		t.Errorf("inc = local %d delta %d, want 2 -5", s.LocalIndex(), s.Increment())
	}
	s.Next()
	if s.Opcode() != OpStoreI || s.LocalIndex() != 3 {
		t.Errorf("store = %v %d", s.Opcode(), s.LocalIndex())
	}
}

func TestBuilderForwardLabel(t *testing.T) {
	b := NewBuilder()
	done := b.NewLabel()
	b.EmitByte(OpLoadI, 0)
	b.EmitBranch(OpIfEq, done) // forward reference, patched by Mark
	b.EmitConstI(1)
	b.EmitByte(OpStoreI, 0)
	b.Mark(done)
	b.Emit(OpReturnV)

	s := NewStream(b.Bytes())
	s.SetOffset(2) // the IF_EQ
	if s.Opcode() != OpIfEq {
		t.Fatalf("opcode at 2 = %v, want IF_EQ", s.Opcode())
	}
	wantTarget := len(b.Bytes()) - 1 // the RETURN_V
	if s.BranchTarget() != wantTarget {
		t.Errorf("branch target = %d, want %d", s.BranchTarget(), wantTarget)
	}
}

func TestBuilderBackwardLabel(t *testing.T) {
	b := NewBuilder()
	top := b.NewLabel()
	b.Mark(top)
	b.EmitByte(OpLoadI, 0)
	b.EmitBranch(OpIfNe, top)
	b.Emit(OpReturnV)

	s := NewStream(b.Bytes())
	s.SetOffset(2)
	if s.BranchTarget() != 0 {
		t.Errorf("backward branch target = %d, want 0", s.BranchTarget())
	}
}

func TestSwitchEncoding(t *testing.T) {
	b := NewBuilder()
	def := b.NewLabel()
	one := b.NewLabel()
	two := b.NewLabel()
	b.EmitByte(OpLoadI, 0)
	b.EmitSwitch(def, []SwitchCase{
		{Key: 1, Target: one},
		{Key: -7, Target: two},
	})
	b.Mark(one)
	b.Emit(OpReturnV)
	b.Mark(two)
	b.Emit(OpReturnV)
	b.Mark(def)
	b.Emit(OpReturnV)

	s := NewStream(b.Bytes())
	s.SetOffset(2)
	if s.Opcode() != OpSwitch {
		t.Fatalf("opcode at 2 = %v, want SWITCH", s.Opcode())
	}
	if s.SwitchCaseCount() != 2 {
		t.Fatalf("case count = %d, want 2", s.SwitchCaseCount())
	}
	if s.SwitchKeyAt(0) != 1 || s.SwitchKeyAt(1) != -7 {
		t.Errorf("keys = %d, %d, want 1, -7", s.SwitchKeyAt(0), s.SwitchKeyAt(1))
	}
	end := len(b.Bytes())
	if s.SwitchTargetAt(0) != end-3 {
		t.Errorf("case 0 target = %d, want %d", s.SwitchTargetAt(0), end-3)
	}
	if s.SwitchTargetAt(1) != end-2 {
		t.Errorf("case 1 target = %d, want %d", s.SwitchTargetAt(1), end-2)
	}
	if s.SwitchDefaultTarget() != end-1 {
		t.Errorf("default target = %d, want %d", s.SwitchDefaultTarget(), end-1)
	}
	// NextOffset must skip the whole variable-length instruction.
	if s.NextOffset() != 2+5+2*6 {
		t.Errorf("NextOffset = %d, want %d", s.NextOffset(), 2+5+2*6)
	}
}

func TestHandlerCoversAndCatchAll(t *testing.T) {
	h := Handler{Start: 4, End: 10, Target: 20, CatchType: 3}
	if h.Covers(3) || !h.Covers(4) || !h.Covers(9) || h.Covers(10) {
		t.Error("Covers range is wrong")
	}
	if h.IsCatchAll() {
		t.Error("typed handler reported catch-all")
	}
	if !(Handler{CatchType: 0}).IsCatchAll() {
		t.Error("CatchType 0 should catch all")
	}
}

func TestHandlersAtDeclarationOrder(t *testing.T) {
	m := &Method{
		Handlers: []Handler{
			{Start: 0, End: 20, Target: 30, CatchType: 1},
			{Start: 5, End: 15, Target: 40, CatchType: 2},
			{Start: 50, End: 60, Target: 70, CatchType: 0},
		},
	}
	got := m.HandlersAt(10)
	if len(got) != 2 {
		t.Fatalf("HandlersAt(10) returned %d handlers, want 2", len(got))
	}
	if got[0].Target != 30 || got[1].Target != 40 {
		t.Errorf("handlers out of declaration order: %v", got)
	}
	if len(m.HandlersAt(55)) != 1 {
		t.Error("HandlersAt(55) should match the catch-all only")
	}
}
