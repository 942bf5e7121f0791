package compile

import (
	"fmt"
	"math/bits"
	"strings"
	"testing"

	"github.com/marlowvm/marlow/bytecode"
	"github.com/marlowvm/marlow/stamp"
)

func TestBlockBoundariesAndSuccessors(t *testing.T) {
	m := buildBlockMap(diamond(1, 2, true))

	wantStarts := []int{0, 5, 15, 22}
	if len(m.blocks) != len(wantStarts) {
		t.Fatalf("block count = %d, want %d", len(m.blocks), len(wantStarts))
	}
	for i, start := range wantStarts {
		if m.blocks[i].Start != start {
			t.Errorf("block %d starts at %d, want %d", i, m.blocks[i].Start, start)
		}
	}

	succStarts := func(b *Block) []int {
		var out []int
		for _, s := range b.Successors {
			out = append(out, s.Start)
		}
		return out
	}
	if got := succStarts(m.blockAt(0)); len(got) != 2 || got[0] != 15 || got[1] != 5 {
		t.Errorf("entry successors = %v, want [15 5] (taken, fall-through)", got)
	}
	if got := succStarts(m.blockAt(5)); len(got) != 1 || got[0] != 22 {
		t.Errorf("then successors = %v", got)
	}
	if got := succStarts(m.blockAt(15)); len(got) != 1 || got[0] != 22 {
		t.Errorf("else successors = %v", got)
	}
	if got := succStarts(m.blockAt(22)); len(got) != 0 {
		t.Errorf("return block successors = %v, want none", got)
	}
}

func nestedLoopMethod() *bytecode.Method {
	bb := bytecode.NewBuilder()
	outer := bb.NewLabel()
	inner := bb.NewLabel()
	done := bb.NewLabel()
	bb.Mark(outer)
	bb.EmitByte(bytecode.OpLoadI, 0)
	bb.EmitBranch(bytecode.OpIfEq, done)
	bb.Mark(inner)
	bb.EmitByte(bytecode.OpLoadI, 0)
	bb.EmitBranch(bytecode.OpIfEq, done)
	bb.EmitInc(0, -1)
	bb.EmitByte(bytecode.OpLoadI, 0)
	bb.EmitBranch(bytecode.OpIfNe, inner)
	bb.EmitBranch(bytecode.OpGoto, outer)
	bb.Mark(done)
	bb.Emit(bytecode.OpReturnV)
	return &bytecode.Method{
		Name: "nested", Code: bb.Bytes(),
		Args: []stamp.Kind{stamp.Int}, MaxLocals: 1,
	}
}

func TestLoopMembership(t *testing.T) {
	m := buildBlockMap(nestedLoopMethod())

	outer := m.blockAt(0)
	inner := m.blockAt(5)
	if !outer.IsLoopHeader || !inner.IsLoopHeader {
		t.Fatal("loop headers not flagged")
	}
	if len(m.loopHeaders) != 2 {
		t.Fatalf("loop count = %d, want 2", len(m.loopHeaders))
	}
	if n := bits.OnesCount64(outer.Loops); n != 1 {
		t.Errorf("outer header is in %d loops, want 1", n)
	}
	if n := bits.OnesCount64(inner.Loops); n != 2 {
		t.Errorf("inner header is in %d loops, want 2", n)
	}
	if inner.Loops&outer.Loops != outer.Loops {
		t.Error("inner loop not nested inside the outer membership set")
	}
	// The inner body (decrement block) is in both loops; the exit block
	// is in none.
	body := m.blockAt(10)
	if body.Loops != inner.Loops {
		t.Errorf("body membership %#x, want %#x", body.Loops, inner.Loops)
	}
	for _, b := range m.blocks {
		if b.IsReturn && b.Loops != 0 {
			t.Error("return block inside a loop")
		}
	}
}

func TestLivenessAcrossDiamond(t *testing.T) {
	m := buildBlockMap(diamond(1, 2, true))
	if !m.blockAt(0).LiveIn.get(0) {
		t.Error("parameter local not live at entry")
	}
	if !m.blockAt(22).LiveIn.get(1) {
		t.Error("stored local not live at the join that reads it")
	}
	// The arms define local 1 before the join reads it.
	if m.blockAt(5).LiveIn.get(1) || m.blockAt(15).LiveIn.get(1) {
		t.Error("local 1 live before its defining store")
	}

	m = buildBlockMap(diamond(1, 2, false))
	if m.blockAt(22).LiveIn.get(1) {
		t.Error("dead local reported live at the join")
	}
}

func TestLivenessThroughLoop(t *testing.T) {
	// The loop body reads the counter, so it stays live around the back
	// edge and at the header.
	m := buildBlockMap(nestedLoopMethod())
	for _, start := range []int{0, 5, 10} {
		if !m.blockAt(start).LiveIn.get(0) {
			t.Errorf("local 0 not live at block %d", start)
		}
	}
}

func TestDispatchChainDeclarationOrder(t *testing.T) {
	m := buildBlockMap(throwTwoHandlers())

	d := m.blockAt(0).Dispatch
	if d == nil {
		t.Fatal("raising block has no dispatch chain")
	}
	if d.Handler.CatchType != 1 {
		t.Errorf("chain head tests type %d, want 1", d.Handler.CatchType)
	}
	if d.Successors[0].Start != 3 {
		t.Errorf("first handler entry = %d, want 3", d.Successors[0].Start)
	}
	d2 := d.DispatchNext
	if d2 == nil || d2.Handler.CatchType != 2 {
		t.Fatalf("chain continuation = %+v, want type 2", d2)
	}
	if d2.Successors[0].Start != 5 {
		t.Errorf("second handler entry = %d, want 5", d2.Successors[0].Start)
	}
	if d2.DispatchNext != nil {
		t.Error("chain does not end at the unwind")
	}
	if m.blockAt(3).IsExceptionEntry != true || m.blockAt(5).IsExceptionEntry != true {
		t.Error("handler entries not flagged")
	}
}

func TestDispatchChainStopsAtCatchAll(t *testing.T) {
	method := throwTwoHandlers()
	method.Handlers[0].CatchType = 0 // first handler now catches everything
	m := buildBlockMap(method)

	d := m.blockAt(0).Dispatch
	if d == nil || !d.Handler.IsCatchAll() {
		t.Fatalf("chain head = %+v, want the catch-all", d)
	}
	if d.DispatchNext != nil {
		t.Error("handlers past a catch-all must be unreachable")
	}
}

func TestDispatchChainSharedBetweenBlocks(t *testing.T) {
	// Two raising regions with the same covering handlers share one
	// dispatch chain.
	bb := bytecode.NewBuilder()
	skip := bb.NewLabel()
	bb.EmitByte(bytecode.OpLoadR, 0) // 0
	bb.EmitBranch(bytecode.OpIfNull, skip)
	bb.EmitByte(bytecode.OpLoadR, 0) // 5
	bb.Emit(bytecode.OpThrow)
	bb.Mark(skip) // 8
	bb.EmitByte(bytecode.OpLoadR, 0)
	bb.Emit(bytecode.OpThrow)
	bb.Emit(bytecode.OpPop) // 11: handler
	bb.Emit(bytecode.OpReturnV)
	method := &bytecode.Method{
		Name: "shared", Code: bb.Bytes(),
		Args: []stamp.Kind{stamp.Ref}, MaxLocals: 1,
		Handlers: []bytecode.Handler{{Start: 0, End: 11, Target: 11, CatchType: 0}},
	}
	m := buildBlockMap(method)
	first, second := m.blockAt(5).Dispatch, m.blockAt(8).Dispatch
	if first == nil || first != second {
		t.Errorf("dispatch chains differ: %p vs %p", first, second)
	}
}

func fingerprint(m *blockMap) string {
	var sb strings.Builder
	for _, b := range m.order {
		fmt.Fprintf(&sb, "%d[%d,%d) loops=%#x", b.ID, b.Start, b.End, b.Loops)
		for _, s := range b.Successors {
			fmt.Fprintf(&sb, " ->%d", s.ID)
		}
		if b.Dispatch != nil {
			fmt.Fprintf(&sb, " !%d", b.Dispatch.ID)
		}
		fmt.Fprintf(&sb, " live=%v\n", b.LiveIn)
	}
	return sb.String()
}

func TestBlockMapDeterministic(t *testing.T) {
	method := nestedLoopMethod()
	method.Handlers = []bytecode.Handler{{Start: 0, End: 13, Target: 16, CatchType: 0}}
	// Offsets 16+ do not exist; retarget the handler at the return.
	method.Handlers[0].Target = len(method.Code) - 1

	want := fingerprint(buildBlockMap(method))
	for i := 0; i < 10; i++ {
		if got := fingerprint(buildBlockMap(method)); got != want {
			t.Fatalf("run %d differs:\n%s\nvs\n%s", i, got, want)
		}
	}
}
