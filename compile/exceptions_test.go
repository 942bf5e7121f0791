package compile

import (
	"testing"

	"github.com/marlowvm/marlow/bytecode"
	"github.com/marlowvm/marlow/graph"
	"github.com/marlowvm/marlow/meta"
	"github.com/marlowvm/marlow/options"
	"github.com/marlowvm/marlow/stamp"
)

// throwTwoHandlers raises in a region covered by two typed handlers
// declared in order: catch type 1 at offset 3, catch type 2 at offset 5.
func throwTwoHandlers() *bytecode.Method {
	bb := bytecode.NewBuilder()
	bb.EmitByte(bytecode.OpLoadR, 0) // 0
	bb.Emit(bytecode.OpThrow)        // 2
	bb.Emit(bytecode.OpPop)          // 3: first handler entry
	bb.Emit(bytecode.OpReturnV)      // 4
	bb.Emit(bytecode.OpPop)          // 5: second handler entry
	bb.Emit(bytecode.OpReturnV)      // 6
	return &bytecode.Method{
		Name: "twohandlers", Code: bb.Bytes(),
		Args: []stamp.Kind{stamp.Ref}, MaxLocals: 1,
		Handlers: []bytecode.Handler{
			{Start: 0, End: 3, Target: 3, CatchType: 1},
			{Start: 0, End: 3, Target: 5, CatchType: 2},
		},
	}
}

func catchTypePool() *meta.Pool {
	pool := meta.NewPool()
	pool.SetConstant(1, meta.Constant{Kind: stamp.Ref, Str: "ErrorA"})
	pool.SetConstant(2, meta.Constant{Kind: stamp.Ref, Str: "ErrorB"})
	return pool
}

func TestDispatchTestsHandlersInDeclarationOrder(t *testing.T) {
	g := mustBuild(t, throwTwoHandlers(), catchTypePool(), nil, nil)

	// The throw's in-flight exception enters the first handler's type
	// test; its miss arm chains into the second; the second's miss arm
	// unwinds.
	var first *graph.Node
	for _, n := range findOps(g, graph.OpIf) {
		c := n.Inputs[0]
		if c.Op == graph.OpInstanceOf && c.ConstInt == 1 {
			first = n
		}
	}
	if first == nil {
		t.Fatal("no type test against catch type 1")
	}
	second := nextFixed(t, first.Succs[1], graph.OpIf)
	if c := second.Inputs[0]; c.Op != graph.OpInstanceOf || c.ConstInt != 2 {
		t.Fatalf("second test condition = %v", c)
	}
	if nextFixed(t, second.Succs[1], graph.OpUnwind) != g.Unwind() {
		t.Error("second miss arm does not unwind")
	}
	// Both handler bodies return.
	if g.Return() == nil {
		t.Error("no handler return")
	}
	if n := countOps(g, graph.OpDeopt); n != 0 {
		t.Errorf("deopt count = %d, want 0", n)
	}
}

func TestDispatchCatchAllSkipsTypeTest(t *testing.T) {
	m := throwTwoHandlers()
	m.Handlers = []bytecode.Handler{{Start: 0, End: 3, Target: 3, CatchType: 0}}
	g := mustBuild(t, m, nil, nil, nil)

	if n := countOps(g, graph.OpInstanceOf); n != 0 {
		t.Errorf("instance-of count = %d, want 0", n)
	}
	if g.Unwind() != nil {
		t.Error("catch-all still built an unwind path")
	}
	if g.Return() == nil {
		t.Error("handler body not parsed")
	}
}

func TestDispatchUnresolvedCatchTypeDeopts(t *testing.T) {
	m := throwTwoHandlers()
	m.Handlers = m.Handlers[:1]
	// The pool has no entry for catch type 1.
	g := mustBuild(t, m, meta.NewPool(), nil, nil)

	deopts := findOps(g, graph.OpDeopt)
	if len(deopts) != 1 || deopts[0].Reason != "unresolved catch type" {
		t.Fatalf("deopts = %v", deopts)
	}
	if n := countOps(g, graph.OpInstanceOf); n != 0 {
		t.Error("unresolved catch type still built a type test")
	}
}

func TestUncoveredThrowUnwinds(t *testing.T) {
	bb := bytecode.NewBuilder()
	bb.EmitByte(bytecode.OpLoadR, 0)
	bb.Emit(bytecode.OpThrow)
	g := mustBuild(t, &bytecode.Method{
		Name: "rethrow", Code: bb.Bytes(),
		Args: []stamp.Kind{stamp.Ref}, MaxLocals: 1,
	}, nil, nil, nil)

	unwind := g.Unwind()
	if unwind == nil {
		t.Fatal("no unwind")
	}
	if len(unwind.Inputs) != 1 {
		t.Fatalf("unwind inputs = %v", unwind.Inputs)
	}
	if g.Return() != nil {
		t.Error("throw-only method has a return")
	}
	// The thrown reference was null-checked first.
	if n := countOps(g, graph.OpIsNull); n != 1 {
		t.Errorf("is-null count = %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Explicit check diamonds
// ---------------------------------------------------------------------------

func arrayLoadMethod() *bytecode.Method {
	bb := bytecode.NewBuilder()
	bb.EmitByte(bytecode.OpLoadR, 0)
	bb.EmitByte(bytecode.OpLoadI, 1)
	bb.Emit(bytecode.OpALoadI)
	bb.Emit(bytecode.OpReturnI)
	return &bytecode.Method{
		Name: "aload", Code: bb.Bytes(),
		Args: []stamp.Kind{stamp.Ref, stamp.Int}, Return: stamp.Int, MaxLocals: 2,
	}
}

func TestArrayLoadBuildsCheckDiamonds(t *testing.T) {
	g := mustBuild(t, arrayLoadMethod(), nil, nil, nil)

	if n := countOps(g, graph.OpIf); n != 2 {
		t.Errorf("if count = %d, want 2 (null check, bounds check)", n)
	}
	if n := countOps(g, graph.OpRuntimeCall); n != 2 {
		t.Errorf("runtime call count = %d, want 2", n)
	}
	if n := countOps(g, graph.OpArrayLength); n != 1 {
		t.Errorf("array length count = %d, want 1", n)
	}
	if n := countOps(g, graph.OpLoadIndexed); n != 1 {
		t.Errorf("load count = %d, want 1", n)
	}
	// Slow paths feed the unwind; the fast path returns the element.
	if g.Unwind() == nil {
		t.Error("check slow paths have nowhere to unwind")
	}
	ret := g.Return()
	if ret == nil || ret.Inputs[0].Op != graph.OpLoadIndexed {
		t.Errorf("return value = %v, want the loaded element", ret)
	}

	var reasons []string
	for _, rc := range findOps(g, graph.OpRuntimeCall) {
		reasons = append(reasons, rc.Reason)
	}
	want := map[string]bool{
		"createNullPointerException": false,
		"createOutOfBoundsException": false,
	}
	for _, r := range reasons {
		if _, ok := want[r]; !ok {
			t.Errorf("unexpected runtime call %q", r)
		}
		want[r] = true
	}
	for r, seen := range want {
		if !seen {
			t.Errorf("missing runtime call %q", r)
		}
	}
}

func TestArrayLoadChecksDisabled(t *testing.T) {
	opts := &options.Options{} // all checks off
	g := mustBuild(t, arrayLoadMethod(), nil, nil, opts)

	if n := countOps(g, graph.OpIf); n != 0 {
		t.Errorf("if count = %d, want 0", n)
	}
	if n := countOps(g, graph.OpRuntimeCall); n != 0 {
		t.Errorf("runtime call count = %d, want 0", n)
	}
	if n := countOps(g, graph.OpArrayLength); n != 0 {
		t.Errorf("array length count = %d, want 0", n)
	}
	if n := countOps(g, graph.OpLoadIndexed); n != 1 {
		t.Errorf("load count = %d, want 1", n)
	}
	if g.Unwind() != nil {
		t.Error("checks disabled but an unwind path appeared")
	}
}

func TestNullConstantReceiverThrowsDirectly(t *testing.T) {
	bb := bytecode.NewBuilder()
	bb.Emit(bytecode.OpConstNull)
	bb.EmitConstI(0)
	bb.Emit(bytecode.OpALoadI)
	bb.Emit(bytecode.OpReturnI)
	g := mustBuild(t, &bytecode.Method{
		Name: "nullload", Code: bb.Bytes(), Return: stamp.Int,
	}, nil, nil, nil)

	// The failure is certain: no diamond, just the throw.
	if n := countOps(g, graph.OpIsNull); n != 0 {
		t.Errorf("is-null count = %d, want 0", n)
	}
	if n := countOps(g, graph.OpIf); n != 0 {
		t.Errorf("if count = %d, want 0", n)
	}
	if n := countOps(g, graph.OpLoadIndexed); n != 0 {
		t.Error("unreachable load was built")
	}
	if g.Return() != nil {
		t.Error("unreachable return was parsed")
	}
	if g.Unwind() == nil {
		t.Error("no unwind for the certain null-pointer throw")
	}
}

func TestNegativeConstantIndexSkipsComparison(t *testing.T) {
	bb := bytecode.NewBuilder()
	bb.EmitByte(bytecode.OpLoadR, 0)
	bb.EmitConstI(-1)
	bb.Emit(bytecode.OpALoadI)
	bb.Emit(bytecode.OpReturnI)
	g := mustBuild(t, &bytecode.Method{
		Name: "negindex", Code: bb.Bytes(),
		Args: []stamp.Kind{stamp.Ref}, Return: stamp.Int, MaxLocals: 1,
	}, nil, nil, nil)

	// The bounds check is decided statically: only the null check
	// remains a diamond, the out-of-bounds throw is unconditional.
	if n := countOps(g, graph.OpIntegerBelow); n != 0 {
		t.Errorf("integer-below count = %d, want 0", n)
	}
	if n := countOps(g, graph.OpIf); n != 1 {
		t.Errorf("if count = %d, want 1 (null check only)", n)
	}
	if n := countOps(g, graph.OpLoadIndexed); n != 0 {
		t.Error("unreachable load was built")
	}
}

func TestCaughtCheckFailureEntersHandler(t *testing.T) {
	// A covered array load routes its check failures into the handler
	// instead of the unwind.
	bb := bytecode.NewBuilder()
	bb.EmitByte(bytecode.OpLoadR, 0) // 0
	bb.EmitByte(bytecode.OpLoadI, 1) // 2
	bb.Emit(bytecode.OpALoadI)       // 4
	bb.Emit(bytecode.OpReturnI)      // 5
	bb.Emit(bytecode.OpPop)          // 6: handler entry
	bb.EmitConstI(-1)                // 7
	bb.Emit(bytecode.OpReturnI)      // 12
	g := mustBuild(t, &bytecode.Method{
		Name: "caught", Code: bb.Bytes(),
		Args: []stamp.Kind{stamp.Ref, stamp.Int}, Return: stamp.Int, MaxLocals: 2,
		Handlers: []bytecode.Handler{{Start: 0, End: 6, Target: 6, CatchType: 0}},
	}, nil, nil, nil)

	if g.Unwind() != nil {
		t.Error("caught failures still unwound")
	}
	// Normal return and handler return merge into one phi.
	if v := g.Return().Inputs[0]; v.Op != graph.OpPhi {
		t.Errorf("return value = %v, want a phi of element and -1", v)
	}
	// Both slow paths enter the dispatch with their constructed exception.
	if n := countOps(g, graph.OpDispatchBegin); n != 2 {
		t.Errorf("dispatch begin count = %d, want 2", n)
	}
}

// ---------------------------------------------------------------------------
// Loop nesting limit
// ---------------------------------------------------------------------------

func TestBailoutLoopNestingLimit(t *testing.T) {
	// 65 distinct loop headers overflow the 64-bit membership set.
	bb := bytecode.NewBuilder()
	for i := 0; i < 65; i++ {
		start := bb.Len()
		bb.EmitByte(bytecode.OpLoadI, 0)
		bb.EmitBranchTo(bytecode.OpIfNe, start)
	}
	bb.Emit(bytecode.OpReturnV)
	wantBailout(t, &bytecode.Method{
		Name: "deepnest", Code: bb.Bytes(),
		Args: []stamp.Kind{stamp.Int}, MaxLocals: 1,
	}, ErrLoopDepth)
}
