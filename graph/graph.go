package graph

import (
	"fmt"
	"math"

	"github.com/marlowvm/marlow/meta"
	"github.com/marlowvm/marlow/stamp"
)

// Graph owns the nodes of one compiled method. It is not safe for
// concurrent mutation; builders producing independent graphs may run in
// parallel.
type Graph struct {
	Name string

	nodes  []*Node
	intern map[internKey]*Node

	start  *Node
	ret    *Node
	unwind *Node
}

// New returns an empty graph with a Start node already installed.
func New(name string) *Graph {
	g := &Graph{
		Name:   name,
		intern: make(map[internKey]*Node),
	}
	g.start = g.Add(&Node{Op: OpStart, Stamp: stamp.ForVoid})
	return g
}

// Start returns the method entry node.
func (g *Graph) Start() *Node { return g.start }

// Return returns the designated single Return node, nil until set.
func (g *Graph) Return() *Node { return g.ret }

// SetReturn designates the method's single return node.
func (g *Graph) SetReturn(n *Node) { g.ret = n }

// Unwind returns the node rethrowing uncaught exceptions to the caller,
// nil if the method cannot unwind.
func (g *Graph) Unwind() *Node { return g.unwind }

// SetUnwind designates the method's unwind node.
func (g *Graph) SetUnwind(n *Node) { g.unwind = n }

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int {
	count := 0
	for _, n := range g.nodes {
		if !n.deleted {
			count++
		}
	}
	return count
}

// Nodes returns all live nodes in creation order. The returned slice is
// shared with the graph; callers must not mutate it.
func (g *Graph) Nodes() []*Node {
	live := g.nodes[:0:0]
	for _, n := range g.nodes {
		if !n.deleted {
			live = append(live, n)
		}
	}
	return live
}

// Add inserts a node without duplicate elimination. Fixed nodes and phis
// always go through Add since their identity is tied to control flow.
func (g *Graph) Add(n *Node) *Node {
	n.id = len(g.nodes)
	g.nodes = append(g.nodes, n)
	return n
}

// Unique inserts a side-effect-free value node, returning an existing
// structurally identical node when one was created earlier.
func (g *Graph) Unique(n *Node) *Node {
	key := keyOf(n)
	if prev, ok := g.intern[key]; ok && !prev.deleted {
		return prev
	}
	g.Add(n)
	g.intern[key] = n
	return n
}

type internKey struct {
	op    Op
	arith stamp.Operator
	aux   uint64
	str   string
	x, y  int
}

func keyOf(n *Node) internKey {
	key := internKey{op: n.Op, arith: n.ArithOp, str: n.ConstStr, x: -1, y: -1}
	switch n.Op {
	case OpConst:
		key.aux = uint64(n.ConstInt)
		if s, ok := n.Stamp.(*stamp.IntegerStamp); ok {
			key.aux |= uint64(s.Bits()) << 56 // disambiguate widths of small values
		}
		if _, ok := n.Stamp.(*stamp.FloatStamp); ok {
			key.str = "f" + n.Stamp.Kind().String()
		}
	case OpParam:
		key.aux = uint64(n.Index)
	case OpConvert:
		key.aux = uint64(n.FromBits)<<8 | uint64(n.ToBits)
	case OpInstanceOf:
		key.aux = uint64(n.ConstInt)
	}
	if len(n.Inputs) > 0 {
		key.x = n.Inputs[0].id
	}
	if len(n.Inputs) > 1 {
		key.y = n.Inputs[1].id
	}
	return key
}

// ---------------------------------------------------------------------------
// node constructors

// ConstInt returns the interned integer constant of the given width.
func (g *Graph) ConstInt(bits uint, v int64) *Node {
	return g.Unique(&Node{Op: OpConst, Stamp: stamp.ForConstant(bits, v), ConstInt: v})
}

// ConstFloat returns the interned floating constant.
func (g *Graph) ConstFloat(k stamp.Kind, v float64) *Node {
	var s stamp.Stamp
	if k == stamp.Float {
		s = stamp.Float32Any
	} else {
		s = stamp.Float64Any
	}
	return g.Unique(&Node{Op: OpConst, Stamp: s, ConstInt: int64(math.Float64bits(v))})
}

// ConstNull returns the interned null reference constant.
func (g *Graph) ConstNull() *Node {
	return g.Unique(&Node{Op: OpConst, Stamp: stamp.RefAny, ConstStr: "<null>"})
}

// ConstRef returns an interned non-null reference constant identified by key
// (string pool entries and similar).
func (g *Graph) ConstRef(key string) *Node {
	return g.Unique(&Node{Op: OpConst, Stamp: stamp.RefNonNull, ConstStr: key})
}

// Param returns the interned parameter node for argument slot index.
func (g *Graph) Param(index int, k stamp.Kind) *Node {
	return g.Unique(&Node{Op: OpParam, Stamp: stamp.ForKind(k), Index: index})
}

// Unary builds (or reuses) the unary arithmetic node op(x), folding to a
// constant when x is constant.
func (g *Graph) Unary(op stamp.Operator, x *Node) (*Node, error) {
	entry, ok := stamp.UnaryFor(op)
	if !ok {
		return nil, fmt.Errorf("graph: no unary entry for %v", op)
	}
	xs := x.IntegerStamp()
	if xs == nil {
		return nil, fmt.Errorf("graph: unary %v on non-integer input", op)
	}
	out := entry.FoldStamp(xs)
	if c, ok := out.AsConstant(); ok {
		return g.ConstInt(out.Bits(), c), nil
	}
	return g.Unique(&Node{Op: OpArith, Stamp: out, ArithOp: op, Inputs: []*Node{x}}), nil
}

// Binary builds (or reuses) the binary arithmetic node op(x, y), folding to
// a constant when both operands are constant and dropping neutral right
// operands of associative ops.
func (g *Graph) Binary(op stamp.Operator, x, y *Node) (*Node, error) {
	entry, ok := stamp.BinaryFor(op)
	if !ok {
		return nil, fmt.Errorf("graph: no binary entry for %v", op)
	}
	xs, ys := x.IntegerStamp(), y.IntegerStamp()
	if xs == nil || ys == nil {
		return nil, fmt.Errorf("graph: binary %v on non-integer input", op)
	}
	if xs.Bits() != ys.Bits() {
		return nil, fmt.Errorf("graph: binary %v width mismatch %d vs %d", op, xs.Bits(), ys.Bits())
	}
	if c, ok := ys.AsConstant(); ok && entry.IsNeutral != nil && entry.IsNeutral(c) {
		return x, nil
	}
	out := entry.FoldStamp(xs, ys)
	if c, ok := out.AsConstant(); ok && out.IsLegal() {
		return g.ConstInt(out.Bits(), c), nil
	}
	if entry.Commutative && y.id < x.id {
		x, y = y, x // canonical operand order improves interning hits
	}
	return g.Unique(&Node{Op: OpArith, Stamp: out, ArithOp: op, Inputs: []*Node{x, y}}), nil
}

// Convert builds an integer width conversion (sign extension when widening,
// truncation when narrowing), folding constants.
func (g *Graph) Convert(x *Node, toBits uint) *Node {
	xs := x.IntegerStamp()
	if xs.Bits() == toBits {
		return x
	}
	if c, ok := xs.AsConstant(); ok {
		return g.ConstInt(toBits, stamp.SignExtend(int64(uint64(c)&stamp.Mask(toBits)), toBits))
	}
	out := convertStamp(xs, toBits)
	return g.Unique(&Node{Op: OpConvert, Stamp: out, FromBits: xs.Bits(), ToBits: toBits, Inputs: []*Node{x}})
}

func convertStamp(xs *stamp.IntegerStamp, toBits uint) *stamp.IntegerStamp {
	if toBits > xs.Bits() {
		// Sign extension preserves value, bounds, and set bits; the sign
		// bit smears into the new high bits.
		must, may := xs.MustSetMask(), xs.MaySetMask()
		high := stamp.Mask(toBits) &^ stamp.Mask(xs.Bits())
		if xs.LowerBound() < 0 {
			may |= high
		}
		if xs.UpperBound() < 0 {
			must |= high
		}
		return stamp.ForIntegerMasks(toBits, xs.LowerBound(), xs.UpperBound(), must, may)
	}
	lo, hi := xs.LowerBound(), xs.UpperBound()
	if uint64(hi)-uint64(lo) > stamp.Mask(toBits) {
		return stamp.Unrestricted(toBits)
	}
	tlo := stamp.SignExtend(int64(uint64(lo)&stamp.Mask(toBits)), toBits)
	thi := stamp.SignExtend(int64(uint64(hi)&stamp.Mask(toBits)), toBits)
	if tlo > thi {
		return stamp.Unrestricted(toBits)
	}
	return stamp.ForIntegerMasks(toBits, tlo, thi,
		xs.MustSetMask()&stamp.Mask(toBits), xs.MaySetMask()&stamp.Mask(toBits))
}

// Phi creates a phi attached to merge with the given initial inputs. Phis
// are never interned; their identity is positional.
func (g *Graph) Phi(merge *Node, s stamp.Stamp, inputs ...*Node) *Node {
	return g.Add(&Node{Op: OpPhi, Stamp: s, Merge: merge, Inputs: inputs})
}

// Invoke creates a call node of the given kind.
func (g *Graph) Invoke(op Op, kind CallKind, target meta.MethodRef, args []*Node, offset int) *Node {
	return g.Add(&Node{
		Op:     op,
		Stamp:  stamp.ForKind(target.Return),
		Kind:   kind,
		Target: target,
		Inputs: args,
		Offset: offset,
	})
}

// ---------------------------------------------------------------------------
// structural maintenance

// ReplaceUses redirects every value input referencing old to new and
// marks old deleted. Control edges are untouched; old must be floating.
func (g *Graph) ReplaceUses(old, new *Node) {
	for _, n := range g.nodes {
		if n.deleted {
			continue
		}
		for i, in := range n.Inputs {
			if in == old {
				n.Inputs[i] = new
			}
		}
	}
	old.deleted = true
}

// RedirectControl repoints every control edge (next pointers and explicit
// successor slots) referencing old to new. Value inputs are untouched.
func (g *Graph) RedirectControl(old, new *Node) {
	for _, p := range g.nodes {
		if p.deleted {
			continue
		}
		if p.next == old {
			p.next = new
		}
		for i, s := range p.Succs {
			if s == old {
				p.Succs[i] = new
			}
		}
	}
}

// RemoveFixed splices a no-output fixed node out of its chain. Any
// predecessor's next pointer or successor slot referencing n is redirected
// to n.Next().
func (g *Graph) RemoveFixed(n *Node) {
	succ := n.next
	for _, p := range g.nodes {
		if p.deleted {
			continue
		}
		if p.next == n {
			p.next = succ
		}
		for i, s := range p.Succs {
			if s == n {
				p.Succs[i] = succ
			}
		}
	}
	n.next = nil
	n.deleted = true
}

// ReduceDegenerateLoops rewrites LoopBegin nodes that acquired no back
// edges. Any LoopExit nodes for the vanished loop are removed, then the
// header collapses: with a single forward End the phis give way to their
// entry values and the End is spliced out; a header that gathered several
// forward predecessors becomes an ordinary Merge keeping its ends and
// phis. Returns the number of loops reduced.
func (g *Graph) ReduceDegenerateLoops() int {
	reduced := 0
	for _, lb := range g.nodes {
		if lb.deleted || lb.Op != OpLoopBegin || len(lb.LoopEnds) > 0 {
			continue
		}
		for _, x := range g.nodes {
			if x.deleted || x.Op != OpLoopExit || x.Merge != lb {
				continue
			}
			x.State = nil
			g.RemoveFixed(x)
		}
		if len(lb.Ends) > 1 {
			lb.Op = OpMerge
			reduced++
			continue
		}
		for _, phi := range g.nodes {
			if phi.deleted || phi.Op != OpPhi || phi.Merge != lb {
				continue
			}
			g.ReplaceUses(phi, phi.Inputs[0])
		}
		end := lb.Ends[0]
		lb.Op = OpBegin
		lb.Ends = nil
		// Splice the End out: its predecessor flows straight into the
		// demoted begin.
		end.next = lb
		g.RemoveFixed(end)
		reduced++
	}
	return reduced
}
