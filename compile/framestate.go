package compile

import (
	"github.com/marlowvm/marlow/bytecode"
	"github.com/marlowvm/marlow/graph"
	"github.com/marlowvm/marlow/stamp"
)

// wideSecondSlot occupies the upper half of a long or double in the locals
// array and on the stack. It is compared by identity and never enters a
// graph.
var wideSecondSlot = &graph.Node{}

// frameState mirrors the operand stack and local slots a bytecode
// interpreter would have at the current parse point. One instance tracks
// the block being parsed; copies are captured as block entry states and
// merged when further predecessors arrive.
type frameState struct {
	g       *graph.Graph
	locals  []*graph.Node
	stack   []*graph.Node
	locks   int
	rethrow bool // dispatching an exception; the stack holds only the exception
}

// entryFrameState builds the method-entry state: parameter nodes in the
// leading local slots, empty stack.
func entryFrameState(g *graph.Graph, method *bytecode.Method) *frameState {
	fs := &frameState{g: g, locals: make([]*graph.Node, method.MaxLocals)}
	slot := 0
	for i, k := range method.Args {
		p := g.Param(i, k)
		fs.locals[slot] = p
		if k.Slots() == 2 {
			fs.locals[slot+1] = wideSecondSlot
		}
		slot += k.Slots()
	}
	return fs
}

func (fs *frameState) copy() *frameState {
	dup := &frameState{
		g:       fs.g,
		locals:  append([]*graph.Node(nil), fs.locals...),
		stack:   append([]*graph.Node(nil), fs.stack...),
		locks:   fs.locks,
		rethrow: fs.rethrow,
	}
	return dup
}

func (fs *frameState) stackSize() int { return len(fs.stack) }

func (fs *frameState) clearStack() {
	fs.stack = fs.stack[:0]
}

// kindOf maps a value node to its stack category.
func kindOf(v *graph.Node) stamp.Kind {
	if v == nil || v == wideSecondSlot {
		return stamp.Illegal
	}
	return v.Stamp.Kind()
}

// push places a value of the given kind on the stack; wide kinds occupy
// two slots.
func (fs *frameState) push(k stamp.Kind, v *graph.Node) {
	if kindOf(v) != k {
		bailf(ErrKindMismatch, "push %v, value is %v", k, kindOf(v))
	}
	fs.stack = append(fs.stack, v)
	if k.Slots() == 2 {
		fs.stack = append(fs.stack, wideSecondSlot)
	}
}

// pop removes and returns the top value, checking its kind category.
func (fs *frameState) pop(k stamp.Kind) *graph.Node {
	if k.Slots() == 2 {
		if len(fs.stack) < 2 || fs.top() != wideSecondSlot {
			bailf(ErrKindMismatch, "pop %v", k)
		}
		fs.stack = fs.stack[:len(fs.stack)-1]
	}
	if len(fs.stack) == 0 {
		bail(ErrStackUnderflow)
	}
	v := fs.top()
	fs.stack = fs.stack[:len(fs.stack)-1]
	if kindOf(v) != k {
		bailf(ErrKindMismatch, "pop %v, top is %v", k, kindOf(v))
	}
	return v
}

// popSlot removes one stack slot regardless of kind; popping half of a
// wide value is a verification failure.
func (fs *frameState) popSlot() *graph.Node {
	if len(fs.stack) == 0 {
		bail(ErrStackUnderflow)
	}
	v := fs.top()
	if v == wideSecondSlot {
		bailf(ErrKindMismatch, "pop splits a wide value")
	}
	fs.stack = fs.stack[:len(fs.stack)-1]
	return v
}

// popSlots removes n raw slots, allowing whole wide values but not split
// halves.
func (fs *frameState) popSlots(n int) {
	for n > 0 {
		if len(fs.stack) == 0 {
			bail(ErrStackUnderflow)
		}
		v := fs.top()
		fs.stack = fs.stack[:len(fs.stack)-1]
		n--
		if v == wideSecondSlot {
			if n == 0 {
				bailf(ErrKindMismatch, "pop splits a wide value")
			}
			fs.stack = fs.stack[:len(fs.stack)-1]
			n--
		}
	}
}

func (fs *frameState) top() *graph.Node {
	return fs.stack[len(fs.stack)-1]
}

func (fs *frameState) dup() {
	v := fs.popSlot()
	fs.stack = append(fs.stack, v, v)
}

func (fs *frameState) swap() {
	a := fs.popSlot()
	b := fs.popSlot()
	fs.stack = append(fs.stack, a, b)
}

// loadLocal reads a local slot of the given kind.
func (fs *frameState) loadLocal(index int, k stamp.Kind) *graph.Node {
	if index < 0 || index+k.Slots() > len(fs.locals) {
		bailf(ErrKindMismatch, "local %d out of range", index)
	}
	v := fs.locals[index]
	if v == nil || v == wideSecondSlot {
		bailf(ErrWideSlot, "load of undefined local %d", index)
	}
	if kindOf(v) != k {
		bailf(ErrKindMismatch, "local %d holds %v, loaded as %v", index, kindOf(v), k)
	}
	if k.Slots() == 2 && fs.locals[index+1] != wideSecondSlot {
		bailf(ErrWideSlot, "wide local %d lost its upper half", index)
	}
	return v
}

// storeLocal writes a local slot. Storing invalidates any wide value whose
// halves the write overlaps.
func (fs *frameState) storeLocal(index int, k stamp.Kind, v *graph.Node) {
	if index < 0 || index+k.Slots() > len(fs.locals) {
		bailf(ErrKindMismatch, "local %d out of range", index)
	}
	if kindOf(v) != k {
		bailf(ErrKindMismatch, "store %v into local of %v", kindOf(v), k)
	}
	// Overwriting the second half of a wide value kills its first half.
	if index > 0 && fs.locals[index] == wideSecondSlot {
		fs.locals[index-1] = nil
	}
	if k.Slots() == 2 {
		fs.locals[index] = v
		fs.locals[index+1] = wideSecondSlot
		return
	}
	// A narrow store over the first half of a wide value kills the marker.
	if index+1 < len(fs.locals) && fs.locals[index+1] == wideSecondSlot {
		fs.locals[index+1] = nil
	}
	fs.locals[index] = v
}

// clearNonLiveLocals nulls out slots not live at the current block's
// entry, bounding phi creation to values that can still be observed.
func (fs *frameState) clearNonLiveLocals(live bitset) {
	for i := range fs.locals {
		if !live.get(i) {
			fs.locals[i] = nil
		}
	}
}

// ---------------------------------------------------------------------------
// Merging
// ---------------------------------------------------------------------------

// isCompatibleWith checks the static verification constraints two states
// must satisfy before merging: equal stack depth, matching per-slot kind
// categories, matching lock depth and rethrow mode.
func (fs *frameState) isCompatibleWith(other *frameState) bool {
	if len(fs.stack) != len(other.stack) || fs.rethrow != other.rethrow {
		return false
	}
	if fs.locks != other.locks {
		return false
	}
	for i, v := range fs.stack {
		w := other.stack[i]
		if (v == wideSecondSlot) != (w == wideSecondSlot) {
			return false
		}
		if v != wideSecondSlot && kindOf(v) != kindOf(w) {
			return false
		}
	}
	return true
}

// merge folds an incoming predecessor state into this block-entry state,
// materializing phis at mergeNode for any slot whose values differ. Called
// after the new end was registered on mergeNode, so the phi input count
// tracks the predecessor count.
func (fs *frameState) merge(mergeNode *graph.Node, incoming *frameState) {
	if !fs.isCompatibleWith(incoming) {
		bail(ErrStackMismatch)
	}
	for i := range fs.stack {
		fs.stack[i] = fs.mergeStackValue(fs.stack[i], incoming.stack[i], mergeNode)
	}
	for i := range fs.locals {
		fs.locals[i] = fs.mergeLocalValue(fs.locals[i], incoming.locals[i], mergeNode)
	}
}

func (fs *frameState) mergeStackValue(cur, in *graph.Node, mergeNode *graph.Node) *graph.Node {
	if cur == in {
		return cur
	}
	return fs.mergePhi(cur, in, mergeNode)
}

func (fs *frameState) mergeLocalValue(cur, in *graph.Node, mergeNode *graph.Node) *graph.Node {
	if cur == in {
		return cur
	}
	// A slot defined on one path only, or holding different halves of wide
	// values, is dead past the merge.
	if cur == nil || in == nil || cur == wideSecondSlot || in == wideSecondSlot {
		return nil
	}
	if kindOf(cur) != kindOf(in) {
		return nil
	}
	return fs.mergePhi(cur, in, mergeNode)
}

func (fs *frameState) mergePhi(cur, in *graph.Node, mergeNode *graph.Node) *graph.Node {
	if cur.Op == graph.OpPhi && cur.Merge == mergeNode {
		cur.Inputs = append(cur.Inputs, in)
		cur.Stamp = cur.Stamp.Meet(in.Stamp)
		return cur
	}
	// First divergence: the existing value stands in for every earlier
	// predecessor.
	n := mergeNode.PredecessorCount()
	inputs := make([]*graph.Node, 0, n)
	for j := 0; j < n-1; j++ {
		inputs = append(inputs, cur)
	}
	inputs = append(inputs, in)
	return fs.g.Phi(mergeNode, cur.Stamp.Meet(in.Stamp), inputs...)
}

// insertLoopPhis pre-creates a phi for every live slot before the loop
// body is parsed. Loop phis start with the widest stamp of their kind:
// the body has not been seen yet, so the value's eventual range is
// unknowable here and a narrower stamp would be unsound.
func (fs *frameState) insertLoopPhis(loopBegin *graph.Node) {
	for i, v := range fs.stack {
		if v == nil || v == wideSecondSlot {
			continue
		}
		fs.stack[i] = fs.g.Phi(loopBegin, widestStamp(v), v)
	}
	for i, v := range fs.locals {
		if v == nil || v == wideSecondSlot {
			continue
		}
		fs.locals[i] = fs.g.Phi(loopBegin, widestStamp(v), v)
	}
}

func widestStamp(v *graph.Node) stamp.Stamp {
	if s, ok := v.Stamp.(*stamp.IntegerStamp); ok {
		return stamp.Unrestricted(s.Bits())
	}
	if _, ok := v.Stamp.(*stamp.RefStamp); ok {
		return stamp.RefAny
	}
	return v.Stamp
}
