// Package graph holds the SSA program representation the parser produces:
// a directed graph of fixed (control-flow-ordered) and floating (value)
// nodes. Fixed nodes form singly-linked chains within a block; Merge and
// LoopBegin nodes join multiple chains; floating value nodes carry a stamp
// and are duplicate-eliminated on creation when side-effect-free.
package graph

import (
	"github.com/marlowvm/marlow/meta"
	"github.com/marlowvm/marlow/stamp"
)

// Op discriminates the closed set of node kinds.
type Op uint8

const (
	// Control (fixed) nodes.
	OpStart Op = iota
	OpBegin
	OpPlaceholder // block entry awaiting promotion to a merge
	OpEnd         // one incoming edge of a merge
	OpMerge
	OpLoopBegin
	OpLoopEnd  // back edge into a loop begin
	OpLoopExit // marks control leaving one loop level
	OpIf
	OpSwitch
	OpReturn
	OpUnwind
	OpDeopt
	OpInvoke              // call with no exception edge
	OpInvokeWithException // call paired with an exception-dispatch edge
	OpDispatchBegin       // entry of an exception-dispatch chain
	OpExceptionObject     // materializes the in-flight exception
	OpRuntimeCall         // slow-path helper call (e.g. exception constructors)
	OpMonitorEnter
	OpMonitorExit
	OpLoadIndexed
	OpStoreIndexed
	OpArrayLength

	// Floating value nodes.
	OpParam
	OpConst
	OpPhi
	OpArith   // unary or binary integer arithmetic, see ArithOp
	OpConvert // integer width conversion
	OpNormalizeCompare
	OpIsNull
	OpIntegerEquals
	OpIntegerLessThan
	OpIntegerBelow // unsigned comparison, used by bounds checks
	OpRefEquals
	OpInstanceOf // exception-dispatch type test against a catch type
)

var opNames = [...]string{
	"Start", "Begin", "Placeholder", "End", "Merge", "LoopBegin", "LoopEnd",
	"LoopExit", "If", "Switch", "Return", "Unwind", "Deopt", "Invoke",
	"InvokeWithException", "DispatchBegin", "ExceptionObject", "RuntimeCall",
	"MonitorEnter", "MonitorExit", "LoadIndexed", "StoreIndexed",
	"ArrayLength", "Param", "Const", "Phi", "Arith", "Convert",
	"NormalizeCompare", "IsNull", "IntegerEquals", "IntegerLessThan",
	"IntegerBelow", "RefEquals", "InstanceOf",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "Op?"
}

// IsFixed reports whether the node kind participates in the control-flow
// chain rather than floating freely.
func (op Op) IsFixed() bool {
	return op <= OpArrayLength
}

// CallKind distinguishes the invocation flavors after devirtualization.
type CallKind uint8

const (
	CallStatic CallKind = iota
	CallSpecial
	CallVirtual
	CallInterface
)

var callKindNames = [...]string{"static", "special", "virtual", "interface"}

func (k CallKind) String() string {
	if int(k) < len(callKindNames) {
		return callKindNames[k]
	}
	return "call?"
}

// Node is one vertex of the graph. Which fields are meaningful depends on
// Op; unused fields stay zero. Nodes are created through Graph.Add or
// Graph.Unique and must not be shared between graphs.
type Node struct {
	id      int
	deleted bool

	Op    Op
	Stamp stamp.Stamp

	// Inputs are the value dependencies (condition of an If, operands of
	// an Arith, incoming values of a Phi, arguments of a call).
	Inputs []*Node

	next *Node // successor in the fixed chain, nil for chain ends

	// Succs are explicit control successors: If has [true, false], Switch
	// one per distinct target, InvokeWithException [exception edge].
	Succs []*Node

	Ends     []*Node // Merge/LoopBegin: incoming forward End nodes
	LoopEnds []*Node // LoopBegin: incoming back-edge LoopEnd nodes
	Merge    *Node   // Phi: owning merge; End/LoopEnd/LoopExit: target merge

	// State is the frame-state snapshot captured by LoopExit nodes so
	// later loop transformations have a safe insertion point.
	State []*Node

	// Payload fields.
	ConstInt    int64          // Const: integer value or float bits
	ConstStr    string         // Const (Ref): identity key, "<null>" for null
	ArithOp     stamp.Operator // Arith
	FromBits    uint           // Convert
	ToBits      uint           // Convert
	Index       int            // Param: argument slot
	Offset      int            // bytecode offset for calls, deopts, dispatches
	Probability float64        // If: probability of the true successor
	Keys        []int32        // Switch: case keys
	KeySuccs    []int          // Switch: per key (default last) successor index
	KeyProbs    []float64      // Switch: per key probability
	Target      meta.MethodRef // Invoke*
	Kind        CallKind       // Invoke*
	Reason      string         // Deopt, RuntimeCall descriptor
}

// ID returns the node's graph-unique identifier.
func (n *Node) ID() int { return n.id }

// Next returns the fixed-chain successor.
func (n *Node) Next() *Node { return n.next }

// SetNext links the fixed-chain successor.
func (n *Node) SetNext(succ *Node) { n.next = succ }

// Deleted reports whether the node was removed from its graph.
func (n *Node) Deleted() bool { return n.deleted }

// AddEnd registers an incoming forward edge on a Merge or LoopBegin.
func (n *Node) AddEnd(end *Node) {
	end.Merge = n
	n.Ends = append(n.Ends, end)
}

// AddLoopEnd registers an incoming back edge on a LoopBegin.
func (n *Node) AddLoopEnd(end *Node) {
	end.Merge = n
	n.LoopEnds = append(n.LoopEnds, end)
}

// PredecessorCount returns the number of incoming control edges of a
// Merge or LoopBegin.
func (n *Node) PredecessorCount() int {
	return len(n.Ends) + len(n.LoopEnds)
}

// ArithEntry returns the ArithmeticOpTable entries backing an Arith node,
// so optimization passes can re-fold it after operand stamps narrow.
func (n *Node) ArithEntry() (*stamp.UnaryOp, *stamp.BinaryOp) {
	if n.Op != OpArith {
		return nil, nil
	}
	if len(n.Inputs) == 1 {
		u, _ := stamp.UnaryFor(n.ArithOp)
		return u, nil
	}
	b, _ := stamp.BinaryFor(n.ArithOp)
	return nil, b
}

// IntegerStamp returns the node's stamp as an IntegerStamp, or nil.
func (n *Node) IntegerStamp() *stamp.IntegerStamp {
	s, _ := n.Stamp.(*stamp.IntegerStamp)
	return s
}

// NonNull reports whether the node's stamp proves a non-null reference.
func (n *Node) NonNull() bool {
	if s, ok := n.Stamp.(*stamp.RefStamp); ok {
		return s.NonNull()
	}
	return false
}
