package graph

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/marlowvm/marlow/meta"
	"github.com/marlowvm/marlow/stamp"
)

// WireVersion is bumped whenever the serialized graph layout changes.
const WireVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("graph: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Node references are serialized as the index of the target node in the
// nodes array; -1 means nil.
type wireGraph struct {
	Version int        `cbor:"v"`
	Name    string     `cbor:"name"`
	Start   int        `cbor:"start"`
	Return  int        `cbor:"ret"`
	Unwind  int        `cbor:"unwind"`
	Nodes   []wireNode `cbor:"nodes"`
}

type wireNode struct {
	Op    uint8      `cbor:"op"`
	Stamp *wireStamp `cbor:"stamp,omitempty"`

	Inputs   []int `cbor:"in,omitempty"`
	Next     int   `cbor:"next"`
	Succs    []int `cbor:"succ,omitempty"`
	Ends     []int `cbor:"ends,omitempty"`
	LoopEnds []int `cbor:"backedges,omitempty"`
	Merge    int   `cbor:"merge"`
	State    []int `cbor:"state,omitempty"`

	ConstInt    int64     `cbor:"ci,omitempty"`
	ConstStr    string    `cbor:"cs,omitempty"`
	ArithOp     uint8     `cbor:"arith,omitempty"`
	FromBits    uint      `cbor:"from,omitempty"`
	ToBits      uint      `cbor:"to,omitempty"`
	Index       int       `cbor:"index,omitempty"`
	Offset      int       `cbor:"offset,omitempty"`
	Probability float64   `cbor:"prob,omitempty"`
	Keys        []int32   `cbor:"keys,omitempty"`
	KeySuccs    []int     `cbor:"keysuccs,omitempty"`
	KeyProbs    []float64 `cbor:"keyprobs,omitempty"`
	Call        *wireCall `cbor:"call,omitempty"`
	Reason      string    `cbor:"reason,omitempty"`
}

type wireStamp struct {
	Kind    uint8  `cbor:"kind"`
	Bits    uint   `cbor:"bits,omitempty"`
	Lower   int64  `cbor:"lo,omitempty"`
	Upper   int64  `cbor:"hi,omitempty"`
	Must    uint64 `cbor:"must,omitempty"`
	May     uint64 `cbor:"may,omitempty"`
	NonNull bool   `cbor:"nonnull,omitempty"`
}

type wireCall struct {
	Kind   uint8   `cbor:"kind"`
	Name   string  `cbor:"name"`
	Params []uint8 `cbor:"params,omitempty"`
	Return uint8   `cbor:"ret"`
	Final  bool    `cbor:"final,omitempty"`
	Exact  bool    `cbor:"exact,omitempty"`
}

// MarshalGraph serializes a graph to canonical CBOR bytes.
func MarshalGraph(g *Graph) ([]byte, error) {
	nodes := g.Nodes()
	index := make(map[*Node]int, len(nodes))
	for i, n := range nodes {
		index[n] = i
	}
	ref := func(n *Node) int {
		if n == nil {
			return -1
		}
		i, ok := index[n]
		if !ok {
			return -1
		}
		return i
	}
	refs := func(ns []*Node) []int {
		if len(ns) == 0 {
			return nil
		}
		out := make([]int, len(ns))
		for i, n := range ns {
			out[i] = ref(n)
		}
		return out
	}

	wg := wireGraph{
		Version: WireVersion,
		Name:    g.Name,
		Start:   ref(g.start),
		Return:  ref(g.ret),
		Unwind:  ref(g.unwind),
		Nodes:   make([]wireNode, len(nodes)),
	}
	for i, n := range nodes {
		wn := wireNode{
			Op:          uint8(n.Op),
			Stamp:       encodeStamp(n.Stamp),
			Inputs:      refs(n.Inputs),
			Next:        ref(n.next),
			Succs:       refs(n.Succs),
			Ends:        refs(n.Ends),
			LoopEnds:    refs(n.LoopEnds),
			Merge:       ref(n.Merge),
			State:       refs(n.State),
			ConstInt:    n.ConstInt,
			ConstStr:    n.ConstStr,
			ArithOp:     uint8(n.ArithOp),
			FromBits:    n.FromBits,
			ToBits:      n.ToBits,
			Index:       n.Index,
			Offset:      n.Offset,
			Probability: n.Probability,
			Keys:        n.Keys,
			KeySuccs:    n.KeySuccs,
			KeyProbs:    n.KeyProbs,
			Reason:      n.Reason,
		}
		if n.Op == OpInvoke || n.Op == OpInvokeWithException {
			params := make([]uint8, len(n.Target.Params))
			for j, k := range n.Target.Params {
				params[j] = uint8(k)
			}
			wn.Call = &wireCall{
				Kind:   uint8(n.Kind),
				Name:   n.Target.Name,
				Params: params,
				Return: uint8(n.Target.Return),
				Final:  n.Target.Final,
				Exact:  n.Target.ExactKnownType,
			}
		}
		wg.Nodes[i] = wn
	}
	return cborEncMode.Marshal(&wg)
}

// UnmarshalGraph reconstructs a graph from CBOR bytes. The decoded graph
// is suitable for inspection and dumping; its value-numbering table is not
// rebuilt, so further construction should start from a fresh graph.
func UnmarshalGraph(data []byte) (*Graph, error) {
	var wg wireGraph
	if err := cbor.Unmarshal(data, &wg); err != nil {
		return nil, fmt.Errorf("graph: unmarshal: %w", err)
	}
	if wg.Version != WireVersion {
		return nil, fmt.Errorf("graph: wire version %d, want %d", wg.Version, WireVersion)
	}
	g := &Graph{Name: wg.Name, intern: make(map[internKey]*Node)}
	nodes := make([]*Node, len(wg.Nodes))
	for i := range wg.Nodes {
		nodes[i] = g.Add(&Node{})
	}
	at := func(i int) (*Node, error) {
		if i == -1 {
			return nil, nil
		}
		if i < 0 || i >= len(nodes) {
			return nil, fmt.Errorf("graph: node reference %d out of range", i)
		}
		return nodes[i], nil
	}
	ats := func(idx []int) ([]*Node, error) {
		if len(idx) == 0 {
			return nil, nil
		}
		out := make([]*Node, len(idx))
		for i, j := range idx {
			n, err := at(j)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}

	for i, wn := range wg.Nodes {
		n := nodes[i]
		n.Op = Op(wn.Op)
		n.Stamp = decodeStamp(wn.Stamp)
		var err error
		if n.Inputs, err = ats(wn.Inputs); err != nil {
			return nil, err
		}
		if n.next, err = at(wn.Next); err != nil {
			return nil, err
		}
		if n.Succs, err = ats(wn.Succs); err != nil {
			return nil, err
		}
		if n.Ends, err = ats(wn.Ends); err != nil {
			return nil, err
		}
		if n.LoopEnds, err = ats(wn.LoopEnds); err != nil {
			return nil, err
		}
		if n.Merge, err = at(wn.Merge); err != nil {
			return nil, err
		}
		if n.State, err = ats(wn.State); err != nil {
			return nil, err
		}
		n.ConstInt = wn.ConstInt
		n.ConstStr = wn.ConstStr
		n.ArithOp = stamp.Operator(wn.ArithOp)
		n.FromBits = wn.FromBits
		n.ToBits = wn.ToBits
		n.Index = wn.Index
		n.Offset = wn.Offset
		n.Probability = wn.Probability
		n.Keys = wn.Keys
		n.KeySuccs = wn.KeySuccs
		n.KeyProbs = wn.KeyProbs
		n.Reason = wn.Reason
		if wn.Call != nil {
			params := make([]stamp.Kind, len(wn.Call.Params))
			for j, k := range wn.Call.Params {
				params[j] = stamp.Kind(k)
			}
			n.Kind = CallKind(wn.Call.Kind)
			n.Target = meta.MethodRef{
				Name:           wn.Call.Name,
				Params:         params,
				Return:         stamp.Kind(wn.Call.Return),
				Final:          wn.Call.Final,
				ExactKnownType: wn.Call.Exact,
			}
		}
	}
	if g.start, _ = at(wg.Start); g.start == nil {
		return nil, fmt.Errorf("graph: missing start node")
	}
	g.ret, _ = at(wg.Return)
	g.unwind, _ = at(wg.Unwind)
	return g, nil
}

func encodeStamp(s stamp.Stamp) *wireStamp {
	switch v := s.(type) {
	case nil:
		return nil
	case *stamp.IntegerStamp:
		return &wireStamp{
			Kind:  uint8(v.Kind()),
			Bits:  v.Bits(),
			Lower: v.LowerBound(),
			Upper: v.UpperBound(),
			Must:  v.MustSetMask(),
			May:   v.MaySetMask(),
		}
	case *stamp.RefStamp:
		return &wireStamp{Kind: uint8(stamp.Ref), NonNull: v.NonNull()}
	case *stamp.FloatStamp:
		return &wireStamp{Kind: uint8(v.Kind()), Bits: v.Kind().Bits()}
	default:
		return &wireStamp{Kind: uint8(stamp.Void)}
	}
}

func decodeStamp(w *wireStamp) stamp.Stamp {
	if w == nil {
		return nil
	}
	switch stamp.Kind(w.Kind) {
	case stamp.Int, stamp.Long:
		return stamp.ForIntegerMasks(w.Bits, w.Lower, w.Upper, w.Must, w.May)
	case stamp.Ref:
		if w.NonNull {
			return stamp.RefNonNull
		}
		return stamp.RefAny
	case stamp.Float:
		return stamp.Float32Any
	case stamp.Double:
		return stamp.Float64Any
	default:
		return stamp.ForVoid
	}
}
