package compile

import (
	"github.com/marlowvm/marlow/bytecode"
	"github.com/marlowvm/marlow/graph"
)

// ---------------------------------------------------------------------------
// Local-slot bitsets
// ---------------------------------------------------------------------------

type bitset []uint64

func newBitset(n int) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) set(i int)      { b[i/64] |= 1 << (i % 64) }
func (b bitset) get(i int) bool { return b[i/64]&(1<<(i%64)) != 0 }

// or folds other into b, reporting whether b changed.
func (b bitset) or(other bitset) bool {
	changed := false
	for i, w := range other {
		if b[i]|w != b[i] {
			b[i] |= w
			changed = true
		}
	}
	return changed
}

// ---------------------------------------------------------------------------
// Blocks
// ---------------------------------------------------------------------------

// Block is one basic block of the method, created during the static
// block-map pass and annotated in place by the parser.
type Block struct {
	ID    int
	Start int // first bytecode offset, -1 for synthetic blocks
	End   int // one past the last offset

	// Successors lists normal control successors: conditional branches
	// store the taken target first, switches store case targets in key
	// order with the default last.
	Successors []*Block

	IsLoopHeader     bool
	IsExceptionEntry bool
	IsReturn         bool
	IsUnwind         bool

	// Loops is the membership bitset: bit i set means this block lies
	// inside the loop whose header has loop index i.
	Loops uint64

	// Handler is non-nil for exception-dispatch blocks; Successors[0] is
	// then the handler entry and DispatchNext the chain continuation for
	// a failed type test (nil meaning unwind).
	Handler      *bytecode.Handler
	DispatchNext *Block

	// Dispatch is the dispatch-chain head covering this block, set only
	// when the block contains an instruction that can raise.
	Dispatch *Block

	// LiveIn marks the local slots that may be read before being written
	// on some path from this block's entry.
	LiveIn bitset

	// Parser state, set exactly once when the block is first targeted.
	FirstNode  *graph.Node
	EntryState *frameState

	active   bool // DFS bookkeeping
	ordered  bool
	use, def bitset
}

// IsDispatch reports whether the block is a synthetic exception-dispatch
// block.
func (b *Block) IsDispatch() bool { return b.Handler != nil }

type blockMap struct {
	method *bytecode.Method

	blocks []*Block // every block, normal blocks first in offset order
	order  []*Block // reverse postorder from the entry

	byStart     map[int]*Block
	loopHeaders []*Block // indexed by loop index
}

func (m *blockMap) entry() *Block { return m.blocks[0] }

// blockAt returns the block beginning at the given offset.
func (m *blockMap) blockAt(offset int) *Block {
	b, ok := m.byStart[offset]
	if !ok {
		bailf(ErrBadBranch, "offset %d is not a block start", offset)
	}
	return b
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// buildBlockMap performs the static CFG pass: block boundaries,
// successors, exception-dispatch chains, loop headers with membership
// bitsets, and per-block local liveness. Bails out on malformed code;
// never executes bytecode semantics.
func buildBlockMap(method *bytecode.Method) *blockMap {
	m := &blockMap{method: method, byStart: make(map[int]*Block)}
	code := method.Code
	if len(code) == 0 {
		bailf(ErrBadBranch, "empty method body")
	}
	s := bytecode.NewStream(code)

	// First sweep: instruction starts, so branch targets can be checked.
	instrStart := make([]bool, len(code)+1)
	for s.SetOffset(0); s.Offset() < len(code); s.Next() {
		op := s.Opcode()
		if !op.Known() {
			bailf(ErrUnknownOpcode, "0x%02X", byte(op))
		}
		instrStart[s.Offset()] = true
		if s.NextOffset() > len(code) {
			bailf(ErrBadBranch, "instruction at %d runs past the end", s.Offset())
		}
	}

	checkTarget := func(t int) int {
		if t < 0 || t >= len(code) || !instrStart[t] {
			bailf(ErrBadBranch, "target %d", t)
		}
		return t
	}

	// Second sweep: block boundaries.
	isStart := make([]bool, len(code)+1)
	isStart[0] = true
	for s.SetOffset(0); s.Offset() < len(code); s.Next() {
		op := s.Opcode()
		switch {
		case op == bytecode.OpSwitch:
			isStart[checkTarget(s.SwitchDefaultTarget())] = true
			for i := 0; i < s.SwitchCaseCount(); i++ {
				isStart[checkTarget(s.SwitchTargetAt(i))] = true
			}
			isStart[s.NextOffset()] = true
		case op.Info().IsBranch:
			isStart[checkTarget(s.BranchTarget())] = true
			isStart[s.NextOffset()] = true
		case op.IsBlockEnd():
			isStart[s.NextOffset()] = true
		}
	}
	for _, h := range method.Handlers {
		isStart[checkTarget(h.Target)] = true
		if h.Start < len(code) && instrStart[h.Start] {
			isStart[h.Start] = true
		}
		if h.End < len(code) && instrStart[h.End] {
			isStart[h.End] = true
		}
	}

	// Materialize blocks in offset order.
	for offset := 0; offset < len(code); offset++ {
		if !isStart[offset] || !instrStart[offset] {
			continue
		}
		b := &Block{ID: len(m.blocks), Start: offset, End: len(code)}
		if len(m.blocks) > 0 {
			m.blocks[len(m.blocks)-1].End = offset
		}
		m.blocks = append(m.blocks, b)
		m.byStart[offset] = b
	}

	m.computeSuccessors(s)
	m.computeDispatch(s)
	m.computeLoops()
	m.computeLiveness(s)
	return m
}

func (m *blockMap) computeSuccessors(s *bytecode.Stream) {
	code := m.method.Code
	for _, b := range m.blocks {
		// Find the block's last instruction.
		last := b.Start
		for s.SetOffset(b.Start); s.NextOffset() < b.End; s.Next() {
			last = s.NextOffset()
		}
		s.SetOffset(last)
		op := s.Opcode()
		switch {
		case op == bytecode.OpSwitch:
			for i := 0; i < s.SwitchCaseCount(); i++ {
				b.Successors = append(b.Successors, m.blockAt(s.SwitchTargetAt(i)))
			}
			b.Successors = append(b.Successors, m.blockAt(s.SwitchDefaultTarget()))
		case op == bytecode.OpGoto:
			b.Successors = []*Block{m.blockAt(s.BranchTarget())}
		case op.IsConditional():
			if b.End >= len(code) {
				bailf(ErrBadBranch, "conditional at %d falls off the end", last)
			}
			b.Successors = []*Block{m.blockAt(s.BranchTarget()), m.blockAt(b.End)}
		case op.IsBlockEnd():
			// Returns and throws have no normal successor.
		default:
			if b.End >= len(code) {
				bailf(ErrBadBranch, "code falls off the end at %d", b.End)
			}
			b.Successors = []*Block{m.blockAt(b.End)}
		}
	}
	for _, h := range m.method.Handlers {
		m.blockAt(h.Target).IsExceptionEntry = true
	}
}

// canRaise reports whether the instruction at the stream cursor can
// transfer control to an exception handler.
func canRaise(op bytecode.Opcode) bool {
	switch op {
	case bytecode.OpThrow,
		bytecode.OpCallStatic, bytecode.OpCallVirtual,
		bytecode.OpCallSpecial, bytecode.OpCallInterface,
		bytecode.OpALoadI, bytecode.OpALoadL, bytecode.OpALoadR,
		bytecode.OpAStoreI, bytecode.OpAStoreL, bytecode.OpAStoreR,
		bytecode.OpArrayLen,
		bytecode.OpDivI, bytecode.OpDivL, bytecode.OpRemI, bytecode.OpRemL,
		bytecode.OpMonitorEnter, bytecode.OpMonitorExit:
		return true
	}
	return false
}

// computeDispatch builds the per-handler exception-dispatch blocks and
// attaches the covering chain head to every block that can raise. Handlers
// are matched in declaration order; a catch-all makes every later handler
// unreachable from this range.
func (m *blockMap) computeDispatch(s *bytecode.Stream) {
	type chainKey struct {
		handler int
		next    int // block ID of the chain continuation, -1 for unwind
	}
	cache := make(map[chainKey]*Block)
	handlers := m.method.Handlers

	chainFor := func(offset int) *Block {
		var next *Block
		for i := len(handlers) - 1; i >= 0; i-- {
			h := handlers[i]
			if !h.Covers(offset) {
				continue
			}
			if h.IsCatchAll() {
				next = nil // nothing escapes past a catch-all
			}
			key := chainKey{handler: i, next: -1}
			if next != nil {
				key.next = next.ID
			}
			d, ok := cache[key]
			if !ok {
				d = &Block{
					ID:           len(m.blocks),
					Start:        -1,
					End:          -1,
					Handler:      &handlers[i],
					DispatchNext: next,
					Successors:   []*Block{m.blockAt(h.Target)},
				}
				if next != nil {
					d.Successors = append(d.Successors, next)
				}
				m.blocks = append(m.blocks, d)
				cache[key] = d
			}
			next = d
		}
		return next
	}

	for _, b := range m.blocks {
		if b.IsDispatch() {
			continue
		}
		raises := false
		for s.SetOffset(b.Start); s.Offset() < b.End; s.Next() {
			if canRaise(s.Opcode()) {
				raises = true
				break
			}
		}
		if raises {
			b.Dispatch = chainFor(b.Start)
		}
	}
}

// successorsAndDispatch visits every outgoing edge including the
// exception edge.
func (b *Block) successorsAndDispatch(visit func(*Block)) {
	for _, s := range b.Successors {
		visit(s)
	}
	if b.Dispatch != nil {
		visit(b.Dispatch)
	}
}

// computeLoops runs a DFS from the entry block to find back edges, assign
// loop indices to headers, compute reverse postorder, and propagate loop
// membership bitsets through each natural loop. More than 64 loops is a
// bailout rather than a silent truncation.
func (m *blockMap) computeLoops() {
	type backEdge struct{ tail, header *Block }
	var backEdges []backEdge
	var postorder []*Block

	preds := make(map[*Block][]*Block)

	var walk func(b *Block)
	walk = func(b *Block) {
		if b.ordered {
			return
		}
		b.ordered = true
		b.active = true
		b.successorsAndDispatch(func(succ *Block) {
			preds[succ] = append(preds[succ], b)
			if succ.active {
				if !succ.IsLoopHeader {
					succ.IsLoopHeader = true
					if len(m.loopHeaders) >= 64 {
						bail(ErrLoopDepth)
					}
					m.loopHeaders = append(m.loopHeaders, succ)
				}
				backEdges = append(backEdges, backEdge{tail: b, header: succ})
				return
			}
			walk(succ)
		})
		b.active = false
		postorder = append(postorder, b)
	}
	walk(m.entry())

	m.order = make([]*Block, 0, len(postorder))
	for i := len(postorder) - 1; i >= 0; i-- {
		m.order = append(m.order, postorder[i])
	}

	loopIndex := func(header *Block) int {
		for i, h := range m.loopHeaders {
			if h == header {
				return i
			}
		}
		return -1
	}
	for _, e := range backEdges {
		bit := uint64(1) << loopIndex(e.header)
		// The header starts marked, so the backward walk from the tail
		// stops there and stays within the natural loop.
		e.header.Loops |= bit
		stack := []*Block{e.tail}
		for len(stack) > 0 {
			b := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if b.Loops&bit != 0 {
				continue
			}
			b.Loops |= bit
			stack = append(stack, preds[b]...)
		}
	}
}

// computeLiveness solves the standard backward may-be-used-before-redefined
// dataflow over local slots.
func (m *blockMap) computeLiveness(s *bytecode.Stream) {
	nLocals := m.method.MaxLocals
	for _, b := range m.blocks {
		b.LiveIn = newBitset(nLocals)
		b.use = newBitset(nLocals)
		b.def = newBitset(nLocals)
		if b.IsDispatch() {
			continue
		}
		for s.SetOffset(b.Start); s.Offset() < b.End; s.Next() {
			op := s.Opcode()
			switch op {
			case bytecode.OpLoadI, bytecode.OpLoadF, bytecode.OpLoadR:
				b.localUse(s.LocalIndex())
			case bytecode.OpLoadL, bytecode.OpLoadD:
				b.localUse(s.LocalIndex())
				b.localUse(s.LocalIndex() + 1)
			case bytecode.OpStoreI, bytecode.OpStoreF, bytecode.OpStoreR:
				b.def.set(s.LocalIndex())
			case bytecode.OpStoreL, bytecode.OpStoreD:
				b.def.set(s.LocalIndex())
				b.def.set(s.LocalIndex() + 1)
			case bytecode.OpInc:
				b.localUse(s.LocalIndex())
				b.def.set(s.LocalIndex())
			}
		}
	}

	changed := true
	for changed {
		changed = false
		for i := len(m.order) - 1; i >= 0; i-- {
			b := m.order[i]
			liveOut := newBitset(nLocals)
			b.successorsAndDispatch(func(succ *Block) {
				liveOut.or(succ.LiveIn)
			})
			for w := range liveOut {
				liveOut[w] = b.use[w] | (liveOut[w] &^ b.def[w])
			}
			if b.LiveIn.or(liveOut) {
				changed = true
			}
		}
	}
}

func (b *Block) localUse(i int) {
	if !b.def.get(i) {
		b.use.set(i)
	}
}
