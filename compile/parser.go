package compile

import (
	"math/bits"
	"sort"

	"github.com/tliron/commonlog"

	"github.com/marlowvm/marlow/bytecode"
	"github.com/marlowvm/marlow/graph"
	"github.com/marlowvm/marlow/meta"
	"github.com/marlowvm/marlow/options"
	"github.com/marlowvm/marlow/profile"
	"github.com/marlowvm/marlow/stamp"
)

var log = commonlog.GetLogger("marlow.compile")

// Build compiles one method's bytecode into an SSA graph. It either
// returns a complete, verified graph or a *Bailout error; it never
// publishes a partial graph. Independent calls may run concurrently, all
// mutable state is local to one invocation.
func Build(method *bytecode.Method, pool meta.Resolver, prof profile.Provider, opts *options.Options) (g *graph.Graph, err error) {
	if opts == nil {
		opts = options.Default()
	}
	if prof == nil {
		prof = &profile.Flat{}
	}
	p := &parser{
		g:       graph.New(method.Name),
		method:  method,
		stream:  bytecode.NewStream(method.Code),
		pool:    pool,
		profile: prof,
		opts:    opts,
	}
	defer func() {
		if r := recover(); r != nil {
			b, ok := r.(*Bailout)
			if !ok {
				panic(r)
			}
			if b.Method == "" {
				b.Method = method.Name
				b.Offset = p.curOffset
			}
			g, err = nil, b
			log.Infof("bailout in %s at %d: %v", b.Method, b.Offset, b.Reason)
		}
	}()
	p.run()
	log.Debugf("compiled %s: %d nodes", method.Name, p.g.NodeCount())
	return p.g, nil
}

// parser is the per-compilation context threaded through every opcode
// handler; it replaces ambient globals with an explicit object scoped to
// one method.
type parser struct {
	g       *graph.Graph
	method  *bytecode.Method
	stream  *bytecode.Stream
	pool    meta.Resolver
	profile profile.Provider
	opts    *options.Options

	blocks *blockMap

	cur       *Block
	frame     *frameState
	lastInstr *graph.Node // nil once the current chain terminated
	curOffset int

	returnBlock *Block
	unwindBlock *Block
	lockObject  *graph.Node
}

func (p *parser) run() {
	p.blocks = buildBlockMap(p.method)
	p.returnBlock = &Block{ID: -1, Start: -1, End: -1, IsReturn: true}
	p.unwindBlock = &Block{ID: -2, Start: -1, End: -1, IsUnwind: true}

	state := entryFrameState(p.g, p.method)
	p.lastInstr = p.g.Start()

	if p.method.Synchronized {
		p.lockObject = p.g.ConstRef("<lock:" + p.method.Name + ">")
		enter := &graph.Node{Op: graph.OpMonitorEnter, Stamp: stamp.ForVoid,
			Inputs: []*graph.Node{p.lockObject}}
		p.appendFixed(p.g.Add(enter))
		state.locks = 1
	}

	p.appendGoto(p.createTarget(p.blocks.entry(), state))

	for _, b := range p.blocks.order {
		p.processBlock(b)
	}
	p.processBlock(p.returnBlock)
	p.processBlock(p.unwindBlock)

	if n := p.g.ReduceDegenerateLoops(); n > 0 {
		log.Debugf("%s: reduced %d degenerate loops", p.method.Name, n)
	}
}

func (p *parser) processBlock(b *Block) {
	if b == nil || b.FirstNode == nil {
		return // never targeted, unreachable
	}
	p.cur = b
	// Parse on a copy: the entry state object keeps holding the phis that
	// later back edges append to.
	p.frame = b.EntryState.copy()
	p.lastInstr = b.FirstNode
	if p.opts.TraceParsing {
		log.Debugf("%s: block %d [%d,%d) loops=%#x", p.method.Name, b.ID, b.Start, b.End, b.Loops)
	}
	switch {
	case b.IsReturn:
		p.buildReturn()
	case b.IsUnwind:
		p.buildUnwind()
	case b.IsDispatch():
		p.buildExceptionDispatch(b)
	default:
		p.iterateBytecodes(b)
	}
}

func (p *parser) iterateBytecodes(b *Block) {
	s := p.stream
	for s.SetOffset(b.Start); s.Offset() < b.End; s.Next() {
		p.curOffset = s.Offset()
		p.processOpcode(s)
		if p.lastInstr == nil {
			return
		}
	}
	// Fell through to the next block.
	p.appendGoto(p.createTarget(p.blocks.blockAt(b.End), p.frame))
}

// appendFixed links a fixed-with-next node onto the current chain.
func (p *parser) appendFixed(n *graph.Node) *graph.Node {
	p.lastInstr.SetNext(n)
	p.lastInstr = n
	return n
}

// appendGoto terminates the current chain into an already-built target.
func (p *parser) appendGoto(target *graph.Node) {
	p.lastInstr.SetNext(target)
	p.lastInstr = nil
}

// appendDeopt terminates the current chain with a deoptimizing sink, used
// for unresolved symbolic references.
func (p *parser) appendDeopt(reason string) {
	d := p.g.Add(&graph.Node{Op: graph.OpDeopt, Stamp: stamp.ForVoid,
		Reason: reason, Offset: p.curOffset})
	p.lastInstr.SetNext(d)
	p.lastInstr = nil
}

// ---------------------------------------------------------------------------
// Block targeting: placeholder / merge / loop-begin state machine
// ---------------------------------------------------------------------------

type target struct {
	entry *graph.Node
	state *frameState
}

// createTarget returns the fixed node a predecessor must jump to in order
// to enter block with the given outgoing state. First visit installs a
// placeholder (or an eager loop-begin for headers); later visits promote
// the placeholder to a merge and append phi inputs.
func (p *parser) createTarget(block *Block, state *frameState) *graph.Node {
	if block.IsExceptionEntry && state.stackSize() != 1 {
		bail(ErrStackMismatch)
	}

	if block.FirstNode == nil {
		if block.IsLoopHeader {
			lb := p.g.Add(&graph.Node{Op: graph.OpLoopBegin, Stamp: stamp.ForVoid})
			end := p.g.Add(&graph.Node{Op: graph.OpEnd, Stamp: stamp.ForVoid})
			lb.AddEnd(end)
			t := p.checkLoopExit(end, block, state)
			entryState := t.state
			if entryState == state {
				entryState = state.copy()
			}
			entryState.rethrow = false
			if block.LiveIn != nil {
				entryState.clearNonLiveLocals(block.LiveIn)
			}
			entryState.insertLoopPhis(lb)
			block.FirstNode = lb
			block.EntryState = entryState
			return t.entry
		}
		placeholder := p.g.Add(&graph.Node{Op: graph.OpPlaceholder, Stamp: stamp.ForVoid})
		t := p.checkLoopExit(placeholder, block, state)
		entryState := t.state
		if entryState == state {
			entryState = state.copy()
		}
		if block.LiveIn != nil {
			entryState.clearNonLiveLocals(block.LiveIn)
		}
		block.FirstNode = placeholder
		block.EntryState = entryState
		return t.entry
	}

	// Seen before: this is an additional predecessor.
	if block.FirstNode.Op == graph.OpLoopBegin && p.cur != nil &&
		p.cur.Loops&p.blocks.loopBit(block) != 0 {
		// A jump to the header from inside the loop closes it. The edge may
		// still leave inner loops on the way out.
		lb := block.FirstNode
		loopEnd := p.g.Add(&graph.Node{Op: graph.OpLoopEnd, Stamp: stamp.ForVoid})
		lb.AddLoopEnd(loopEnd)
		t := p.checkLoopExit(loopEnd, block, state)
		block.EntryState.merge(lb, t.state)
		return t.entry
	}

	if block.FirstNode.Op == graph.OpPlaceholder {
		// Second forward predecessor: promote to a merge in place.
		placeholder := block.FirstNode
		merge := p.g.Add(&graph.Node{Op: graph.OpMerge, Stamp: stamp.ForVoid})
		firstEnd := p.g.Add(&graph.Node{Op: graph.OpEnd, Stamp: stamp.ForVoid})
		p.g.RedirectControl(placeholder, firstEnd)
		merge.AddEnd(firstEnd)
		merge.SetNext(placeholder.Next())
		p.g.RemoveFixed(placeholder)
		block.FirstNode = merge
	}

	mergeNode := block.FirstNode
	end := p.g.Add(&graph.Node{Op: graph.OpEnd, Stamp: stamp.ForVoid})
	mergeNode.AddEnd(end)
	t := p.checkLoopExit(end, block, state)
	block.EntryState.merge(mergeNode, t.state)
	return t.entry
}

// checkLoopExit prefixes the jump to block with LoopExit markers for every
// loop the edge leaves, outermost first so the innermost marker sits last,
// each carrying a snapshot of the frame state.
func (p *parser) checkLoopExit(entry *graph.Node, block *Block, state *frameState) target {
	if p.cur == nil {
		return target{entry, state}
	}
	exits := p.cur.Loops &^ block.Loops
	if exits == 0 {
		return target{entry, state}
	}
	var headers []*Block
	for i := range p.blocks.loopHeaders {
		if exits&(1<<uint(i)) != 0 {
			headers = append(headers, p.blocks.loopHeaders[i])
		}
	}
	sort.Slice(headers, func(i, j int) bool {
		return bits.OnesCount64(headers[i].Loops) < bits.OnesCount64(headers[j].Loops)
	})

	newState := state.copy()
	snapshot := stateSnapshot(newState)
	var first, last *graph.Node
	for _, h := range headers {
		lx := p.g.Add(&graph.Node{Op: graph.OpLoopExit, Stamp: stamp.ForVoid,
			Merge: h.FirstNode, State: snapshot})
		if last != nil {
			last.SetNext(lx)
		} else {
			first = lx
		}
		last = lx
	}
	last.SetNext(entry)
	return target{first, newState}
}

func stateSnapshot(fs *frameState) []*graph.Node {
	var snap []*graph.Node
	for _, v := range fs.locals {
		if v != nil && v != wideSecondSlot {
			snap = append(snap, v)
		}
	}
	for _, v := range fs.stack {
		if v != nil && v != wideSecondSlot {
			snap = append(snap, v)
		}
	}
	return snap
}

func (m *blockMap) loopBit(header *Block) uint64 {
	for i, h := range m.loopHeaders {
		if h == header {
			return 1 << uint(i)
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// Exception routing
// ---------------------------------------------------------------------------

// handleException builds the exception edge leaving the current point:
// the returned fixed node materializes the in-flight exception (or anchors
// an already-materialized one) and continues into the covering dispatch
// chain, or the unwind block when nothing covers this offset.
func (p *parser) handleException(exception *graph.Node, offset int) *graph.Node {
	dispatchState := p.frame.copy()
	dispatchState.clearStack()
	dispatchState.rethrow = true

	var begin *graph.Node
	if exception == nil {
		begin = p.g.Add(&graph.Node{Op: graph.OpExceptionObject,
			Stamp: stamp.RefNonNull, Offset: offset})
		exception = begin
	} else {
		begin = p.g.Add(&graph.Node{Op: graph.OpDispatchBegin,
			Stamp: stamp.ForVoid, Offset: offset})
	}
	dispatchState.push(stamp.Ref, exception)

	targetBlock := p.cur.Dispatch
	if targetBlock == nil {
		targetBlock = p.unwindBlock
	}
	begin.SetNext(p.createTarget(targetBlock, dispatchState))
	return begin
}

// buildExceptionDispatch parses a synthetic dispatch block: test the
// in-flight exception against the handler's catch type, entering the
// handler on a match and falling through to the next covering handler (or
// the unwind) otherwise.
func (p *parser) buildExceptionDispatch(b *Block) {
	if p.frame.stackSize() != 1 || !p.frame.rethrow {
		bail(ErrStackMismatch)
	}
	h := b.Handler
	if h.IsCatchAll() {
		p.frame.rethrow = false
		p.appendGoto(p.createTarget(b.Successors[0], p.frame))
		return
	}
	if _, ok := p.pool.LookupConstant(h.CatchType); !ok {
		p.appendDeopt("unresolved catch type")
		return
	}
	exception := p.frame.top()
	cond := p.g.Unique(&graph.Node{Op: graph.OpInstanceOf,
		Stamp:    stamp.ForInteger(1, 0, 1),
		Inputs:   []*graph.Node{exception},
		ConstInt: int64(h.CatchType)})

	handlerState := p.frame.copy()
	handlerState.rethrow = false
	matched := p.g.Add(&graph.Node{Op: graph.OpBegin, Stamp: stamp.ForVoid})
	matched.SetNext(p.createTarget(b.Successors[0], handlerState))

	missTarget := b.DispatchNext
	if missTarget == nil {
		missTarget = p.unwindBlock
	}
	missed := p.g.Add(&graph.Node{Op: graph.OpBegin, Stamp: stamp.ForVoid})
	missed.SetNext(p.createTarget(missTarget, p.frame))

	ifn := p.g.Add(&graph.Node{Op: graph.OpIf, Stamp: stamp.ForVoid,
		Inputs:      []*graph.Node{cond},
		Succs:       []*graph.Node{matched, missed},
		Probability: 0.5})
	p.lastInstr.SetNext(ifn)
	p.lastInstr = nil
}

// ---------------------------------------------------------------------------
// Method exits
// ---------------------------------------------------------------------------

func (p *parser) buildReturn() {
	var value *graph.Node
	if p.method.Return != stamp.Void {
		value = p.frame.pop(p.method.Return)
	}
	ret := &graph.Node{Op: graph.OpReturn, Stamp: stamp.ForVoid}
	if value != nil {
		ret.Inputs = []*graph.Node{value}
	}
	p.lastInstr.SetNext(p.g.Add(ret))
	p.lastInstr = nil
	p.g.SetReturn(ret)
}

func (p *parser) buildUnwind() {
	exception := p.frame.pop(stamp.Ref)
	if p.method.Synchronized {
		exit := &graph.Node{Op: graph.OpMonitorExit, Stamp: stamp.ForVoid,
			Inputs: []*graph.Node{p.lockObject}}
		p.appendFixed(p.g.Add(exit))
	}
	unwind := p.g.Add(&graph.Node{Op: graph.OpUnwind, Stamp: stamp.ForVoid,
		Inputs: []*graph.Node{exception}})
	p.lastInstr.SetNext(unwind)
	p.lastInstr = nil
	p.g.SetUnwind(unwind)
}
