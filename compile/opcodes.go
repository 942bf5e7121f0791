package compile

import (
	"math"

	"github.com/marlowvm/marlow/bytecode"
	"github.com/marlowvm/marlow/graph"
	"github.com/marlowvm/marlow/profile"
	"github.com/marlowvm/marlow/stamp"
)

// processOpcode performs the frame-state and graph mutation for the
// instruction at the stream cursor.
func (p *parser) processOpcode(s *bytecode.Stream) {
	fs := p.frame
	switch op := s.Opcode(); op {
	case bytecode.OpNop:

	case bytecode.OpPop:
		fs.popSlot()
	case bytecode.OpPop2:
		fs.popSlots(2)
	case bytecode.OpDup:
		fs.dup()
	case bytecode.OpSwap:
		fs.swap()

	case bytecode.OpConstNull:
		fs.push(stamp.Ref, p.g.ConstNull())
	case bytecode.OpConstI:
		fs.push(stamp.Int, p.g.ConstInt(32, int64(s.ConstI())))
	case bytecode.OpConstL:
		fs.push(stamp.Long, p.g.ConstInt(64, s.ConstL()))
	case bytecode.OpConstF:
		fs.push(stamp.Float, p.g.ConstFloat(stamp.Float, float64(s.ConstF())))
	case bytecode.OpConstD:
		fs.push(stamp.Double, p.g.ConstFloat(stamp.Double, s.ConstD()))
	case bytecode.OpConstPool:
		p.genLoadConstant(s.PoolIndex())

	case bytecode.OpLoadI:
		fs.push(stamp.Int, fs.loadLocal(s.LocalIndex(), stamp.Int))
	case bytecode.OpLoadL:
		fs.push(stamp.Long, fs.loadLocal(s.LocalIndex(), stamp.Long))
	case bytecode.OpLoadF:
		fs.push(stamp.Float, fs.loadLocal(s.LocalIndex(), stamp.Float))
	case bytecode.OpLoadD:
		fs.push(stamp.Double, fs.loadLocal(s.LocalIndex(), stamp.Double))
	case bytecode.OpLoadR:
		fs.push(stamp.Ref, fs.loadLocal(s.LocalIndex(), stamp.Ref))
	case bytecode.OpStoreI:
		fs.storeLocal(s.LocalIndex(), stamp.Int, fs.pop(stamp.Int))
	case bytecode.OpStoreL:
		fs.storeLocal(s.LocalIndex(), stamp.Long, fs.pop(stamp.Long))
	case bytecode.OpStoreF:
		fs.storeLocal(s.LocalIndex(), stamp.Float, fs.pop(stamp.Float))
	case bytecode.OpStoreD:
		fs.storeLocal(s.LocalIndex(), stamp.Double, fs.pop(stamp.Double))
	case bytecode.OpStoreR:
		fs.storeLocal(s.LocalIndex(), stamp.Ref, fs.pop(stamp.Ref))
	case bytecode.OpInc:
		v := fs.loadLocal(s.LocalIndex(), stamp.Int)
		sum := p.binary(stamp.OpAdd, v, p.g.ConstInt(32, int64(s.Increment())))
		fs.storeLocal(s.LocalIndex(), stamp.Int, sum)

	case bytecode.OpALoadI:
		p.genLoadIndexed(stamp.Int)
	case bytecode.OpALoadL:
		p.genLoadIndexed(stamp.Long)
	case bytecode.OpALoadR:
		p.genLoadIndexed(stamp.Ref)
	case bytecode.OpAStoreI:
		p.genStoreIndexed(stamp.Int)
	case bytecode.OpAStoreL:
		p.genStoreIndexed(stamp.Long)
	case bytecode.OpAStoreR:
		p.genStoreIndexed(stamp.Ref)
	case bytecode.OpArrayLen:
		array := fs.pop(stamp.Ref)
		if p.opts.ExplicitExceptionChecks {
			p.emitNullCheck(array)
			if p.lastInstr == nil {
				return
			}
		}
		fs.push(stamp.Int, p.appendArrayLength(array))

	case bytecode.OpAddI, bytecode.OpSubI, bytecode.OpMulI, bytecode.OpDivI,
		bytecode.OpRemI, bytecode.OpAndI, bytecode.OpOrI, bytecode.OpXorI:
		y := fs.pop(stamp.Int)
		x := fs.pop(stamp.Int)
		fs.push(stamp.Int, p.binary(intOperator(op), x, y))
	case bytecode.OpNegI:
		fs.push(stamp.Int, p.unary(stamp.OpNeg, fs.pop(stamp.Int)))
	case bytecode.OpShlI, bytecode.OpShrI, bytecode.OpUShrI:
		amount := fs.pop(stamp.Int)
		x := fs.pop(stamp.Int)
		fs.push(stamp.Int, p.binary(intOperator(op), x, amount))

	case bytecode.OpAddL, bytecode.OpSubL, bytecode.OpMulL, bytecode.OpDivL,
		bytecode.OpRemL, bytecode.OpAndL, bytecode.OpOrL, bytecode.OpXorL:
		y := fs.pop(stamp.Long)
		x := fs.pop(stamp.Long)
		fs.push(stamp.Long, p.binary(longOperator(op), x, y))
	case bytecode.OpNegL:
		fs.push(stamp.Long, p.unary(stamp.OpNeg, fs.pop(stamp.Long)))
	case bytecode.OpShlL, bytecode.OpShrL, bytecode.OpUShrL:
		amount := fs.pop(stamp.Int)
		x := fs.pop(stamp.Long)
		fs.push(stamp.Long, p.binary(longOperator(op), x, p.g.Convert(amount, 64)))

	case bytecode.OpI2L:
		fs.push(stamp.Long, p.g.Convert(fs.pop(stamp.Int), 64))
	case bytecode.OpL2I:
		fs.push(stamp.Int, p.g.Convert(fs.pop(stamp.Long), 32))
	case bytecode.OpI2B:
		fs.push(stamp.Int, p.g.Convert(p.g.Convert(fs.pop(stamp.Int), 8), 32))
	case bytecode.OpI2S:
		fs.push(stamp.Int, p.g.Convert(p.g.Convert(fs.pop(stamp.Int), 16), 32))
	case bytecode.OpCmpL:
		y := fs.pop(stamp.Long)
		x := fs.pop(stamp.Long)
		fs.push(stamp.Int, p.genCompareLong(x, y))

	case bytecode.OpGoto:
		p.appendGoto(p.createTarget(p.blocks.blockAt(s.BranchTarget()), fs))
	case bytecode.OpSwitch:
		p.genSwitch(s)
	case bytecode.OpIfEq, bytecode.OpIfNe, bytecode.OpIfLt, bytecode.OpIfGe,
		bytecode.OpIfGt, bytecode.OpIfLe,
		bytecode.OpIfICmpEq, bytecode.OpIfICmpNe, bytecode.OpIfICmpLt,
		bytecode.OpIfICmpGe, bytecode.OpIfICmpGt, bytecode.OpIfICmpLe,
		bytecode.OpIfRefEq, bytecode.OpIfRefNe,
		bytecode.OpIfNull, bytecode.OpIfNonNull:
		p.genIf(s, op)

	case bytecode.OpCallStatic:
		p.genInvoke(graph.CallStatic, s.PoolIndex())
	case bytecode.OpCallVirtual:
		p.genInvoke(graph.CallVirtual, s.PoolIndex())
	case bytecode.OpCallSpecial:
		p.genInvoke(graph.CallSpecial, s.PoolIndex())
	case bytecode.OpCallInterface:
		p.genInvoke(graph.CallInterface, s.PoolIndex())

	case bytecode.OpMonitorEnter:
		object := fs.pop(stamp.Ref)
		p.emitNullCheck(object)
		if p.lastInstr == nil {
			return
		}
		p.appendFixed(p.g.Add(&graph.Node{Op: graph.OpMonitorEnter,
			Stamp: stamp.ForVoid, Inputs: []*graph.Node{object}}))
		fs.locks++
	case bytecode.OpMonitorExit:
		object := fs.pop(stamp.Ref)
		fs.locks--
		if fs.locks < 0 {
			bail(ErrUnbalancedMonitors)
		}
		p.appendFixed(p.g.Add(&graph.Node{Op: graph.OpMonitorExit,
			Stamp: stamp.ForVoid, Inputs: []*graph.Node{object}}))
	case bytecode.OpThrow:
		p.genThrow()

	case bytecode.OpReturnV:
		p.genReturn(stamp.Void)
	case bytecode.OpReturnI:
		p.genReturn(stamp.Int)
	case bytecode.OpReturnL:
		p.genReturn(stamp.Long)
	case bytecode.OpReturnF:
		p.genReturn(stamp.Float)
	case bytecode.OpReturnD:
		p.genReturn(stamp.Double)
	case bytecode.OpReturnR:
		p.genReturn(stamp.Ref)

	default:
		bailf(ErrUnknownOpcode, "0x%02X", byte(op))
	}
}

func intOperator(op bytecode.Opcode) stamp.Operator {
	switch op {
	case bytecode.OpAddI:
		return stamp.OpAdd
	case bytecode.OpSubI:
		return stamp.OpSub
	case bytecode.OpMulI:
		return stamp.OpMul
	case bytecode.OpDivI:
		return stamp.OpDiv
	case bytecode.OpRemI:
		return stamp.OpRem
	case bytecode.OpShlI:
		return stamp.OpShl
	case bytecode.OpShrI:
		return stamp.OpShr
	case bytecode.OpUShrI:
		return stamp.OpUShr
	case bytecode.OpAndI:
		return stamp.OpAnd
	case bytecode.OpOrI:
		return stamp.OpOr
	}
	return stamp.OpXor
}

func longOperator(op bytecode.Opcode) stamp.Operator {
	return intOperator(op - bytecode.OpAddL + bytecode.OpAddI)
}

// binary and unary wrap the graph constructors, converting construction
// errors (which all indicate unverifiable operand kinds) into bailouts.
func (p *parser) binary(op stamp.Operator, x, y *graph.Node) *graph.Node {
	n, err := p.g.Binary(op, x, y)
	if err != nil {
		bailf(ErrKindMismatch, "%v", err)
	}
	return n
}

func (p *parser) unary(op stamp.Operator, x *graph.Node) *graph.Node {
	n, err := p.g.Unary(op, x)
	if err != nil {
		bailf(ErrKindMismatch, "%v", err)
	}
	return n
}

func (p *parser) genLoadConstant(index int) {
	c, ok := p.pool.LookupConstant(index)
	if !ok {
		p.appendDeopt("unresolved constant")
		return
	}
	switch c.Kind {
	case stamp.Int:
		p.frame.push(stamp.Int, p.g.ConstInt(32, c.Int))
	case stamp.Long:
		p.frame.push(stamp.Long, p.g.ConstInt(64, c.Int))
	case stamp.Float:
		p.frame.push(stamp.Float, p.g.ConstFloat(stamp.Float, c.Float))
	case stamp.Double:
		p.frame.push(stamp.Double, p.g.ConstFloat(stamp.Double, c.Float))
	case stamp.Ref:
		p.frame.push(stamp.Ref, p.g.ConstRef(c.Str))
	default:
		bailf(ErrBadConstant, "pool index %d has kind %v", index, c.Kind)
	}
}

// genCompareLong lowers CMP_L to a -1/0/1 normalize-compare node, folding
// when the operand stamps decide the ordering.
func (p *parser) genCompareLong(x, y *graph.Node) *graph.Node {
	xs, ys := x.IntegerStamp(), y.IntegerStamp()
	switch {
	case x == y:
		return p.g.ConstInt(32, 0)
	case xs.UpperBound() < ys.LowerBound():
		return p.g.ConstInt(32, -1)
	case xs.LowerBound() > ys.UpperBound():
		return p.g.ConstInt(32, 1)
	}
	if cx, ok := xs.AsConstant(); ok {
		if cy, ok := ys.AsConstant(); ok && cx == cy {
			return p.g.ConstInt(32, 0)
		}
	}
	return p.g.Unique(&graph.Node{Op: graph.OpNormalizeCompare,
		Stamp: stamp.ForInteger(32, -1, 1), Inputs: []*graph.Node{x, y}})
}

// ---------------------------------------------------------------------------
// Array accesses with explicit check diamonds
// ---------------------------------------------------------------------------

func (p *parser) appendArrayLength(array *graph.Node) *graph.Node {
	return p.appendFixed(p.g.Add(&graph.Node{Op: graph.OpArrayLength,
		Stamp:  stamp.ForInteger(32, 0, math.MaxInt32),
		Inputs: []*graph.Node{array}}))
}

func (p *parser) genLoadIndexed(kind stamp.Kind) {
	index := p.frame.pop(stamp.Int)
	array := p.frame.pop(stamp.Ref)
	if !p.emitArrayChecks(array, index) {
		return
	}
	load := p.appendFixed(p.g.Add(&graph.Node{Op: graph.OpLoadIndexed,
		Stamp: stamp.ForKind(kind), Inputs: []*graph.Node{array, index}}))
	p.frame.push(kind, load)
}

func (p *parser) genStoreIndexed(kind stamp.Kind) {
	value := p.frame.pop(kind)
	index := p.frame.pop(stamp.Int)
	array := p.frame.pop(stamp.Ref)
	if !p.emitArrayChecks(array, index) {
		return
	}
	p.appendFixed(p.g.Add(&graph.Node{Op: graph.OpStoreIndexed,
		Stamp: stamp.ForVoid, Inputs: []*graph.Node{array, index, value}}))
}

// emitArrayChecks synthesizes the null-check and bounds-check diamonds in
// front of an array access, eliding whatever the stamps already prove.
// Returns false when the access itself is unreachable (the checks always
// fail).
func (p *parser) emitArrayChecks(array, index *graph.Node) bool {
	if !p.opts.ExplicitExceptionChecks {
		return true
	}
	p.emitNullCheck(array)
	if p.lastInstr == nil {
		return false
	}
	length := p.appendArrayLength(array)
	p.emitBoundsCheck(index, length)
	return p.lastInstr != nil
}

// emitNullCheck branches to a slow path constructing and dispatching a
// null-pointer exception unless the stamp already proves non-null.
func (p *parser) emitNullCheck(value *graph.Node) {
	if value.NonNull() {
		return
	}
	if value.Op == graph.OpConst && value.Stamp.Kind() == stamp.Ref {
		// The null constant: the fast path is unreachable.
		p.appendNullPointerThrow()
		return
	}
	cond := p.g.Unique(&graph.Node{Op: graph.OpIsNull,
		Stamp: stamp.ForInteger(1, 0, 1), Inputs: []*graph.Node{value}})

	slow := p.g.Add(&graph.Node{Op: graph.OpBegin, Stamp: stamp.ForVoid})
	fast := p.g.Add(&graph.Node{Op: graph.OpBegin, Stamp: stamp.ForVoid})
	ifn := p.g.Add(&graph.Node{Op: graph.OpIf, Stamp: stamp.ForVoid,
		Inputs:      []*graph.Node{cond},
		Succs:       []*graph.Node{slow, fast},
		Probability: 0.01})
	p.lastInstr.SetNext(ifn)
	p.lastInstr = slow
	p.appendNullPointerThrow()
	p.lastInstr = fast
}

func (p *parser) appendNullPointerThrow() {
	exception := p.appendFixed(p.g.Add(&graph.Node{Op: graph.OpRuntimeCall,
		Stamp: stamp.RefNonNull, Reason: "createNullPointerException",
		Offset: p.curOffset}))
	p.lastInstr.SetNext(p.handleException(exception, p.curOffset))
	p.lastInstr = nil
}

// emitBoundsCheck branches on an unsigned index-below-length comparison,
// which covers both the negative and the too-large case in one test.
func (p *parser) emitBoundsCheck(index, length *graph.Node) {
	is, ls := index.IntegerStamp(), length.IntegerStamp()
	if is.IsPositive() && is.UpperBound() < ls.LowerBound() {
		return // statically in bounds
	}
	slowOnly := is.IsStrictlyNegative()

	slow := p.g.Add(&graph.Node{Op: graph.OpBegin, Stamp: stamp.ForVoid})
	if !slowOnly {
		cond := p.g.Unique(&graph.Node{Op: graph.OpIntegerBelow,
			Stamp: stamp.ForInteger(1, 0, 1), Inputs: []*graph.Node{index, length}})
		fast := p.g.Add(&graph.Node{Op: graph.OpBegin, Stamp: stamp.ForVoid})
		ifn := p.g.Add(&graph.Node{Op: graph.OpIf, Stamp: stamp.ForVoid,
			Inputs:      []*graph.Node{cond},
			Succs:       []*graph.Node{fast, slow},
			Probability: 0.99})
		p.lastInstr.SetNext(ifn)
		p.lastInstr = slow
		p.appendBoundsThrow(index)
		p.lastInstr = fast
		return
	}
	p.lastInstr.SetNext(slow)
	p.lastInstr = slow
	p.appendBoundsThrow(index)
}

func (p *parser) appendBoundsThrow(index *graph.Node) {
	exception := p.appendFixed(p.g.Add(&graph.Node{Op: graph.OpRuntimeCall,
		Stamp: stamp.RefNonNull, Reason: "createOutOfBoundsException",
		Inputs: []*graph.Node{index}, Offset: p.curOffset}))
	p.lastInstr.SetNext(p.handleException(exception, p.curOffset))
	p.lastInstr = nil
}

// ---------------------------------------------------------------------------
// Branches and switches
// ---------------------------------------------------------------------------

// genIf pops the condition operands, canonicalizes the comparison into
// equals/less-than/is-null form, folds statically decided branches into
// gotos, and otherwise emits an If biased by the profiled probability.
func (p *parser) genIf(s *bytecode.Stream, op bytecode.Opcode) {
	offset := s.Offset()
	fs := p.frame

	takenBlock := p.blocks.blockAt(s.BranchTarget())
	fallBlock := p.blocks.blockAt(s.NextOffset())

	// Identical targets degenerate to a goto before any condition node is
	// built; only the operand pops remain.
	if takenBlock == fallBlock {
		switch op {
		case bytecode.OpIfICmpEq, bytecode.OpIfICmpNe, bytecode.OpIfICmpLt,
			bytecode.OpIfICmpGe, bytecode.OpIfICmpGt, bytecode.OpIfICmpLe:
			fs.pop(stamp.Int)
			fs.pop(stamp.Int)
		case bytecode.OpIfRefEq, bytecode.OpIfRefNe:
			fs.pop(stamp.Ref)
			fs.pop(stamp.Ref)
		case bytecode.OpIfNull, bytecode.OpIfNonNull:
			fs.pop(stamp.Ref)
		default:
			fs.pop(stamp.Int)
		}
		p.appendGoto(p.createTarget(takenBlock, fs))
		return
	}

	var cond *graph.Node
	var known, outcome, negate bool

	switch op {
	case bytecode.OpIfEq, bytecode.OpIfNe, bytecode.OpIfLt,
		bytecode.OpIfGe, bytecode.OpIfGt, bytecode.OpIfLe:
		x := fs.pop(stamp.Int)
		cond, known, outcome, negate = p.compareInts(op-bytecode.OpIfEq, x, p.g.ConstInt(32, 0))
	case bytecode.OpIfICmpEq, bytecode.OpIfICmpNe, bytecode.OpIfICmpLt,
		bytecode.OpIfICmpGe, bytecode.OpIfICmpGt, bytecode.OpIfICmpLe:
		y := fs.pop(stamp.Int)
		x := fs.pop(stamp.Int)
		cond, known, outcome, negate = p.compareInts(op-bytecode.OpIfICmpEq, x, y)
	case bytecode.OpIfRefEq, bytecode.OpIfRefNe:
		y := fs.pop(stamp.Ref)
		x := fs.pop(stamp.Ref)
		cond, known, outcome = p.refEquals(x, y)
		negate = op == bytecode.OpIfRefNe
	default: // IF_NULL, IF_NON_NULL
		x := fs.pop(stamp.Ref)
		cond, known, outcome = p.isNull(x)
		negate = op == bytecode.OpIfNonNull
	}

	// Statically decided branches prune the dead successor entirely.
	if known {
		if outcome != negate {
			p.appendGoto(p.createTarget(takenBlock, fs))
		} else {
			p.appendGoto(p.createTarget(fallBlock, fs))
		}
		return
	}

	prob := p.profile.BranchTakenProbability(offset)
	profiled := prob >= 0
	if prob < 0 {
		prob = 0.5
	}
	trueBlock, falseBlock, trueProb := takenBlock, fallBlock, prob
	if negate {
		trueBlock, falseBlock, trueProb = fallBlock, takenBlock, 1-prob
	}
	// A successor the profile reports as never taken becomes a
	// deoptimizing stub instead of being parsed.
	pruneTrue := profiled && p.opts.RemoveNeverExecutedCode && trueProb == 0
	pruneFalse := profiled && p.opts.RemoveNeverExecutedCode && trueProb == 1

	tb := p.g.Add(&graph.Node{Op: graph.OpBegin, Stamp: stamp.ForVoid})
	if pruneTrue {
		tb.SetNext(p.g.Add(&graph.Node{Op: graph.OpDeopt, Stamp: stamp.ForVoid,
			Reason: "unreached branch target", Offset: offset}))
	} else {
		tb.SetNext(p.createTarget(trueBlock, fs))
	}
	fb := p.g.Add(&graph.Node{Op: graph.OpBegin, Stamp: stamp.ForVoid})
	if pruneFalse {
		fb.SetNext(p.g.Add(&graph.Node{Op: graph.OpDeopt, Stamp: stamp.ForVoid,
			Reason: "unreached branch target", Offset: offset}))
	} else {
		fb.SetNext(p.createTarget(falseBlock, fs))
	}
	ifn := p.g.Add(&graph.Node{Op: graph.OpIf, Stamp: stamp.ForVoid,
		Inputs:      []*graph.Node{cond},
		Succs:       []*graph.Node{tb, fb},
		Probability: trueProb})
	p.lastInstr.SetNext(ifn)
	p.lastInstr = nil
}

// compareInts canonicalizes the six integer relations onto equals and
// signed less-than, mirroring operands for greater-than forms and negating
// for the complements. rel is the opcode distance from the EQ form.
func (p *parser) compareInts(rel bytecode.Opcode, x, y *graph.Node) (cond *graph.Node, known, outcome, negate bool) {
	switch rel {
	case 0, 1: // ==, !=
		known, outcome = staticIntEquals(x, y)
		if !known {
			cond = p.intCondition(graph.OpIntegerEquals, x, y)
		}
		return cond, known, outcome, rel == 1
	case 2, 3: // <, >=
		known, outcome = staticLessThan(x, y)
		if !known {
			cond = p.intCondition(graph.OpIntegerLessThan, x, y)
		}
		return cond, known, outcome, rel == 3
	default: // >, <= : mirror to y < x
		known, outcome = staticLessThan(y, x)
		if !known {
			cond = p.intCondition(graph.OpIntegerLessThan, y, x)
		}
		return cond, known, outcome, rel == 5
	}
}

func (p *parser) intCondition(op graph.Op, x, y *graph.Node) *graph.Node {
	if op == graph.OpIntegerEquals && y.ID() < x.ID() {
		x, y = y, x
	}
	return p.g.Unique(&graph.Node{Op: op,
		Stamp: stamp.ForInteger(1, 0, 1), Inputs: []*graph.Node{x, y}})
}

func staticIntEquals(x, y *graph.Node) (known, outcome bool) {
	if x == y {
		return true, true
	}
	xs, ys := x.IntegerStamp(), y.IntegerStamp()
	if cx, ok := xs.AsConstant(); ok {
		if cy, ok := ys.AsConstant(); ok {
			return true, cx == cy
		}
	}
	if joined, ok := xs.Join(ys).(*stamp.IntegerStamp); ok && !joined.IsLegal() {
		return true, false // disjoint value sets can never compare equal
	}
	return false, false
}

func staticLessThan(x, y *graph.Node) (known, outcome bool) {
	if x == y {
		return true, false
	}
	xs, ys := x.IntegerStamp(), y.IntegerStamp()
	if xs.UpperBound() < ys.LowerBound() {
		return true, true
	}
	if xs.LowerBound() >= ys.UpperBound() {
		return true, false
	}
	return false, false
}

func (p *parser) refEquals(x, y *graph.Node) (cond *graph.Node, known, outcome bool) {
	if x == y {
		return nil, true, true
	}
	if isNullConst(x) && y.NonNull() || isNullConst(y) && x.NonNull() {
		return nil, true, false
	}
	if y.ID() < x.ID() {
		x, y = y, x
	}
	cond = p.g.Unique(&graph.Node{Op: graph.OpRefEquals,
		Stamp: stamp.ForInteger(1, 0, 1), Inputs: []*graph.Node{x, y}})
	return cond, false, false
}

func (p *parser) isNull(x *graph.Node) (cond *graph.Node, known, outcome bool) {
	if isNullConst(x) {
		return nil, true, true
	}
	if x.NonNull() {
		return nil, true, false
	}
	cond = p.g.Unique(&graph.Node{Op: graph.OpIsNull,
		Stamp: stamp.ForInteger(1, 0, 1), Inputs: []*graph.Node{x}})
	return cond, false, false
}

func isNullConst(n *graph.Node) bool {
	return n.Op == graph.OpConst && n.Stamp.Kind() == stamp.Ref && !n.NonNull()
}

// genSwitch lowers a switch, deduplicating targets, folding constant keys,
// and degenerating to a goto when every case lands on the same block.
func (p *parser) genSwitch(s *bytecode.Stream) {
	offset := s.Offset()
	value := p.frame.pop(stamp.Int)
	count := s.SwitchCaseCount()

	if c, ok := value.IntegerStamp().AsConstant(); ok {
		matched := s.SwitchDefaultTarget()
		for i := 0; i < count; i++ {
			if int64(s.SwitchKeyAt(i)) == c {
				matched = s.SwitchTargetAt(i)
				break
			}
		}
		p.appendGoto(p.createTarget(p.blocks.blockAt(matched), p.frame))
		return
	}

	targets := make([]int, count+1)
	keys := make([]int32, count)
	for i := 0; i < count; i++ {
		keys[i] = s.SwitchKeyAt(i)
		targets[i] = s.SwitchTargetAt(i)
	}
	targets[count] = s.SwitchDefaultTarget()

	allSame := true
	for _, t := range targets {
		if t != targets[0] {
			allSame = false
			break
		}
	}
	if count == 0 || allSame {
		p.appendGoto(p.createTarget(p.blocks.blockAt(targets[0]), p.frame))
		return
	}

	probs := p.profile.SwitchProbabilities(offset)
	if len(probs) != count+1 {
		probs = make([]float64, count+1)
		for i := range probs {
			probs[i] = 1.0 / float64(count+1)
		}
	}

	// One successor edge per distinct target block.
	succIndex := make(map[int]int)
	var succs []*graph.Node
	keySuccs := make([]int, count+1)
	for i, t := range targets {
		idx, ok := succIndex[t]
		if !ok {
			idx = len(succs)
			succIndex[t] = idx
			begin := p.g.Add(&graph.Node{Op: graph.OpBegin, Stamp: stamp.ForVoid})
			begin.SetNext(p.createTarget(p.blocks.blockAt(t), p.frame))
			succs = append(succs, begin)
		}
		keySuccs[i] = idx
	}

	sw := p.g.Add(&graph.Node{Op: graph.OpSwitch, Stamp: stamp.ForVoid,
		Inputs:   []*graph.Node{value},
		Succs:    succs,
		Keys:     keys,
		KeySuccs: keySuccs,
		KeyProbs: probs})
	p.lastInstr.SetNext(sw)
	p.lastInstr = nil
}

// ---------------------------------------------------------------------------
// Calls, throw, return
// ---------------------------------------------------------------------------

// genInvoke pops the arguments, devirtualizes statically bindable indirect
// calls, and pairs the call with an exception edge unless the profile says
// this site never threw.
func (p *parser) genInvoke(kind graph.CallKind, index int) {
	mref, ok := p.pool.LookupMethod(index)
	if !ok {
		p.appendDeopt("unresolved method")
		return
	}
	hasReceiver := kind != graph.CallStatic

	vals := make([]*graph.Node, len(mref.Params))
	for i := len(mref.Params) - 1; i >= 0; i-- {
		vals[i] = p.frame.pop(mref.Params[i])
	}
	var args []*graph.Node
	if hasReceiver {
		args = append(args, p.frame.pop(stamp.Ref))
	}
	args = append(args, vals...)

	if (kind == graph.CallVirtual || kind == graph.CallInterface) && mref.CanBeStaticallyBound() {
		kind = graph.CallSpecial
	}

	op := graph.OpInvokeWithException
	if p.opts.OptimisticExceptionElision &&
		p.profile.ExceptionSeen(p.curOffset) == profile.NotSeen {
		op = graph.OpInvoke
	}
	invoke := p.g.Invoke(op, kind, mref, args, p.curOffset)
	if op == graph.OpInvokeWithException {
		invoke.Succs = []*graph.Node{p.handleException(nil, p.curOffset)}
	}
	p.appendFixed(invoke)
	if mref.Return != stamp.Void {
		p.frame.push(mref.Return, invoke)
	}
}

// genThrow null-checks the thrown reference and routes control into the
// covering exception dispatch, exactly as a thrown call exception would.
func (p *parser) genThrow() {
	exception := p.frame.pop(stamp.Ref)
	p.emitNullCheck(exception)
	if p.lastInstr == nil {
		return
	}
	p.lastInstr.SetNext(p.handleException(exception, p.curOffset))
	p.lastInstr = nil
}

// genReturn pops the declared return value, runs the synchronized
// epilogue, checks monitor balance, and funnels into the single return
// block.
func (p *parser) genReturn(kind stamp.Kind) {
	if kind != p.method.Return {
		bailf(ErrKindMismatch, "return %v from method returning %v", kind, p.method.Return)
	}
	var value *graph.Node
	if kind != stamp.Void {
		value = p.frame.pop(kind)
	}
	if p.method.Synchronized {
		exit := &graph.Node{Op: graph.OpMonitorExit, Stamp: stamp.ForVoid,
			Inputs: []*graph.Node{p.lockObject}}
		p.appendFixed(p.g.Add(exit))
		p.frame.locks--
	}
	if p.frame.locks != 0 {
		bail(ErrUnbalancedMonitors)
	}
	p.frame.clearStack()
	for i := range p.frame.locals {
		p.frame.locals[i] = nil
	}
	if value != nil {
		p.frame.push(kind, value)
	}
	p.appendGoto(p.createTarget(p.returnBlock, p.frame))
}
