package graph

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/marlowvm/marlow/stamp"
)

// String renders the graph as a stable, line-per-node listing ordered by
// node id. Intended for tests and the dump command, not for parsing.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "graph %s (%d nodes)\n", g.Name, g.NodeCount())
	nodes := g.Nodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })
	for _, n := range nodes {
		sb.WriteString("  ")
		sb.WriteString(n.format())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (n *Node) String() string {
	if n == nil {
		return "_"
	}
	return fmt.Sprintf("v%d", n.id)
}

func (n *Node) format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "v%d = %v", n.id, n.Op)
	switch n.Op {
	case OpConst:
		switch n.Stamp.Kind() {
		case stamp.Ref:
			fmt.Fprintf(&sb, " %s", n.ConstStr)
		case stamp.Float, stamp.Double:
			fmt.Fprintf(&sb, " %g", math.Float64frombits(uint64(n.ConstInt)))
		default:
			fmt.Fprintf(&sb, " %d", n.ConstInt)
		}
	case OpParam:
		fmt.Fprintf(&sb, " #%d", n.Index)
	case OpArith:
		fmt.Fprintf(&sb, " %v", n.ArithOp)
	case OpConvert:
		fmt.Fprintf(&sb, " i%d->i%d", n.FromBits, n.ToBits)
	case OpInvoke, OpInvokeWithException:
		fmt.Fprintf(&sb, " %v %s@%d", n.Kind, n.Target.Name, n.Offset)
	case OpDeopt, OpRuntimeCall:
		fmt.Fprintf(&sb, " %s", n.Reason)
	case OpIf:
		fmt.Fprintf(&sb, " p=%.2f", n.Probability)
	case OpSwitch:
		fmt.Fprintf(&sb, " keys=%v", n.Keys)
	}
	if len(n.Inputs) > 0 {
		sb.WriteString(" (")
		for i, in := range n.Inputs {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(in.String())
		}
		sb.WriteByte(')')
	}
	if n.Merge != nil {
		fmt.Fprintf(&sb, " merge=%s", n.Merge)
	}
	if len(n.Ends) > 0 {
		fmt.Fprintf(&sb, " ends=%s", nodeList(n.Ends))
	}
	if len(n.LoopEnds) > 0 {
		fmt.Fprintf(&sb, " backedges=%s", nodeList(n.LoopEnds))
	}
	if n.next != nil {
		fmt.Fprintf(&sb, " -> %s", n.next)
	}
	if len(n.Succs) > 0 {
		fmt.Fprintf(&sb, " => %s", nodeList(n.Succs))
	}
	if n.Stamp != nil && n.Stamp.Kind() != stamp.Void {
		fmt.Fprintf(&sb, " [%v]", n.Stamp)
	}
	return sb.String()
}

func nodeList(nodes []*Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return "{" + strings.Join(parts, " ") + "}"
}
