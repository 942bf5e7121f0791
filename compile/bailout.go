// Package compile turns a method's bytecode into an SSA graph: a static
// block-map pass computes basic blocks, loop headers and liveness, then a
// single linear parse per block builds the graph while a frame state
// mirrors the operand stack and local slots.
package compile

import (
	"errors"
	"fmt"
)

// Named bailout categories. A bailout means this method cannot go through
// the optimizing pipeline and must fall back to unoptimized execution; it
// never yields a partial graph.
var (
	ErrKindMismatch       = errors.New("operand kind mismatch")
	ErrStackUnderflow     = errors.New("operand stack underflow")
	ErrStackMismatch      = errors.New("incompatible frame states at merge")
	ErrUnbalancedMonitors = errors.New("unbalanced monitor operations")
	ErrUnknownOpcode      = errors.New("unknown opcode")
	ErrLoopDepth          = errors.New("loop nesting exceeds tracked depth")
	ErrWideSlot           = errors.New("access to half of a wide local")
	ErrBadBranch          = errors.New("branch target outside method")
	ErrBadConstant        = errors.New("malformed constant-pool reference")
)

// Bailout reports an aborted compilation with enough context for the
// caller to log and fall back.
type Bailout struct {
	Method string
	Offset int
	Reason error
}

func (b *Bailout) Error() string {
	return fmt.Sprintf("compile: bailout in %s at offset %d: %v", b.Method, b.Offset, b.Reason)
}

func (b *Bailout) Unwrap() error { return b.Reason }

// bail aborts the in-flight compilation. Method identity and offset are
// filled in by the recovery point in Build when left zero.
func bail(reason error) {
	panic(&Bailout{Reason: reason})
}

func bailf(reason error, format string, args ...any) {
	panic(&Bailout{Reason: fmt.Errorf("%w: "+format, append([]any{reason}, args...)...)})
}
