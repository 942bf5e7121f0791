// Package meta abstracts the host runtime's symbol resolution: constant
// pool entries and method descriptors. Entries may be unresolved at
// compile time; lookups distinguish that case so the parser can emit a
// deoptimizing guard instead of failing.
package meta

import "github.com/marlowvm/marlow/stamp"

// Constant is a resolved constant-pool value.
type Constant struct {
	Kind  stamp.Kind
	Int   int64   // value for Int and Long constants
	Float float64 // value for Float and Double constants
	Str   string  // identity key for Ref constants (e.g. string literals)
}

// MethodRef is a resolved method descriptor.
type MethodRef struct {
	Name   string
	Params []stamp.Kind // declared parameters, excluding any receiver
	Return stamp.Kind   // Void for procedures

	// Final marks a callee that can never be overridden; ExactKnownType
	// marks a call site whose receiver type is exactly known. Either one
	// lets an indirect call be devirtualized to a direct call.
	Final          bool
	ExactKnownType bool
}

// CanBeStaticallyBound reports whether an indirect call to this method may
// be rewritten as a direct call.
func (m MethodRef) CanBeStaticallyBound() bool {
	return m.Final || m.ExactKnownType
}

// ParamSlots returns the number of stack slots the declared parameters
// occupy, plus one for the receiver when withReceiver is set.
func (m MethodRef) ParamSlots(withReceiver bool) int {
	n := 0
	if withReceiver {
		n = 1
	}
	for _, k := range m.Params {
		n += k.Slots()
	}
	return n
}

// Resolver is the compile-time view of the runtime's resolution service.
// The second return value distinguishes "not yet resolved" from a resolved
// entry; unresolved entries are not an error.
type Resolver interface {
	LookupConstant(index int) (Constant, bool)
	LookupMethod(index int) (MethodRef, bool)
}

// ---------------------------------------------------------------------------
// In-memory pool
// ---------------------------------------------------------------------------

// Pool is a Resolver backed by explicit maps, used by tests and tools.
// Absent indexes read as unresolved.
type Pool struct {
	constants map[int]Constant
	methods   map[int]MethodRef
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		constants: make(map[int]Constant),
		methods:   make(map[int]MethodRef),
	}
}

// SetConstant registers a resolved constant at the given index.
func (p *Pool) SetConstant(index int, c Constant) {
	p.constants[index] = c
}

// SetMethod registers a resolved method descriptor at the given index.
func (p *Pool) SetMethod(index int, m MethodRef) {
	p.methods[index] = m
}

func (p *Pool) LookupConstant(index int) (Constant, bool) {
	c, ok := p.constants[index]
	return c, ok
}

func (p *Pool) LookupMethod(index int) (MethodRef, bool) {
	m, ok := p.methods[index]
	return m, ok
}
