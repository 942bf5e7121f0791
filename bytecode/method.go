package bytecode

import "github.com/marlowvm/marlow/stamp"

// ---------------------------------------------------------------------------
// Method container and exception-handler table
// ---------------------------------------------------------------------------

// Handler describes one entry of a method's exception-handler table: a
// covered code range, the handler entry offset, and an optional catch type.
// Handlers are matched in declaration order; the first covering handler
// whose type matches wins.
type Handler struct {
	Start     int // first covered offset, inclusive
	End       int // last covered offset, exclusive
	Target    int // handler entry offset
	CatchType int // constant-pool index of the caught type; 0 catches all
}

// Covers reports whether the handler's range includes the given offset.
func (h Handler) Covers(offset int) bool {
	return h.Start <= offset && offset < h.End
}

// IsCatchAll reports whether the handler catches every exception type.
func (h Handler) IsCatchAll() bool {
	return h.CatchType == 0
}

// Method is the unit of compilation: code, signature and handler table.
type Method struct {
	Name         string
	Code         []byte
	Args         []stamp.Kind // declared argument kinds, in slot order
	Return       stamp.Kind
	MaxLocals    int // local slot count, wide values use two slots
	Synchronized bool
	Handlers     []Handler
}

// ArgSlots returns the number of local slots the arguments occupy.
func (m *Method) ArgSlots() int {
	n := 0
	for _, k := range m.Args {
		n += k.Slots()
	}
	return n
}

// HandlersAt returns the handlers covering the given offset, in
// declaration order.
func (m *Method) HandlersAt(offset int) []Handler {
	var covering []Handler
	for _, h := range m.Handlers {
		if h.Covers(offset) {
			covering = append(covering, h)
		}
	}
	return covering
}
