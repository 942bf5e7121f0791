// Package profile provides the profiling information the parser uses to
// bias control-flow layout: per-offset branch-taken probabilities and
// per-offset exception observations.
package profile

// TriState records whether an event was ever observed at a code offset.
type TriState uint8

const (
	Unknown TriState = iota
	Seen
	NotSeen
)

func (t TriState) String() string {
	switch t {
	case Seen:
		return "seen"
	case NotSeen:
		return "not-seen"
	}
	return "unknown"
}

// Provider serves recorded profiling information for one method.
type Provider interface {
	// BranchTakenProbability returns the recorded probability that the
	// branch at the given offset is taken, or a negative value when no
	// profile exists for that offset.
	BranchTakenProbability(offset int) float64
	// SwitchProbabilities returns per-case probabilities (cases first,
	// default last) for the switch at the given offset, or nil.
	SwitchProbabilities(offset int) []float64
	// ExceptionSeen reports whether an exception was ever observed at the
	// given offset.
	ExceptionSeen(offset int) TriState
}

// ---------------------------------------------------------------------------
// Flat provider
// ---------------------------------------------------------------------------

// Flat is an in-memory Provider. The zero value reports no information,
// which makes it the default for unprofiled methods.
type Flat struct {
	Branches   map[int]float64
	Switches   map[int][]float64
	Exceptions map[int]bool
}

func (f *Flat) BranchTakenProbability(offset int) float64 {
	if p, ok := f.Branches[offset]; ok {
		return p
	}
	return -1
}

func (f *Flat) SwitchProbabilities(offset int) []float64 {
	return f.Switches[offset]
}

func (f *Flat) ExceptionSeen(offset int) TriState {
	seen, ok := f.Exceptions[offset]
	switch {
	case !ok:
		return Unknown
	case seen:
		return Seen
	default:
		return NotSeen
	}
}
