// Package options loads compiler configuration from a marlow.toml file.
package options

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Options controls compilation behavior. The zero value is usable; Default
// returns the recommended settings.
type Options struct {
	// ExplicitExceptionChecks synthesizes null-check and bounds-check
	// branches in front of array accesses instead of relying on implicit
	// runtime faults.
	ExplicitExceptionChecks bool `toml:"explicit_exception_checks"`

	// OptimisticExceptionElision omits the exception edge of a call site
	// whose profile says an exception was never observed there.
	OptimisticExceptionElision bool `toml:"optimistic_exception_elision"`

	// RemoveNeverExecutedCode replaces branch successors the profile
	// reports as never taken with deoptimizing stubs.
	RemoveNeverExecutedCode bool `toml:"remove_never_executed_code"`

	// TraceParsing logs every parsed block at debug level.
	TraceParsing bool `toml:"trace_parsing"`

	// ProfileDB is the path of the sqlite profile store, empty to compile
	// without persisted profiles.
	ProfileDB string `toml:"profile_db"`
}

// Default returns the standard compilation options.
func Default() *Options {
	return &Options{
		ExplicitExceptionChecks:    true,
		OptimisticExceptionElision: true,
		RemoveNeverExecutedCode:    true,
	}
}

// Load reads options from a TOML file, filling unset fields from Default.
func Load(path string) (*Options, error) {
	opts := Default()
	meta, err := toml.DecodeFile(path, opts)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("options: load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("options: unknown key %q in %s", undecoded[0], path)
	}
	return opts, nil
}
