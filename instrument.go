package concheck

import (
	"fmt"
	"path/filepath"
	"strings"

	"concheck/config"
	"concheck/driver"
)

// EntryFunc is an instrumented entry point: it runs the target's first
// logical process under the driver, with the configured argument list.
type EntryFunc func(p *driver.Proc, args []config.Value)

// Instrumenter makes target artifacts interposable and resolves entry
// points. It is the seam between the exploration core and whatever build
// tooling produces the artifacts.
type Instrumenter interface {
	// Instrument prepares the given artifacts. It is called once per
	// analysis, before any run.
	Instrument(files []string, opts *config.Options) error
	// Entry resolves the entry point of a unit.
	Entry(unit, entry string) (EntryFunc, bool)
	// Units reports the units whose events can be intercepted.
	Units() map[string]bool
}

// InstrumentationError means the target could not be made interposable.
// It is fatal to the whole analysis.
type InstrumentationError struct {
	File   string
	Reason string
}

func (e *InstrumentationError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("instrumentation failed: %s", e.Reason)
	}
	return fmt.Sprintf("instrumentation of %q failed: %s", e.File, e.Reason)
}

// Registry is the in-process Instrumenter: units register their entry
// points up front and an artifact instruments successfully when its name
// matches a registered unit.
type Registry struct {
	units map[string]map[string]EntryFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{units: make(map[string]map[string]EntryFunc)}
}

// Register adds an entry point to a unit.
func (r *Registry) Register(unit, entry string, fn EntryFunc) {
	if r.units[unit] == nil {
		r.units[unit] = make(map[string]EntryFunc)
	}
	r.units[unit][entry] = fn
}

// Instrument checks that every artifact names a registered unit.
func (r *Registry) Instrument(files []string, opts *config.Options) error {
	if len(files) == 0 {
		return &InstrumentationError{Reason: "no artifacts to instrument"}
	}
	for _, f := range files {
		unit := unitOf(f)
		if _, ok := r.units[unit]; ok {
			continue
		}
		if opts != nil && opts.IgnoredSet()[unit] {
			continue
		}
		return &InstrumentationError{File: f, Reason: fmt.Sprintf("unknown unit %q", unit)}
	}
	return nil
}

// Entry resolves a registered entry point.
func (r *Registry) Entry(unit, entry string) (EntryFunc, bool) {
	fn, ok := r.units[unit][entry]
	return fn, ok
}

// Units returns the registered unit set.
func (r *Registry) Units() map[string]bool {
	out := make(map[string]bool, len(r.units))
	for u := range r.units {
		out[u] = true
	}
	return out
}

// unitOf maps an artifact path to the unit it holds.
func unitOf(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
