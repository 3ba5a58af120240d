package concheck

import (
	"plugin"

	"concheck/config"
)

// PluginInstrumenter loads target artifacts as Go plugins. Each artifact
// must export an Entries symbol of type map[string]EntryFunc; the unit
// name is the artifact file name without its extension.
type PluginInstrumenter struct {
	units map[string]map[string]EntryFunc
}

// NewPluginInstrumenter creates an empty plugin instrumenter.
func NewPluginInstrumenter() *PluginInstrumenter {
	return &PluginInstrumenter{units: make(map[string]map[string]EntryFunc)}
}

// Instrument loads every artifact and indexes its entry points.
func (pi *PluginInstrumenter) Instrument(files []string, opts *config.Options) error {
	if len(files) == 0 {
		return &InstrumentationError{Reason: "no artifacts to instrument"}
	}
	ignored := map[string]bool{}
	if opts != nil {
		ignored = opts.IgnoredSet()
	}
	for _, f := range files {
		unit := unitOf(f)
		if ignored[unit] {
			continue
		}
		plg, err := plugin.Open(f)
		if err != nil {
			return &InstrumentationError{File: f, Reason: err.Error()}
		}
		sym, err := plg.Lookup("Entries")
		if err != nil {
			return &InstrumentationError{File: f, Reason: "no Entries symbol exported"}
		}
		entries, ok := sym.(*map[string]EntryFunc)
		if !ok {
			return &InstrumentationError{File: f, Reason: "Entries has the wrong type"}
		}
		pi.units[unit] = *entries
	}
	return nil
}

// Entry resolves a loaded entry point.
func (pi *PluginInstrumenter) Entry(unit, entry string) (EntryFunc, bool) {
	fn, ok := pi.units[unit][entry]
	return fn, ok
}

// Units returns the loaded unit set.
func (pi *PluginInstrumenter) Units() map[string]bool {
	out := make(map[string]bool, len(pi.units))
	for u := range pi.units {
		out[u] = true
	}
	return out
}
