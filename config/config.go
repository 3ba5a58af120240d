// Package config holds the immutable configuration snapshot of one
// analysis. Options are validated eagerly: every malformed or conflicting
// key is an ArgumentError raised before any run is executed, never a
// deferred failure inside the exploration loop.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ArgumentError is a configuration failure. It carries the offending key so
// the diagnostic stays a single line.
type ArgumentError struct {
	Key    string
	Reason string
}

func (e *ArgumentError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration: option %q: %s", e.Key, e.Reason)
}

// ValueKind discriminates the variants of a Value.
type ValueKind int

const (
	IntValue ValueKind = iota
	StringValue
	ListValue
	TupleValue
)

// Value is a typed argument literal for the target entry point: an integer,
// a string, or a bracketed list or tuple of further values.
type Value struct {
	Kind  ValueKind
	Int   int64
	Str   string
	Items []Value
}

func (v Value) String() string {
	switch v.Kind {
	case IntValue:
		return strconv.FormatInt(v.Int, 10)
	case StringValue:
		return strconv.Quote(v.Str)
	case ListValue, TupleValue:
		open, close := "[", "]"
		if v.Kind == TupleValue {
			open, close = "{", "}"
		}
		parts := make([]string, len(v.Items))
		for i, it := range v.Items {
			parts[i] = it.String()
		}
		return open + strings.Join(parts, ", ") + close
	default:
		return "?"
	}
}

// ParseValue parses a single argument literal. Integers are bare digits
// with an optional sign, strings are double-quoted, lists use [a, b] and
// tuples use {a, b}.
func ParseValue(s string) (Value, error) {
	p := &valueParser{input: s}
	v, err := p.value()
	if err != nil {
		return Value{}, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return Value{}, &ArgumentError{Reason: fmt.Sprintf("trailing garbage in argument %q", s)}
	}
	return v, nil
}

type valueParser struct {
	input string
	pos   int
}

func (p *valueParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *valueParser) value() (Value, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return Value{}, &ArgumentError{Reason: "empty argument"}
	}
	switch c := p.input[p.pos]; {
	case c == '"':
		return p.stringLit()
	case c == '[':
		return p.sequence(']', ListValue)
	case c == '{':
		return p.sequence('}', TupleValue)
	case c == '-' || c == '+' || (c >= '0' && c <= '9'):
		return p.intLit()
	default:
		return Value{}, &ArgumentError{Reason: fmt.Sprintf("unexpected character %q in argument", c)}
	}
}

func (p *valueParser) intLit() (Value, error) {
	start := p.pos
	if c := p.input[p.pos]; c == '-' || c == '+' {
		p.pos++
	}
	for p.pos < len(p.input) && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
		p.pos++
	}
	n, err := strconv.ParseInt(p.input[start:p.pos], 10, 64)
	if err != nil {
		return Value{}, &ArgumentError{Reason: fmt.Sprintf("malformed integer %q", p.input[start:p.pos])}
	}
	return Value{Kind: IntValue, Int: n}, nil
}

func (p *valueParser) stringLit() (Value, error) {
	p.pos++ // opening quote
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != '"' {
		p.pos++
	}
	if p.pos >= len(p.input) {
		return Value{}, &ArgumentError{Reason: "unterminated string argument"}
	}
	s := p.input[start:p.pos]
	p.pos++ // closing quote
	return Value{Kind: StringValue, Str: s}, nil
}

func (p *valueParser) sequence(close byte, kind ValueKind) (Value, error) {
	p.pos++ // opening bracket
	out := Value{Kind: kind}
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == close {
		p.pos++
		return out, nil
	}
	for {
		item, err := p.value()
		if err != nil {
			return Value{}, err
		}
		out.Items = append(out.Items, item)
		p.skipSpace()
		if p.pos >= len(p.input) {
			return Value{}, &ArgumentError{Reason: fmt.Sprintf("unterminated %q sequence", string(close))}
		}
		switch p.input[p.pos] {
		case ',':
			p.pos++
		case close:
			p.pos++
			return out, nil
		default:
			return Value{}, &ArgumentError{Reason: fmt.Sprintf("expected %q or %q in sequence", ',', string(close))}
		}
	}
}

// Flavor selects the dpor policy.
type Flavor int

const (
	FlavorFull Flavor = iota
	FlavorSource
	FlavorClassic
)

func (f Flavor) String() string {
	switch f {
	case FlavorFull:
		return "full"
	case FlavorSource:
		return "source"
	case FlavorClassic:
		return "classic"
	default:
		return "unknown"
	}
}

// ParseFlavor parses a flavor name.
func ParseFlavor(s string) (Flavor, error) {
	switch s {
	case "full", "optimal":
		return FlavorFull, nil
	case "source":
		return FlavorSource, nil
	case "classic":
		return FlavorClassic, nil
	default:
		return 0, &ArgumentError{Key: "dpor", Reason: fmt.Sprintf("unknown flavor %q", s)}
	}
}

// PickFlavor resolves the three mutually exclusive flavor flags. More than
// one selected flag is a configuration error; none selected yields the
// full flavor.
func PickFlavor(full, source, classic bool) (Flavor, error) {
	n := 0
	if full {
		n++
	}
	if source {
		n++
	}
	if classic {
		n++
	}
	if n > 1 {
		return 0, &ArgumentError{Key: "dpor", Reason: "conflicting flavor selections"}
	}
	switch {
	case source:
		return FlavorSource, nil
	case classic:
		return FlavorClassic, nil
	default:
		return FlavorFull, nil
	}
}

// Bound is the preemption bound: a non-negative cap or infinite.
type Bound struct {
	N        int
	Infinite bool
}

// Unbounded is the bound that never curtails exploration.
var Unbounded = Bound{Infinite: true}

func (b Bound) String() string {
	if b.Infinite {
		return "infinite"
	}
	return strconv.Itoa(b.N)
}

// ParseBound parses "infinite" or a non-negative integer.
func ParseBound(s string) (Bound, error) {
	if s == "infinite" {
		return Unbounded, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return Bound{}, &ArgumentError{Key: "bound", Reason: fmt.Sprintf("expected %q or a non-negative integer, got %q", "infinite", s)}
	}
	return Bound{N: n}, nil
}

// Target names the entry point of the analyzed program.
type Target struct {
	Unit  string
	Entry string
	Args  []Value
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%s/%d", t.Unit, t.Entry, len(t.Args))
}

// Options is the immutable configuration snapshot passed by reference
// through the whole exploration. Build one with Default and adjust fields
// before handing it to the analysis; it is never mutated afterwards.
type Options struct {
	Target Target
	Files  []string

	Output      string
	IncludeDirs []string
	Defines     map[string]string

	Flavor Flavor
	Bound  Bound

	MaxRuns  int
	MaxDepth int

	Verbosity  int
	Quiet      bool
	NoProgress bool

	KeepTempFiles    bool
	ShowTargetOutput bool

	FailOnUninstrumented bool
	WaitForMessages      bool
	IgnoreTimeout        int
	Ignored              []string

	AppControllerStart bool
	AppControllerAddr  string
}

const (
	defaultMaxRuns  = 1000
	defaultMaxDepth = 1000
)

// Default returns options with every field at its documented default.
func Default() *Options {
	return &Options{
		Flavor:   FlavorFull,
		Bound:    Unbounded,
		MaxRuns:  defaultMaxRuns,
		MaxDepth: defaultMaxDepth,
	}
}

// Validate checks cross-field consistency. It is the single gate between
// configuration and analysis.
func (o *Options) Validate() error {
	if o.Target.Unit == "" || o.Target.Entry == "" {
		return &ArgumentError{Key: "target", Reason: "a unit and entry point are required"}
	}
	if len(o.Files) == 0 {
		return &ArgumentError{Key: "files", Reason: "at least one target artifact is required"}
	}
	if o.MaxRuns <= 0 {
		return &ArgumentError{Key: "max-runs", Reason: "must be positive"}
	}
	if o.MaxDepth <= 0 {
		return &ArgumentError{Key: "max-depth", Reason: "must be positive"}
	}
	if o.IgnoreTimeout < 0 {
		return &ArgumentError{Key: "ignore-timeout", Reason: "must be positive"}
	}
	if !o.Bound.Infinite && o.Bound.N < 0 {
		return &ArgumentError{Key: "bound", Reason: "must be non-negative"}
	}
	if o.Quiet && o.Verbosity > 0 {
		return &ArgumentError{Key: "quiet", Reason: "cannot be combined with a verbosity level"}
	}
	return nil
}

// IgnoredSet returns the ignore list as a membership set.
func (o *Options) IgnoredSet() map[string]bool {
	out := make(map[string]bool, len(o.Ignored))
	for _, u := range o.Ignored {
		out[u] = true
	}
	return out
}

// fileOptions is the YAML shape of a configuration file. Flavor and bound
// are spelled as strings and parsed through the same code path as flag
// values.
type fileOptions struct {
	Target struct {
		Unit  string   `yaml:"unit"`
		Entry string   `yaml:"entry"`
		Args  []string `yaml:"args"`
	} `yaml:"target"`
	Files []string `yaml:"files"`

	Output      string            `yaml:"output"`
	IncludeDirs []string          `yaml:"include_dirs"`
	Defines     map[string]string `yaml:"defines"`

	Flavor string `yaml:"dpor"`
	Bound  string `yaml:"bound"`

	MaxRuns  *int `yaml:"max_runs"`
	MaxDepth *int `yaml:"max_depth"`

	Verbosity  int  `yaml:"verbosity"`
	Quiet      bool `yaml:"quiet"`
	NoProgress bool `yaml:"no_progress"`

	KeepTempFiles    bool `yaml:"keep_temp_files"`
	ShowTargetOutput bool `yaml:"show_target_output"`

	FailOnUninstrumented bool     `yaml:"fail_on_uninstrumented"`
	WaitForMessages      bool     `yaml:"wait_for_messages"`
	IgnoreTimeout        int      `yaml:"ignore_timeout"`
	Ignored              []string `yaml:"ignore"`

	AppControllerStart bool   `yaml:"app_controller_start"`
	AppControllerAddr  string `yaml:"app_controller_addr"`
}

// LoadFile reads a YAML configuration file into a validated Options value.
func LoadFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ArgumentError{Key: "config", Reason: err.Error()}
	}
	var fo fileOptions
	if err := yaml.Unmarshal(data, &fo); err != nil {
		return nil, &ArgumentError{Key: "config", Reason: fmt.Sprintf("malformed yaml: %v", err)}
	}

	o := Default()
	o.Target.Unit = fo.Target.Unit
	o.Target.Entry = fo.Target.Entry
	for _, raw := range fo.Target.Args {
		v, err := ParseValue(raw)
		if err != nil {
			return nil, err
		}
		o.Target.Args = append(o.Target.Args, v)
	}
	o.Files = fo.Files
	o.Output = fo.Output
	o.IncludeDirs = fo.IncludeDirs
	o.Defines = fo.Defines

	if fo.Flavor != "" {
		if o.Flavor, err = ParseFlavor(fo.Flavor); err != nil {
			return nil, err
		}
	}
	if fo.Bound != "" {
		if o.Bound, err = ParseBound(fo.Bound); err != nil {
			return nil, err
		}
	}
	if fo.MaxRuns != nil {
		o.MaxRuns = *fo.MaxRuns
	}
	if fo.MaxDepth != nil {
		o.MaxDepth = *fo.MaxDepth
	}

	o.Verbosity = fo.Verbosity
	o.Quiet = fo.Quiet
	o.NoProgress = fo.NoProgress
	o.KeepTempFiles = fo.KeepTempFiles
	o.ShowTargetOutput = fo.ShowTargetOutput
	o.FailOnUninstrumented = fo.FailOnUninstrumented
	o.WaitForMessages = fo.WaitForMessages
	o.IgnoreTimeout = fo.IgnoreTimeout
	o.Ignored = fo.Ignored
	o.AppControllerStart = fo.AppControllerStart
	o.AppControllerAddr = fo.AppControllerAddr

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}
