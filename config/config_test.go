package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Value
	}{
		{"integer", "42", Value{Kind: IntValue, Int: 42}},
		{"negative integer", "-7", Value{Kind: IntValue, Int: -7}},
		{"string", `"hello"`, Value{Kind: StringValue, Str: "hello"}},
		{"empty list", "[]", Value{Kind: ListValue}},
		{"list", `[1, "two"]`, Value{
			Kind:  ListValue,
			Items: []Value{{Kind: IntValue, Int: 1}, {Kind: StringValue, Str: "two"}},
		}},
		{"nested tuple", `{1, [2, 3]}`, Value{
			Kind: TupleValue,
			Items: []Value{
				{Kind: IntValue, Int: 1},
				{Kind: ListValue, Items: []Value{{Kind: IntValue, Int: 2}, {Kind: IntValue, Int: 3}}},
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseValue(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseValueErrors(t *testing.T) {
	for _, input := range []string{"", "abc", `"open`, "[1, 2", "1 2", "{1;2}"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseValue(input)
			require.Error(t, err)
			assert.IsType(t, &ArgumentError{}, err)
		})
	}
}

func TestPickFlavor(t *testing.T) {
	f, err := PickFlavor(false, false, false)
	require.NoError(t, err)
	assert.Equal(t, FlavorFull, f)

	f, err = PickFlavor(false, true, false)
	require.NoError(t, err)
	assert.Equal(t, FlavorSource, f)

	f, err = PickFlavor(false, false, true)
	require.NoError(t, err)
	assert.Equal(t, FlavorClassic, f)

	_, err = PickFlavor(true, false, true)
	require.Error(t, err)
	assert.IsType(t, &ArgumentError{}, err)
}

func TestParseBound(t *testing.T) {
	b, err := ParseBound("infinite")
	require.NoError(t, err)
	assert.True(t, b.Infinite)

	b, err = ParseBound("0")
	require.NoError(t, err)
	assert.Equal(t, Bound{N: 0}, b)

	_, err = ParseBound("-1")
	require.Error(t, err)
	_, err = ParseBound("many")
	require.Error(t, err)
}

func validOptions() *Options {
	o := Default()
	o.Target = Target{Unit: "demo", Entry: "main"}
	o.Files = []string{"demo.bin"}
	return o
}

func TestValidate(t *testing.T) {
	require.NoError(t, validOptions().Validate())

	o := validOptions()
	o.Target.Entry = ""
	assert.Error(t, o.Validate())

	o = validOptions()
	o.Files = nil
	assert.Error(t, o.Validate())

	o = validOptions()
	o.MaxRuns = 0
	assert.Error(t, o.Validate())

	o = validOptions()
	o.Quiet = true
	o.Verbosity = 2
	assert.Error(t, o.Validate())
}

func TestArgumentErrorIsSingleLine(t *testing.T) {
	err := &ArgumentError{Key: "bound", Reason: "must be non-negative"}
	assert.NotContains(t, err.Error(), "\n")
}

func TestLoadFile(t *testing.T) {
	raw := `
target:
  unit: demo
  entry: main
  args: ["42", '"x"']
files: [demo.bin]
dpor: classic
bound: "2"
max_runs: 50
wait_for_messages: true
ignore: [helper]
`
	path := filepath.Join(t.TempDir(), "concheck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	o, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", o.Target.Unit)
	assert.Equal(t, "main", o.Target.Entry)
	require.Len(t, o.Target.Args, 2)
	assert.Equal(t, Value{Kind: IntValue, Int: 42}, o.Target.Args[0])
	assert.Equal(t, Value{Kind: StringValue, Str: "x"}, o.Target.Args[1])
	assert.Equal(t, FlavorClassic, o.Flavor)
	assert.Equal(t, Bound{N: 2}, o.Bound)
	assert.Equal(t, 50, o.MaxRuns)
	assert.True(t, o.WaitForMessages)
	assert.True(t, o.IgnoredSet()["helper"])
}

func TestLoadFileRejectsBadFlavor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concheck.yaml")
	raw := "target: {unit: demo, entry: main}\nfiles: [demo.bin]\ndpor: exhaustive\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.IsType(t, &ArgumentError{}, err)
}
