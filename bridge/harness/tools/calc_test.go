package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness"
	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

func TestCalc(t *testing.T) {
	tests := []struct {
		name string
		args CalcArgs
		want float64
	}{
		{"default is addition", CalcArgs{A: 2, B: 2}, 4},
		{"add", CalcArgs{A: 1.5, B: 2, Op: "add"}, 3.5},
		{"sub", CalcArgs{A: 10, B: 4, Op: "sub"}, 6},
		{"mul", CalcArgs{A: 3, B: 7, Op: "mul"}, 21},
		{"div", CalcArgs{A: 9, B: 3, Op: "div"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Calc(context.Background(), tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Calc(context.Background(), CalcArgs{A: 1, B: 0, Op: "div"})
	assert.ErrorIs(t, err, ErrDivisionByZero)

	_, err = Calc(context.Background(), CalcArgs{A: 1, B: 1, Op: "pow"})
	assert.Error(t, err)
}

func TestCalcTool_SchemaIsClosedAndTyped(t *testing.T) {
	def := CalcTool()

	var schema map[string]any
	require.NoError(t, json.Unmarshal(def.Schema, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, false, schema["additionalProperties"])
	assert.ElementsMatch(t, []any{"a", "b"}, schema["required"])
	assert.NotContains(t, schema, "$schema")
	assert.NotContains(t, schema, "$ref")

	compiled, err := harness.CompileSchema(def.Schema)
	require.NoError(t, err)
	assert.NoError(t, compiled.Validate([]byte(`{"a":1,"b":2}`)))
	assert.NoError(t, compiled.Validate([]byte(`{"a":1,"b":2,"op":"mul"}`)))
	assert.Error(t, compiled.Validate([]byte(`{"a":1}`)))
	assert.Error(t, compiled.Validate([]byte(`{"a":"1","b":2}`)))
	assert.Error(t, compiled.Validate([]byte(`{"a":1,"b":2,"op":"pow"}`)))
	assert.Error(t, compiled.Validate([]byte(`{"a":1,"b":2,"c":3}`)))
}

func TestCalcTool_RegistersAndInvokes(t *testing.T) {
	reg := harness.NewRegistry()
	require.NoError(t, reg.Register(CalcTool()))

	tool, err := reg.Resolve("calc")
	require.NoError(t, err)
	assert.True(t, tool.Definition().Cacheable)

	args, err := ports.ParseValue([]byte(`{"a":2,"b":3,"op":"mul"}`))
	require.NoError(t, err)
	got, err := tool.Definition().Handler.Invoke(context.Background(), args)
	require.NoError(t, err)
	assert.Equal(t, 6.0, got)
}

func TestTyped_RejectsUndecodableArguments(t *testing.T) {
	h := Typed(Calc)
	args, err := ports.ParseValue([]byte(`{"a":"two","b":2}`))
	require.NoError(t, err)

	_, err = h.Invoke(context.Background(), args)
	assert.ErrorContains(t, err, "invalid arguments")
}
