package harness

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

var echo = ports.HandlerFunc(func(ctx context.Context, args ports.Value) (any, error) { return args, nil })

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{Name: "weather", Description: "Current weather", Schema: []byte(addSchema), Handler: echo}))
	require.NoError(t, r.Register(ToolDefinition{Name: "calc", Handler: echo}))

	tool, err := r.Resolve("weather")
	require.NoError(t, err)
	assert.Equal(t, "weather", tool.Name())
	assert.Equal(t, "Current weather", tool.Spec().Description)
	assert.JSONEq(t, addSchema, string(tool.Spec().Parameters))

	_, err = r.Resolve("nope")
	assert.ErrorIs(t, err, ErrToolNotFound)

	names := []string{}
	for _, tl := range r.List() {
		names = append(names, tl.Name())
	}
	assert.Equal(t, []string{"calc", "weather"}, names)
}

func TestRegistry_RejectsBadDefinitions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{Name: "calc", Handler: echo}))

	assert.ErrorIs(t, r.Register(ToolDefinition{Name: "calc", Handler: echo}), ErrDuplicateName)
	assert.Error(t, r.Register(ToolDefinition{Name: "", Handler: echo}))
	assert.Error(t, r.Register(ToolDefinition{Name: "has space", Handler: echo}))
	assert.Error(t, r.Register(ToolDefinition{Name: "nohandler"}))
	assert.Error(t, r.Register(ToolDefinition{Name: "badschema", Handler: echo, Schema: []byte(`{"type":`)}))
	assert.Panics(t, func() { r.MustRegister(ToolDefinition{Name: "calc", Handler: echo}) })
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Seal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{Name: "calc", Handler: echo}))
	r.Seal()

	assert.True(t, r.Sealed())
	assert.ErrorIs(t, r.Register(ToolDefinition{Name: "late", Handler: echo}), ErrRegistrySealed)

	// Concurrent readers after sealing.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve("calc")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestRegistry_PrefixAndSpecs(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"fs_read", "fs_write", "calc"} {
		require.NoError(t, r.Register(ToolDefinition{Name: name, Handler: echo}))
	}

	fs := r.WithPrefix("fs_")
	require.Len(t, fs, 2)
	assert.Equal(t, "fs_read", fs[0].Name())

	all, err := r.Specs()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	some, err := r.Specs("calc", "fs_write")
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "calc", some[0].Name)

	_, err = r.Specs("calc", "ghost")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestRegistry_ClosedSchemas(t *testing.T) {
	r := NewRegistry(WithClosedSchemas())
	require.NoError(t, r.Register(ToolDefinition{Name: "add", Schema: []byte(addSchema), Handler: echo}))

	tool, err := r.Resolve("add")
	require.NoError(t, err)

	vs := violationsOf(t, tool.Schema().Validate([]byte(`{"a":1,"b":2,"c":3}`)))
	require.Len(t, vs, 1)
	assert.Equal(t, "$.c", vs[0].Path)
}
