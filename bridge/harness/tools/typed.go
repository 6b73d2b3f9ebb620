package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

// TypedHandler is a tool handler whose arguments are decoded into T.
type TypedHandler[T any] func(ctx context.Context, args T) (any, error)

// Typed adapts fn to ports.Handler. Arguments have already passed schema validation
// by the time they reach fn.
func Typed[T any](fn TypedHandler[T]) ports.Handler {
	return ports.HandlerFunc(func(ctx context.Context, args ports.Value) (any, error) {
		var in T
		if err := args.Decode(&in); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return fn(ctx, in)
	})
}

// ReflectSchema derives a closed, inline JSON schema for T from its struct tags.
func ReflectSchema[T any]() []byte {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	var zero T
	schema := reflector.Reflect(zero)
	schema.Version = ""
	schema.ID = ""

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("reflect schema for %T: %v", zero, err))
	}
	return data
}
