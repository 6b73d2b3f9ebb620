package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness"
)

// CalcArgs are the arguments of the calculator tool.
type CalcArgs struct {
	A  float64 `json:"a" jsonschema:"description=Left operand"`
	B  float64 `json:"b" jsonschema:"description=Right operand"`
	Op string  `json:"op,omitempty" jsonschema:"enum=add,enum=sub,enum=mul,enum=div,default=add,description=Operation to apply"`
}

var ErrDivisionByZero = errors.New("division by zero")

// Calc evaluates a single arithmetic operation.
func Calc(_ context.Context, args CalcArgs) (any, error) {
	switch args.Op {
	case "", "add":
		return args.A + args.B, nil
	case "sub":
		return args.A - args.B, nil
	case "mul":
		return args.A * args.B, nil
	case "div":
		if args.B == 0 {
			return nil, ErrDivisionByZero
		}
		return args.A / args.B, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", args.Op)
	}
}

// CalcTool returns the registry definition of the calculator.
func CalcTool() harness.ToolDefinition {
	return harness.ToolDefinition{
		Name:        "calc",
		Description: "Evaluate a + b, a - b, a * b or a / b. Defaults to addition.",
		Schema:      ReflectSchema[CalcArgs](),
		Handler:     Typed(Calc),
		Cacheable:   true,
	}
}
