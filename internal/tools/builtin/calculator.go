package builtin

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/internal/tools/calc"
)

func calculatorTool() tools.Tool {
	return tools.Tool{
		Name: "calculator",
		Description: "Evaluate an arithmetic expression. Supports + - * / % ^, parentheses, pi, e and the functions " +
			strings.Join(calc.Functions(), ", ") + ".",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"expression": {"type": "string", "minLength": 1, "description": "Expression, e.g. sqrt(2) * 10"}
			},
			"required": ["expression"]
		}`),
		Status: "Crunching numbers...",
		Handler: func(ctx context.Context, call tools.Call) (any, error) {
			var args struct {
				Expression string `json:"expression"`
			}
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			result, err := calc.Eval(args.Expression)
			if err != nil {
				return nil, tools.Errorf("cannot evaluate %q: %v", args.Expression, err)
			}
			return map[string]any{"expression": args.Expression, "result": result}, nil
		},
	}
}
