package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/concierge/internal/tools"
)

const translateSystem = "You are a translator. Translate the user's text into the requested language. " +
	"Reply with the translation only, preserving formatting."

func translateTool(completer Completer, model string) tools.Tool {
	return tools.Tool{
		Name:        "translate_text",
		Description: "Translate text into another language.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "minLength": 1},
				"target_language": {"type": "string", "minLength": 1, "description": "Language name or code, e.g. Spanish or es"},
				"source_language": {"type": "string", "description": "Optional source language"}
			},
			"required": ["text", "target_language"]
		}`),
		Status: "Translating...",
		Handler: func(ctx context.Context, call tools.Call) (any, error) {
			var args struct {
				Text           string `json:"text"`
				TargetLanguage string `json:"target_language"`
				SourceLanguage string `json:"source_language"`
			}
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			prompt := fmt.Sprintf("Translate into %s:\n\n%s", args.TargetLanguage, args.Text)
			if args.SourceLanguage != "" {
				prompt = fmt.Sprintf("Translate from %s into %s:\n\n%s", args.SourceLanguage, args.TargetLanguage, args.Text)
			}
			out, err := completer.QuickChat(ctx, model, translateSystem, prompt)
			if err != nil {
				return nil, fmt.Errorf("translate: %w", err)
			}
			return map[string]any{
				"translation":     strings.TrimSpace(out),
				"target_language": args.TargetLanguage,
			}, nil
		},
	}
}
