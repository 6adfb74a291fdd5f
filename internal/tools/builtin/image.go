package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/concierge/internal/tools"
)

// ImageGenerator is satisfied by *openai.Client.
type ImageGenerator interface {
	CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error)
}

// ImageToolName is metered per caller per day by the registry.
const ImageToolName = "generate_image"

func imageTool(images ImageGenerator, model, defaultSize string) tools.Tool {
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	if defaultSize == "" {
		defaultSize = openai.CreateImageSize1024x1024
	}
	return tools.Tool{
		Name:        ImageToolName,
		Description: "Generate an image from a text description. Returns a URL to the image.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt": {"type": "string", "minLength": 1, "maxLength": 4000},
				"size": {"type": "string", "enum": ["1024x1024", "1792x1024", "1024x1792"]},
				"quality": {"type": "string", "enum": ["standard", "hd"]}
			},
			"required": ["prompt"]
		}`),
		Status: "Generating the image...",
		Handler: func(ctx context.Context, call tools.Call) (any, error) {
			var args struct {
				Prompt  string `json:"prompt"`
				Size    string `json:"size"`
				Quality string `json:"quality"`
			}
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			if args.Size == "" {
				args.Size = defaultSize
			}
			if args.Quality == "" {
				args.Quality = openai.CreateImageQualityStandard
			}
			resp, err := images.CreateImage(ctx, openai.ImageRequest{
				Prompt:         args.Prompt,
				Model:          model,
				N:              1,
				Size:           args.Size,
				Quality:        args.Quality,
				ResponseFormat: openai.CreateImageResponseFormatURL,
				User:           call.CallerID,
			})
			if err != nil {
				return nil, fmt.Errorf("image generation failed: %w", err)
			}
			if len(resp.Data) == 0 || resp.Data[0].URL == "" {
				return nil, tools.Errorf("image generation returned no image")
			}
			return map[string]any{
				"url":            resp.Data[0].URL,
				"revised_prompt": resp.Data[0].RevisedPrompt,
			}, nil
		},
	}
}
