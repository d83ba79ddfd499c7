package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"penny/internal/llm"
)

// ImageTool generates an image from a prompt via the LLM backend.
type ImageTool struct {
	client llm.Client
	model  string
}

// NewImageTool creates the image generation tool.
func NewImageTool(client llm.Client, model string) *ImageTool {
	return &ImageTool{client: client, model: model}
}

func (t *ImageTool) Name() string { return "generate_image" }

func (t *ImageTool) Definition() llm.ToolDefinition {
	params, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "Description of the image to generate",
			},
		},
		"required": []string{"prompt"},
	})
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        "generate_image",
			Description: "Generate an image from a text description.",
			Parameters:  params,
		},
	}
}

func (t *ImageTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	prompt := strings.TrimSpace(StringArg(args, "prompt"))
	if prompt == "" {
		return Result{Kind: ResultError, Err: fmt.Errorf("generate_image requires a prompt")}, nil
	}
	image, err := t.client.GenerateImage(ctx, t.model, prompt)
	if err != nil {
		return Result{Kind: ResultError, Err: err}, nil
	}
	return Result{Kind: ResultImage, Text: "image generated", ImageBase64: image}, nil
}
