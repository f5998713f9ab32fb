package ollama

import (
	"context"
	"fmt"
)

type generateReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResp struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs a single non-streaming completion for prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	var result generateResp
	if err := c.postJSON(ctx, "/api/generate", generateReq{Model: c.generateModel, Prompt: prompt}, &result); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return result.Response, nil
}
