// Package openai adapts an OpenAI-compatible API to the embedding and
// generation ports, as an alternative to a local Ollama server.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Config holds the provider settings.
type Config struct {
	APIKey     string
	BaseURL    string
	EmbedModel string
	ChatModel  string
	Dimensions int
}

// Client embeds and generates through an OpenAI-compatible API.
type Client struct {
	client     *openai.Client
	embedModel openai.EmbeddingModel
	chatModel  string
	dimensions int
}

// New creates a client. An empty BaseURL keeps the library default.
func New(cfg Config) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = string(openai.SmallEmbedding3)
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}
	return &Client{
		client:     openai.NewClientWithConfig(clientCfg),
		embedModel: openai.EmbeddingModel(cfg.EmbedModel),
		chatModel:  cfg.ChatModel,
		dimensions: cfg.Dimensions,
	}
}

// Model returns the chat model name.
func (c *Client) Model() string { return c.chatModel }

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input:          []string{text},
		Model:          c.embedModel,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}
	if c.dimensions > 0 {
		req.Dimensions = c.dimensions
	}

	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", wrapAPIError(err))
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embed: empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

// Generate sends prompt as a single user message and returns the reply.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", wrapAPIError(err))
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai generate: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Ping checks API availability via ListModels.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("openai: list models: %w", wrapAPIError(err))
	}
	return nil
}

// StatusError carries the upstream HTTP status of a failed API call.
type StatusError struct {
	Code    int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return e.Err }

// HTTPStatus reports the upstream status code.
func (e *StatusError) HTTPStatus() int { return e.Code }

func wrapAPIError(err error) error {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := extractDetail(reqErr.Body)
		if msg == "" {
			msg = string(reqErr.Body)
		}
		return &StatusError{Code: reqErr.HTTPStatusCode, Message: msg, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Code: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	return err
}

// extractDetail reads the "detail" field some compatible providers use.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		return parsed.Detail
	}
	return ""
}
