// Package ollama is a small client for the Ollama HTTP API. It serves as both
// the embedding backend for indexing and queries and the text generation
// backend for answers.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Defaults used when Options leave a field empty.
const (
	DefaultEmbedModel    = "nomic-embed-text"
	DefaultGenerateModel = "llama2"
	DefaultTimeout       = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	BaseURL       string
	EmbedModel    string
	GenerateModel string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// Client talks to a single Ollama server.
type Client struct {
	baseURL       string
	embedModel    string
	generateModel string
	client        *http.Client
}

// New creates an Ollama client. Requests are traced through otelhttp.
func New(opts Options) *Client {
	if opts.EmbedModel == "" {
		opts.EmbedModel = DefaultEmbedModel
	}
	if opts.GenerateModel == "" {
		opts.GenerateModel = DefaultGenerateModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		embedModel:    opts.EmbedModel,
		generateModel: opts.GenerateModel,
		client:        hc,
	}
}

// Model returns the generation model name.
func (c *Client) Model() string { return c.generateModel }

// StatusError is returned when Ollama answers with a non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ollama: status %d", e.Code)
	}
	return fmt.Sprintf("ollama: status %d: %s", e.Code, e.Body)
}

// HTTPStatus reports the upstream status code.
func (e *StatusError) HTTPStatus() int { return e.Code }

// Ping checks the server is reachable by listing local models.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: ping: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: ping: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// postJSON sends in to path and decodes the 200 response into out.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
