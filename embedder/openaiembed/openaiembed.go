// Package openaiembed adapts the OpenAI embeddings API to the
// memori.Embedder interface. It batches every call into a single
// request and works against compatible services via WithBaseURL.
package openaiembed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	memori "github.com/memorilabs/memori-go"
)

// DefaultBaseURL is the OpenAI API base; the /embeddings path is
// appended automatically.
const DefaultBaseURL = "https://api.openai.com/v1"

// DefaultDimensions matches text-embedding-3-small output width.
const DefaultDimensions = 1536

// Embedder calls the OpenAI embeddings endpoint. Construct with New.
type Embedder struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client

	dims     int
	sendDims bool
}

// Option configures an Embedder at New time.
type Option func(*Embedder)

// WithBaseURL points the embedder at a compatible service.
func WithBaseURL(url string) Option {
	return func(e *Embedder) { e.baseURL = strings.TrimRight(url, "/") }
}

// WithDimensions requests reduced-width vectors from models that
// support it, and adjusts what Dimensions reports.
func WithDimensions(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.dims = n
			e.sendDims = true
		}
	}
}

// WithHTTPClient sets a custom HTTP client (timeouts, proxies).
func WithHTTPClient(h *http.Client) Option {
	return func(e *Embedder) {
		if h != nil {
			e.http = h
		}
	}
}

// New creates an embedder for the given model, e.g.
// "text-embedding-3-small".
func New(apiKey, model string, opts ...Option) *Embedder {
	e := &Embedder{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultBaseURL,
		http:    &http.Client{},
		dims:    DefaultDimensions,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the model identifier; it keys the process-wide embedder
// cache.
func (e *Embedder) Name() string { return e.model }

// Dimensions returns the vector width Embed produces.
func (e *Embedder) Dimensions() int { return e.dims }

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order. The service
// reports an index per vector; results are placed by it rather than by
// arrival order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body := embedRequest{Model: e.model, Input: texts}
	if e.sendDims {
		body.Dimensions = e.dims
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openaiembed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("openaiembed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openaiembed: send request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openaiembed: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &memori.HTTPError{Status: resp.StatusCode, Body: string(data)}
	}

	var parsed embedResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("openaiembed: decode response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("openaiembed: got %d embeddings for %d inputs", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("openaiembed: embedding index %d out of range", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}

var _ memori.Embedder = (*Embedder)(nil)
