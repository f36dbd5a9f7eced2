// Package anthropic provides a messages API client with conversational
// memory built in. The API family carries the system prompt in a
// dedicated top-level field rather than inside the messages array, so
// recall context is appended to that field and stored system turns are
// never re-injected as messages.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	memori "github.com/memorilabs/memori-go"
)

// DefaultBaseURL is the Anthropic API base; the /messages path is
// appended automatically.
const DefaultBaseURL = "https://api.anthropic.com/v1"

// DefaultMaxTokens is sent when no cap is configured; the messages API
// requires one on every request.
const DefaultMaxTokens = 1024

// apiVersion is the anthropic-version header sent with every request.
const apiVersion = "2023-06-01"

// method keys the payload adapter that parses this client's exchanges.
const method = "messages.create"

// ErrStreamingUnsupported is returned by ChatStream: streamed message
// accumulation is not implemented for this API family.
var ErrStreamingUnsupported = errors.New("anthropic: streaming responses are not supported")

// Client is a messages API client. The zero value is not usable;
// construct with New. A Client is safe for concurrent use after Install.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	title   string
	http    *http.Client

	temperature *float64
	topP        *float64
	maxTokens   int

	ic        *memori.Interceptor
	installed bool
}

// Option configures a Client at New time.
type Option func(*Client)

// WithBaseURL points the client at a compatible service or proxy.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client (timeouts, proxies).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTitle labels stored exchanges with a deployment name. The wire
// identity stays "anthropic", so payload parsing is unaffected.
func WithTitle(title string) Option {
	return func(c *Client) { c.title = title }
}

// WithTemperature sets the sampling temperature sent with every request.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = &t }
}

// WithTopP sets nucleus sampling sent with every request.
func WithTopP(p float64) Option {
	return func(c *Client) { c.topP = &p }
}

// WithMaxTokens caps the completion length (default DefaultMaxTokens).
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// New creates a client for the given model.
func New(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		apiKey:    apiKey,
		model:     model,
		baseURL:   DefaultBaseURL,
		title:     "anthropic",
		http:      &http.Client{},
		maxTokens: DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider key.
func (c *Client) Name() string { return "anthropic" }

// Install attaches a memory handle. The first install wins; later calls
// and nil handles are no-ops.
func (c *Client) Install(m *memori.Memori) {
	if c.installed || m == nil {
		return
	}
	c.ic = m.Interceptor()
	c.installed = true
}

// --- Wire types ---

// messagesRequest is the outbound messages API body.
type messagesRequest struct {
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens"`
	Messages    []memori.Message `json:"messages"`
	System      string           `json:"system,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
}

// MessagesResponse is the messages API response.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one part of a response ("text" blocks carry the reply).
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage is the token accounting block.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Text returns the reply text: every "text" content block concatenated.
func (r *MessagesResponse) Text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// --- Calls ---

// Create sends one messages API request and returns the full response.
// system may be empty. With a handle installed the memory pipeline runs
// around the request; a persistence failure surfaces as an error even
// though the completion itself succeeded.
func (c *Client) Create(ctx context.Context, system string, messages []memori.Message) (*MessagesResponse, error) {
	start := time.Now()
	prep := c.prepare(ctx, messages, system)

	body := messagesRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Messages:    prep.Messages,
		System:      prep.System,
		Temperature: c.temperature,
		TopP:        c.topP,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	resp, err := c.sendHTTP(ctx, raw)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.httpErr(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}

	var out MessagesResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	if err := c.record(ctx, prep, raw, data, out.Text(), start); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chat sends the messages and returns the assistant's reply text. A
// leading "system" message is hoisted into the top-level system field
// this API family expects.
func (c *Client) Chat(ctx context.Context, messages []memori.Message) (string, error) {
	system := ""
	if len(messages) > 0 && messages[0].Role == "system" {
		system = messages[0].Content
		messages = messages[1:]
	}
	resp, err := c.Create(ctx, system, messages)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// ChatStream closes ch and reports ErrStreamingUnsupported.
func (c *Client) ChatStream(ctx context.Context, messages []memori.Message, ch chan<- string) (string, error) {
	close(ch)
	return "", ErrStreamingUnsupported
}

// prepare runs the pre-call pipeline when a handle is installed;
// otherwise the caller's request passes through untouched.
func (c *Client) prepare(ctx context.Context, messages []memori.Message, system string) memori.Prepared {
	if c.ic == nil {
		return memori.Prepared{Messages: messages, System: system}
	}
	return c.ic.Before(ctx, memori.FamilySystem, messages, system)
}

// record hands the completed exchange to the post-call pipeline.
func (c *Client) record(ctx context.Context, prep memori.Prepared, rawQuery, rawResponse json.RawMessage, assistantText string, start time.Time) error {
	if c.ic == nil {
		return nil
	}
	info := memori.ClientInfo{Provider: "anthropic", Title: c.title, Version: c.model}
	return c.ic.After(ctx, info, method, prep, rawQuery, rawResponse, assistantText, start, time.Now())
}

// sendHTTP posts the marshaled body to the messages endpoint.
func (c *Client) sendHTTP(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", apiVersion)
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}
	return resp, nil
}

// httpErr drains a failed response into a typed error.
func (c *Client) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &memori.HTTPError{Status: resp.StatusCode, Body: string(body)}
}

var _ memori.Provider = (*Client)(nil)
